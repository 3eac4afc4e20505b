// Package broker is the TCP chat broker: one goroutine per connection reads
// framed messages and hands them to a single serialized dispatcher that owns
// all registry mutations, persistence, and fan-out writes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhpt111/chatc/internal/bridge"
	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/limits"
	"github.com/linhpt111/chatc/internal/monitoring"
	"github.com/linhpt111/chatc/internal/protocol"
	"github.com/linhpt111/chatc/internal/store"
)

// writeWait bounds how long one fan-out write may block on a slow client
// before the dispatcher gives up on that leg.
const writeWait = 5 * time.Second

// session is one accepted connection. Writes are serialized by writeMu so
// ACKs and fan-out frames never interleave on the wire.
type session struct {
	conn    net.Conn
	remote  string
	writeMu sync.Mutex
	torn    sync.Once
}

// send writes one frame, bounded by writeWait.
func (s *session) send(f *protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return protocol.WriteFrame(s.conn, f)
}

// Stats is a point-in-time snapshot of broker occupancy.
type Stats struct {
	Clients         int
	Topics          int
	ActiveTransfers int
}

// Broker owns the listener, the three registries, the store, and the
// optional NATS bridge.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   *store.Store
	events  *bridge.Bridge
	limiter *limits.ConnRateLimiter

	clients   *clientRegistry
	topics    *topicRegistry
	transfers *transferRegistry

	// dispatchMu serializes frame dispatch across all connections: registry
	// reads and writes, store operations, and every outbound write for one
	// inbound frame happen before the next frame is dispatched.
	dispatchMu sync.Mutex

	listener   net.Listener
	metricsSrv *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	now func() uint64 // injectable clock for tests
}

// New builds a broker from config: opens the CSV store and, when a NATS URL
// is configured, the event bridge. Nothing listens until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Broker, error) {
	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := &Broker{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		clients:   newClientRegistry(),
		topics:    newTopicRegistry(),
		transfers: newTransferRegistry(),
		now:       func() uint64 { return uint64(time.Now().Unix()) },
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if cfg.NATSURL != "" {
		ev, err := bridge.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event bridge: %w", err)
		}
		b.events = ev
	}

	if cfg.RateLimitEnabled {
		b.limiter = limits.NewConnRateLimiter(limits.ConnRateLimiterConfig{
			IPBurst:     cfg.RateLimitIPBurst,
			IPRate:      cfg.RateLimitIPRate,
			GlobalBurst: cfg.RateLimitBurst,
			GlobalRate:  cfg.RateLimitRate,
			Logger:      logger,
		})
	}

	return b, nil
}

// Start binds the chat listener and the metrics endpoint and launches the
// accept loop and the transfer janitor. It returns once listening.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.Addr, err)
	}
	b.listener = ln
	b.logger.Info().Str("addr", ln.Addr().String()).Msg("Broker listening")

	if b.cfg.MetricsAddr != "" {
		b.metricsSrv = &http.Server{Addr: b.cfg.MetricsAddr, Handler: b.metricsMux()}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer monitoring.RecoverPanic(b.logger, "metrics-server", nil)
			if err := b.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	b.wg.Add(1)
	go b.acceptLoop()

	b.wg.Add(1)
	go b.janitorLoop()

	return nil
}

// Addr returns the bound chat listener address.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return b.cfg.Addr
	}
	return b.listener.Addr().String()
}

// Stats reports current occupancy.
func (b *Broker) Stats() Stats {
	return Stats{
		Clients:         b.clients.count(),
		Topics:          b.topics.count(),
		ActiveTransfers: b.transfers.count(),
	}
}

// Shutdown stops accepting, tears down every session, and closes the store
// side resources. Safe to call once.
func (b *Broker) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&b.shuttingDown, 1)
	b.cancel()

	if b.listener != nil {
		b.listener.Close()
	}
	for _, s := range b.clients.snapshot() {
		s.conn.Close()
	}
	if b.metricsSrv != nil {
		if err := b.metricsSrv.Shutdown(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.limiter != nil {
		b.limiter.Stop()
	}
	if b.events != nil {
		b.events.Close()
	}
	b.logger.Info().Msg("Broker stopped")
	return nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "accept-loop", nil)

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&b.shuttingDown) == 1 {
				return
			}
			b.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		if b.limiter != nil {
			ip := remoteIP(conn)
			if !b.limiter.Allow(ip) {
				connectionsRejected.Inc()
				b.logger.Warn().Str("ip", ip).Msg("Connection rejected by rate limiter")
				conn.Close()
				continue
			}
		}
		if b.clients.count() >= b.cfg.MaxConnections {
			connectionsRejected.Inc()
			b.logger.Warn().
				Int("max_connections", b.cfg.MaxConnections).
				Msg("Connection rejected: at capacity")
			conn.Close()
			continue
		}

		connectionsTotal.Inc()
		connectionsActive.Inc()

		s := &session{conn: conn, remote: conn.RemoteAddr().String()}
		b.wg.Add(1)
		go b.readLoop(s)
	}
}

// readLoop reads frames off one connection until error or EOF, dispatching
// each in turn. Framing errors are fatal for the connection.
func (b *Broker) readLoop(s *session) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "read-loop", map[string]any{"remote": s.remote})
	defer connectionsActive.Dec()
	defer b.teardown(s)

	b.logger.Debug().Str("remote", s.remote).Msg("Connection opened")

	for {
		f, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&b.shuttingDown) == 0 {
				b.logger.Debug().Err(err).Str("remote", s.remote).Msg("Read failed")
			}
			return
		}
		if f.Type == protocol.MsgLogout {
			return
		}
		b.dispatch(s, f)
	}
}

// janitorLoop periodically reaps transfers that stopped receiving chunks.
func (b *Broker) janitorLoop() {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "transfer-janitor", nil)

	interval := b.cfg.TransferTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.TransferTimeout)
			for _, id := range b.transfers.reapIdle(cutoff) {
				transfersReaped.Inc()
				b.logger.Warn().Uint32("message_id", id).Msg("Reaped stalled file transfer")
			}
			transfersActive.Set(float64(b.transfers.count()))
		}
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
