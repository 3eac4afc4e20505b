// Command chatc-loadtest ramps up a population of chat clients against a
// broker, has them publish into shared groups at a fixed rate, and reports
// delivery counters while the load is sustained.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhpt111/chatc/internal/client"
	"github.com/linhpt111/chatc/internal/protocol"
)

type stats struct {
	connected   int64
	failed      int64
	published   int64
	received    int64
	acks        int64
	errors      int64
	disconnects int64
}

func main() {
	var (
		addr       = flag.String("addr", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort), "broker address")
		clients    = flag.Int("clients", 100, "number of concurrent clients")
		rampRate   = flag.Int("ramp", 50, "connections opened per second")
		groups     = flag.Int("groups", 10, "number of shared groups")
		msgRate    = flag.Duration("publish-every", time.Second, "per-client publish interval")
		sustain    = flag.Duration("sustain", 30*time.Second, "how long to hold the load after ramp-up")
		reportTick = flag.Duration("report", 5*time.Second, "reporting interval")
	)
	flag.Parse()

	if *rampRate < 1 {
		*rampRate = 1
	}
	if *groups < 1 {
		*groups = 1
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var s stats
	var wg sync.WaitGroup

	start := time.Now()
	fmt.Printf("ramping %d clients at %d/s against %s (%d groups)\n", *clients, *rampRate, *addr, *groups)

	ramp := time.NewTicker(time.Second / time.Duration(*rampRate))
	defer ramp.Stop()

	for i := 0; i < *clients; i++ {
		select {
		case <-ctx.Done():
			i = *clients
			continue
		case <-ramp.C:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runClient(ctx, &s, logger, clientParams{
				addr:     *addr,
				username: fmt.Sprintf("load-%d", i),
				group:    fmt.Sprintf("load-group-%d", i%*groups),
				interval: *msgRate,
			})
		}(i)
	}

	report := time.NewTicker(*reportTick)
	defer report.Stop()
	deadline := time.After(*sustain)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-report.C:
			fmt.Printf("[%6.1fs] connected=%d failed=%d published=%d received=%d acks=%d errors=%d drops=%d\n",
				time.Since(start).Seconds(),
				atomic.LoadInt64(&s.connected),
				atomic.LoadInt64(&s.failed),
				atomic.LoadInt64(&s.published),
				atomic.LoadInt64(&s.received),
				atomic.LoadInt64(&s.acks),
				atomic.LoadInt64(&s.errors),
				atomic.LoadInt64(&s.disconnects))
		}
	}

	cancel()
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	published := atomic.LoadInt64(&s.published)
	received := atomic.LoadInt64(&s.received)
	fmt.Printf("done in %.1fs: published=%d (%.0f/s) received=%d (%.0f/s) failed_conns=%d errors=%d\n",
		elapsed, published, float64(published)/elapsed, received, float64(received)/elapsed,
		atomic.LoadInt64(&s.failed), atomic.LoadInt64(&s.errors))
}

type clientParams struct {
	addr     string
	username string
	group    string
	interval time.Duration
}

// runClient connects one load client, joins its group, and publishes until
// the context ends.
func runClient(ctx context.Context, s *stats, logger zerolog.Logger, p clientParams) {
	handlers := client.Handlers{
		Message: func(_, _, _ string) { atomic.AddInt64(&s.received, 1) },
		Ack:     func(string) { atomic.AddInt64(&s.acks, 1) },
		Error:   func(string) { atomic.AddInt64(&s.errors, 1) },
		Disconnected: func(err error) {
			if err != nil {
				atomic.AddInt64(&s.disconnects, 1)
			}
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, p.addr, p.username, client.Options{Handlers: handlers, Logger: logger})
	cancel()
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		logger.Warn().Err(err).Str("username", p.username).Msg("Connect failed")
		return
	}
	defer c.Close()
	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)

	if err := c.Subscribe(p.group); err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}

	// Spread publishers across the interval so the load is not lockstep.
	jitter := time.Duration(rand.Int63n(int64(p.interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := c.SendGroup(p.group, fmt.Sprintf("%s #%d", p.username, seq)); err != nil {
				atomic.AddInt64(&s.errors, 1)
				return
			}
			atomic.AddInt64(&s.published, 1)
		}
	}
}
