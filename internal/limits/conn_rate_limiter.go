// Package limits guards the broker's intake: per-IP and global token-bucket
// rate limiting of connection attempts.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiterConfig configures the two limiter levels. Zero values are
// replaced with the defaults noted on each field.
type ConnRateLimiterConfig struct {
	IPBurst int           // max burst connections per IP (default 10)
	IPRate  float64       // sustained connections/sec per IP (default 1.0)
	IPTTL   time.Duration // drop idle per-IP limiters after this (default 5m)

	GlobalBurst int     // max burst connections overall (default 300)
	GlobalRate  float64 // sustained connections/sec overall (default 50.0)

	Logger zerolog.Logger
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiter applies per-IP and global token buckets to connection
// attempts. Over-limit attempts are rejected by the caller (the acceptor
// closes the connection immediately).
type ConnRateLimiter struct {
	mu      sync.Mutex
	byIP    map[string]*ipLimiterEntry
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter
	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewConnRateLimiter builds a limiter and starts its idle-entry cleanup
// loop. Call Stop when done.
func NewConnRateLimiter(cfg ConnRateLimiterConfig) *ConnRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnRateLimiter{
		byIP:    make(map[string]*ipLimiterEntry),
		ipBurst: cfg.IPBurst,
		ipRate:  cfg.IPRate,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  cfg.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from ip may proceed. The global bucket
// is consulted first so distributed floods are capped regardless of source.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Connection rejected by global rate limit")
		return false
	}
	l.mu.Lock()
	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.byIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Connection rejected by per-IP rate limit")
		return false
	}
	return true
}

// Stop ends the cleanup loop.
func (l *ConnRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stop)
	})
}

func (l *ConnRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.mu.Lock()
			for ip, entry := range l.byIP {
				if entry.lastAccess.Before(cutoff) {
					delete(l.byIP, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
