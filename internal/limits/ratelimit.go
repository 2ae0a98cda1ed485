// Package limits provides connection admission control: rate limits on new
// connections and inbound messages, and a resource guard that refuses work
// when the process runs hot.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiterConfig bounds connection attempts per IP and system-wide.
// Zero values take the listed defaults.
type ConnRateLimiterConfig struct {
	IPRate      float64       // sustained conns/sec per IP (default 5)
	IPBurst     int           // burst per IP (default 10)
	IPTTL       time.Duration // idle IPs dropped after this (default 5m)
	GlobalRate  float64       // sustained conns/sec total (default 100)
	GlobalBurst int           // burst total (default 200)
}

func (c ConnRateLimiterConfig) withDefaults() ConnRateLimiterConfig {
	if c.IPRate <= 0 {
		c.IPRate = 5
	}
	if c.IPBurst <= 0 {
		c.IPBurst = 10
	}
	if c.IPTTL <= 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = 100
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 200
	}
	return c
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnRateLimiter applies a global token bucket first, then a per-IP one.
// Idle per-IP entries are reaped by a background ticker.
type ConnRateLimiter struct {
	cfg    ConnRateLimiterConfig
	global *rate.Limiter
	logger zerolog.Logger

	mu  sync.Mutex
	ips map[string]*ipLimiter

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConnRateLimiter builds the limiter and starts its cleanup loop.
func NewConnRateLimiter(cfg ConnRateLimiterConfig, logger zerolog.Logger) *ConnRateLimiter {
	cfg = cfg.withDefaults()
	l := &ConnRateLimiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger: logger.With().Str("component", "conn_rate_limiter").Logger(),
		ips:    make(map[string]*ipLimiter),
		stop:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from ip may proceed.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("global connection rate exceeded")
		return false
	}

	l.mu.Lock()
	entry, ok := l.ips[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)}
		l.ips[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("per-ip connection rate exceeded")
		return false
	}
	return true
}

// Stop terminates the cleanup loop.
func (l *ConnRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IPTTL)
			l.mu.Lock()
			for ip, entry := range l.ips {
				if entry.lastSeen.Before(cutoff) {
					delete(l.ips, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// NewMessageLimiter returns the per-session inbound token bucket.
func NewMessageLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 100
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
