package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults for the connection gate.
const (
	// ConnPerIPPerMinute caps connection attempts per source IP over a
	// sliding one-minute window.
	ConnPerIPPerMinute = 3
	ipEntryTTL         = 5 * time.Minute
	cleanupInterval    = time.Minute
)

// ConnectionGate provides DoS protection for the accept path.
//
// Two levels:
//   - Per-IP: a sliding window of 3 connections per minute.
//   - Global: a token bucket smoothing system-wide accept rate.
type ConnectionGate struct {
	mu       sync.Mutex
	perIP    map[string]*ipEntry
	ipLimit  int
	ipSpan   time.Duration
	ipTTL    time.Duration
	global   *rate.Limiter
	logger   zerolog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

type ipEntry struct {
	window     *Window
	lastAccess time.Time
}

// ConnectionGateConfig holds gate configuration. Zero values take the
// documented defaults.
type ConnectionGateConfig struct {
	IPLimit     int           // connections per IP per span (default 3)
	IPSpan      time.Duration // sliding window span (default 1 minute)
	GlobalRate  float64       // sustained accepts/sec system-wide (default 50)
	GlobalBurst int           // burst accepts system-wide (default 300)
	Logger      zerolog.Logger
}

// NewConnectionGate creates the gate and starts its cleanup loop.
func NewConnectionGate(config ConnectionGateConfig) *ConnectionGate {
	if config.IPLimit == 0 {
		config.IPLimit = ConnPerIPPerMinute
	}
	if config.IPSpan == 0 {
		config.IPSpan = time.Minute
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}

	g := &ConnectionGate{
		perIP:   make(map[string]*ipEntry),
		ipLimit: config.IPLimit,
		ipSpan:  config.IPSpan,
		ipTTL:   ipEntryTTL,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:  config.Logger.With().Str("component", "connection_gate").Logger(),
		stop:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether a connection attempt from ip may proceed.
func (g *ConnectionGate) Allow(ip string) bool {
	if !g.global.Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}

	now := time.Now()
	g.mu.Lock()
	entry, ok := g.perIP[ip]
	if !ok {
		entry = &ipEntry{window: NewWindow(g.ipLimit, g.ipSpan)}
		g.perIP[ip] = entry
	}
	entry.lastAccess = now
	g.mu.Unlock()

	if !entry.window.Allow(now) {
		g.logger.Debug().Str("ip", ip).Int("limit", g.ipLimit).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func (g *ConnectionGate) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

func (g *ConnectionGate) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for ip, entry := range g.perIP {
		if now.Sub(entry.lastAccess) > g.ipTTL {
			delete(g.perIP, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (g *ConnectionGate) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}
