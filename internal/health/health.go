// Package health measures connection latency and classifies it into quality
// bands that feed adaptive sync tolerance and stale-session eviction.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Quality is a coarse connection-quality band.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityForLatency maps a measured latency to its band.
func QualityForLatency(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 250*time.Millisecond:
		return QualityGood
	case latency < 500*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Config holds the monitor's tunables.
type Config struct {
	PingInterval time.Duration
	StaleAfter   time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval: 5 * time.Second,
		StaleAfter:   90 * time.Second,
	}
}

// Monitor tracks one connection's liveness. It periodically emits pings,
// derives latency and quality from the echoed pongs, and declares the
// session stale when no liveness signal arrives within StaleAfter.
//
// The same type serves both ends of the protocol: a client feeds it pongs,
// the authority feeds it the pings it receives.
type Monitor struct {
	clock clockwork.Clock
	cfg   Config

	sendPing  func(protocol.PingPayload)
	onQuality func(latency time.Duration, q Quality)
	onStale   func()

	mu       sync.Mutex
	lastSeen time.Time
	latency  time.Duration
	quality  Quality
	stale    bool
}

// NewMonitor constructs a monitor. sendPing may be nil on the authority side,
// where the monitor only watches inbound liveness. onQuality and onStale may
// be nil.
func NewMonitor(clock clockwork.Clock, cfg Config, sendPing func(protocol.PingPayload), onQuality func(time.Duration, Quality), onStale func()) *Monitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Monitor{
		clock:     clock,
		cfg:       cfg,
		sendPing:  sendPing,
		onQuality: onQuality,
		onStale:   onStale,
		lastSeen:  clock.Now(),
		quality:   QualityExcellent,
	}
}

// Run drives the ping and staleness loop until the context is cancelled or
// the session goes stale.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.sendPing != nil {
				m.sendPing(protocol.PingPayload{ClientTs: m.clock.Now().UnixMilli()})
			}
			if m.checkStale() {
				return
			}
		}
	}
}

// HandlePong records a pong echo: latency is the round trip from the
// original client timestamp.
func (m *Monitor) HandlePong(p protocol.PongPayload) {
	latency := time.Duration(m.clock.Now().UnixMilli()-p.ClientTs) * time.Millisecond
	if latency < 0 {
		latency = 0
	}
	m.observe(latency)
}

// Heartbeat records any inbound liveness signal without a latency sample.
// The authority calls this for each ping it receives.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()
}

func (m *Monitor) observe(latency time.Duration) {
	q := QualityForLatency(latency)

	m.mu.Lock()
	m.lastSeen = m.clock.Now()
	m.latency = latency
	changed := q != m.quality
	m.quality = q
	m.mu.Unlock()

	if changed {
		log.Debug().
			Dur("latency", latency).
			Str("quality", string(q)).
			Msg("connection quality changed")
	}
	if m.onQuality != nil {
		m.onQuality(latency, q)
	}
}

// checkStale fires onStale exactly once when the session exceeds StaleAfter
// without a liveness signal, and reports whether the monitor should stop.
func (m *Monitor) checkStale() bool {
	m.mu.Lock()
	if m.stale {
		m.mu.Unlock()
		return true
	}
	silent := m.clock.Now().Sub(m.lastSeen)
	if silent <= m.cfg.StaleAfter {
		m.mu.Unlock()
		return false
	}
	m.stale = true
	m.mu.Unlock()

	log.Warn().Dur("silent", silent).Msg("session stale, forcing disconnect")
	if m.onStale != nil {
		m.onStale()
	}
	return true
}

// Latency returns the last measured latency.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Quality returns the current quality band.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}
