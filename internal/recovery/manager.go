// Package recovery tracks members who drop out of a room and smooths their
// catch-up when they return within the recovery window.
package recovery

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Record is what the manager retains about a disconnected member.
type Record struct {
	RoomID                  string
	MemberID                string
	LastKnownPosition       float64
	DisconnectedAt          time.Time
	SyncVersionAtDisconnect uint64
	WasPlaying              bool
	PlaybackRate            float64
}

// Config holds the manager's tunables.
type Config struct {
	// Window is how long a disconnect record is retained. A member
	// returning later is treated as a fresh joiner.
	Window time.Duration
	// MaxDrift is the largest drift, in seconds, still corrected
	// gradually; beyond it a hard seek is issued.
	MaxDrift float64
	// StepSize is the position increment, in seconds, applied per gradual
	// correction tick.
	StepSize float64
	// StepInterval is the spacing between gradual correction ticks.
	StepInterval time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		Window:       10 * time.Second,
		MaxDrift:     5.0,
		StepSize:     0.5,
		StepInterval: 100 * time.Millisecond,
	}
}

// PlanKind classifies a catch-up plan.
type PlanKind int

const (
	// PlanNone: drift is negligible, no correction.
	PlanNone PlanKind = iota
	// PlanGradual: step toward the target so the jump is not jarring.
	PlanGradual
	// PlanHardSeek: drift is too large for stepping to be useful.
	PlanHardSeek
)

// Plan describes how a returning member's playback should be corrected.
type Plan struct {
	Kind   PlanKind
	From   float64
	Target float64
	Drift  float64
}

type recordKey struct {
	roomID   string
	memberID string
}

// windowTimer pairs a recovery-window timer with a cancellation channel so
// the goroutine watching it always exits, fired or not.
type windowTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

func (w *windowTimer) stop() {
	stopAndDrainTimer(w.timer)
	close(w.cancel)
}

// Manager owns disconnect records and their window timers. Records are
// removed on successful recovery or on timeout, never retained indefinitely.
type Manager struct {
	clock clockwork.Clock
	cfg   Config

	mu      sync.Mutex
	records map[recordKey]Record
	timers  map[recordKey]*windowTimer

	recoveries atomic.Uint64
	timeouts   atomic.Uint64
}

// NewManager constructs an empty manager.
func NewManager(clock clockwork.Clock, cfg Config) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = DefaultConfig().MaxDrift
	}
	if cfg.StepSize <= 0 {
		cfg.StepSize = DefaultConfig().StepSize
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultConfig().StepInterval
	}
	return &Manager{
		clock:   clock,
		cfg:     cfg,
		records: make(map[recordKey]Record),
		timers:  make(map[recordKey]*windowTimer),
	}
}

// TrackDisconnect records a member's last known playback at the moment of
// disconnect and arms the recovery window timer.
func (m *Manager) TrackDisconnect(roomID, memberID string, state protocol.SyncState) {
	now := m.clock.Now()
	key := recordKey{roomID, memberID}
	rec := Record{
		RoomID:                  roomID,
		MemberID:                memberID,
		LastKnownPosition:       state.PositionAt(now),
		DisconnectedAt:          now,
		SyncVersionAtDisconnect: state.SyncVersion,
		WasPlaying:              state.IsPlaying,
		PlaybackRate:            state.PlaybackRate,
	}

	wt := &windowTimer{timer: m.clock.NewTimer(m.cfg.Window), cancel: make(chan struct{})}

	m.mu.Lock()
	m.records[key] = rec
	if existing, ok := m.timers[key]; ok {
		existing.stop()
	}
	m.timers[key] = wt
	m.mu.Unlock()

	go func() {
		select {
		case <-wt.cancel:
			return
		case <-wt.timer.Chan():
		}

		m.mu.Lock()
		if m.timers[key] != wt {
			m.mu.Unlock()
			return
		}
		delete(m.timers, key)
		_, had := m.records[key]
		delete(m.records, key)
		m.mu.Unlock()

		if had {
			m.timeouts.Add(1)
			log.Info().
				Str("room_id", roomID).
				Str("member_id", memberID).
				Msg("recovery window expired, record discarded")
		}
	}()

	log.Info().
		Str("room_id", roomID).
		Str("member_id", memberID).
		Float64("last_position", rec.LastKnownPosition).
		Bool("was_playing", rec.WasPlaying).
		Msg("tracking disconnected member")
}

// Lookup returns the retained record, if any, without consuming it.
func (m *Manager) Lookup(roomID, memberID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{roomID, memberID}]
	return rec, ok
}

// Recover computes the catch-up plan for a returning member against the
// authority's current state and consumes the record. A member with no record
// (or an expired one) gets PlanNone and is handled as a fresh joiner.
func (m *Manager) Recover(roomID, memberID string, authority protocol.SyncState) (Plan, bool) {
	key := recordKey{roomID, memberID}

	m.mu.Lock()
	rec, ok := m.records[key]
	if ok {
		delete(m.records, key)
		if t, tok := m.timers[key]; tok {
			t.stop()
			delete(m.timers, key)
		}
	}
	m.mu.Unlock()

	if !ok {
		return Plan{Kind: PlanNone}, false
	}

	elapsed := m.clock.Now().Sub(rec.DisconnectedAt).Seconds()
	expected := rec.LastKnownPosition
	if rec.WasPlaying {
		expected += elapsed * rec.PlaybackRate
	}
	drift := math.Abs(authority.Position - expected)

	plan := Plan{From: expected, Target: authority.Position, Drift: drift}
	switch {
	case drift < m.cfg.StepSize:
		plan.Kind = PlanNone
	case drift <= m.cfg.MaxDrift:
		plan.Kind = PlanGradual
	default:
		plan.Kind = PlanHardSeek
	}

	m.recoveries.Add(1)
	log.Info().
		Str("room_id", roomID).
		Str("member_id", memberID).
		Float64("expected", expected).
		Float64("authority", authority.Position).
		Float64("drift", drift).
		Int("plan", int(plan.Kind)).
		Msg("member recovered within window")

	return plan, true
}

// RunGradual steps from the plan's starting position toward its target,
// invoking apply for every progress tick and finishing with an exact final
// sync. Hard-seek and no-op plans invoke apply at most once.
func (m *Manager) RunGradual(ctx context.Context, plan Plan, apply func(position float64, final bool)) {
	switch plan.Kind {
	case PlanNone:
		return
	case PlanHardSeek:
		apply(plan.Target, true)
		return
	}

	ticker := m.clock.NewTicker(m.cfg.StepInterval)
	defer ticker.Stop()

	pos := plan.From
	step := m.cfg.StepSize
	if plan.Target < plan.From {
		step = -step
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pos += step
			if math.Abs(plan.Target-pos) < m.cfg.StepSize {
				apply(plan.Target, true)
				return
			}
			if pos < 0 {
				pos = 0
			}
			apply(pos, false)
		}
	}
}

// Tracked returns how many disconnect records are currently held.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Recoveries returns how many members recovered within the window.
func (m *Manager) Recoveries() uint64 { return m.recoveries.Load() }

// Timeouts returns how many records expired unrecovered.
func (m *Manager) Timeouts() uint64 { return m.timeouts.Load() }

// Close cancels every window timer and drops all records.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.stop()
		log.Debug().
			Str("room_id", key.roomID).
			Str("member_id", key.memberID).
			Msg("cancelled recovery timer on shutdown")
	}
	m.timers = make(map[recordKey]*windowTimer)
	m.records = make(map[recordKey]Record)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
