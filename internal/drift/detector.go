// Package drift reconciles a client's local playback against the last known
// canonical room state. The common case is a cheap no-op: pure local
// arithmetic, no network traffic.
package drift

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/health"
	"github.com/reelsync/reelsync/internal/protocol"
)

// Player is the local playback surface the corrector drives.
type Player interface {
	Position() float64
	Seek(position float64)
	SetPlaying(playing bool)
}

// Config holds the detector's tunables.
type Config struct {
	// CheckInterval is how often local playback is compared to the
	// expected position.
	CheckInterval time.Duration
	// Tolerance is the drift, in seconds, beyond which a correction is
	// applied. Widened under fair/poor connection quality so a jittery
	// link does not cause correction thrashing.
	Tolerance float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		Tolerance:     2.0,
	}
}

// Detector periodically measures drift between the local player and the last
// canonical state and corrects when it exceeds tolerance. One Detector is
// scoped to one client in one room; its suppression flag never leaks across
// rooms.
type Detector struct {
	clock  clockwork.Clock
	cfg    Config
	player Player

	mu           sync.Mutex
	last         protocol.SyncState
	haveState    bool
	suppressNext bool
	seeking      bool
	quality      health.Quality
	ticker       clockwork.Ticker

	corrections atomic.Uint64
}

// NewDetector constructs a detector for one client.
func NewDetector(clock clockwork.Clock, cfg Config, player Player) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	return &Detector{
		clock:   clock,
		cfg:     cfg,
		player:  player,
		quality: health.QualityExcellent,
	}
}

// Observe takes a broadcast state into account. States whose version is not
// strictly newer than the one held are discarded, so replayed or duplicated
// broadcasts never move the baseline backwards.
func (d *Detector) Observe(state protocol.SyncState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.haveState && state.SyncVersion <= d.last.SyncVersion {
		log.Debug().
			Uint64("incoming", state.SyncVersion).
			Uint64("held", d.last.SyncVersion).
			Msg("discarding stale broadcast")
		return false
	}
	d.last = state
	d.haveState = true
	return true
}

// Run drives periodic drift checks until the context is cancelled. Leaving a
// room cancels the context, which stops the ticker.
func (d *Detector) Run(ctx context.Context) {
	d.mu.Lock()
	ticker := d.clock.NewTicker(d.cfg.CheckInterval)
	d.ticker = ticker
	d.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.Check()
		}
	}
}

// Check performs one drift measurement and, if needed, a correction. It is
// skipped entirely while a user seek is in flight so the corrector never
// fights the user.
func (d *Detector) Check() {
	d.mu.Lock()
	if !d.haveState || d.seeking {
		d.mu.Unlock()
		return
	}
	last := d.last
	tolerance := d.effectiveToleranceLocked()
	d.mu.Unlock()

	expected := last.PositionAt(d.clock.Now())
	local := d.player.Position()
	drift := math.Abs(local - expected)

	if drift <= tolerance {
		return
	}

	// Mark the upcoming programmatic seek/play/pause so it is not re-emitted
	// as a user-originated control event.
	d.mu.Lock()
	d.suppressNext = true
	d.mu.Unlock()

	d.player.Seek(expected)
	d.player.SetPlaying(last.IsPlaying)
	d.corrections.Add(1)

	log.Info().
		Float64("local", local).
		Float64("expected", expected).
		Float64("drift", drift).
		Float64("tolerance", tolerance).
		Msg("drift correction applied")
}

// ConsumeSuppression reports whether the next local playback event was
// caused by a correction and must not be emitted. The flag is one-shot.
func (d *Detector) ConsumeSuppression() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.suppressNext
	d.suppressNext = false
	return s
}

// BeginSeek marks a user-initiated seek as in flight; drift checks are
// skipped until EndSeek.
func (d *Detector) BeginSeek() {
	d.mu.Lock()
	d.seeking = true
	d.mu.Unlock()
}

// EndSeek clears the in-flight seek guard.
func (d *Detector) EndSeek() {
	d.mu.Lock()
	d.seeking = false
	d.mu.Unlock()
}

// SetTolerance replaces the base tolerance, typically with the value the
// room advertised on join. Non-positive values are ignored.
func (d *Detector) SetTolerance(tolerance float64) {
	if tolerance <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.Tolerance = tolerance
	d.mu.Unlock()
}

// SetCheckInterval changes the measurement cadence, resetting a running
// ticker. Non-positive values are ignored.
func (d *Detector) SetCheckInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.CheckInterval = interval
	ticker := d.ticker
	d.mu.Unlock()
	if ticker != nil {
		ticker.Reset(interval)
	}
}

// SetQuality feeds the connection quality band into tolerance adaptation.
func (d *Detector) SetQuality(q health.Quality) {
	d.mu.Lock()
	d.quality = q
	d.mu.Unlock()
}

// Last returns the most recent canonical state observed.
func (d *Detector) Last() (protocol.SyncState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.haveState
}

// Corrections returns how many corrections have been applied.
func (d *Detector) Corrections() uint64 {
	return d.corrections.Load()
}

// effectiveToleranceLocked widens the base tolerance on degraded links.
func (d *Detector) effectiveToleranceLocked() float64 {
	switch d.quality {
	case health.QualityFair:
		return d.cfg.Tolerance * 2
	case health.QualityPoor:
		return d.cfg.Tolerance * 3
	default:
		return d.cfg.Tolerance
	}
}
