package drift

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/reelsync/reelsync/internal/health"
	"github.com/reelsync/reelsync/internal/protocol"
)

// fakePlayer records the corrections applied to it.
type fakePlayer struct {
	position float64
	playing  bool
	seeks    []float64
	setPlays []bool
}

func (p *fakePlayer) Position() float64 { return p.position }
func (p *fakePlayer) Seek(pos float64) {
	p.position = pos
	p.seeks = append(p.seeks, pos)
}
func (p *fakePlayer) SetPlaying(playing bool) {
	p.playing = playing
	p.setPlays = append(p.setPlays, playing)
}

func playingState(clock clockwork.Clock, position float64) protocol.SyncState {
	return protocol.SyncState{
		Position:        position,
		IsPlaying:       true,
		PlaybackRate:    1.0,
		SyncVersion:     1,
		ServerTimestamp: clock.Now().UnixMilli(),
	}
}

func TestCheck_CorrectsExcessiveDrift(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 118.3}
	d := NewDetector(clock, Config{CheckInterval: 5 * time.Second, Tolerance: 2.0}, player)

	// Canonical state: position 120.0, playing at 1x, stamped now.
	d.Observe(playingState(clock, 120.0))

	// Five seconds later the local player has fallen to 118.3 while the
	// expected position is 125.0: drift 6.7 exceeds the 2s tolerance.
	clock.Advance(5 * time.Second)
	d.Check()

	if len(player.seeks) != 1 {
		t.Fatalf("expected exactly one corrective seek, got %d", len(player.seeks))
	}
	if math.Abs(player.seeks[0]-125.0) > 1e-9 {
		t.Errorf("expected seek to 125.0, got %f", player.seeks[0])
	}
	if len(player.setPlays) != 1 || !player.setPlays[0] {
		t.Errorf("expected play state aligned to playing, got %v", player.setPlays)
	}
	if d.Corrections() != 1 {
		t.Errorf("expected 1 correction counted, got %d", d.Corrections())
	}
}

func TestCheck_NoOpWithinTolerance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 124.2}
	d := NewDetector(clock, Config{Tolerance: 2.0}, player)

	d.Observe(playingState(clock, 120.0))
	clock.Advance(5 * time.Second) // expected 125.0, drift 0.8

	d.Check()

	if len(player.seeks) != 0 {
		t.Errorf("expected no correction within tolerance, got seeks %v", player.seeks)
	}
	if d.ConsumeSuppression() {
		t.Error("no correction must not arm the suppression flag")
	}
}

func TestCheck_PausedStateDoesNotAdvance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 50.0}
	d := NewDetector(clock, Config{Tolerance: 2.0}, player)

	state := playingState(clock, 50.0)
	state.IsPlaying = false
	d.Observe(state)

	clock.Advance(30 * time.Second)
	d.Check()

	if len(player.seeks) != 0 {
		t.Errorf("paused expected position must stay put, got seeks %v", player.seeks)
	}
}

func TestCheck_SkippedDuringUserSeek(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 0}
	d := NewDetector(clock, Config{Tolerance: 2.0}, player)

	d.Observe(playingState(clock, 120.0))
	clock.Advance(5 * time.Second)

	d.BeginSeek()
	d.Check()
	if len(player.seeks) != 0 {
		t.Fatalf("correction must not fight an in-flight user seek, got %v", player.seeks)
	}

	d.EndSeek()
	d.Check()
	if len(player.seeks) != 1 {
		t.Fatalf("correction should resume after the seek ends, got %d seeks", len(player.seeks))
	}
}

func TestConsumeSuppression_OneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 0}
	d := NewDetector(clock, Config{Tolerance: 2.0}, player)

	d.Observe(playingState(clock, 120.0))
	clock.Advance(5 * time.Second)
	d.Check()

	if !d.ConsumeSuppression() {
		t.Fatal("expected suppression armed after a correction")
	}
	if d.ConsumeSuppression() {
		t.Fatal("suppression flag must be one-shot")
	}
}

func TestObserve_StaleVersionDiscarded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDetector(clock, Config{}, &fakePlayer{})

	newer := playingState(clock, 200.0)
	newer.SyncVersion = 5
	if !d.Observe(newer) {
		t.Fatal("first state must be accepted")
	}

	stale := playingState(clock, 999.0)
	stale.SyncVersion = 5
	if d.Observe(stale) {
		t.Error("equal version must be discarded")
	}
	stale.SyncVersion = 3
	if d.Observe(stale) {
		t.Error("older version must be discarded")
	}

	last, _ := d.Last()
	if last.Position != 200.0 {
		t.Errorf("baseline mutated by stale observe: %f", last.Position)
	}
}

func TestTolerance_WidensOnDegradedConnection(t *testing.T) {
	tests := []struct {
		name        string
		quality     health.Quality
		localOffset float64
		wantCorrect bool
	}{
		{"excellent keeps base tolerance", health.QualityExcellent, 3.0, true},
		{"fair doubles tolerance", health.QualityFair, 3.0, false},
		{"fair still corrects past doubled tolerance", health.QualityFair, 5.0, true},
		{"poor triples tolerance", health.QualityPoor, 5.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			player := &fakePlayer{position: 120.0 - tt.localOffset}
			d := NewDetector(clock, Config{Tolerance: 2.0}, player)
			d.SetQuality(tt.quality)

			state := playingState(clock, 120.0)
			state.IsPlaying = false
			d.Observe(state)
			d.Check()

			corrected := len(player.seeks) > 0
			if corrected != tt.wantCorrect {
				t.Errorf("drift %.1f at %s: corrected=%v, want %v", tt.localOffset, tt.quality, corrected, tt.wantCorrect)
			}
		})
	}
}

func TestSetTolerance_ReplacesBase(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 116.0}
	d := NewDetector(clock, Config{Tolerance: 2.0}, player)

	state := playingState(clock, 120.0)
	state.IsPlaying = false
	d.Observe(state)

	// 4s drift exceeds the base tolerance but not a room-advertised 5s one.
	d.SetTolerance(5.0)
	d.Check()
	if len(player.seeks) != 0 {
		t.Fatal("corrected within the widened tolerance")
	}

	d.SetTolerance(3.0)
	d.Check()
	if len(player.seeks) != 1 {
		t.Fatal("no correction after tolerance narrowed below the drift")
	}

	// Non-positive values are ignored.
	d.SetTolerance(0)
	if got := d.cfg.Tolerance; got != 3.0 {
		t.Errorf("tolerance = %f after zero set, want 3.0 retained", got)
	}
}

func TestSetCheckInterval_ResetsRunningTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 0}
	d := NewDetector(clock, Config{CheckInterval: 5 * time.Second, Tolerance: 2.0}, player)
	d.Observe(playingState(clock, 120.0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	d.SetCheckInterval(time.Second)

	// One second now suffices for a tick, which corrects the drifted player.
	clock.Advance(time.Second)

	deadline := time.After(2 * time.Second)
	for d.Corrections() == 0 {
		select {
		case <-deadline:
			t.Fatal("no check ran at the shortened interval")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detector loop did not stop on cancellation")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := &fakePlayer{position: 0}
	d := NewDetector(clock, Config{CheckInterval: 5 * time.Second, Tolerance: 2.0}, player)
	d.Observe(playingState(clock, 120.0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detector loop did not stop on cancellation")
	}
}
