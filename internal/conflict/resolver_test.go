package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/reelsync/reelsync/internal/protocol"
)

func state(version uint64, position float64, stampMs int64) protocol.SyncState {
	return protocol.SyncState{
		Position:        position,
		PlaybackRate:    1,
		SyncVersion:     version,
		ServerTimestamp: stampMs,
	}
}

func TestDetect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewResolver(clock, Config{Tolerance: 1.5}, StrategyServerWins, nil, nil)

	tests := []struct {
		name     string
		incoming protocol.SyncState
		current  protocol.SyncState
		want     Verdict
	}{
		{
			name:     "agreement within tolerance",
			incoming: state(5, 100.0, 10_000),
			current:  state(5, 100.5, 10_400),
			want:     VerdictNone,
		},
		{
			name:     "timestamp gap beyond tolerance",
			incoming: state(6, 100.0, 14_000),
			current:  state(5, 100.0, 10_000),
			want:     VerdictConflict,
		},
		{
			name:     "position gap beyond tolerance",
			incoming: state(6, 107.0, 10_000),
			current:  state(5, 100.0, 10_000),
			want:     VerdictConflict,
		},
		{
			name:     "stale version is discarded not resolved",
			incoming: state(3, 500.0, 99_000),
			current:  state(5, 100.0, 10_000),
			want:     VerdictStale,
		},
		{
			name:     "equal version with newer timestamp is a duplicate conflict",
			incoming: state(5, 100.0, 10_900),
			current:  state(5, 100.0, 10_000),
			want:     VerdictConflict,
		},
		{
			name:     "equal version with older timestamp within tolerance",
			incoming: state(5, 100.0, 9_500),
			current:  state(5, 100.0, 10_000),
			want:     VerdictNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Detect(tt.incoming, tt.current); got != tt.want {
				t.Errorf("expected verdict %v, got %v", tt.want, got)
			}
		})
	}
}

func TestResolve_ServerWins(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewResolver(clock, Config{}, StrategyServerWins, nil, nil)

	incoming := state(6, 200.0, 20_000)
	current := state(5, 100.0, 10_000)

	res := r.Resolve(context.Background(), incoming, current)
	if !res.KeptCurrent {
		t.Error("server-wins must keep the current state")
	}
	if res.Winner.SyncVersion != current.SyncVersion {
		t.Errorf("expected winner version %d, got %d", current.SyncVersion, res.Winner.SyncVersion)
	}
	if r.Resolved() != 1 {
		t.Errorf("expected 1 resolution counted, got %d", r.Resolved())
	}
}

func TestResolve_LatestTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewResolver(clock, Config{}, StrategyLatestTimestamp, nil, nil)

	newer := state(6, 200.0, 20_000)
	older := state(5, 100.0, 10_000)

	res := r.Resolve(context.Background(), newer, older)
	if res.KeptCurrent {
		t.Error("incoming with the later stamp should win")
	}
	if res.Winner.Position != 200.0 {
		t.Errorf("expected winner position 200, got %f", res.Winner.Position)
	}

	res = r.Resolve(context.Background(), older, newer)
	if !res.KeptCurrent {
		t.Error("current with the later stamp should win")
	}
}

func TestResolve_RetryCapForcesCurrent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewResolver(clock, Config{MaxRetries: 3, VoteTimeout: 3 * time.Second}, StrategyConsensus,
		func(string) {}, func() int { return 0 })

	incoming := state(6, 200.0, 20_000)
	current := state(5, 100.0, 10_000)

	// With zero peers every attempt falls back by default, so the attempt
	// counter keeps climbing for the same conflicting pair.
	for i := 0; i < 3; i++ {
		res := r.Resolve(context.Background(), incoming, current)
		if !res.KeptCurrent {
			t.Fatalf("attempt %d: expected fallback to current", i+1)
		}
	}

	res := r.Resolve(context.Background(), incoming, current)
	if !res.ByDefault || !res.KeptCurrent {
		t.Errorf("4th attempt must be forced acceptance of current, got %+v", res)
	}
	if res.Reason != "retry cap exhausted" {
		t.Errorf("expected retry-cap reason, got %q", res.Reason)
	}
}

func TestResolve_ConsensusMajority(t *testing.T) {
	clock := clockwork.NewFakeClock()

	majority := state(7, 300.0, 30_000)
	var r *Resolver
	r = NewResolver(clock, Config{VoteTimeout: 3 * time.Second}, StrategyConsensus,
		func(conflictID string) {
			// Three peers respond; two agree on version 7.
			r.SubmitVote(conflictID, majority)
			r.SubmitVote(conflictID, majority)
			r.SubmitVote(conflictID, state(5, 100.0, 10_000))
		},
		func() int { return 3 })

	res := r.Resolve(context.Background(), state(6, 200.0, 20_000), state(5, 100.0, 10_000))
	if res.ByDefault {
		t.Fatalf("majority outcome must not be a default fallback: %+v", res)
	}
	if res.Winner.SyncVersion != 7 {
		t.Errorf("expected majority version 7 adopted, got %d", res.Winner.SyncVersion)
	}
}

func TestResolve_ConsensusNoMajorityFallsBackToLatestTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var r *Resolver
	r = NewResolver(clock, Config{VoteTimeout: 3 * time.Second}, StrategyConsensus,
		func(conflictID string) {
			// All three peers vote, all for different versions.
			r.SubmitVote(conflictID, state(7, 300.0, 30_000))
			r.SubmitVote(conflictID, state(8, 310.0, 31_000))
			r.SubmitVote(conflictID, state(9, 320.0, 32_000))
		},
		func() int { return 3 })

	incoming := state(6, 200.0, 20_000)
	current := state(5, 100.0, 10_000)
	res := r.Resolve(context.Background(), incoming, current)
	if res.KeptCurrent {
		t.Errorf("latest-timestamp fallback should pick incoming, got %+v", res)
	}
	if res.Winner.SyncVersion != incoming.SyncVersion {
		t.Errorf("expected incoming version %d, got %d", incoming.SyncVersion, res.Winner.SyncVersion)
	}
}

func TestResolve_ConsensusTimeoutKeepsCurrent(t *testing.T) {
	clock := clockwork.NewFakeClock()

	r := NewResolver(clock, Config{VoteTimeout: 3 * time.Second}, StrategyConsensus,
		func(string) {}, // nobody votes
		func() int { return 3 })

	incoming := state(6, 200.0, 20_000)
	current := state(5, 100.0, 10_000)

	resCh := make(chan Resolution, 1)
	go func() {
		resCh <- r.Resolve(context.Background(), incoming, current)
	}()

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)

	select {
	case res := <-resCh:
		if !res.ByDefault || !res.KeptCurrent {
			t.Errorf("timeout must fall back to current by default, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consensus did not resolve after the vote timeout")
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"server-wins", StrategyServerWins, false},
		{"", StrategyServerWins, false},
		{"latest-timestamp", StrategyLatestTimestamp, false},
		{"consensus", StrategyConsensus, false},
		{"coin-flip", StrategyServerWins, true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
