// Package conflict arbitrates between two legitimately disagreeing state
// views: under a peer transport no single writer is trusted, and even under a
// central authority out-of-order or duplicated delivery can surface a
// divergent view on the client.
package conflict

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Verdict classifies the comparison of an incoming state against the
// currently-held one.
type Verdict int

const (
	// VerdictNone: the views agree within tolerance; nothing to do.
	VerdictNone Verdict = iota
	// VerdictStale: the incoming version is older. Discard it; staleness is
	// handled by the version gate, never escalated to resolution.
	VerdictStale
	// VerdictConflict: the views materially disagree and a winner must be
	// chosen.
	VerdictConflict
)

// Config holds the resolver's tunables.
type Config struct {
	// Tolerance bounds both the timestamp gap and the position gap, in
	// seconds, beyond which two views are in conflict.
	Tolerance float64
	// VoteTimeout bounds consensus vote collection.
	VoteTimeout time.Duration
	// MaxRetries caps resolution attempts per conflict before the current
	// state is force-accepted, guaranteeing liveness.
	MaxRetries int
}

// DefaultConfig returns the resolver defaults.
func DefaultConfig() Config {
	return Config{
		Tolerance:   1.5,
		VoteTimeout: 3 * time.Second,
		MaxRetries:  3,
	}
}

// Resolution is the outcome of one arbitration.
type Resolution struct {
	ConflictID  string
	Winner      protocol.SyncState
	KeptCurrent bool
	// ByDefault marks a forced outcome: vote timeout without quorum, or the
	// retry cap exhausted.
	ByDefault bool
	Reason    string
}

// Resolver arbitrates conflicts under a fixed strategy. requestVotes and
// peerCount are only consulted under StrategyConsensus; requestVotes
// broadcasts a vote solicitation over whatever transport is bound.
type Resolver struct {
	clock clockwork.Clock
	cfg   Config

	requestVotes func(conflictID string)
	peerCount    func() int

	mu       sync.Mutex
	strategy Strategy
	attempts map[string]int
	pending  map[string]chan protocol.SyncState

	resolved atomic.Uint64
}

// NewResolver constructs a resolver. requestVotes and peerCount may be nil
// for the non-consensus strategies.
func NewResolver(clock clockwork.Clock, cfg Config, strategy Strategy, requestVotes func(string), peerCount func() int) *Resolver {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = DefaultConfig().VoteTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Resolver{
		clock:        clock,
		cfg:          cfg,
		strategy:     strategy,
		requestVotes: requestVotes,
		peerCount:    peerCount,
		attempts:     make(map[string]int),
		pending:      make(map[string]chan protocol.SyncState),
	}
}

// Detect compares an incoming state view against the currently-held one.
func (r *Resolver) Detect(incoming, current protocol.SyncState) Verdict {
	if incoming.SyncVersion < current.SyncVersion {
		return VerdictStale
	}

	tsGap := math.Abs(float64(incoming.ServerTimestamp-current.ServerTimestamp)) / 1000.0
	posGap := math.Abs(incoming.Position - current.Position)

	switch {
	case tsGap > r.cfg.Tolerance:
		return VerdictConflict
	case posGap > r.cfg.Tolerance:
		return VerdictConflict
	case incoming.SyncVersion == current.SyncVersion && incoming.ServerTimestamp > current.ServerTimestamp:
		// Duplicate or late delivery of the same version.
		return VerdictConflict
	default:
		return VerdictNone
	}
}

// Resolve arbitrates one detected conflict and returns the winning state.
// Every call resolves: the retry cap and the vote timeout both fall back to
// the current state, so no conflict oscillates indefinitely.
func (r *Resolver) Resolve(ctx context.Context, incoming, current protocol.SyncState) Resolution {
	key := conflictKey(incoming, current)

	r.mu.Lock()
	r.attempts[key]++
	attempt := r.attempts[key]
	r.mu.Unlock()

	if attempt > r.cfg.MaxRetries {
		r.forget(key)
		return r.record(Resolution{
			ConflictID:  key,
			Winner:      current,
			KeptCurrent: true,
			ByDefault:   true,
			Reason:      "retry cap exhausted",
		})
	}

	var res Resolution
	switch r.Strategy() {
	case StrategyServerWins:
		res = Resolution{ConflictID: key, Winner: current, KeptCurrent: true, Reason: "server wins"}

	case StrategyLatestTimestamp:
		res = r.latestTimestamp(key, incoming, current)

	case StrategyConsensus:
		res = r.consensus(ctx, incoming, current)

	default:
		res = Resolution{ConflictID: key, Winner: current, KeptCurrent: true, Reason: "unknown strategy"}
	}

	if !res.ByDefault {
		// Settled cleanly; stop counting retries for this pair.
		r.forget(key)
	}
	return r.record(res)
}

// SubmitVote delivers a peer's vote for a pending consensus round. Votes for
// unknown or already-closed rounds are dropped.
func (r *Resolver) SubmitVote(conflictID string, state protocol.SyncState) {
	r.mu.Lock()
	ch, ok := r.pending[conflictID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- state:
	default:
	}
}

// Resolved returns the number of conflicts arbitrated.
func (r *Resolver) Resolved() uint64 {
	return r.resolved.Load()
}

// Strategy returns the current strategy.
func (r *Resolver) Strategy() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetStrategy replaces the arbitration rule, typically with the one the room
// advertised on join.
func (r *Resolver) SetStrategy(s Strategy) {
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
}

func (r *Resolver) latestTimestamp(key string, incoming, current protocol.SyncState) Resolution {
	if incoming.ServerTimestamp > current.ServerTimestamp {
		return Resolution{ConflictID: key, Winner: incoming, Reason: "latest timestamp"}
	}
	return Resolution{ConflictID: key, Winner: current, KeptCurrent: true, Reason: "latest timestamp"}
}

// consensus broadcasts a vote request and collects peer views for up to
// VoteTimeout. Majority wins; all votes in with no majority falls back to the
// latest timestamp; timeout without quorum keeps current.
func (r *Resolver) consensus(ctx context.Context, incoming, current protocol.SyncState) Resolution {
	id := uuid.New().String()
	peers := 0
	if r.peerCount != nil {
		peers = r.peerCount()
	}
	if peers == 0 || r.requestVotes == nil {
		return Resolution{ConflictID: id, Winner: current, KeptCurrent: true, ByDefault: true, Reason: "no peers to poll"}
	}

	ch := make(chan protocol.SyncState, peers)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.requestVotes(id)

	timer := r.clock.NewTimer(r.cfg.VoteTimeout)
	defer timer.Stop()

	quorum := peers/2 + 1
	tally := make(map[uint64]int)
	byVersion := make(map[uint64]protocol.SyncState)
	received := 0

	for {
		select {
		case <-ctx.Done():
			return Resolution{ConflictID: id, Winner: current, KeptCurrent: true, ByDefault: true, Reason: "cancelled"}

		case vote := <-ch:
			received++
			tally[vote.SyncVersion]++
			byVersion[vote.SyncVersion] = vote

			if tally[vote.SyncVersion] >= quorum {
				winner := byVersion[vote.SyncVersion]
				return Resolution{
					ConflictID:  id,
					Winner:      winner,
					KeptCurrent: winner.SyncVersion == current.SyncVersion,
					Reason:      fmt.Sprintf("majority %d/%d", tally[vote.SyncVersion], peers),
				}
			}
			if received >= peers {
				// Everyone voted, no majority: latest timestamp decides.
				res := r.latestTimestamp(id, incoming, current)
				res.Reason = "no majority, " + res.Reason
				return res
			}

		case <-timer.Chan():
			log.Warn().Str("conflict_id", id).Int("votes", received).Msg("consensus timed out without quorum")
			return Resolution{ConflictID: id, Winner: current, KeptCurrent: true, ByDefault: true, Reason: "vote timeout"}
		}
	}
}

func (r *Resolver) record(res Resolution) Resolution {
	r.resolved.Add(1)
	log.Info().
		Str("conflict_id", res.ConflictID).
		Str("strategy", r.Strategy().String()).
		Bool("kept_current", res.KeptCurrent).
		Bool("by_default", res.ByDefault).
		Str("reason", res.Reason).
		Uint64("winner_version", res.Winner.SyncVersion).
		Msg("conflict resolved")
	return res
}

func (r *Resolver) forget(key string) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}

// conflictKey identifies a conflicting pair for retry accounting. The same
// two views re-presented count against the same cap.
func conflictKey(incoming, current protocol.SyncState) string {
	return fmt.Sprintf("%d:%d:%d:%d", incoming.SyncVersion, incoming.ServerTimestamp, current.SyncVersion, current.ServerTimestamp)
}
