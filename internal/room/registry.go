package room

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Config holds the registry's tunables.
type Config struct {
	// EventLogCapacity bounds the per-room event ring.
	EventLogCapacity int
	// TeardownGrace is how long an empty room's state survives before the
	// room is discarded.
	TeardownGrace time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		EventLogCapacity: 200,
		TeardownGrace:    30 * time.Second,
	}
}

// Registry owns every room and is the single mutation authority. Rooms
// mutate independently: each apply locks only its own room, so a fault or a
// slow event in one room never blocks another.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	clock clockwork.Clock
	cfg   Config

	graceTimersMu sync.Mutex
	graceTimers   map[string]*graceTimer

	eventsApplied atomic.Uint64
	roomsTornDown atomic.Uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock clockwork.Clock, cfg Config) *Registry {
	if cfg.EventLogCapacity <= 0 {
		cfg.EventLogCapacity = DefaultConfig().EventLogCapacity
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = DefaultConfig().TeardownGrace
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		clock:       clock,
		cfg:         cfg,
		graceTimers: make(map[string]*graceTimer),
	}
}

// Join adds a member to a room, creating the room on first join. The first
// joiner becomes host. A member rejoining after a disconnect is reactivated
// with its permissions refreshed. Returns the snapshot the joiner should
// receive.
func (reg *Registry) Join(roomID string, member Member) (protocol.RoomStatePayload, error) {
	// Held through the member insert: a teardown that fired concurrently
	// either completed before this join (the joiner gets a fresh room) or
	// waits here and then sees an active member and aborts.
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		r = &Room{
			id:      roomID,
			hostID:  member.ID,
			state:   protocol.InitialState(),
			members: make(map[string]*Member),
			log:     newEventLog(reg.cfg.EventLogCapacity),
		}
		reg.rooms[roomID] = r
		log.Info().Str("room_id", roomID).Str("host_id", member.ID).Msg("room created")
	}

	reg.cancelTeardown(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	member.Active = true
	member.LastSeen = reg.clock.Now()
	if existing, ok := r.members[member.ID]; ok {
		existing.Active = true
		existing.ConnectionID = member.ConnectionID
		existing.DisplayName = member.DisplayName
		existing.CanControl = member.CanControl
		existing.LastSeen = member.LastSeen
	} else {
		m := member
		r.members[member.ID] = &m
	}

	log.Info().
		Str("room_id", roomID).
		Str("member_id", member.ID).
		Int("active_members", r.activeCount()).
		Msg("member joined room")

	return protocol.RoomStatePayload{State: r.state, Members: r.roster()}, nil
}

// Leave marks a member inactive. The member record is retained so a
// reconnect within the recovery window can be recognized. When the last
// active member leaves, teardown is scheduled after the grace period.
func (reg *Registry) Leave(roomID, memberID string) error {
	r, err := reg.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	m, ok := r.members[memberID]
	if !ok {
		r.mu.Unlock()
		return ErrMemberNotFound
	}
	m.Active = false
	m.LastSeen = reg.clock.Now()
	empty := r.activeCount() == 0
	r.mu.Unlock()

	log.Info().Str("room_id", roomID).Str("member_id", memberID).Msg("member left room")

	if empty {
		reg.scheduleTeardown(roomID)
	}
	return nil
}

// Apply validates and applies one control event, assigning the next sync
// version and stamping the authority's clock. The returned state is what the
// caller must broadcast. On permission failure nothing is mutated and the
// error goes to the sender only.
func (reg *Registry) Apply(roomID, memberID string, ev ControlEvent) (protocol.SyncState, error) {
	r, err := reg.room(roomID)
	if err != nil {
		return protocol.SyncState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return protocol.SyncState{}, ErrMemberNotFound
	}
	if !m.CanControl && memberID != r.hostID {
		log.Debug().
			Str("room_id", roomID).
			Str("member_id", memberID).
			Str("event", string(ev.Type)).
			Msg("control event rejected: permission denied")
		return protocol.SyncState{}, ErrPermissionDenied
	}
	if ev.Position < 0 {
		ev.Position = 0
	}

	switch ev.Type {
	case EventPlay:
		r.state.Position = ev.Position
		r.state.IsPlaying = true
	case EventPause:
		r.state.Position = ev.Position
		r.state.IsPlaying = false
	case EventSeek:
		r.state.Position = ev.Position
	case EventMediaChange:
		r.state.MediaID = ev.MediaID
		r.state.Position = 0
		r.state.IsPlaying = false
	default:
		return protocol.SyncState{}, ErrInvalidEvent
	}

	r.state.SyncVersion++
	r.state.ServerTimestamp = reg.clock.Now().UnixMilli()
	m.LastSeen = reg.clock.Now()

	r.log.append(SyncEvent{
		Type:            ev.Type,
		ActingMemberID:  memberID,
		Position:        r.state.Position,
		SyncVersion:     r.state.SyncVersion,
		ServerTimestamp: r.state.ServerTimestamp,
	})
	reg.eventsApplied.Add(1)

	log.Debug().
		Str("room_id", roomID).
		Str("member_id", memberID).
		Str("event", string(ev.Type)).
		Uint64("sync_version", r.state.SyncVersion).
		Float64("position", r.state.Position).
		Msg("control event applied")

	return r.state, nil
}

// AdoptRemote applies a state stamped by another authority instance (the
// event bridge). The version gate makes duplicate or reordered delivery
// harmless: anything not strictly newer is discarded.
func (reg *Registry) AdoptRemote(roomID string, state protocol.SyncState) error {
	r, err := reg.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if state.SyncVersion <= r.state.SyncVersion {
		log.Debug().
			Str("room_id", roomID).
			Uint64("incoming", state.SyncVersion).
			Uint64("current", r.state.SyncVersion).
			Msg("discarding stale remote state")
		return ErrStaleVersion
	}
	r.state = state
	return nil
}

// RecordResolution logs a conflict resolution against the room without
// re-stamping a new version: the winning state already carries one.
func (reg *Registry) RecordResolution(roomID string, winner protocol.SyncState) {
	r, err := reg.room(roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.append(SyncEvent{
		Type:            EventConflictResolved,
		Position:        winner.Position,
		SyncVersion:     winner.SyncVersion,
		ServerTimestamp: reg.clock.Now().UnixMilli(),
	})
}

// Snapshot returns the room's canonical state for a new or returning joiner.
func (reg *Registry) Snapshot(roomID string) (protocol.SyncState, error) {
	r, err := reg.room(roomID)
	if err != nil {
		return protocol.SyncState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

// Members returns the active roster for a room.
func (reg *Registry) Members(roomID string) ([]protocol.MemberInfo, error) {
	r, err := reg.room(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roster(), nil
}

// Member returns a copy of one member record, active or not.
func (reg *Registry) Member(roomID, memberID string) (Member, error) {
	r, err := reg.room(roomID)
	if err != nil {
		return Member{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return *m, nil
}

// UpdateHealth records a member's measured latency and quality band and
// refreshes its liveness timestamp.
func (reg *Registry) UpdateHealth(roomID, memberID string, latencyMs int64, quality string) {
	r, err := reg.room(roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[memberID]; ok {
		m.LatencyMs = latencyMs
		m.Quality = quality
		m.LastSeen = reg.clock.Now()
	}
}

// Events returns the room's bounded event log, oldest first.
func (reg *Registry) Events(roomID string) ([]SyncEvent, error) {
	r, err := reg.room(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.recent(), nil
}

// Close cancels every pending teardown timer. Rooms themselves are
// garbage-collected with the registry.
func (reg *Registry) Close() {
	reg.graceTimersMu.Lock()
	defer reg.graceTimersMu.Unlock()
	for roomID, t := range reg.graceTimers {
		t.stop()
		log.Debug().Str("room_id", roomID).Msg("cancelled teardown timer on shutdown")
	}
	reg.graceTimers = make(map[string]*graceTimer)
}

// Stats reports registry-level counters.
func (reg *Registry) Stats() map[string]any {
	reg.mu.RLock()
	roomCount := len(reg.rooms)
	reg.mu.RUnlock()
	return map[string]any{
		"rooms":           roomCount,
		"events_applied":  reg.eventsApplied.Load(),
		"rooms_torn_down": reg.roomsTornDown.Load(),
	}
}

func (reg *Registry) room(roomID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// scheduleTeardown arms the grace timer for an empty room, replacing any
// timer already pending for it.
func (reg *Registry) scheduleTeardown(roomID string) {
	gt := &graceTimer{timer: reg.clock.NewTimer(reg.cfg.TeardownGrace), cancel: make(chan struct{})}

	reg.graceTimersMu.Lock()
	if existing, ok := reg.graceTimers[roomID]; ok {
		existing.stop()
	}
	reg.graceTimers[roomID] = gt
	reg.graceTimersMu.Unlock()

	go func() {
		select {
		case <-gt.cancel:
			return
		case <-gt.timer.Chan():
		}

		reg.graceTimersMu.Lock()
		if reg.graceTimers[roomID] != gt {
			// Replaced or cancelled while firing.
			reg.graceTimersMu.Unlock()
			return
		}
		delete(reg.graceTimers, roomID)
		reg.graceTimersMu.Unlock()

		reg.teardownIfEmpty(roomID)
	}()

	log.Debug().
		Str("room_id", roomID).
		Dur("grace", reg.cfg.TeardownGrace).
		Msg("room empty, teardown scheduled")
}

// cancelTeardown disarms a pending teardown, if any. Called on join.
func (reg *Registry) cancelTeardown(roomID string) {
	reg.graceTimersMu.Lock()
	defer reg.graceTimersMu.Unlock()
	if t, ok := reg.graceTimers[roomID]; ok {
		t.stop()
		delete(reg.graceTimers, roomID)
		log.Debug().Str("room_id", roomID).Msg("teardown cancelled, member returned")
	}
}

func (reg *Registry) teardownIfEmpty(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := r.activeCount() == 0
	r.mu.Unlock()
	if !empty {
		return
	}
	delete(reg.rooms, roomID)
	reg.roomsTornDown.Add(1)
	log.Info().Str("room_id", roomID).Msg("room torn down after grace period")
}

// graceTimer pairs a teardown timer with a cancellation channel so the
// goroutine watching it always exits, fired or not.
type graceTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

func (g *graceTimer) stop() {
	if !g.timer.Stop() {
		select {
		case <-g.timer.Chan():
		default:
		}
	}
	close(g.cancel)
}
