package room

import (
	"sync"
	"time"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Member is a room participant. Members are marked inactive on leave rather
// than deleted, so a returning member can be recognized for recovery.
type Member struct {
	ID           string
	DisplayName  string
	ConnectionID string
	CanControl   bool
	Active       bool
	LastSeen     time.Time
	LatencyMs    int64
	Quality      string
}

// Info converts the member to its wire roster shape.
func (m *Member) Info(hostID string) protocol.MemberInfo {
	return protocol.MemberInfo{
		MemberID:    m.ID,
		DisplayName: m.DisplayName,
		CanControl:  m.CanControl,
		IsHost:      m.ID == hostID,
	}
}

// EventType classifies an applied room event.
type EventType string

const (
	EventPlay             EventType = "play"
	EventPause            EventType = "pause"
	EventSeek             EventType = "seek"
	EventMediaChange      EventType = "media_change"
	EventConflictResolved EventType = "conflict_resolved"
)

// ControlEvent is a validated client intent handed to the authority.
type ControlEvent struct {
	Type     EventType
	Position float64
	MediaID  string
	ClientTs int64
}

// SyncEvent is a bounded-log entry recording one applied mutation.
type SyncEvent struct {
	Type            EventType `json:"type"`
	ActingMemberID  string    `json:"acting_member_id"`
	Position        float64   `json:"position"`
	SyncVersion     uint64    `json:"sync_version"`
	ServerTimestamp int64     `json:"server_timestamp"`
}

// eventLog is a fixed-capacity ring of the most recent room events.
type eventLog struct {
	entries []SyncEvent
	next    int
	full    bool
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 200
	}
	return &eventLog{entries: make([]SyncEvent, capacity)}
}

func (l *eventLog) append(e SyncEvent) {
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// recent returns the logged events oldest-first.
func (l *eventLog) recent() []SyncEvent {
	if !l.full {
		out := make([]SyncEvent, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]SyncEvent, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

func (l *eventLog) len() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Room holds one synchronization group's canonical state. All mutation goes
// through the owning Registry, which locks the room's mutex for the full
// apply, so version assignment and state update are atomic and events for a
// room never interleave.
type Room struct {
	mu      sync.Mutex
	id      string
	hostID  string
	state   protocol.SyncState
	members map[string]*Member
	log     *eventLog
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// activeCount counts members currently connected.
func (r *Room) activeCount() int {
	n := 0
	for _, m := range r.members {
		if m.Active {
			n++
		}
	}
	return n
}

func (r *Room) roster() []protocol.MemberInfo {
	out := make([]protocol.MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		if m.Active {
			out = append(out, m.Info(r.hostID))
		}
	}
	return out
}
