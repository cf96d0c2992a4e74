package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope carried by every transport binding. Authority-originated
// broadcasts carry SyncVersion and ServerTimestamp; client-originated messages
// leave both zero.
type Message struct {
	Type            MessageType     `json:"type"`
	RoomID          string          `json:"room_id,omitempty"`
	MemberID        string          `json:"member_id,omitempty"`
	SyncVersion     uint64          `json:"sync_version,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp,omitempty"` // unix millis
	Data            json.RawMessage `json:"data,omitempty"`
}

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	MessageTypePlay         MessageType = "play"
	MessageTypePause        MessageType = "pause"
	MessageTypeSeek         MessageType = "seek"
	MessageTypeMediaChange  MessageType = "media-change"
	MessageTypeSyncRequest  MessageType = "sync-request"
	MessageTypeSyncResponse MessageType = "sync-response"
	MessageTypeRoomState    MessageType = "room-state"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeQuality      MessageType = "connection-quality"
	MessageTypeUserJoined   MessageType = "user-joined"
	MessageTypeUserLeft     MessageType = "user-left"
	MessageTypeVoteRequest  MessageType = "conflict-vote"
	MessageTypeVoteResponse MessageType = "conflict-vote-response"
	MessageTypeError        MessageType = "error"
)

// PlayPayload resumes playback at a position.
type PlayPayload struct {
	Position float64 `json:"position"`
	ClientTs int64   `json:"client_ts"`
}

// PausePayload halts playback at a position.
type PausePayload struct {
	Position float64 `json:"position"`
	ClientTs int64   `json:"client_ts"`
}

// SeekPayload jumps to a position without changing the play/pause state.
type SeekPayload struct {
	Position float64 `json:"position"`
	ClientTs int64   `json:"client_ts"`
}

// MediaChangePayload switches the room to a different media item.
type MediaChangePayload struct {
	MediaID  string `json:"media_id"`
	ClientTs int64  `json:"client_ts"`
}

// SyncRequestPayload asks the authority for a full state snapshot.
type SyncRequestPayload struct{}

// SyncResponsePayload carries a full state snapshot back to one member.
type SyncResponsePayload struct {
	State SyncState `json:"state"`
}

// RoomStatePayload is sent to a member on join: the canonical state, the
// current member roster, and the room's sync policy.
type RoomStatePayload struct {
	State    SyncState    `json:"state"`
	Members  []MemberInfo `json:"members"`
	Settings SyncSettings `json:"settings"`
}

// SyncSettings advertises the room's configured sync policy to joining
// members. Zero fields mean the member keeps its own defaults.
type SyncSettings struct {
	DriftIntervalMs  int64   `json:"drift_interval_ms,omitempty"`
	SyncTolerance    float64 `json:"sync_tolerance,omitempty"`
	ConflictStrategy string  `json:"conflict_strategy,omitempty"`
}

// MemberInfo is the roster entry shape shared over the wire.
type MemberInfo struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	CanControl  bool   `json:"can_control"`
	IsHost      bool   `json:"is_host"`
}

// PingPayload is a liveness/latency probe.
type PingPayload struct {
	ClientTs int64 `json:"client_ts"`
}

// PongPayload echoes a ping with the responder's clock.
type PongPayload struct {
	ClientTs int64 `json:"client_ts"`
	ServerTs int64 `json:"server_ts"`
}

// QualityPayload reports a member's measured connection quality.
type QualityPayload struct {
	LatencyMs int64  `json:"latency_ms"`
	Quality   string `json:"quality"`
}

// UserJoinedPayload announces a member entering the room.
type UserJoinedPayload struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
}

// UserLeftPayload announces a member leaving the room.
type UserLeftPayload struct {
	MemberID string `json:"member_id"`
}

// VoteRequestPayload solicits peers' current state views for a conflict.
type VoteRequestPayload struct {
	ConflictID string `json:"conflict_id"`
}

// VoteResponsePayload is a peer's vote: its currently-held state.
type VoteResponsePayload struct {
	ConflictID string    `json:"conflict_id"`
	State      SyncState `json:"state"`
}

// ErrorPayload is delivered to the offending sender only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage builds an envelope with a marshaled payload. Marshaling the
// payload types above cannot fail, so errors are swallowed into an empty body.
func NewMessage(t MessageType, roomID, memberID string, payload any) *Message {
	data, _ := json.Marshal(payload)
	return &Message{
		Type:     t,
		RoomID:   roomID,
		MemberID: memberID,
		Data:     data,
	}
}

// Stamp annotates an envelope with the authority's version and clock, making
// it an authority-originated broadcast.
func (m *Message) Stamp(version uint64, serverTime time.Time) *Message {
	m.SyncVersion = version
	m.ServerTimestamp = serverTime.UnixMilli()
	return m
}

// Supersedes reports whether this message must be applied given the last
// version the receiver applied. Anything not strictly newer is discarded;
// replaying an old message after a newer one never mutates state.
func (m *Message) Supersedes(lastApplied uint64) bool {
	return m.SyncVersion > lastApplied
}

// ParsePayload decodes the Data field into the payload struct for the
// message's type. Unknown types return (nil, nil).
func ParsePayload(m *Message) (any, error) {
	switch m.Type {
	case MessageTypePlay:
		var p PlayPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypePause:
		var p PausePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeSeek:
		var p SeekPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeMediaChange:
		var p MediaChangePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeSyncRequest:
		return SyncRequestPayload{}, nil

	case MessageTypeSyncResponse:
		var p SyncResponsePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeRoomState:
		var p RoomStatePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypePing:
		var p PingPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypePong:
		var p PongPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeQuality:
		var p QualityPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeUserJoined:
		var p UserJoinedPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeUserLeft:
		var p UserLeftPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeVoteRequest:
		var p VoteRequestPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeVoteResponse:
		var p VoteResponsePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeError:
		var p ErrorPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, nil
	}
}
