package protocol

import "time"

// SyncState is a room's canonical playback state at a point in time.
// SyncVersion totally orders mutations within a room; receivers apply a state
// only if its version is strictly greater than the one they hold.
type SyncState struct {
	Position        float64 `json:"position"`      // seconds, >= 0
	IsPlaying       bool    `json:"is_playing"`
	PlaybackRate    float64 `json:"playback_rate"` // > 0
	SyncVersion     uint64  `json:"sync_version"`
	ServerTimestamp int64   `json:"server_timestamp"` // unix millis at last mutation
	MediaID         string  `json:"media_id,omitempty"`
}

// InitialState is the state a room starts with on first join.
func InitialState() SyncState {
	return SyncState{
		Position:     0,
		IsPlaying:    false,
		PlaybackRate: 1,
		SyncVersion:  0,
	}
}

// PositionAt extrapolates where playback should be at the given wall-clock
// time, assuming the state has been advancing undisturbed since its stamp.
// Paused states do not advance. The result is clamped to zero.
func (s SyncState) PositionAt(now time.Time) float64 {
	pos := s.Position
	if s.IsPlaying {
		elapsed := float64(now.UnixMilli()-s.ServerTimestamp) / 1000.0
		pos += elapsed * s.PlaybackRate
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// StampedAt returns the state's ServerTimestamp as a time.Time.
func (s SyncState) StampedAt() time.Time {
	return time.UnixMilli(s.ServerTimestamp)
}
