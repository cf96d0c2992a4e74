package room

import "errors"

var (
	// ErrRoomNotFound is returned for operations on a room that was never
	// created or has been torn down.
	ErrRoomNotFound = errors.New("room not found")

	// ErrMemberNotFound is returned when the acting member is not part of
	// the room.
	ErrMemberNotFound = errors.New("member not found in room")

	// ErrPermissionDenied is returned to the sender of a control event who
	// lacks playback control rights. The room state is not mutated and
	// nothing is broadcast.
	ErrPermissionDenied = errors.New("member lacks playback control permission")

	// ErrStaleVersion marks an event or state whose sync version is not
	// strictly greater than the last one applied. Stale input is discarded,
	// never escalated to conflict resolution.
	ErrStaleVersion = errors.New("sync version not newer than last applied")

	// ErrInvalidEvent is returned for control events that fail validation,
	// such as a non-positive playback rate.
	ErrInvalidEvent = errors.New("invalid control event")
)
