package signaling

import "errors"

// Protocol errors. Every one of these is answered with an `error` message
// on a connection that stays open; only transport failure disconnects a
// peer.
var (
	// ErrRoomNotFound indicates the named room does not exist or has
	// already ended.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists indicates a proctor tried to create a second room
	// while already owning an open one.
	ErrRoomExists = errors.New("proctor already owns an open room")

	// ErrRequestNotFound indicates a join request that is not pending,
	// either never made or already resolved by an earlier decision.
	ErrRequestNotFound = errors.New("join request not found")

	// ErrAlreadyParticipant indicates a join request from a peer that has
	// already been admitted to the room.
	ErrAlreadyParticipant = errors.New("peer is already a participant")

	// ErrNotParticipant indicates an action that requires room membership
	// from a peer the room has never admitted.
	ErrNotParticipant = errors.New("peer is not a participant of this room")

	// ErrInvalidResult indicates an exam result submission that cannot be
	// graded, such as a zero or negative total.
	ErrInvalidResult = errors.New("invalid exam result")

	// ErrCodeSpaceExhausted indicates room code generation ran out of
	// retries at both code lengths.
	ErrCodeSpaceExhausted = errors.New("room code space exhausted")
)
