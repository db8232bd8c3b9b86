package journal

import "errors"

var (
	// ErrPositionTooOld is returned when a range query references entries
	// already evicted by retention. The caller must resynchronize from a
	// fresh Head position; the error is never retried internally.
	ErrPositionTooOld = errors.New("position too old: entries evicted by retention")

	// ErrUnknownInstance is returned when a Position was minted by a
	// different Log instance, as after a daemon restart. The caller must
	// discard the stale cursor.
	ErrUnknownInstance = errors.New("position belongs to an unknown journal instance")
)
