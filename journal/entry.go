package journal

import (
	"time"

	"github.com/FahadSec/sapling/scm"
	"github.com/google/uuid"
)

// Position is an opaque cursor denoting a point in a Log's history.
// Positions are totally ordered within the Log instance which minted them,
// and are never reused. A Position minted by a different instance (such as
// a prior run of the daemon) is detectably foreign: range queries over it
// fail with ErrUnknownInstance rather than returning an empty result.
type Position struct {
	// Instance identifies the minting Log.
	Instance uuid.UUID
	// Sequence of the most recent Entry covered by this Position.
	// Zero is the initial sentinel of an empty Log.
	Sequence int64
}

// IsZero returns whether the Position is unset.
func (p Position) IsZero() bool { return p == Position{} }

// Status is the net disposition of a path within a queried range.
type Status int8

const (
	// Added paths did not exist at the range start and exist at its end.
	Added Status = iota
	// Modified paths existed at both ends of the range, with content that
	// may differ.
	Modified
	// Removed paths existed at the range start and do not exist at its end.
	Removed
)

// String returns the lowercase name of the Status.
func (s Status) String() string {
	switch s {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "invalid"
	}
}

// ChangeRecord is one path-level change: a working-copy path and its Status.
type ChangeRecord struct {
	Path   string
	Status Status
}

// Checkout records a snapshot transition: the working copy switched its
// active backing tree from one snapshot to another. The path-level changes
// it implies are derived at query time by tree comparison, rather than
// enumerated into the Entry.
type Checkout struct {
	From, To scm.TreeID
}

// Batch is one coalesced group of mutations submitted for append: raw
// path-level changes, an optional snapshot transition, or both.
type Batch struct {
	Changes  []ChangeRecord
	Checkout *Checkout
}

// Entry is one appended Batch. Entries are immutable once appended, and are
// evicted oldest-first when the Log exceeds its retention bounds.
type Entry struct {
	// Sequence assigned at append, strictly increasing.
	Sequence int64
	// Time of the append, used for age-based retention.
	Time time.Time

	Changes  []ChangeRecord
	Checkout *Checkout
}
