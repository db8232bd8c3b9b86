package journal

import (
	"context"

	"github.com/FahadSec/sapling/scm"
	"github.com/pkg/errors"
)

// TreeDiffer computes the recursive structural diff of two source-control
// trees. It's the journal's capability onto the backing-store integration:
// injected rather than called directly, so the engine is testable against
// synthetic trees. scm.Differ and scm.CachingDiffer implement it.
type TreeDiffer interface {
	Diff(ctx context.Context, from, to scm.TreeID) ([]scm.Change, error)
}

// Differ computes the net path → Status mapping between two Positions of
// a Log.
type Differ struct {
	log   *Log
	trees TreeDiffer
}

// NewDiffer returns a Differ over |log|, expanding checkout entries
// through |trees|.
func NewDiffer(log *Log, trees TreeDiffer) *Differ {
	return &Differ{log: log, trees: trees}
}

// Diff returns the coalesced ChangeSet of entries in range (from, to].
// A zero |to| means the current Log head. Each path appears at most once,
// with its net Status per the coalescing table. Checkout entries are first
// expanded into path-level records by tree comparison, with directory
// removals inferred structurally: a directory is Removed exactly when every
// one of its descendants is Removed by the same transition.
//
// Diff fails with ErrPositionTooOld when the range spans evicted entries,
// ErrUnknownInstance when either Position is foreign to the Log, and
// propagates tree-comparison failures of the backing store. It never
// returns a partial result alongside an error.
func (d *Differ) Diff(ctx context.Context, from, to Position) (ChangeSet, error) {
	if to.IsZero() {
		to = d.log.Head()
	} else if to.Instance != d.log.instance {
		return nil, errors.WithMessagef(ErrUnknownInstance,
			"to-position instance %s, journal instance %s", to.Instance, d.log.instance)
	}

	var entries, err = d.log.EntriesSince(from)
	if err != nil {
		return nil, err
	}

	var cs = make(ChangeSet)
	for _, entry := range entries {
		if entry.Sequence > to.Sequence {
			break
		}
		var recs, err = d.ExpandEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		cs.ApplyAll(recs)
	}
	return cs, nil
}

// ExpandEntry returns the ChangeRecords contributed by |entry|: its raw
// records, preceded by records derived from its Checkout transition
// (if any) via tree comparison.
func (d *Differ) ExpandEntry(ctx context.Context, entry Entry) ([]ChangeRecord, error) {
	if entry.Checkout == nil {
		return entry.Changes, nil
	}
	var changes, err = d.trees.Diff(ctx, entry.Checkout.From, entry.Checkout.To)
	if err != nil {
		return nil, errors.WithMessagef(err, "expanding checkout of entry %d", entry.Sequence)
	}

	var recs = make([]ChangeRecord, 0, len(changes)+len(entry.Changes))
	for _, change := range changes {
		recs = append(recs, ChangeRecord{Path: change.Path, Status: statusOfKind(change.Kind)})
	}
	return append(recs, entry.Changes...), nil
}

func statusOfKind(kind scm.ChangeKind) Status {
	switch kind {
	case scm.KindAdded:
		return Added
	case scm.KindModified:
		return Modified
	case scm.KindRemoved:
		return Removed
	default:
		panic("invalid ChangeKind")
	}
}
