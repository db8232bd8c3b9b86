package journal

import "sort"

// mergeOutcome is one cell of the coalescing table: the net Status which
// results from folding an incoming Status into an existing one, or a drop
// of the path from the result entirely.
type mergeOutcome struct {
	status Status
	drop   bool
}

// mergeTable is the per-path coalescing rule, keyed by
// [existing Status][incoming Status]. Notably:
//   - Added then Removed nets to nothing: within the queried range the path
//     never existed for the caller, and is dropped.
//   - Removed then Added nets to Modified: the path existed at the range
//     start and exists at its end, with content that may differ.
//   - A path still Added remains Added through subsequent modification.
var mergeTable = [3][3]mergeOutcome{
	Added: {
		Added:    {status: Added},
		Modified: {status: Added},
		Removed:  {drop: true},
	},
	Modified: {
		Added:    {status: Modified},
		Modified: {status: Modified},
		Removed:  {status: Removed},
	},
	Removed: {
		Added:    {status: Modified},
		Modified: {status: Modified},
		Removed:  {status: Removed},
	},
}

// ChangeSet accumulates the net Status of each path across a range of
// Entries. Records must be applied in ascending Entry sequence order.
type ChangeSet map[string]Status

// Apply folds |rec| into the ChangeSet under the coalescing rule.
func (cs ChangeSet) Apply(rec ChangeRecord) {
	var prev, ok = cs[rec.Path]
	if !ok {
		cs[rec.Path] = rec.Status
		return
	}
	if out := mergeTable[prev][rec.Status]; out.drop {
		delete(cs, rec.Path)
	} else {
		cs[rec.Path] = out.status
	}
}

// ApplyAll folds each of |recs| into the ChangeSet, in order.
func (cs ChangeSet) ApplyAll(recs []ChangeRecord) {
	for _, rec := range recs {
		cs.Apply(rec)
	}
}

// Records returns the ChangeSet as ChangeRecords ordered by path.
func (cs ChangeSet) Records() []ChangeRecord {
	var out = make([]ChangeRecord, 0, len(cs))
	for path, status := range cs {
		out = append(out, ChangeRecord{Path: path, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
