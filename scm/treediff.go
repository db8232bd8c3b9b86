package scm

import (
	"context"
	"sort"

	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// ChangeKind classifies one path of a tree-pair diff.
type ChangeKind int8

const (
	// KindAdded marks a path present only in the newer tree.
	KindAdded ChangeKind = iota
	// KindModified marks a path present in both trees with differing content.
	KindModified
	// KindRemoved marks a path present only in the older tree.
	KindRemoved
)

// String returns the lowercase name of the ChangeKind.
func (k ChangeKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Change is one path-level difference between two trees.
type Change struct {
	Path string
	Kind ChangeKind
}

// Differ computes recursive structural diffs of Store trees. Subtrees with
// equal IDs are skipped without enumeration, so the cost of a diff is
// proportional to the changed portion of the namespace rather than its size.
//
// A directory is reported removed (or added) along with every one of its
// descendants: a directory whose last child disappears across the pair is
// itself a removal.
type Differ struct {
	store Store
}

// NewDiffer returns a Differ over |store|.
func NewDiffer(store Store) *Differ { return &Differ{store: store} }

// Diff returns the Changes of the |from| → |to| transition, ordered by path.
// The zero TreeID denotes the empty tree, so Diff("", id) enumerates |id|
// in full as additions.
func (d *Differ) Diff(ctx context.Context, from, to TreeID) ([]Change, error) {
	var out []Change
	var err = d.diffTrees(ctx, "", from, to, &out)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *Differ) diffTrees(ctx context.Context, prefix string, from, to TreeID, out *[]Change) error {
	if from == to {
		return nil
	}
	var fromTree, err = d.store.GetTree(ctx, from)
	if err != nil {
		return errors.WithMessagef(err, "resolving tree %s", from)
	}
	toTree, err := d.store.GetTree(ctx, to)
	if err != nil {
		return errors.WithMessagef(err, "resolving tree %s", to)
	}

	for name, fromEntry := range fromTree.Entries {
		var path = join(prefix, name)
		var toEntry, ok = toTree.Entries[name]

		switch {
		case !ok:
			if err = d.emitAll(ctx, path, fromEntry, KindRemoved, out); err != nil {
				return err
			}
		case fromEntry == toEntry:
			// Unchanged. Skip without recursion.
		case fromEntry.Tree && toEntry.Tree:
			if err = d.diffTrees(ctx, path, fromEntry.ID, toEntry.ID, out); err != nil {
				return err
			}
		case !fromEntry.Tree && !toEntry.Tree:
			*out = append(*out, Change{Path: path, Kind: KindModified})
		default:
			// The entry changed type. Report the old form removed in full,
			// and the new form added in full.
			if err = d.emitAll(ctx, path, fromEntry, KindRemoved, out); err != nil {
				return err
			}
			if err = d.emitAll(ctx, path, toEntry, KindAdded, out); err != nil {
				return err
			}
		}
	}

	for name, toEntry := range toTree.Entries {
		if _, ok := fromTree.Entries[name]; ok {
			continue
		}
		if err = d.emitAll(ctx, join(prefix, name), toEntry, KindAdded, out); err != nil {
			return err
		}
	}
	return nil
}

// emitAll records |path| with |kind|, recursing to cover every descendant
// when the entry is a subtree.
func (d *Differ) emitAll(ctx context.Context, path string, entry TreeEntry, kind ChangeKind, out *[]Change) error {
	*out = append(*out, Change{Path: path, Kind: kind})

	if !entry.Tree {
		return nil
	}
	var tree, err = d.store.GetTree(ctx, entry.ID)
	if err != nil {
		return errors.WithMessagef(err, "resolving tree %s", entry.ID)
	}
	for name, child := range tree.Entries {
		if err = d.emitAll(ctx, join(path, name), child, kind, out); err != nil {
			return err
		}
	}
	return nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// CachingDiffer wraps a Differ with an LRU cache of tree-pair results.
// Checkouts commonly bounce between a small working set of snapshots, and
// tree resolution may reach out to the backing store, so repeated pairs
// are served from memory.
type CachingDiffer struct {
	differ *Differ
	cache  *lru.Cache
}

// NewCachingDiffer returns a CachingDiffer over |store| holding up to
// |size| recent tree-pair results.
func NewCachingDiffer(store Store, size int) (*CachingDiffer, error) {
	var cache, err = lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingDiffer{differ: NewDiffer(store), cache: cache}, nil
}

// Diff returns the Changes of the |from| → |to| transition, ordered by path.
// The returned slice is shared with the cache and must not be mutated.
func (cd *CachingDiffer) Diff(ctx context.Context, from, to TreeID) ([]Change, error) {
	var key = string(from) + "\x00" + string(to)

	if cached, ok := cd.cache.Get(key); ok {
		return cached.([]Change), nil
	}
	var changes, err = cd.differ.Diff(ctx, from, to)
	if err != nil {
		return nil, err
	}
	cd.cache.Add(key, changes)
	return changes, nil
}
