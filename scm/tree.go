// Package scm models the versioned tree snapshots backing a working copy,
// and computes recursive structural diffs between them. The journal engine
// consumes it through a narrow TreeDiffer capability, so the production
// backing-store integration and the in-memory Store here are
// interchangeable.
package scm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// TreeID names an immutable source-control tree or blob.
type TreeID string

// IsZero returns whether the TreeID is unset. The zero TreeID denotes the
// empty tree.
func (id TreeID) IsZero() bool { return id == "" }

// TreeEntry is a single named child of a Tree: either a blob (a file, whose
// ID is its content digest) or a subtree.
type TreeEntry struct {
	// Tree indicates the entry is a subtree rather than a blob.
	Tree bool
	// ID of the subtree, or blob content digest.
	ID TreeID
}

// Tree is one level of a versioned namespace: a mapping of child name
// (a single path component) to TreeEntry. Trees are immutable once stored.
type Tree struct {
	Entries map[string]TreeEntry
}

// Store resolves TreeIDs to Trees. Implementations are safe for concurrent
// use. The backing-store integration of the daemon provides the production
// implementation; MemoryStore serves tests and local tooling.
type Store interface {
	GetTree(ctx context.Context, id TreeID) (*Tree, error)
}

// ErrTreeNotFound is returned by a Store for an unknown TreeID.
var ErrTreeNotFound = errors.New("tree not found")

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	trees map[TreeID]*Tree
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trees: make(map[TreeID]*Tree)}
}

// GetTree implements Store. The zero TreeID resolves to the empty tree.
func (s *MemoryStore) GetTree(_ context.Context, id TreeID) (*Tree, error) {
	if id.IsZero() {
		return &Tree{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.trees[id]; ok {
		return t, nil
	}
	return nil, errors.WithMessagef(ErrTreeNotFound, "tree %s", id)
}

// PutTree stores |tree| and returns its computed TreeID. Storing an
// identical Tree twice yields the same TreeID.
func (s *MemoryStore) PutTree(tree *Tree) TreeID {
	var id = treeDigest(tree)

	s.mu.Lock()
	s.trees[id] = tree
	s.mu.Unlock()
	return id
}

// PutFiles builds and stores the nested Trees implied by |files|, a mapping
// of slash-separated path to file content, and returns the root TreeID.
// It's a convenience for constructing snapshot fixtures.
func (s *MemoryStore) PutFiles(files map[string]string) TreeID {
	var root = &dirNode{children: make(map[string]*dirNode)}

	for path, content := range files {
		var node = root
		var parts = strings.Split(path, "/")

		for _, part := range parts[:len(parts)-1] {
			var child, ok = node.children[part]
			if !ok {
				child = &dirNode{children: make(map[string]*dirNode)}
				node.children[part] = child
			}
			node = child
		}
		node.children[parts[len(parts)-1]] = &dirNode{blob: BlobDigest(content)}
	}
	return s.putDir(root)
}

type dirNode struct {
	children map[string]*dirNode
	blob     TreeID
}

func (s *MemoryStore) putDir(node *dirNode) TreeID {
	var tree = &Tree{Entries: make(map[string]TreeEntry)}

	for name, child := range node.children {
		if child.children == nil {
			tree.Entries[name] = TreeEntry{ID: child.blob}
		} else {
			tree.Entries[name] = TreeEntry{Tree: true, ID: s.putDir(child)}
		}
	}
	return s.PutTree(tree)
}

// BlobDigest returns the content-addressed TreeID of a file blob.
func BlobDigest(content string) TreeID {
	var sum = sha1.Sum([]byte(content))
	return TreeID(hex.EncodeToString(sum[:]))
}

// treeDigest derives a content-addressed TreeID over a Tree's sorted entries.
func treeDigest(tree *Tree) TreeID {
	var names = make([]string, 0, len(tree.Entries))
	for name := range tree.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var h = sha1.New()
	for _, name := range names {
		var e = tree.Entries[name]
		h.Write([]byte(name))
		if e.Tree {
			h.Write([]byte{'t'})
		} else {
			h.Write([]byte{'b'})
		}
		h.Write([]byte(e.ID))
		h.Write([]byte{0})
	}
	return TreeID(hex.EncodeToString(h.Sum(nil)))
}
