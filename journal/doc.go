// Package journal implements the in-memory mutation journal of a mounted
// working copy. The Log is a bounded, append-only sequence of Entries, each
// a coalesced batch of path-level changes, and allocates the monotonically
// increasing Positions which clients hold as change cursors. The Differ
// computes the net path → status mapping between two Positions, expanding
// checkout entries through an injected tree comparison and folding raw
// records through an explicit coalescing table (ChangeSet).
//
// The Log detects cursors minted by another Log instance (for example,
// before a daemon restart) and fails them with ErrUnknownInstance rather
// than silently returning an empty range.
package journal
