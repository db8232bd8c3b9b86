package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Retention bounds the Log. A zero field disables that bound, but at least
// one bound must be set: the Log is in-memory and must not grow without
// limit.
type Retention struct {
	// MaxEntries retained, oldest evicted first.
	MaxEntries int
	// MaxAge an Entry may reach before eviction.
	MaxAge time.Duration
}

// Validate returns an error if the Retention is malformed.
func (r Retention) Validate() error {
	if r.MaxEntries < 0 {
		return errors.Errorf("invalid MaxEntries (%d; expected >= 0)", r.MaxEntries)
	} else if r.MaxAge < 0 {
		return errors.Errorf("invalid MaxAge (%s; expected >= 0)", r.MaxAge)
	} else if r.MaxEntries == 0 && r.MaxAge == 0 {
		return errors.New("at least one of MaxEntries or MaxAge must be set")
	}
	return nil
}

// Log is the append-only journal of one mounted working copy. A single
// ingestion path appends serially; any number of concurrent readers may
// call Head, Tail, and EntriesSince without blocking appends beyond a
// short critical section.
type Log struct {
	instance  uuid.UUID
	retention Retention

	mu      sync.RWMutex
	entries []Entry       // Ascending, contiguous Sequences.
	head    int64         // Sequence of the latest append; 0 if none yet.
	condCh  chan struct{} // Closed and replaced on each append.
}

// NewLog returns an empty Log with a fresh instance identity.
// NewLog panics if |retention| is invalid.
func NewLog(retention Retention) *Log {
	if err := retention.Validate(); err != nil {
		panic(err.Error())
	}
	return &Log{
		instance:  uuid.New(),
		retention: retention,
		condCh:    make(chan struct{}),
	}
}

// Instance returns the Log's instance identity.
func (l *Log) Instance() uuid.UUID { return l.instance }

// Head returns the Position of the most recent append, or the initial
// sentinel Position if nothing has been appended.
func (l *Log) Head() Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Position{Instance: l.instance, Sequence: l.head}
}

// Tail returns the current head Position along with a channel which is
// closed by the next append. It's the blocking primitive of live tailers:
// process entries through the returned Position, then wait on the channel.
func (l *Log) Tail() (Position, <-chan struct{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Position{Instance: l.instance, Sequence: l.head}, l.condCh
}

// Append assigns the next Sequence to |batch|, stores it as an Entry, and
// returns the advanced Position. Opportunistic eviction of entries beyond
// the retention bounds runs under the same critical section. Blocked
// tailers are woken.
func (l *Log) Append(batch Batch) Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head++
	l.entries = append(l.entries, Entry{
		Sequence: l.head,
		Time:     timeNow(),
		Changes:  batch.Changes,
		Checkout: batch.Checkout,
	})
	l.evict()

	close(l.condCh)
	l.condCh = make(chan struct{})

	return Position{Instance: l.instance, Sequence: l.head}
}

// EntriesSince returns all Entries with Sequence greater than |pos|, in
// ascending order. It returns ErrUnknownInstance if |pos| was minted by
// another Log, and ErrPositionTooOld if any requested Entry has been
// evicted by retention.
func (l *Log) EntriesSince(pos Position) ([]Entry, error) {
	if pos.Instance != l.instance {
		return nil, errors.WithMessagef(ErrUnknownInstance,
			"position instance %s, journal instance %s", pos.Instance, l.instance)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos.Sequence >= l.head {
		return nil, nil
	}
	// Sequence of the oldest retained Entry (head+1 if none are retained).
	var oldest = l.head + 1 - int64(len(l.entries))

	if pos.Sequence+1 < oldest {
		return nil, errors.WithMessagef(ErrPositionTooOld,
			"position sequence %d, oldest retained %d", pos.Sequence, oldest)
	}
	var out = make([]Entry, l.head-pos.Sequence)
	copy(out, l.entries[pos.Sequence+1-oldest:])
	return out, nil
}

// evict drops entries beyond the retention bounds, oldest first.
// l.mu must be held.
func (l *Log) evict() {
	var i int
	if max := l.retention.MaxEntries; max != 0 && len(l.entries) > max {
		i = len(l.entries) - max
	}
	if age := l.retention.MaxAge; age != 0 {
		var horizon = timeNow().Add(-age)
		for i < len(l.entries) && l.entries[i].Time.Before(horizon) {
			i++
		}
	}
	if i != 0 {
		l.entries = l.entries[i:]
	}
}

var timeNow = time.Now
