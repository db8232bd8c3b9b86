package stream

import (
	"context"

	"github.com/FahadSec/sapling/journal"
)

// Subscription is one consumer's single-pass sequence of ChangeRecords:
// the finite backlog, then the unbounded live tail. It's restartable only
// by creating a new Subscription from a fresh Position.
type Subscription struct {
	ch     chan journal.ChangeRecord
	cancel context.CancelFunc
	done   chan struct{}
	err    error // Set before |done| is closed.
}

// Changes returns the delivery channel. It's closed when the Subscription
// terminates; consult Err for the terminal cause.
func (s *Subscription) Changes() <-chan journal.ChangeRecord { return s.ch }

// Err blocks until the Subscription has terminated and returns its
// terminal error: ErrSubscriberTooSlow, journal.ErrPositionTooOld, a
// tree-comparison failure, or nil after a clean disconnect.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close disconnects the Subscription and blocks until its delivery has
// fully stopped. Close is safe to call concurrently with reads of Changes.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}
