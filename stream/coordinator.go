// Package stream serves live change-stream subscribers of a mount's
// journal. A subscription delivers the coalesced backlog between its
// starting Position and the Position current at subscribe time, and then
// tails the journal: each later append is delivered as raw per-entry
// records. Backlog records are net-coalesced; live records are not, since
// live delivery cannot net an event against a removal it hasn't seen yet.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/FahadSec/sapling/journal"
	"github.com/FahadSec/sapling/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrSubscriberTooSlow is the terminal error of a subscription whose
	// consumer failed to drain its delivery queue in time. Other
	// subscriptions and the journal append path are unaffected.
	ErrSubscriberTooSlow = errors.New("subscriber too slow: delivery queue overflowed")

	// ErrCoordinatorClosed is returned by Subscribe after the Coordinator
	// has shut down (typically because its mount was removed).
	ErrCoordinatorClosed = errors.New("stream coordinator is closed")
)

// Config parameterizes a Coordinator.
type Config struct {
	// Name of the mount served, for logging and metrics.
	Name string
	// QueueSize bounds each subscription's delivery queue.
	// Defaults to 128.
	QueueSize int
	// SlowTimeout is how long a delivery may remain blocked on a full
	// queue before the subscription fails with ErrSubscriberTooSlow.
	// Defaults to 10s.
	SlowTimeout time.Duration
}

// Coordinator serves the change-stream subscriptions of one mount.
// Subscriptions pull from the journal Log and never block its append path:
// a consumer which stops reading fails with ErrSubscriberTooSlow, and one
// which falls behind retention fails with ErrPositionTooOld.
type Coordinator struct {
	jrnl     *journal.Log
	differ   *journal.Differ
	counters *metrics.Counters
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator returns a Coordinator serving subscriptions over |jrnl|,
// with backlogs computed by |differ| and durations recorded to |counters|.
func NewCoordinator(jrnl *journal.Log, differ *journal.Differ, counters *metrics.Counters, cfg Config) *Coordinator {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 128
	}
	if cfg.SlowTimeout == 0 {
		cfg.SlowTimeout = 10 * time.Second
	}
	var ctx, cancel = context.WithCancel(context.Background())

	return &Coordinator{
		jrnl:     jrnl,
		differ:   differ,
		counters: counters,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Result summarizes a started subscription.
type Result struct {
	// ToPosition reached by the journal at the moment the backlog was
	// computed. Records delivered after the backlog have later Positions.
	ToPosition journal.Position
}

// Subscribe computes the coalesced backlog of changes since |from| and
// returns a Subscription which delivers it, followed by the live tail.
// Backlog computation errors (ErrPositionTooOld, ErrUnknownInstance, or a
// tree-comparison failure) are returned synchronously; errors of the live
// phase terminate the Subscription and surface through its Err.
func (c *Coordinator) Subscribe(ctx context.Context, from journal.Position) (Result, *Subscription, error) {
	var start = timeNow()
	var to = c.jrnl.Head()

	var cs, err = c.differ.Diff(ctx, from, to)
	if err != nil {
		return Result{}, nil, err
	}
	var backlog = cs.Records()

	var subCtx, subCancel = context.WithCancel(ctx)
	var sub = &Subscription{
		ch:     make(chan journal.ChangeRecord, c.cfg.QueueSize),
		cancel: subCancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		subCancel()
		return Result{}, nil, ErrCoordinatorClosed
	}
	c.subs[sub] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	c.counters.StreamSubscriptionsActive.Inc()
	go c.serve(subCtx, sub, to, backlog, start)

	return Result{ToPosition: to}, sub, nil
}

// Close shuts down the Coordinator: all subscriptions are disconnected,
// and further Subscribes fail with ErrCoordinatorClosed. Close returns
// once every subscription has fully terminated.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// serve delivers |backlog| and then live-tails the journal from |cursor|
// until the subscription terminates.
func (c *Coordinator) serve(ctx context.Context, sub *Subscription, cursor journal.Position, backlog []journal.ChangeRecord, start time.Time) {
	var err error
	defer func() { c.finish(sub, err) }()

	for _, rec := range backlog {
		if err = c.deliver(ctx, sub, rec); err != nil {
			return
		}
	}
	c.counters.StreamingDurationSeconds.
		WithLabelValues("streamChangesSince").Observe(timeNow().Sub(start).Seconds())

	for {
		var head, wake = c.jrnl.Tail()

		for cursor.Sequence < head.Sequence {
			var entries []journal.Entry
			if entries, err = c.jrnl.EntriesSince(cursor); err != nil {
				// Retention outran this subscription mid-stream.
				return
			}
			for _, entry := range entries {
				var recs []journal.ChangeRecord
				if recs, err = c.differ.ExpandEntry(ctx, entry); err != nil {
					return
				}
				for _, rec := range recs {
					if err = c.deliver(ctx, sub, rec); err != nil {
						return
					}
				}
				cursor.Sequence = entry.Sequence
			}
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// deliver queues |rec| for the subscriber, failing with
// ErrSubscriberTooSlow if the queue remains full past the configured
// timeout. The journal append path is never blocked by a slow consumer.
func (c *Coordinator) deliver(ctx context.Context, sub *Subscription, rec journal.ChangeRecord) error {
	select {
	case sub.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}

	var timer = time.NewTimer(c.cfg.SlowTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-timer.C:
		return ErrSubscriberTooSlow
	}
}

// finish tears the subscription down: it's deregistered, its terminal
// error recorded, and its channel closed. Cancellation is reported as a
// clean disconnect (nil error).
func (c *Coordinator) finish(sub *Subscription, err error) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()

	switch cause := errors.Cause(err); cause {
	case nil, context.Canceled, context.DeadlineExceeded:
		err = nil
	case ErrSubscriberTooSlow:
		c.counters.StreamFailuresTotal.WithLabelValues(metrics.SubscriberTooSlow).Inc()
		log.WithFields(log.Fields{"mount": c.cfg.Name}).Warn("dropping slow change-stream subscriber")
	case journal.ErrPositionTooOld:
		c.counters.StreamFailuresTotal.WithLabelValues(metrics.PositionTooOld).Inc()
	default:
		c.counters.StreamFailuresTotal.WithLabelValues(metrics.TreeDiffFailed).Inc()
		log.WithFields(log.Fields{"mount": c.cfg.Name, "err": err}).
			Warn("change-stream subscription failed")
	}

	sub.err = err
	close(sub.ch)
	close(sub.done)

	c.counters.StreamSubscriptionsActive.Dec()
	c.wg.Done()
}

var timeNow = time.Now
