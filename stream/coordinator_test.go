package stream

import (
	"context"
	"testing"
	"time"

	"github.com/FahadSec/sapling/journal"
	"github.com/FahadSec/sapling/metrics"
	"github.com/FahadSec/sapling/scm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversBacklogThenLiveTail(t *testing.T) {
	var store = scm.NewMemoryStore()
	var commit2 = store.PutFiles(map[string]string{
		"hello.txt":   "hello\n",
		"foo/bar.txt": "bar\n",
	})
	var commit1 = store.PutFiles(map[string]string{
		"hello.txt": "hello\n",
	})

	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 64})
	var differ = journal.NewDiffer(jrnl, scm.NewDiffer(store))
	var coord = NewCoordinator(jrnl, differ, metrics.NewCounters(), Config{Name: "test"})
	defer coord.Close()

	var before = jrnl.Head()

	// Check out back to commit1, then write hello.txt and create bar.txt.
	jrnl.Append(journal.Batch{Checkout: &journal.Checkout{From: commit2, To: commit1}})
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "hello.txt", Status: journal.Modified}}})
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "bar.txt", Status: journal.Added}}})

	var result, sub, err = coord.Subscribe(context.Background(), before)
	require.NoError(t, err)
	defer sub.Close()

	assert.NotEqual(t, before, result.ToPosition)

	// The backlog is the coalesced net result, ordered by path. The removed
	// directory "foo" is reported alongside its removed child.
	var backlog []journal.ChangeRecord
	for i := 0; i != 4; i++ {
		backlog = append(backlog, <-sub.Changes())
	}
	assert.Equal(t, []journal.ChangeRecord{
		{Path: "bar.txt", Status: journal.Added},
		{Path: "foo", Status: journal.Removed},
		{Path: "foo/bar.txt", Status: journal.Removed},
		{Path: "hello.txt", Status: journal.Modified},
	}, backlog)

	// Appends after the backlog snapshot are delivered live, in order.
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "baz.txt", Status: journal.Added}}})
	assert.Equal(t, journal.ChangeRecord{Path: "baz.txt", Status: journal.Added}, <-sub.Changes())
}

func TestLiveTailDeliversRawUncoalescedRecords(t *testing.T) {
	var coord, jrnl = newTestCoordinator(Config{})
	defer coord.Close()

	var _, sub, err = coord.Subscribe(context.Background(), jrnl.Head())
	require.NoError(t, err)
	defer sub.Close()

	// An add immediately followed by a removal is net-zero in a backlog,
	// but the live tail cannot look into the future: both raw records are
	// delivered.
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "tmp.txt", Status: journal.Added}}})
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "tmp.txt", Status: journal.Removed}}})

	assert.Equal(t, journal.ChangeRecord{Path: "tmp.txt", Status: journal.Added}, <-sub.Changes())
	assert.Equal(t, journal.ChangeRecord{Path: "tmp.txt", Status: journal.Removed}, <-sub.Changes())
}

func TestSubscriptionOrderingIsAppendOrder(t *testing.T) {
	var coord, jrnl = newTestCoordinator(Config{})
	defer coord.Close()

	var _, sub, err = coord.Subscribe(context.Background(), jrnl.Head())
	require.NoError(t, err)
	defer sub.Close()

	var paths = []string{"a", "b", "c", "d", "e"}
	for _, p := range paths {
		jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: p, Status: journal.Modified}}})
	}
	for _, p := range paths {
		assert.Equal(t, journal.ChangeRecord{Path: p, Status: journal.Modified}, <-sub.Changes())
	}
}

func TestSlowSubscriberIsDroppedWithoutStallingAppends(t *testing.T) {
	var counters = metrics.NewCounters()
	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 64})
	var differ = journal.NewDiffer(jrnl, scm.NewDiffer(scm.NewMemoryStore()))
	var coord = NewCoordinator(jrnl, differ, counters, Config{
		QueueSize:   1,
		SlowTimeout: 50 * time.Millisecond,
	})
	defer coord.Close()

	var _, sub, err = coord.Subscribe(context.Background(), jrnl.Head())
	require.NoError(t, err)

	// The consumer never reads. Appends proceed regardless, and the
	// subscription eventually fails rather than buffering without bound.
	for i := 0; i != 5; i++ {
		jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "p", Status: journal.Modified}}})
	}
	assert.Equal(t, ErrSubscriberTooSlow, errors.Cause(sub.Err()))
	assert.Equal(t, float64(1), counterValue(t, counters.StreamFailuresTotal.WithLabelValues(metrics.SubscriberTooSlow)))

	// The journal itself is unaffected.
	var head = jrnl.Head()
	assert.Greater(t, jrnl.Append(journal.Batch{}).Sequence, head.Sequence)
}

func TestSubscriptionFailsWhenRetentionOutrunsIt(t *testing.T) {
	var gate = make(chan struct{})
	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 1})
	var differ = journal.NewDiffer(jrnl, gatedDiffer{gate: gate})
	var coord = NewCoordinator(jrnl, differ, metrics.NewCounters(), Config{})
	defer coord.Close()

	var _, sub, err = coord.Subscribe(context.Background(), jrnl.Head())
	require.NoError(t, err)

	// The first entry's checkout expansion parks the subscription on the
	// gate while further appends evict the entries it still needs.
	jrnl.Append(journal.Batch{Checkout: &journal.Checkout{From: "x", To: "y"}})
	for i := 0; i != 4; i++ {
		jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "p", Status: journal.Modified}}})
	}
	close(gate)

	assert.Equal(t, journal.ErrPositionTooOld, errors.Cause(sub.Err()))
}

func TestSubscribeFromEvictedPositionFailsSynchronously(t *testing.T) {
	var coord, jrnl = newTestCoordinator(Config{})
	defer coord.Close()

	var stale = jrnl.Head()
	for i := 0; i != 100; i++ {
		jrnl.Append(journal.Batch{})
	}

	var _, _, err = coord.Subscribe(context.Background(), stale)
	assert.Equal(t, journal.ErrPositionTooOld, errors.Cause(err))
}

func TestCloseDisconnectsSubscriptions(t *testing.T) {
	var coord, jrnl = newTestCoordinator(Config{})

	var _, sub, err = coord.Subscribe(context.Background(), jrnl.Head())
	require.NoError(t, err)

	coord.Close()
	require.NoError(t, sub.Err()) // Clean disconnect.

	_, ok := <-sub.Changes()
	assert.False(t, ok)

	_, _, err = coord.Subscribe(context.Background(), jrnl.Head())
	assert.Equal(t, ErrCoordinatorClosed, errors.Cause(err))
}

func TestStreamingDurationIsRecorded(t *testing.T) {
	var counters = metrics.NewCounters()
	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 64})
	var differ = journal.NewDiffer(jrnl, scm.NewDiffer(scm.NewMemoryStore()))
	var coord = NewCoordinator(jrnl, differ, counters, Config{})
	defer coord.Close()

	var before = jrnl.Head()
	jrnl.Append(journal.Batch{Changes: []journal.ChangeRecord{{Path: "a", Status: journal.Added}}})

	var _, sub, err = coord.Subscribe(context.Background(), before)
	require.NoError(t, err)
	defer sub.Close()

	<-sub.Changes() // Backlog delivered.

	require.Eventually(t, func() bool {
		var m dto.Metric
		var h = counters.StreamingDurationSeconds.WithLabelValues("streamChangesSince")
		require.NoError(t, h.(prometheus.Metric).Write(&m))
		return m.GetHistogram().GetSampleCount() == 1 && m.GetHistogram().GetSampleSum() > 0
	}, 5*time.Second, 5*time.Millisecond)
}

// gatedDiffer blocks tree comparison until its gate is closed.
type gatedDiffer struct{ gate chan struct{} }

func (d gatedDiffer) Diff(ctx context.Context, from, to scm.TreeID) ([]scm.Change, error) {
	select {
	case <-d.gate:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestCoordinator(cfg Config) (*Coordinator, *journal.Log) {
	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 64})
	var differ = journal.NewDiffer(jrnl, scm.NewDiffer(scm.NewMemoryStore()))
	return NewCoordinator(jrnl, differ, metrics.NewCounters(), cfg), jrnl
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
