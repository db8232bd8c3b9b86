// Package service exposes the journal engine's operation surface: the set
// of mounted working copies, their current journal Positions, and bounded
// or streaming change queries since a prior Position. The RPC transport of
// the daemon binds these methods directly; the mount/inode layer feeds
// them through Mount's ingestion methods.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/FahadSec/sapling/journal"
	"github.com/FahadSec/sapling/metrics"
	"github.com/FahadSec/sapling/scm"
	"github.com/FahadSec/sapling/stream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownMount is returned for operations naming a mount which
	// isn't registered.
	ErrUnknownMount = errors.New("unknown mount")
	// ErrMountExists is returned by AddMount for an already-registered name.
	ErrMountExists = errors.New("mount already registered")
)

// MountConfig parameterizes a registered Mount.
type MountConfig struct {
	// Retention bounds of the mount's journal.
	Retention journal.Retention
	// Trees resolves snapshot transitions of the mount's backing store.
	Trees journal.TreeDiffer
	// Stream configuration of the mount's subscriptions. Name is set by
	// the Service.
	Stream stream.Config
}

// Service is the top-level registry of mounted working copies and the
// operation surface over their journals.
type Service struct {
	counters *metrics.Counters

	mu     sync.RWMutex
	mounts map[string]*Mount
}

// NewService returns an empty Service recording to |counters|.
func NewService(counters *metrics.Counters) *Service {
	return &Service{
		counters: counters,
		mounts:   make(map[string]*Mount),
	}
}

// AddMount registers a working copy under |name| and returns its Mount,
// through which the mount layer records filesystem activity.
func (s *Service) AddMount(name string, cfg MountConfig) (*Mount, error) {
	var jrnl = journal.NewLog(cfg.Retention)
	var differ = journal.NewDiffer(jrnl, cfg.Trees)
	cfg.Stream.Name = name

	var mount = &Mount{
		name:     name,
		jrnl:     jrnl,
		differ:   differ,
		coord:    stream.NewCoordinator(jrnl, differ, s.counters, cfg.Stream),
		counters: s.counters,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mounts[name]; ok {
		mount.coord.Close()
		return nil, errors.WithMessagef(ErrMountExists, "mount %s", name)
	}
	s.mounts[name] = mount

	log.WithFields(log.Fields{"mount": name, "instance": jrnl.Instance()}).
		Info("registered mount journal")
	return mount, nil
}

// RemoveMount deregisters |name|, disconnecting its live subscriptions.
// Positions minted by the removed mount's journal are permanently invalid.
func (s *Service) RemoveMount(name string) error {
	s.mu.Lock()
	var mount, ok = s.mounts[name]
	delete(s.mounts, name)
	s.mu.Unlock()

	if !ok {
		return errors.WithMessagef(ErrUnknownMount, "mount %s", name)
	}
	mount.coord.Close()

	log.WithField("mount", name).Info("removed mount journal")
	return nil
}

// Mount returns the registered Mount of |name|.
func (s *Service) Mount(name string) (*Mount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if mount, ok := s.mounts[name]; ok {
		return mount, nil
	}
	return nil, errors.WithMessagef(ErrUnknownMount, "mount %s", name)
}

// GetCurrentPosition returns the named mount's current journal Position.
func (s *Service) GetCurrentPosition(name string) (journal.Position, error) {
	var mount, err = s.Mount(name)
	if err != nil {
		return journal.Position{}, err
	}
	return mount.jrnl.Head(), nil
}

// ChangesSinceResult is the bounded form of a change query.
type ChangesSinceResult struct {
	// ToPosition reached at the moment the result was computed.
	ToPosition journal.Position
	// Changes is the coalesced net result, ordered by path. Each path
	// appears at most once.
	Changes []journal.ChangeRecord
}

// GetChangesSince returns the net changes of the named mount between
// |from| and its current Position.
func (s *Service) GetChangesSince(ctx context.Context, name string, from journal.Position) (ChangesSinceResult, error) {
	var mount, err = s.Mount(name)
	if err != nil {
		return ChangesSinceResult{}, err
	}
	var start = time.Now()
	var to = mount.jrnl.Head()

	cs, err := mount.differ.Diff(ctx, from, to)
	if err != nil {
		return ChangesSinceResult{}, err
	}
	s.counters.StreamingDurationSeconds.
		WithLabelValues("getChangesSince").Observe(time.Since(start).Seconds())

	return ChangesSinceResult{ToPosition: to, Changes: cs.Records()}, nil
}

// StreamChangesSince subscribes to the named mount's change stream from
// |from|: the coalesced backlog through the returned ToPosition, then the
// live tail until the Subscription is closed or fails.
func (s *Service) StreamChangesSince(ctx context.Context, name string, from journal.Position) (stream.Result, *stream.Subscription, error) {
	var mount, err = s.Mount(name)
	if err != nil {
		return stream.Result{}, nil, err
	}
	return mount.coord.Subscribe(ctx, from)
}

// Mount is one registered working copy: its journal, diff engine, and
// stream coordinator. Its Record methods are the ingestion path called by
// the mount/inode layer as filesystem activity occurs.
type Mount struct {
	name     string
	jrnl     *journal.Log
	differ   *journal.Differ
	coord    *stream.Coordinator
	counters *metrics.Counters
}

// Name returns the mount's registered name.
func (m *Mount) Name() string { return m.name }

// RecordChanges appends a batch of path-level changes to the mount's
// journal, returning the advanced Position.
func (m *Mount) RecordChanges(changes ...journal.ChangeRecord) journal.Position {
	return m.record(journal.Batch{Changes: changes})
}

// RecordCheckout appends a snapshot transition: the working copy switched
// its backing tree from |from| to |to|. The path-level changes it implies
// are derived by tree comparison when a range covering this entry is
// queried.
func (m *Mount) RecordCheckout(from, to scm.TreeID) journal.Position {
	return m.record(journal.Batch{Checkout: &journal.Checkout{From: from, To: to}})
}

func (m *Mount) record(batch journal.Batch) journal.Position {
	var pos = m.jrnl.Append(batch)
	m.counters.JournalAppendsTotal.WithLabelValues(m.name).Inc()
	return pos
}
