// Package mount feeds a journal from observed filesystem activity. The
// production daemon's virtual-filesystem layer reports mutations directly;
// Scanner is the stand-alone substitute, polling a real directory tree and
// recording the deltas of successive scans as journal batches.
package mount

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/FahadSec/sapling/journal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Recorder accepts batches of observed path-level changes.
// service.Mount implements it.
type Recorder interface {
	RecordChanges(changes ...journal.ChangeRecord) journal.Position
}

// Scanner polls a directory tree and records the changes between
// successive scans. The first scan establishes a baseline and records
// nothing: a daemon start is not filesystem activity.
type Scanner struct {
	fs       afero.Fs
	root     string
	recorder Recorder
	interval time.Duration

	prev map[string]fileState
}

type fileState struct {
	size    int64
	modTime time.Time
	dir     bool
}

// NewScanner returns a Scanner of |root| within |fs|, recording deltas to
// |recorder| every |interval|.
func NewScanner(fs afero.Fs, root string, recorder Recorder, interval time.Duration) *Scanner {
	return &Scanner{
		fs:       fs,
		root:     root,
		recorder: recorder,
		interval: interval,
	}
}

// Run polls until |ctx| is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	var timer = time.NewTimer(0) // Scan immediately to baseline.
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if changes, err := s.Scan(); err != nil {
			return err
		} else if len(changes) != 0 {
			var pos = s.recorder.RecordChanges(changes...)
			log.WithFields(log.Fields{
				"root":     s.root,
				"changes":  len(changes),
				"position": pos.Sequence,
			}).Debug("recorded scan delta")
		}
		timer.Reset(s.interval)
	}
}

// Scan walks the tree once and returns the changes since the prior scan,
// ordered by walk order. The first Scan returns nothing.
func (s *Scanner) Scan() ([]journal.ChangeRecord, error) {
	var cur = make(map[string]fileState)

	var err = afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A path may vanish between listing and stat. Skip it: the
			// next scan settles the difference.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var rel, relErr = filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		} else if rel == "." {
			return nil
		}
		cur[filepath.ToSlash(rel)] = fileState{
			size:    info.Size(),
			modTime: info.ModTime(),
			dir:     info.IsDir(),
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "walking %s", s.root)
	}

	var prev = s.prev
	s.prev = cur

	if prev == nil {
		return nil, nil // Baseline scan.
	}

	var changes []journal.ChangeRecord
	for path, state := range cur {
		if before, ok := prev[path]; !ok {
			changes = append(changes, journal.ChangeRecord{Path: path, Status: journal.Added})
		} else if before != state {
			changes = append(changes, journal.ChangeRecord{Path: path, Status: journal.Modified})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			changes = append(changes, journal.ChangeRecord{Path: path, Status: journal.Removed})
		}
	}

	sortRecords(changes)
	return changes, nil
}

func sortRecords(recs []journal.ChangeRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
}
