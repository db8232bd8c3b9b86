package mount

import (
	"testing"
	"time"

	"github.com/FahadSec/sapling/journal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstScanIsSilentBaseline(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/hello.txt", []byte("hello\n"), 0644))

	var scanner = NewScanner(fs, "/repo", nil, time.Second)

	var changes, err = scanner.Scan()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestScanRecordsAddsModificationsAndRemovals(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/hello.txt", []byte("hello\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/repo/foo/bar.txt", []byte("bar\n"), 0644))

	var scanner = NewScanner(fs, "/repo", nil, time.Second)
	var _, err = scanner.Scan() // Baseline.
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/repo/hello.txt", []byte("hola, a longer greeting\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/repo/baz.txt", []byte("baz\n"), 0644))
	require.NoError(t, fs.Remove("/repo/foo/bar.txt"))
	require.NoError(t, fs.Remove("/repo/foo"))

	changes, err := scanner.Scan()
	require.NoError(t, err)
	assert.Equal(t, []journal.ChangeRecord{
		{Path: "baz.txt", Status: journal.Added},
		{Path: "foo", Status: journal.Removed},
		{Path: "foo/bar.txt", Status: journal.Removed},
		{Path: "hello.txt", Status: journal.Modified},
	}, changes)

	// A further unchanged scan records nothing.
	changes, err = scanner.Scan()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestScanFeedsJournal(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/repo", 0755))

	var jrnl = journal.NewLog(journal.Retention{MaxEntries: 16})
	var scanner = NewScanner(fs, "/repo", recorderFunc(jrnl.Append), time.Second)

	var _, err = scanner.Scan()
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/repo/new.txt", []byte("new\n"), 0644))

	changes, err := scanner.Scan()
	require.NoError(t, err)

	var before = jrnl.Head()
	scanner.recorder.RecordChanges(changes...)
	assert.Greater(t, jrnl.Head().Sequence, before.Sequence)
}

// recorderFunc adapts journal.Log.Append to the Recorder interface.
type recorderFunc func(journal.Batch) journal.Position

func (f recorderFunc) RecordChanges(changes ...journal.ChangeRecord) journal.Position {
	return f(journal.Batch{Changes: changes})
}
