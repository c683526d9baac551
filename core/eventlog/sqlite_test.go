package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/deadlock"
)

func TestSQLiteJournal_LogAndQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	j, err := OpenSQLiteJournal(path)
	require.NoError(t, err)

	events := sampleEvents()
	for _, ev := range events {
		require.NoError(t, j.Log(ctx, ev))
	}

	all, err := j.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events[0], all[0])
	assert.Equal(t, events[2], all[2])

	scan1, err := j.Query(ctx, Filter{ScanID: "scan-1"})
	require.NoError(t, err)
	assert.Len(t, scan1, 2)

	victims, err := j.Query(ctx, Filter{Kind: deadlock.EventVictimRolledBack, Victim: "T1"})
	require.NoError(t, err)
	require.Len(t, victims, 1)
	assert.Equal(t, []string{"T1", "T2"}, victims[0].Cycle)

	limited, err := j.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, j.Close())

	// Reopening keeps the history and does not re-run the migration.
	j, err = OpenSQLiteJournal(path)
	require.NoError(t, err)
	defer j.Close()
	all, err = j.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteJournal_BadPath(t *testing.T) {
	_, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "missing", "dir", "events.db"))
	require.Error(t, err)
}
