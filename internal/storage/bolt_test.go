package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), retentionDays)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendAndRecent(t *testing.T) {
	db := openTestDB(t, 30)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Append(LedgerEntry{
			PID:    uint32(100 + i),
			From:   "MONITORING",
			To:     "PRESSURE",
			Reason: "sustained_score",
			NodeID: "test",
		}))
	}

	entries, err := db.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, uint32(104), entries[0].PID)
	assert.Equal(t, uint32(102), entries[2].PID)
	assert.Equal(t, uint64(5), entries[0].Seq)
	assert.False(t, entries[0].Time.IsZero(), "append must stamp entries")
}

func TestRecentOnEmptyLedger(t *testing.T) {
	db := openTestDB(t, 30)
	entries, err := db.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	db := openTestDB(t, 7)

	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, db.Append(LedgerEntry{PID: 1, Time: old}))
	require.NoError(t, db.Append(LedgerEntry{PID: 2}))

	deleted, err := db.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	entries, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(2), entries[0].PID)
}

func TestReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path, 30)
	require.NoError(t, err)
	require.NoError(t, db.Append(LedgerEntry{PID: 42, To: "QUARANTINED"}))
	require.NoError(t, db.Close())

	db, err = Open(path, 30)
	require.NoError(t, err)
	defer db.Close()
	entries, err := db.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "QUARANTINED", entries[0].To)
}
