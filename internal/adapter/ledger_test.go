package adapter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordAndSeen(t *testing.T) {
	l, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), 10)
	require.NoError(t, err)

	key := Key("ISS-1", "developer", "evt-1")
	assert.False(t, l.Seen(key))
	require.NoError(t, l.Record(key))
	assert.True(t, l.Seen(key))

	// Recording again is a no-op.
	require.NoError(t, l.Record(key))
	assert.Equal(t, 1, l.Len())

	assert.False(t, l.Seen(Key("ISS-1", "developer", "evt-2")))
	assert.False(t, l.Seen(Key("ISS-2", "developer", "evt-1")))
}

func TestLedgerEvictsOldest(t *testing.T) {
	l, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), 3)
	require.NoError(t, err)

	keys := []string{
		Key("ISS-1", "a", "e1"),
		Key("ISS-1", "a", "e2"),
		Key("ISS-1", "a", "e3"),
		Key("ISS-1", "a", "e4"),
	}
	for _, k := range keys {
		require.NoError(t, l.Record(k))
	}

	assert.Equal(t, 3, l.Len())
	assert.False(t, l.Seen(keys[0]), "oldest entry evicted")
	assert.True(t, l.Seen(keys[1]))
	assert.True(t, l.Seen(keys[3]))
}

func TestLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	l, err := NewLedger(path, 10)
	require.NoError(t, err)
	require.NoError(t, l.Record(Key("ISS-1", "a", "e1")))
	require.NoError(t, l.Record(Key("ISS-1", "a", "e2")))

	reopened, err := NewLedger(path, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.True(t, reopened.Seen(Key("ISS-1", "a", "e1")))
	assert.True(t, reopened.Seen(Key("ISS-1", "a", "e2")))
}

func TestLedgerWithoutPath(t *testing.T) {
	l, err := NewLedger("", 0)
	require.NoError(t, err)
	require.NoError(t, l.Record(Key("ISS-1", "a", "e1")))
	assert.True(t, l.Seen(Key("ISS-1", "a", "e1")))
}
