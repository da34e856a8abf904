package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/maestro-flow/maestro/internal/testutil"
	"github.com/maestro-flow/maestro/internal/types"
)

func TestRecoverInterruptedWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.SaveWorkflow(ctx, testutil.Sequential("wf-keep", "dev", 1)))

	workflows := filepath.Join(dir, "workflows")

	// Orphan temp next to an intact main file: dropped on reopen.
	require.NoError(t, os.WriteFile(filepath.Join(workflows, "wf-keep.yaml.tmp"), []byte("partial"), 0644))

	// Temp without a main file: promoted on reopen.
	promoted := testutil.Sequential("wf-promoted", "dev", 1)
	data, err := yaml.Marshal(promoted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workflows, "wf-promoted.yaml.tmp"), data, 0644))

	fs, err = NewFileStore(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(workflows, "wf-keep.yaml.tmp"))
	assert.True(t, os.IsNotExist(err), "orphan temp removed")

	wf, err := fs.LoadWorkflow(ctx, "wf-promoted")
	require.NoError(t, err)
	assert.Equal(t, "wf-promoted", wf.ID)

	kept, err := fs.LoadWorkflow(ctx, "wf-keep")
	require.NoError(t, err)
	assert.Equal(t, "wf-keep", kept.ID)
}

func TestWorkflowLockExclusive(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	lock, err := fs.AcquireWorkflowLock("wf-1")
	require.NoError(t, err)

	_, err = fs.AcquireWorkflowLock("wf-1")
	assert.Error(t, err, "second acquisition is refused")

	// A different workflow locks independently.
	other, err := fs.AcquireWorkflowLock("wf-2")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())
	relock, err := fs.AcquireWorkflowLock("wf-1")
	require.NoError(t, err)
	require.NoError(t, relock.Release())
}

func TestAuditLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.AppendAuditEvent(ctx, types.NewAuditEvent("wf-c", types.EventWorkflowCreated, nil)))

	path := filepath.Join(dir, "audit", "wf-c.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.AppendAuditEvent(ctx, types.NewAuditEvent("wf-c", types.EventWorkflowStarted, nil)))

	events, err := fs.AuditLog(ctx, "wf-c", nil)
	require.NoError(t, err)
	require.Len(t, events, 2, "the corrupt line is skipped, the rest survive")
	assert.Equal(t, types.EventWorkflowCreated, events[0].Type)
	assert.Equal(t, types.EventWorkflowStarted, events[1].Type)
}
