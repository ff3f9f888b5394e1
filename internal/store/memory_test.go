package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) *Record {
	return &Record{
		Kind: "Workload",
		Name: name,
		Spec: json.RawMessage(`{"replicas":3}`),
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.UID)
	assert.Greater(t, created.ResourceVersion, int64(0))

	got, err := m.Get(ctx, Key{Kind: "Workload", Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, created.UID, got.UID)
	assert.Equal(t, created.ResourceVersion, got.ResourceVersion)

	_, err = m.Get(ctx, Key{Kind: "Workload", Name: "missing"})
	assert.True(t, IsNotFound(err))
}

func TestMemory_CreateDuplicate(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	_, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)

	_, err = m.Write(ctx, testRecord("web"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemory_UpdateBumpsVersion(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)

	created.Spec = json.RawMessage(`{"replicas":5}`)
	updated, err := m.Write(ctx, created)
	require.NoError(t, err)
	assert.Greater(t, updated.ResourceVersion, created.ResourceVersion)
	assert.Equal(t, created.UID, updated.UID)
}

func TestMemory_StaleWriteConflicts(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)

	// First writer wins.
	fresh := created.DeepCopy()
	_, err = m.Write(ctx, fresh)
	require.NoError(t, err)

	// Second writer still holds the old version.
	stale := created.DeepCopy()
	_, err = m.Write(ctx, stale)
	require.Error(t, err)
	assert.True(t, IsConflict(err), "stale write should report a conflict, got %v", err)
}

func TestMemory_VersionsStrictlyIncrease(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	rec, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)

	last := rec.ResourceVersion
	for i := 0; i < 5; i++ {
		rec, err = m.Write(ctx, rec)
		require.NoError(t, err)
		assert.Greater(t, rec.ResourceVersion, last)
		last = rec.ResourceVersion
	}
}

func TestMemory_DeleteWithoutFinalizers(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, created.Key(), created.ResourceVersion))

	_, err = m.Get(ctx, created.Key())
	assert.True(t, IsNotFound(err))
}

func TestMemory_DeleteStaleVersionConflicts(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)
	updated, err := m.Write(ctx, created)
	require.NoError(t, err)

	err = m.Delete(ctx, created.Key(), created.ResourceVersion)
	assert.True(t, IsConflict(err))

	assert.NoError(t, m.Delete(ctx, created.Key(), updated.ResourceVersion))
}

func TestMemory_TwoPhaseDelete(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	rec := testRecord("web")
	rec.Finalizers = []string{"cleanup"}
	created, err := m.Write(ctx, rec)
	require.NoError(t, err)

	// Delete only soft-deletes while the finalizer is live.
	require.NoError(t, m.Delete(ctx, created.Key(), 0))

	soft, err := m.Get(ctx, created.Key())
	require.NoError(t, err)
	require.NotNil(t, soft.DeletionTimestamp, "record should be soft-deleted")
	assert.True(t, soft.Deleting())
	assert.Greater(t, soft.ResourceVersion, created.ResourceVersion)

	// Repeated delete of a soft-deleted record is a no-op.
	require.NoError(t, m.Delete(ctx, created.Key(), 0))

	// Clearing the finalizer purges the record.
	soft.RemoveFinalizer("cleanup")
	_, err = m.Write(ctx, soft)
	require.NoError(t, err)

	_, err = m.Get(ctx, created.Key())
	assert.True(t, IsNotFound(err))
}

func collectEvents(t *testing.T, w Watcher, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("watch closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestMemory_WatchDeliversOrderedEvents(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	w, err := m.Watch(ctx, "Workload", 0)
	require.NoError(t, err)
	defer w.Stop()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)
	updated, err := m.Write(ctx, created)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, updated.Key(), 0))

	events := collectEvents(t, w, 3)
	assert.Equal(t, Added, events[0].Type)
	assert.Equal(t, Modified, events[1].Type)
	assert.Equal(t, Deleted, events[2].Type)
	assert.Less(t, events[0].Version, events[1].Version)
	assert.Less(t, events[1].Version, events[2].Version)
}

func TestMemory_WatchReplaysFromBookmark(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	created, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)
	updated, err := m.Write(ctx, created)
	require.NoError(t, err)

	// Resume from just after the create: only the update replays.
	w, err := m.Watch(ctx, "Workload", created.ResourceVersion)
	require.NoError(t, err)
	defer w.Stop()

	events := collectEvents(t, w, 1)
	assert.Equal(t, Modified, events[0].Type)
	assert.Equal(t, updated.ResourceVersion, events[0].Version)
}

func TestMemory_WatchBookmarkTooOld(t *testing.T) {
	m := NewMemory(MemoryOptions{BacklogSize: 2})
	ctx := context.Background()

	rec, err := m.Write(ctx, testRecord("web"))
	require.NoError(t, err)
	first := rec.ResourceVersion
	for i := 0; i < 5; i++ {
		rec, err = m.Write(ctx, rec)
		require.NoError(t, err)
	}

	_, err = m.Watch(ctx, "Workload", first)
	assert.ErrorIs(t, err, ErrVersionGone)
}

func TestMemory_WatchStopsOnContextCancel(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	w, err := m.Watch(ctx, "Workload", 0)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "channel should close on context cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not close after context cancel")
	}
}

func TestMemory_UpdateCannotResurrectDeletionTimestamp(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	rec := testRecord("web")
	rec.Finalizers = []string{"cleanup"}
	created, err := m.Write(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, created.Key(), 0))

	soft, err := m.Get(ctx, created.Key())
	require.NoError(t, err)

	// A writer that zeroes the timestamp does not undo the delete.
	soft.DeletionTimestamp = nil
	written, err := m.Write(ctx, soft)
	require.NoError(t, err)
	assert.NotNil(t, written.DeletionTimestamp)
}
