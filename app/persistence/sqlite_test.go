package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co5dt/pqueue/app/enums"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeClock returns a clock advancing by step on every call
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	ts := start
	return func() time.Time {
		res := ts
		ts = ts.Add(step)
		return res
	}
}

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		store, err := NewSQLiteStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})

	t.Run("wal mode and tables", func(t *testing.T) {
		store := newTestStore(t)
		var mode string
		require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)

		for _, tbl := range []string{"queue_items", "job_history", "history_thumbs"} {
			var count int
			err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", tbl).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, tbl)
		}
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		store, err := NewSQLiteStore(dbPath)
		require.NoError(t, err)
		_, err = store.Submit(context.Background(), "p1", `{"1":{}}`, 0)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		store, err = NewSQLiteStore(dbPath)
		require.NoError(t, err)
		defer store.Close()
		entry, err := store.Get(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, enums.JobStatusPending, entry.Status)
	})
}

func TestSQLiteStore_SubmitIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.Submit(ctx, "p1", `{"name":"first"}`, 1)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Submit(ctx, "p1", `{"name":"second"}`, 5)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate submission is a no-op")

	var count int
	require.NoError(t, store.db.Get(&count, "SELECT COUNT(*) FROM queue_items WHERE prompt_id = 'p1'"))
	assert.Equal(t, 1, count)

	entry, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", entry.Name())
	assert.Equal(t, 1, entry.Priority)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.True(t, entry.StartedAt.IsZero())
}

func TestSQLiteStore_ListPendingOrder(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()

	submit := func(id string, prio int) {
		_, err := store.Submit(ctx, id, `{}`, prio)
		require.NoError(t, err)
	}
	submit("a", 0)
	submit("b", 0)
	submit("c", 5) // later but higher priority
	submit("d", 0)
	submit("e", 5)

	require.NoError(t, store.SetStatus(ctx, "d", enums.JobStatusRunning, ""))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.PromptID)
	}
	assert.Equal(t, []string{"c", "e", "a", "b"}, ids)
}

func TestSQLiteStore_SetStatus(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()
	_, err := store.Submit(ctx, "p1", `{}`, 0)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, "p1", enums.JobStatusRunning, ""))
	entry, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusRunning, entry.Status)
	assert.False(t, entry.StartedAt.IsZero())
	assert.True(t, entry.CompletedAt.IsZero())

	require.NoError(t, store.SetStatus(ctx, "p1", enums.JobStatusFailed, "boom"))
	entry, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusFailed, entry.Status)
	assert.Equal(t, "boom", entry.Error)
	assert.True(t, entry.CompletedAt.After(entry.StartedAt))

	require.NoError(t, store.SetStatus(ctx, "p1", enums.JobStatusPending, ""))
	entry, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusPending, entry.Status)
	assert.Empty(t, entry.Error)
	assert.True(t, entry.StartedAt.IsZero())
	assert.True(t, entry.CompletedAt.IsZero())

	t.Run("unknown prompt is not an error", func(t *testing.T) {
		assert.NoError(t, store.SetStatus(ctx, "nope", enums.JobStatusCompleted, ""))
	})

	t.Run("closed db propagates", func(t *testing.T) {
		st := newTestStore(t)
		require.NoError(t, st.Close())
		assert.Error(t, st.SetStatus(ctx, "p1", enums.JobStatusRunning, ""))
		_, err := st.Submit(ctx, "p2", `{}`, 0)
		assert.Error(t, err)
	})
}

func TestSQLiteStore_SetPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Submit(ctx, "p1", `{}`, 0)
	require.NoError(t, err)

	require.NoError(t, store.SetPriority(ctx, "p1", 7))
	entry, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Priority)

	assert.ErrorIs(t, store.SetPriority(ctx, "missing", 1), ErrNotFound)

	require.NoError(t, store.SetStatus(ctx, "p1", enums.JobStatusRunning, ""))
	require.NoError(t, store.SetPriority(ctx, "p1", 3), "running job can be reprioritized")

	for _, st := range []enums.JobStatus{enums.JobStatusCompleted, enums.JobStatusFailed, enums.JobStatusCancelled} {
		require.NoError(t, store.SetStatus(ctx, "p1", st, ""))
		err = store.SetPriority(ctx, "p1", 9)
		require.ErrorIs(t, err, ErrTerminal, st.String())
		entry, err = store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 3, entry.Priority, "priority of finished job unchanged")
	}
}

func TestSQLiteStore_MarkRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "done", "gone"} {
		_, err := store.Submit(ctx, id, `{}`, 0)
		require.NoError(t, err)
	}

	ok, err := store.MarkRunning(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	entry, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusRunning, entry.Status)
	assert.False(t, entry.StartedAt.IsZero())

	ok, err = store.MarkRunning(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "already running")

	require.NoError(t, store.SetStatus(ctx, "done", enums.JobStatusCompleted, ""))
	ok, err = store.MarkRunning(ctx, "done")
	require.NoError(t, err)
	assert.False(t, ok, "completed job stays completed")
	entry, err = store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCompleted, entry.Status)

	require.NoError(t, store.SetStatus(ctx, "gone", enums.JobStatusCancelled, ""))
	ok, err = store.MarkRunning(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled job stays cancelled")

	ok, err = store.MarkRunning(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_Rename(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Submit(ctx, "nested", `{"1":{"class_type":"X"},"workflow":{"name":"old","nodes":[]}}`, 0)
	require.NoError(t, err)
	_, err = store.Submit(ctx, "flat", `{"1":{"class_type":"X"},"name":"old"}`, 0)
	require.NoError(t, err)

	ok, err := store.Rename(ctx, "nested", "new nested")
	require.NoError(t, err)
	assert.True(t, ok)
	entry, err := store.Get(ctx, "nested")
	require.NoError(t, err)
	assert.Equal(t, "new nested", entry.Name())
	assert.Contains(t, entry.Workflow, `"nodes":[]`)

	ok, err = store.Rename(ctx, "flat", "new flat")
	require.NoError(t, err)
	assert.True(t, ok)
	entry, err = store.Get(ctx, "flat")
	require.NoError(t, err)
	assert.Equal(t, "new flat", entry.Name())

	ok, err = store.Rename(ctx, "missing", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_RemoveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := store.Submit(ctx, id, `{}`, 0)
		require.NoError(t, err)
	}

	require.NoError(t, store.Remove(ctx, "p2"))
	require.NoError(t, store.Remove(ctx, "p2"), "removing absent entry is fine")

	_, err := store.Get(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotFound)

	many, err := store.GetMany(ctx, []string{"p1", "p2", "p3", "zz"})
	require.NoError(t, err)
	assert.Len(t, many, 2)
	assert.Contains(t, many, "p1")
	assert.Contains(t, many, "p3")

	empty, err := store.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_ResetRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := store.Submit(ctx, id, `{}`, 0)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetStatus(ctx, "p1", enums.JobStatusRunning, ""))
	require.NoError(t, store.SetStatus(ctx, "p2", enums.JobStatusCompleted, ""))

	n, err := store.ResetRunning(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p1", pending[0].PromptID)
	assert.True(t, pending[0].StartedAt.IsZero())
}

func TestSQLiteStore_ConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			id := "p" + string(rune('a'+i))
			if _, err := store.Submit(ctx, id, `{}`, i%3); err != nil {
				done <- err
				return
			}
			done <- store.SetStatus(ctx, id, enums.JobStatusRunning, "")
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}

	var count int
	require.NoError(t, store.db.Get(&count, "SELECT COUNT(*) FROM queue_items WHERE status = 'running'"))
	assert.Equal(t, 20, count)
}
