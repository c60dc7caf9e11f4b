package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/task"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "eventcapture.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, ok, err := s.GetValue(ctx, KeyTaskTitleDraft)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutValue(ctx, KeyTaskTitleDraft, "draft"))
	require.NoError(t, s.PutValue(ctx, KeyTaskTitleDraft, "draft 2"))
	v, ok, err := s.GetValue(ctx, KeyTaskTitleDraft)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "draft 2", v)

	require.NoError(t, s.DeleteValue(ctx, KeyTaskTitleDraft))
	_, ok, err = s.GetValue(ctx, KeyTaskTitleDraft)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSessionState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t, Options{})

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.SessionState{}, st, "a fresh database is idle")

	want := task.SessionState{}.Begin("task_1", "tab-1", 1000)
	want.VideoStartedAtMs = task.Int64(1500)
	require.NoError(t, s.SaveState(ctx, want))

	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, st)

	want = want.End("task_1")
	require.NoError(t, s.SaveState(ctx, want))
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, st)
	assert.False(t, st.IsRecording)
	assert.Equal(t, "task_1", st.LastCompletedTaskID)
}

func TestStoreTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t, Options{})

	older := task.NewLog("task_old", "Old", "https://example.com/", 1000)
	require.NoError(t, older.Append(task.EventRecord{Type: "click", Timestamp: 1100}))
	require.NoError(t, older.Finish(task.StatusCompleted, 2000))
	require.NoError(t, s.PutTask(ctx, older))

	newer := task.NewLog("task_new", "New", "https://example.com/a", 5000)
	require.NoError(t, s.PutTask(ctx, newer))

	recs := []task.EventRecord{
		{Type: "click", Timestamp: 5100, URL: "https://example.com/a"},
		{Type: "input", Timestamp: 5200, Value: task.String("hello")},
	}
	require.NoError(t, s.AppendEvents(ctx, newer.ID, 0, recs))
	require.NoError(t, s.AppendEvents(ctx, newer.ID, 2, []task.EventRecord{
		{Type: task.EventNavigation, Timestamp: 5300, ToURL: "https://example.com/b"},
	}))

	got, err := s.GetTask(ctx, newer.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 3)
	assert.Equal(t, "click", got.Events[0].Type)
	assert.Equal(t, "hello", *got.Events[1].Value)
	assert.Equal(t, task.EventNavigation, got.Events[2].Type)
	assert.Equal(t, task.StatusRecording, got.Status)

	newer.EndURL = "https://example.com/b"
	require.NoError(t, s.UpdateTask(ctx, newer))
	got, err = s.GetTask(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b", got.EndURL)
	assert.Len(t, got.Events, 3, "metadata updates keep the events")

	list, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "task_new", list[0].ID)
	assert.Equal(t, 3, list[0].EventCount)
	assert.Equal(t, "task_old", list[1].ID)
	assert.Equal(t, 1, list[1].EventCount)
	assert.Empty(t, list[1].Events)

	require.NoError(t, s.DeleteTask(ctx, older.ID))
	require.ErrorIs(t, s.DeleteTask(ctx, older.ID), ErrNotFound)
	_, err = s.GetTask(ctx, older.ID)
	require.ErrorIs(t, err, ErrNotFound)

	list, err = s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStorePutTaskReplacesEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t, Options{})

	l := task.NewLog("task_1", "", "https://example.com/", 1000)
	require.NoError(t, l.Append(
		task.EventRecord{Type: "click", Timestamp: 1001},
		task.EventRecord{Type: "click", Timestamp: 1002},
	))
	require.NoError(t, s.PutTask(ctx, l))

	l.Events = l.Events[:1]
	require.NoError(t, s.PutTask(ctx, l))

	got, err := s.GetTask(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Events, 1)
}

func TestStoreQuota(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t, Options{MaxBytes: 32 * pageSize})

	l := task.NewLog("task_1", "", "https://example.com/", 1000)
	require.NoError(t, s.PutTask(ctx, l))

	big := strings.Repeat("x", 64*1024)
	var err error
	for i := 0; i < 16 && err == nil; i++ {
		err = s.AppendEvents(ctx, l.ID, i, []task.EventRecord{{Type: "input", Timestamp: 1001, Value: task.String(big)}})
	}
	require.ErrorIs(t, err, ErrQuotaExceeded)
}
