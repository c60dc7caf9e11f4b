package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTransitions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		prepare func(t *testing.T, l *Log)
		to      Status
		wantErr bool
	}{
		{name: "complete", to: StatusCompleted},
		{name: "cancel", to: StatusCancelled},
		{name: "back_to_recording", to: StatusRecording, wantErr: true},
		{
			name:    "twice",
			prepare: func(t *testing.T, l *Log) {
				t.Helper()
				require.NoError(t, l.Finish(StatusCompleted, 10))
			},
			to:      StatusCancelled,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l := NewLog("id", "title", "https://example.com", 5)
			if tc.prepare != nil {
				tc.prepare(t, l)
			}
			err := l.Finish(tc.to, 10)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, l.Status)
			assert.EqualValues(t, 5, l.Duration())
		})
	}
}

func TestLogAppendAfterFinish(t *testing.T) {
	t.Parallel()

	l := NewLog("id", "", "about:blank", 1)
	require.NoError(t, l.Append(EventRecord{Type: "click", Timestamp: 2}))
	require.NoError(t, l.Finish(StatusCompleted, 3))
	require.ErrorIs(t, l.Append(EventRecord{Type: "click", Timestamp: 4}), ErrInvalidTransition)
	assert.Len(t, l.Events, 1)
}

func TestLogFinishNeverBeforeAnEvent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		events []int64
		end    int64
		want   int64
	}{
		{name: "last event late", events: []int64{150, 500}, end: 200, want: 500},
		{name: "earlier event skewed ahead", events: []int64{60100, 150}, end: 200, want: 60100},
		{name: "all before end", events: []int64{150, 160}, end: 200, want: 200},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l := NewLog("id", "", "about:blank", 100)
			for _, ts := range tc.events {
				require.NoError(t, l.Append(EventRecord{Type: "click", Timestamp: ts}))
			}
			require.NoError(t, l.Finish(StatusCompleted, tc.end))
			require.NotNil(t, l.EndTime)
			assert.EqualValues(t, tc.want, *l.EndTime)
			for _, e := range l.Events {
				assert.LessOrEqual(t, e.Timestamp, *l.EndTime)
			}
		})
	}
}

func TestLogSnapshotIsolated(t *testing.T) {
	t.Parallel()

	l := NewLog("id", "", "about:blank", 1)
	require.NoError(t, l.Append(EventRecord{Type: "click", Timestamp: 2}))
	snap := l.Snapshot()
	require.NoError(t, l.Append(EventRecord{Type: "input", Timestamp: 3}))
	l.Events[0].Type = "mutated"

	require.Len(t, snap.Events, 1)
	assert.Equal(t, "click", snap.Events[0].Type)
}

func TestSessionStatePersisted(t *testing.T) {
	t.Parallel()

	var s SessionState
	assert.True(t, s.Valid())

	s = s.Begin("task-1", "tab-1", 42)
	assert.True(t, s.Valid())
	s.VideoStartedAtMs = Int64(50)

	buf, err := json.Marshal(s.Persisted())
	require.NoError(t, err)
	var p PersistedState
	require.NoError(t, json.Unmarshal(buf, &p))
	assert.Equal(t, s, p.State())

	s = s.End("task-1")
	assert.True(t, s.Valid())
	assert.Equal(t, "task-1", s.LastCompletedTaskID)

	buf, err = json.Marshal(s.Persisted())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"isRecording": false,
		"currentTaskId": null,
		"recordingTabId": null,
		"recordingStartTime": null,
		"lastCompletedTaskId": "task-1",
		"videoStartedAtMs": null
	}`, string(buf))

	s.CurrentTaskID = "dangling"
	assert.False(t, s.Valid())
}
