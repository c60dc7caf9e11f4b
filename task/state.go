package task

import (
	"gopkg.in/guregu/null.v3"
)

// SessionState describes the recording in progress, if any.
// IsRecording is true exactly when both CurrentTaskID and RecordingTabID
// are set.
type SessionState struct {
	IsRecording         bool
	CurrentTaskID       string
	RecordingTabID      string
	RecordingStartTime  int64
	LastCompletedTaskID string
	VideoStartedAtMs    *int64
}

// Valid reports whether the state satisfies the recording invariant.
func (s SessionState) Valid() bool {
	hasTask := s.CurrentTaskID != ""
	hasTab := s.RecordingTabID != ""
	return s.IsRecording == hasTask && hasTask == hasTab
}

// Begin returns the state for a freshly started recording.
func (s SessionState) Begin(taskID, tabID string, startTime int64) SessionState {
	s.IsRecording = true
	s.CurrentTaskID = taskID
	s.RecordingTabID = tabID
	s.RecordingStartTime = startTime
	s.VideoStartedAtMs = nil
	return s
}

// End returns the idle state after a recording. lastCompleted is kept
// when empty, so a cancelled session doesn't erase the previous one.
func (s SessionState) End(lastCompleted string) SessionState {
	if lastCompleted != "" {
		s.LastCompletedTaskID = lastCompleted
	}
	s.IsRecording = false
	s.CurrentTaskID = ""
	s.RecordingTabID = ""
	s.RecordingStartTime = 0
	s.VideoStartedAtMs = nil
	return s
}

// PersistedState is the stored projection of SessionState. Cleared keys are
// written as null instead of being dropped.
type PersistedState struct {
	IsRecording         bool        `json:"isRecording"`
	CurrentTaskID       null.String `json:"currentTaskId"`
	RecordingTabID      null.String `json:"recordingTabId"`
	RecordingStartTime  null.Int    `json:"recordingStartTime"`
	LastCompletedTaskID null.String `json:"lastCompletedTaskId"`
	VideoStartedAtMs    null.Int    `json:"videoStartedAtMs"`
}

// Persisted converts s to its stored projection.
func (s SessionState) Persisted() PersistedState {
	p := PersistedState{
		IsRecording:         s.IsRecording,
		CurrentTaskID:       null.NewString(s.CurrentTaskID, s.CurrentTaskID != ""),
		RecordingTabID:      null.NewString(s.RecordingTabID, s.RecordingTabID != ""),
		RecordingStartTime:  null.NewInt(s.RecordingStartTime, s.RecordingStartTime != 0),
		LastCompletedTaskID: null.NewString(s.LastCompletedTaskID, s.LastCompletedTaskID != ""),
	}
	if s.VideoStartedAtMs != nil {
		p.VideoStartedAtMs = null.IntFrom(*s.VideoStartedAtMs)
	}
	return p
}

// State converts the stored projection back.
func (p PersistedState) State() SessionState {
	s := SessionState{
		IsRecording:         p.IsRecording,
		CurrentTaskID:       p.CurrentTaskID.String,
		RecordingTabID:      p.RecordingTabID.String,
		RecordingStartTime:  p.RecordingStartTime.Int64,
		LastCompletedTaskID: p.LastCompletedTaskID.String,
	}
	if p.VideoStartedAtMs.Valid {
		s.VideoStartedAtMs = Int64(p.VideoStartedAtMs.Int64)
	}
	return s
}
