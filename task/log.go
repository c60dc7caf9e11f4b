package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a task log.
type Status string

// Valid task statuses. A log starts recording and ends in exactly one of the
// terminal statuses.
const (
	StatusRecording Status = "recording"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change isn't allowed.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Submission records a successful delivery to the ingestion service.
type Submission struct {
	DocumentID    string `json:"documentId"`
	FolderIso     string `json:"folderIso,omitempty"`
	SubmittedAt   int64  `json:"submittedAt"`
	VideoUploaded bool   `json:"videoUploaded"`
}

// Log is the durable record of one task.
type Log struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Status           Status        `json:"status"`
	StartTime        int64         `json:"startTime"`
	EndTime          *int64        `json:"endTime,omitempty"`
	StartURL         string        `json:"startUrl"`
	EndURL           string        `json:"endUrl,omitempty"`
	VideoStartedAtMs *int64        `json:"videoStartedAtMs,omitempty"`
	VideoArtifactRef string        `json:"videoArtifactRef,omitempty"`
	CancelReason     string        `json:"cancelReason,omitempty"`
	Submission       *Submission   `json:"submission,omitempty"`
	LastSubmitError  string        `json:"lastSubmitError,omitempty"`
	Events           []EventRecord `json:"events"`
}

// NewLog returns a log in the recording status.
func NewLog(id, title, startURL string, startTime int64) *Log {
	return &Log{
		ID:        id,
		Title:     title,
		Status:    StatusRecording,
		StartTime: startTime,
		StartURL:  startURL,
		EndURL:    startURL,
		Events:    []EventRecord{},
	}
}

// Recording reports whether events may still be appended.
func (l *Log) Recording() bool { return l.Status == StatusRecording }

// Append adds records to the end of the event list.
func (l *Log) Append(records ...EventRecord) error {
	if !l.Recording() {
		return fmt.Errorf("appending to %s task %q: %w", l.Status, l.ID, ErrInvalidTransition)
	}
	l.Events = append(l.Events, records...)
	return nil
}

// Finish moves the log to a terminal status. endTime is raised to the
// latest event timestamp if needed so that endTime is never before an event,
// even when records from different pages arrived out of order.
func (l *Log) Finish(status Status, endTime int64) error {
	if !l.Recording() || (status != StatusCompleted && status != StatusCancelled) {
		return fmt.Errorf("%s -> %s: %w", l.Status, status, ErrInvalidTransition)
	}
	for _, e := range l.Events {
		if e.Timestamp > endTime {
			endTime = e.Timestamp
		}
	}
	if endTime < l.StartTime {
		endTime = l.StartTime
	}
	l.Status = status
	l.EndTime = &endTime
	return nil
}

// Duration is the task length in milliseconds. Zero while recording.
func (l *Log) Duration() int64 {
	if l.EndTime == nil {
		return 0
	}
	return *l.EndTime - l.StartTime
}

// Snapshot returns a copy of the log that shares no mutable state with l.
// Appending to l after a snapshot is taken never shows up in the snapshot.
func (l *Log) Snapshot() *Log {
	cp := *l
	cp.Events = make([]EventRecord, len(l.Events))
	copy(cp.Events, l.Events)
	if l.EndTime != nil {
		cp.EndTime = Int64(*l.EndTime)
	}
	if l.VideoStartedAtMs != nil {
		cp.VideoStartedAtMs = Int64(*l.VideoStartedAtMs)
	}
	if l.Submission != nil {
		s := *l.Submission
		cp.Submission = &s
	}
	return &cp
}

// Now returns the current wall clock in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}
