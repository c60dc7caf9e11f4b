// Package ingest delivers finished task logs to the ingestion service.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/event-capture/eventcapture/storage"
	"github.com/event-capture/eventcapture/task"
)

// Payload is the document posted to the ingestion service for one task.
//
// The snake_case fields repeat the task data under the names the Python
// ingestion service validates, which rejects documents without them.
type Payload struct {
	TaskID         string             `json:"taskId"`
	Title          string             `json:"title"`
	StartURL       string             `json:"startUrl"`
	EndURL         string             `json:"endUrl"`
	StartTime      int64              `json:"startTime"`
	EndTime        int64              `json:"endTime"`
	Duration       int64              `json:"duration"`
	EventsRecorded int                `json:"eventsRecorded"`
	Events         []task.EventRecord `json:"events"`
	VideoLocalPath string             `json:"videoLocalPath,omitempty"`

	Task              string             `json:"task"`
	EventsRecordedAlt int                `json:"events_recorded"`
	StartURLAlt       string             `json:"start_url"`
	EndURLAlt         string             `json:"end_url"`
	Data              []task.EventRecord `json:"data"`
	VideoLocalPathAlt string             `json:"video_local_path,omitempty"`
}

// VideoLocalPath returns where the video of a recording started at
// videoStartedAtMs is archived.
func VideoLocalPath(videoStartedAtMs int64) string {
	return storage.ArchivePath(storage.FolderISO(videoStartedAtMs), storage.VideoFileName)
}

// NewPayload builds the payload of a finished task log. It only reads the
// log, so the same log always yields the same payload.
func NewPayload(l *task.Log) (Payload, error) {
	if l.Recording() || l.EndTime == nil {
		return Payload{}, fmt.Errorf("task %q is still %s", l.ID, l.Status)
	}
	events := l.Events
	if events == nil {
		events = []task.EventRecord{}
	}

	p := Payload{
		TaskID:         l.ID,
		Title:          l.Title,
		StartURL:       l.StartURL,
		EndURL:         l.EndURL,
		StartTime:      l.StartTime,
		EndTime:        *l.EndTime,
		Duration:       l.Duration(),
		EventsRecorded: len(events),
		Events:         events,
	}
	if l.VideoStartedAtMs != nil {
		p.VideoLocalPath = VideoLocalPath(*l.VideoStartedAtMs)
	}

	p.Task = p.Title
	p.EventsRecordedAlt = p.EventsRecorded
	p.StartURLAlt = p.StartURL
	p.EndURLAlt = p.EndURL
	p.Data = p.Events
	p.VideoLocalPathAlt = p.VideoLocalPath

	return p, nil
}

// Encode marshals the payload.
func (p Payload) Encode() ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload of task %q: %w", p.TaskID, err)
	}
	return buf, nil
}
