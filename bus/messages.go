package bus

import (
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/task"
)

// Kind identifies a message variant.
type Kind string

// Message kinds.
const (
	KindSensorReady         Kind = "sensorReady"
	KindSensorEvents        Kind = "sensorEvents"
	KindRecorderReady       Kind = "recorderReady"
	KindRecords             Kind = "records"
	KindStopRecorder        Kind = "stopRecorder"
	KindFlushAck            Kind = "flushAck"
	KindNavigated           Kind = "navigated"
	KindNavigationCommitted Kind = "navigationCommitted"
	KindTabCreated          Kind = "tabCreated"
	KindScreenStarted       Kind = "screenStarted"
	KindScreenStopped       Kind = "screenStopped"
	KindScreenBlobReady     Kind = "screenBlobReady"
	KindConfigReloaded      Kind = "configReloaded"
)

// Message is implemented by every variant that travels on the bus.
type Message interface {
	Kind() Kind
}

// SensorEvent is a raw DOM event as captured by the in-page sensor, before
// any coalescing.
type SensorEvent struct {
	Name      string                `json:"name"`
	Timestamp int64                 `json:"timestamp"`
	Target    task.TargetDescriptor `json:"target"`
	URL       string                `json:"url,omitempty"`
	Value     *string               `json:"value,omitempty"`
	Key       string                `json:"key,omitempty"`
	ScrollX   *int                  `json:"scrollX,omitempty"`
	ScrollY   *int                  `json:"scrollY,omitempty"`
	HTML      string                `json:"html,omitempty"`
}

// SensorReady is sent when the in-page sensor has installed its listeners,
// or when an already installed sensor is loaded again.
type SensorReady struct {
	TabID      string
	Generation int64
	TaskID     string
	URL        string
	Reloaded   bool
}

// SensorEvents carries a batch of raw events from one document.
type SensorEvents struct {
	TabID      string
	Generation int64
	TaskID     string
	Events     []SensorEvent
}

// RecorderReady acknowledges that the recorder for a document is armed.
type RecorderReady struct {
	TabID      string
	Generation int64
	TaskID     string
}

// Records carries emitted event records in emission order.
type Records struct {
	TabID      string
	Generation int64
	TaskID     string
	Records    []task.EventRecord
}

// StopRecorder asks every recorder armed for TaskID to flush and stop.
type StopRecorder struct {
	TaskID string
}

// FlushAck is published once every recorder armed for TaskID has flushed.
type FlushAck struct {
	TaskID    string
	Recorders int
}

// Navigated is published by the browser driver when a tab's top document
// commits a navigation. Generation is the new document's generation.
type Navigated struct {
	TabID      string
	Generation int64
	URL        string
}

// NavigationCommitted is published after the records of the previous
// document have been flushed.
type NavigationCommitted struct {
	TabID     string
	URL       string
	Timestamp int64
}

// TabCreated is published when a new page target shows up.
type TabCreated struct {
	TabID    string
	OpenerID string
	URL      string
}

// ScreenStarted mirrors the screen recorder's STARTED notification.
type ScreenStarted struct {
	StartedAtMs int64
}

// ScreenStopped mirrors the screen recorder's STOPPED notification.
type ScreenStopped struct{}

// ScreenBlobReady carries the reference to the finished video artifact.
type ScreenBlobReady struct {
	Ref string
}

// ConfigReloaded broadcasts a newly saved event configuration.
type ConfigReloaded struct {
	Config eventconfig.Config
}

func (SensorReady) Kind() Kind         { return KindSensorReady }
func (SensorEvents) Kind() Kind        { return KindSensorEvents }
func (RecorderReady) Kind() Kind       { return KindRecorderReady }
func (Records) Kind() Kind             { return KindRecords }
func (StopRecorder) Kind() Kind        { return KindStopRecorder }
func (FlushAck) Kind() Kind            { return KindFlushAck }
func (Navigated) Kind() Kind           { return KindNavigated }
func (NavigationCommitted) Kind() Kind { return KindNavigationCommitted }
func (TabCreated) Kind() Kind          { return KindTabCreated }
func (ScreenStarted) Kind() Kind       { return KindScreenStarted }
func (ScreenStopped) Kind() Kind       { return KindScreenStopped }
func (ScreenBlobReady) Kind() Kind     { return KindScreenBlobReady }
func (ConfigReloaded) Kind() Kind      { return KindConfigReloaded }
