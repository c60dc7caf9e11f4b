// Package js holds the scripts evaluated inside recorded pages.
package js

import (
	_ "embed"
)

// RecorderScript is an arrow function taking the sensor options. Evaluated
// in a document it installs capture phase listeners for the configured DOM
// events and reports them through the named runtime binding. Loading it a
// second time into the same document only re-acknowledges.
//
//go:embed recorder.js
var RecorderScript string

// SentinelName is the window property the installed sensor lives under.
const SentinelName = "__eventCaptureRecorder"
