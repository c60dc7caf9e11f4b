// Package env holds the environment variables the event capture tool reads.
package env

import (
	"os"
	"strconv"
	"time"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// Lookup is a LookupFunc that uses os.LookupEnv.
func Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// ConstLookup is a LookupFunc that returns the given value and true
// if the key matches the given key. Otherwise it returns "" and false.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup returns a LookupFunc backed by m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

const (
	// IngestURL is the base URL of the ingestion service,
	// e.g. http://localhost:8000.
	IngestURL = "EVENTCAPTURE_INGEST_URL"

	// APIKey is sent as the X-API-Key header to the ingestion service.
	APIKey = "EVENTCAPTURE_API_KEY"

	// BrowserExecutablePath overrides the Chromium executable lookup.
	BrowserExecutablePath = "EVENTCAPTURE_BROWSER_EXECUTABLE_PATH"

	// BrowserHeadless runs the launched browser headless.
	BrowserHeadless = "EVENTCAPTURE_BROWSER_HEADLESS"

	// DataDir is where the task store and video archives live.
	DataDir = "EVENTCAPTURE_DATA_DIR"

	// LogLevel sets the logger level.
	LogLevel = "EVENTCAPTURE_LOG_LEVEL"

	// LogCategoryFilter is a regular expression matched against log categories.
	LogCategoryFilter = "EVENTCAPTURE_LOG_CATEGORY_FILTER"

	// EventConfigFile is an event configuration file to load and watch.
	EventConfigFile = "EVENTCAPTURE_EVENT_CONFIG"

	// TracesEndpoint enables OTLP tracing of sessions when set.
	TracesEndpoint = "EVENTCAPTURE_TRACES_ENDPOINT"

	// TracesProtocol is the OTLP protocol. Only http is supported.
	TracesProtocol = "EVENTCAPTURE_TRACES_PROTOCOL"

	// TracesInsecure disables TLS for the OTLP exporter.
	TracesInsecure = "EVENTCAPTURE_TRACES_INSECURE"
)

// Bool parses key as a boolean. Missing or invalid values yield def.
func Bool(lookup LookupFunc, key string, def bool) bool {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration parses key as a time.Duration. Missing or invalid values yield def.
func Duration(lookup LookupFunc, key string, def time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
