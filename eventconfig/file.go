package eventconfig

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

// Handler names used by the configuration file format.
const (
	fileHandlerRecord   = "recordEvent"
	fileHandlerInput    = "debouncedRecordInput"
	fileHandlerScroll   = "debouncedRecordScroll"
	fileHandlerWildcard = "*"
)

//go:embed default_config.json
var defaultConfigFile []byte

type fileEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Handler string `json:"handler"`
}

type file struct {
	DOMEvents []fileEntry `json:"domEvents"`
}

func handlerToClass(h string) (HandlerClass, error) {
	switch h {
	case fileHandlerRecord:
		return Immediate, nil
	case fileHandlerInput:
		return DebouncedInput, nil
	case fileHandlerScroll:
		return DebouncedScroll, nil
	}
	return "", fmt.Errorf("unknown handler %q: %w", h, ErrInvalidConfig)
}

func classToHandler(c HandlerClass) string {
	switch c {
	case DebouncedInput:
		return fileHandlerInput
	case DebouncedScroll:
		return fileHandlerScroll
	default:
		return fileHandlerRecord
	}
}

// ParseFile parses the {domEvents:[{name, enabled, handler}]} file format.
// An entry named "*" turns on wildcard recording.
func ParseFile(data []byte) (Config, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parsing event config file: %w", err)
	}

	var c Config
	for _, e := range f.DOMEvents {
		if e.Name == fileHandlerWildcard {
			c.Wildcard = e.Enabled
			continue
		}
		class, err := handlerToClass(e.Handler)
		if err != nil {
			return Config{}, fmt.Errorf("event %q: %w", e.Name, err)
		}
		c.Listeners = append(c.Listeners, Listener{Name: e.Name, Enabled: e.Enabled, HandlerClass: class})
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// MarshalFile renders c in the configuration file format.
func MarshalFile(c Config) ([]byte, error) {
	f := file{DOMEvents: make([]fileEntry, 0, len(c.Listeners)+1)}
	for _, l := range c.Listeners {
		f.DOMEvents = append(f.DOMEvents, fileEntry{
			Name:    l.Name,
			Enabled: l.Enabled,
			Handler: classToHandler(l.HandlerClass),
		})
	}
	if c.Wildcard {
		f.DOMEvents = append(f.DOMEvents, fileEntry{Name: fileHandlerWildcard, Enabled: true, Handler: fileHandlerRecord})
	}
	buf, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling event config file: %w", err)
	}
	return buf, nil
}

// Default returns the packaged default configuration.
func Default() (Config, error) {
	return ParseFile(defaultConfigFile)
}
