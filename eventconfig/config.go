// Package eventconfig defines which DOM events get recorded and how each
// of them is coalesced.
package eventconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// HandlerClass selects how a recorder coalesces an event.
type HandlerClass string

// Handler classes.
const (
	// Immediate emits one record per event.
	Immediate HandlerClass = "immediate"
	// DebouncedInput emits the latest value per target once the target
	// has been quiet for the input window.
	DebouncedInput HandlerClass = "debounced-input"
	// DebouncedScroll emits the final scroll position once the page has
	// been quiet for the scroll window.
	DebouncedScroll HandlerClass = "debounced-scroll"
)

// ErrInvalidConfig is returned for configs that can't be used.
var ErrInvalidConfig = errors.New("invalid event config")

// Valid reports whether c is a known handler class.
func (c HandlerClass) Valid() bool {
	switch c {
	case Immediate, DebouncedInput, DebouncedScroll:
		return true
	}
	return false
}

// Listener is one configured DOM event.
type Listener struct {
	Name         string       `json:"name"`
	Enabled      bool         `json:"enabled"`
	HandlerClass HandlerClass `json:"handlerClass"`
}

// Config is an ordered set of listeners. When Wildcard is set, every event
// name the page exposes is recorded; listed names keep their class and
// unlisted ones are immediate.
type Config struct {
	Listeners []Listener `json:"listeners"`
	Wildcard  bool       `json:"wildcard,omitempty"`
}

// Validate checks that names are non-empty and unique and that every
// handler class is known.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Listeners))
	for i, l := range c.Listeners {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("listener %d has no name: %w", i, ErrInvalidConfig)
		}
		if _, ok := seen[l.Name]; ok {
			return fmt.Errorf("duplicate listener %q: %w", l.Name, ErrInvalidConfig)
		}
		if !l.HandlerClass.Valid() {
			return fmt.Errorf("listener %q has unknown handler class %q: %w", l.Name, l.HandlerClass, ErrInvalidConfig)
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// Enabled returns the enabled listeners in config order.
func (c Config) Enabled() []Listener {
	out := make([]Listener, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		if l.Enabled {
			out = append(out, l)
		}
	}
	return out
}

// ClassOf returns the handler class for an event name and whether the
// event should be recorded at all.
func (c Config) ClassOf(name string) (HandlerClass, bool) {
	for _, l := range c.Listeners {
		if l.Name == name {
			return l.HandlerClass, l.Enabled
		}
	}
	if c.Wildcard {
		return Immediate, true
	}
	return "", false
}

// Names returns the sorted names of the enabled listeners.
func (c Config) Names() []string {
	en := c.Enabled()
	names := make([]string, len(en))
	for i, l := range en {
		names[i] = l.Name
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	cp := Config{Wildcard: c.Wildcard, Listeners: make([]Listener, len(c.Listeners))}
	copy(cp.Listeners, c.Listeners)
	return cp
}

// Encode marshals c to the stored JSON representation.
func (c Config) Encode() (string, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding event config: %w", err)
	}
	return string(buf), nil
}

// Decode parses the stored JSON representation and validates it.
func Decode(s string) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("decoding event config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
