package eventconfig

import "fmt"

// Preset names.
const (
	PresetStandard = "standard"
	PresetDetailed = "detailed"
	PresetDebug    = "debug"
)

// Standard is the built-in fallback: clicks, form input and submission.
func Standard() Config {
	return Config{Listeners: []Listener{
		{Name: "click", Enabled: true, HandlerClass: Immediate},
		{Name: "input", Enabled: true, HandlerClass: DebouncedInput},
		{Name: "change", Enabled: true, HandlerClass: Immediate},
		{Name: "submit", Enabled: true, HandlerClass: Immediate},
	}}
}

// Detailed adds keyboard, scroll, focus and pointer events to Standard.
func Detailed() Config {
	c := Standard()
	c.Listeners = append(c.Listeners,
		Listener{Name: "dblclick", Enabled: true, HandlerClass: Immediate},
		Listener{Name: "pointerdown", Enabled: true, HandlerClass: Immediate},
		Listener{Name: "keydown", Enabled: true, HandlerClass: Immediate},
		Listener{Name: "select", Enabled: true, HandlerClass: Immediate},
		Listener{Name: "focus", Enabled: true, HandlerClass: Immediate},
		Listener{Name: "scroll", Enabled: true, HandlerClass: DebouncedScroll},
	)
	return c
}

// Debug records every event the page exposes. Input and scroll keep their
// coalescing so that the log stays readable.
func Debug() Config {
	c := Config{Wildcard: true}
	c.Listeners = []Listener{
		{Name: "input", Enabled: true, HandlerClass: DebouncedInput},
		{Name: "scroll", Enabled: true, HandlerClass: DebouncedScroll},
	}
	return c
}

// Preset returns the named preset.
func Preset(name string) (Config, error) {
	switch name {
	case PresetStandard:
		return Standard(), nil
	case PresetDetailed:
		return Detailed(), nil
	case PresetDebug:
		return Debug(), nil
	}
	return Config{}, fmt.Errorf("unknown preset %q", name)
}
