package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/event-capture/eventcapture/env"
)

// SettingsEnv points at the settings file.
const SettingsEnv = "EVENTCAPTURE_SETTINGS"

// Settings are the user settings of the tool, read from a YAML file and
// overridden by the environment and flags.
type Settings struct {
	DataDir         string `yaml:"dataDir"`
	MaxStorageBytes int64  `yaml:"maxStorageBytes"`
	EventConfigFile string `yaml:"eventConfigFile"`

	Ingest struct {
		URL     string        `yaml:"url"`
		APIKey  string        `yaml:"apiKey"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ingest"`

	Browser struct {
		ExecutablePath string        `yaml:"executablePath"`
		Headless       bool          `yaml:"headless"`
		Args           []string      `yaml:"args"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"browser"`

	Recorder struct {
		InputWindow  time.Duration `yaml:"inputWindow"`
		ScrollWindow time.Duration `yaml:"scrollWindow"`
		HTMLCapture  bool          `yaml:"htmlCapture"`
	} `yaml:"recorder"`

	Screen struct {
		Disabled   bool   `yaml:"disabled"`
		FrameRate  int64  `yaml:"frameRate"`
		Quality    int64  `yaml:"quality"`
		MaxWidth   int64  `yaml:"maxWidth"`
		MaxHeight  int64  `yaml:"maxHeight"`
		FFmpegPath string `yaml:"ffmpegPath"`
	} `yaml:"screen"`

	Traces struct {
		Endpoint string `yaml:"endpoint"`
		Protocol string `yaml:"protocol"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"traces"`

	Log struct {
		Level          string `yaml:"level"`
		CategoryFilter string `yaml:"categoryFilter"`
	} `yaml:"log"`
}

func defaultSettings() Settings {
	var s Settings
	s.Ingest.Timeout = 30 * time.Second
	s.Browser.Timeout = 30 * time.Second
	s.Traces.Protocol = "http"
	s.Log.Level = "info"
	if dir, err := os.UserConfigDir(); err == nil {
		s.DataDir = filepath.Join(dir, "eventcapture")
	} else {
		s.DataDir = ".eventcapture"
	}
	return s
}

// defaultSettingsPath is where the settings file is looked for when none is
// given.
func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "eventcapture", "settings.yaml")
}

// decodeSettings decodes r over s. Unknown keys are an error.
func decodeSettings(r io.Reader, s *Settings) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return nil
}

// loadSettings reads the settings file at path over the defaults and
// applies the environment. A missing file is only an error when required.
func loadSettings(path string, required bool, lookup env.LookupFunc) (Settings, error) {
	s := defaultSettings()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		switch {
		case err == nil:
			if err := decodeSettings(bytes.NewReader(data), &s); err != nil {
				return s, fmt.Errorf("%s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return s, fmt.Errorf("reading settings: %w", err)
		}
	}

	applyEnv(&s, lookup)
	return s, nil
}

func applyEnv(s *Settings, lookup env.LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(env.DataDir, &s.DataDir)
	str(env.IngestURL, &s.Ingest.URL)
	str(env.APIKey, &s.Ingest.APIKey)
	str(env.BrowserExecutablePath, &s.Browser.ExecutablePath)
	str(env.EventConfigFile, &s.EventConfigFile)
	str(env.TracesEndpoint, &s.Traces.Endpoint)
	str(env.TracesProtocol, &s.Traces.Protocol)
	str(env.LogLevel, &s.Log.Level)
	str(env.LogCategoryFilter, &s.Log.CategoryFilter)
	s.Browser.Headless = env.Bool(lookup, env.BrowserHeadless, s.Browser.Headless)
	s.Traces.Insecure = env.Bool(lookup, env.TracesInsecure, s.Traces.Insecure)
}

func (s Settings) dbPath() string {
	return filepath.Join(s.DataDir, "eventcapture.db")
}
