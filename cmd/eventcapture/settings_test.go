package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/env"
)

func TestDecodeSettings(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, s Settings)
		wantErr string
	}{
		{
			name: "empty",
			yaml: "",
			check: func(t *testing.T, s Settings) {
				t.Helper()
				assert.Equal(t, 30*time.Second, s.Ingest.Timeout)
				assert.Equal(t, "info", s.Log.Level)
			},
		},
		{
			name: "durations and nested keys",
			yaml: `
dataDir: /var/lib/eventcapture
ingest:
  url: http://localhost:8000
  timeout: 5s
recorder:
  inputWindow: 250ms
  htmlCapture: true
browser:
  args: [--lang=en]
`,
			check: func(t *testing.T, s Settings) {
				t.Helper()
				assert.Equal(t, "/var/lib/eventcapture", s.DataDir)
				assert.Equal(t, "http://localhost:8000", s.Ingest.URL)
				assert.Equal(t, 5*time.Second, s.Ingest.Timeout)
				assert.Equal(t, 250*time.Millisecond, s.Recorder.InputWindow)
				assert.True(t, s.Recorder.HTMLCapture)
				assert.Equal(t, []string{"--lang=en"}, s.Browser.Args)
				assert.Equal(t, 30*time.Second, s.Browser.Timeout)
			},
		},
		{
			name:    "unknown key",
			yaml:    "ingest:\n  endpoint: http://localhost:8000\n",
			wantErr: "field endpoint not found",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := defaultSettings()
			err := decodeSettings(strings.NewReader(tc.yaml), &s)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.check(t, s)
		})
	}
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	t.Run("missing optional file", func(t *testing.T) {
		t.Parallel()

		s, err := loadSettings(filepath.Join(t.TempDir(), "settings.yaml"), false, env.EmptyLookup)
		require.NoError(t, err)
		assert.Equal(t, defaultSettings(), s)
	})

	t.Run("missing required file", func(t *testing.T) {
		t.Parallel()

		_, err := loadSettings(filepath.Join(t.TempDir(), "settings.yaml"), true, env.EmptyLookup)
		require.Error(t, err)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte("ingest:\n  url: http://file\nbrowser:\n  headless: false\n"), 0o600))

		s, err := loadSettings(path, true, env.MapLookup(map[string]string{
			env.IngestURL:       "http://env",
			env.APIKey:          "secret",
			env.BrowserHeadless: "true",
			env.LogLevel:        "",
		}))
		require.NoError(t, err)
		assert.Equal(t, "http://env", s.Ingest.URL)
		assert.Equal(t, "secret", s.Ingest.APIKey)
		assert.True(t, s.Browser.Headless)
		assert.Equal(t, "info", s.Log.Level)
	})
}
