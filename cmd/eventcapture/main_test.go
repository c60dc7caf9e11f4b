package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/env"
	"github.com/event-capture/eventcapture/storage"
	"github.com/event-capture/eventcapture/task"
)

const page = `<html><body><form id="search"><input id="q" data-bid="12"></form></body></html>`

type cli struct {
	dataDir  string
	settings string
	env      map[string]string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("log:\n  level: warn\n"), 0o600))

	return &cli{dataDir: filepath.Join(dir, "data"), settings: settings, env: map[string]string{}}
}

func (c *cli) run(args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(env.MapLookup(c.env), strings.NewReader(""), &out, &errOut)
	cmd.SetArgs(append([]string{"--settings", c.settings, "--data-dir", c.dataDir}, args...))
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (c *cli) seed(t *testing.T, logs ...*task.Log) {
	t.Helper()

	ctx := context.Background()
	s, err := storage.Open(ctx, filepath.Join(c.dataDir, "eventcapture.db"), storage.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	for _, l := range logs {
		require.NoError(t, s.PutTask(ctx, l))
	}
}

func finishedTask(t *testing.T, id string, evs ...task.EventRecord) *task.Log {
	t.Helper()

	l := task.NewLog(id, "search for milk", "https://shop.test/", 1000)
	require.NoError(t, l.Append(evs...))
	l.EndURL = "https://shop.test/results"
	require.NoError(t, l.Finish(task.StatusCompleted, 5000))
	return l
}

func input(ts int64, v string) task.EventRecord {
	return task.EventRecord{
		Type:      "input",
		Timestamp: ts,
		Target:    task.TargetDescriptor{Tag: "input", ID: "q", Selector: "#q", BID: "12", Classes: []string{}},
		Value:     task.String(v),
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.seed(t,
		finishedTask(t, "task_1", input(1200, "milk")),
		finishedTask(t, "task_2",
			task.EventRecord{Type: task.EventHTMLCapture, Timestamp: 1000, HTML: page},
			input(1300, "bread"),
		),
	)

	out, _, err := c.run("history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "task_1")
	assert.Contains(t, out, "task_2")
	assert.Contains(t, out, "search for milk")

	out, _, err = c.run("history", "show", "task_2")
	require.NoError(t, err)
	assert.Contains(t, out, "https://shop.test/ → https://shop.test/results")
	assert.Contains(t, out, `#q = "bread"`)

	exported := filepath.Join(t.TempDir(), "task_2.json")
	_, _, err = c.run("history", "export", "task_2", "--strip-html", "-o", exported)
	require.NoError(t, err)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	var l task.Log
	require.NoError(t, json.Unmarshal(data, &l))
	require.Len(t, l.Events, 2)
	assert.Empty(t, l.Events[0].HTML)

	out, _, err = c.run("history", "delete", "task_1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted task_1")

	_, _, err = c.run("history", "show", "task_1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryEmpty(t *testing.T) {
	t.Parallel()

	out, _, err := newCLI(t).run("history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no tasks recorded")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	out, _, err := c.run("config", "preset", "detailed")
	require.NoError(t, err)
	assert.Contains(t, out, "10 listeners enabled")

	out, _, err = c.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"domEvents"`)
	assert.Contains(t, out, `"dblclick"`)

	file := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"domEvents": [
		{"name": "click", "enabled": true, "handler": "recordEvent"},
		{"name": "keydown", "enabled": false, "handler": "recordEvent"}
	]}`), 0o600))
	out, _, err = c.run("config", "set", file)
	require.NoError(t, err)
	assert.Contains(t, out, "1 listeners enabled")

	_, _, err = c.run("config", "preset", "everything")
	require.Error(t, err)

	_, _, err = c.run("config", "reset")
	require.NoError(t, err)
	out, _, err = c.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"pointerdown"`)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.seed(t,
		finishedTask(t, "task_ok",
			task.EventRecord{Type: task.EventHTMLCapture, Timestamp: 1000, HTML: page},
			input(1300, "bread"),
		),
		finishedTask(t, "task_late",
			input(1100, "bread"),
			task.EventRecord{Type: task.EventHTMLCapture, Timestamp: 1200, HTML: page},
		),
	)

	out, _, err := c.run("verify", "task_ok")
	require.NoError(t, err)
	assert.Contains(t, out, "Temporal Alignment")
	assert.Contains(t, out, "1 valid pairs")

	out, _, err = c.run("verify", "task_late", "--json")
	require.Error(t, err)
	var r struct {
		TaskID string `json:"taskId"`
		Checks []struct {
			Name   string `json:"name"`
			Passed bool   `json:"passed"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "task_late", r.TaskID)
	assert.NotEmpty(t, r.Checks)
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"task_1"`)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"documentId":"doc_1"}`))
	}))
	t.Cleanup(srv.Close)

	c := newCLI(t)
	c.env[env.IngestURL] = srv.URL
	c.seed(t, finishedTask(t, "task_1", input(1200, "milk")))

	_, stderr, err := c.run("submit", "task_1")
	require.Error(t, err)
	assert.Contains(t, stderr, "eventcapture submit task_1")

	out, _, err := c.run("submit", "task_1")
	require.NoError(t, err)
	assert.Contains(t, out, "doc_1")
	assert.EqualValues(t, 2, calls.Load())

	out, _, err = c.run("history", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "failed")
}

func TestSubmitNotConfigured(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.seed(t, finishedTask(t, "task_1"))

	_, _, err := c.run("submit", "task_1")
	require.Error(t, err)
}

func TestUnknownSettingsKey(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.settings, []byte("colour: true\n"), 0o600))

	_, _, err := c.run("history", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
}
