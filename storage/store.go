// Package storage persists task logs, session state and preferences in a
// local SQLite database, and video artifacts on disk.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/event-capture/eventcapture/task"
)

// Keys of the values kept in the kv table.
const (
	KeyIsRecording         = "isRecording"
	KeyCurrentTaskID       = "currentTaskId"
	KeyRecordingTabID      = "recordingTabId"
	KeyRecordingStartTime  = "recordingStartTime"
	KeyLastCompletedTaskID = "lastCompletedTaskId"
	KeyVideoStartedAtMs    = "videoStartedAtMs"
	KeyTaskTitleDraft      = "taskTitleDraft"
)

var stateKeys = []string{
	KeyIsRecording,
	KeyCurrentTaskID,
	KeyRecordingTabID,
	KeyRecordingStartTime,
	KeyLastCompletedTaskID,
	KeyVideoStartedAtMs,
}

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded is returned when the database can't grow any more.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Options configure Open.
type Options struct {
	// MaxBytes caps the database size. Zero means no cap.
	MaxBytes int64
}

// pageSize is SQLite's default page size, used to turn MaxBytes into pages.
const pageSize = 4096

// Store is the task log store.
type Store struct {
	db *sql.DB
}

// Open opens, creating if needed, the database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if opts.MaxBytes > 0 {
		pages := opts.MaxBytes / pageSize
		if pages < 1 {
			pages = 1
		}
		dsn += fmt.Sprintf("&_pragma=max_page_count(%d)", pages)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, mapErr(err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetValue returns the raw value stored under key.
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

// PutValue stores value under key.
func (s *Store) PutValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, mapErr(err))
	}
	return nil
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// LoadState reads the session state keys.
func (s *Store) LoadState(ctx context.Context) (task.SessionState, error) {
	raw := make(map[string]json.RawMessage, len(stateKeys))
	for _, k := range stateKeys {
		v, ok, err := s.GetValue(ctx, k)
		if err != nil {
			return task.SessionState{}, err
		}
		if ok {
			raw[k] = json.RawMessage(v)
		}
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return task.SessionState{}, fmt.Errorf("encoding session state: %w", err)
	}
	var p task.PersistedState
	if err := json.Unmarshal(buf, &p); err != nil {
		return task.SessionState{}, fmt.Errorf("decoding session state: %w", err)
	}
	return p.State(), nil
}

// SaveState writes every session state key in one transaction.
func (s *Store) SaveState(ctx context.Context, st task.SessionState) error {
	buf, err := json.Marshal(st.Persisted())
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, k := range stateKeys {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, string(raw[k])); err != nil {
				return fmt.Errorf("put %q: %w", k, err)
			}
		}
		return nil
	})
}

// PutTask writes l, replacing any stored log with the same id, events
// included.
func (s *Store) PutTask(ctx context.Context, l *task.Log) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, l); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, l.ID); err != nil {
			return fmt.Errorf("clear events of %q: %w", l.ID, err)
		}
		return insertEvents(ctx, tx, l.ID, 0, l.Events)
	})
}

// UpdateTask writes the metadata of l. Stored events are left alone.
func (s *Store) UpdateTask(ctx context.Context, l *task.Log) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return upsertTask(ctx, tx, l)
	})
}

// AppendEvents stores recs as the events of task id starting at position
// from.
func (s *Store) AppendEvents(ctx context.Context, id string, from int, recs []task.EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, id, from, recs)
	})
}

// GetTask returns the full log of task id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Log, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	var l task.Log
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("decoding task %q: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM task_events WHERE task_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get events of %q: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck

	l.Events = []task.EventRecord{}
	for rows.Next() {
		var rec string
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scan event of %q: %w", id, err)
		}
		var e task.EventRecord
		if err := json.Unmarshal([]byte(rec), &e); err != nil {
			return nil, fmt.Errorf("decoding event of %q: %w", id, err)
		}
		l.Events = append(l.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get events of %q: %w", id, err)
	}

	return &l, nil
}

// DeleteTask removes task id and its events.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return nil
}

// Summary is a task log without its events.
type Summary struct {
	*task.Log
	EventCount int
}

// ListTasks returns every task, newest first, without events.
func (s *Store) ListTasks(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.doc, (SELECT COUNT(*) FROM task_events e WHERE e.task_id = t.id)
FROM tasks t
ORDER BY t.start_time DESC, t.id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Summary
	for rows.Next() {
		var (
			doc string
			n   int
		)
		if err := rows.Scan(&doc, &n); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var l task.Log
		if err := json.Unmarshal([]byte(doc), &l); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}
		out = append(out, Summary{Log: &l, EventCount: n})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, l *task.Log) error {
	meta := *l
	meta.Events = nil
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding task %q: %w", l.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks(id, start_time, status, doc) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	start_time = excluded.start_time,
	status = excluded.status,
	doc = excluded.doc`, l.ID, l.StartTime, string(l.Status), string(doc))
	if err != nil {
		return fmt.Errorf("put task %q: %w", l.ID, err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, id string, from int, recs []task.EventRecord) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO task_events(task_id, seq, record) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for i, rec := range recs {
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding event of %q: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, from+i, string(buf)); err != nil {
			return fmt.Errorf("append event %d of %q: %w", from+i, id, err)
		}
	}
	return nil
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapErr(err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

// mapErr turns SQLite's "database or disk is full" into ErrQuotaExceeded
// while keeping the original error in the chain.
func mapErr(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return err
}
