package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('recording','completed','cancelled')),
	doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_by_start_time ON tasks(start_time DESC);

CREATE TABLE IF NOT EXISTS task_events (
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	record TEXT NOT NULL,
	PRIMARY KEY(task_id, seq),
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
`,
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
