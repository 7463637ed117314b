// Package sqlite is the SQLite-backed history.Store implementation. It uses
// modernc.org/sqlite (pure Go, no CGO) so the binary stays fully static,
// with a single connection and an idempotent, append-only migration.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kotoba-transcriber/backend/history"
)

// DB implements history.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// The core never runs more than one worker per kind and history writes
	// are infrequent lifecycle events, so a single connection avoids
	// SQLITE_BUSY without needing a connection pool.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements so
// existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT    NOT NULL,
			label      TEXT    NOT NULL DEFAULT '',
			started_at TEXT    NOT NULL,
			ended_at   TEXT,
			outcome    TEXT    NOT NULL DEFAULT 'running',
			detail     TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_kind_started
			ON jobs(kind, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) BeginJob(ctx context.Context, kind, label string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (kind, label, started_at, outcome)
		VALUES (?, ?, ?, 'running')
	`, kind, label, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) EndJob(ctx context.Context, id int64, outcome history.EventType, detail string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET ended_at = ?, outcome = ?, detail = ? WHERE id = ?
	`, now, string(outcome), detail, id)
	return err
}

func (s *DB) RecentJobs(ctx context.Context, kind string, limit int) ([]history.JobRecord, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, label, started_at, ended_at, outcome, detail
			  FROM jobs ORDER BY started_at DESC, id DESC LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, label, started_at, ended_at, outcome, detail
			  FROM jobs WHERE kind = ? ORDER BY started_at DESC, id DESC LIMIT ?
		`, kind, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.JobRecord
	for rows.Next() {
		var rec history.JobRecord
		var started string
		var ended sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Label, &started, &ended, &rec.Outcome, &rec.Detail); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended.Valid {
			t, _ := time.Parse(time.RFC3339, ended.String)
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) CountsByOutcome(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, outcome, COUNT(*) FROM jobs GROUP BY kind, outcome
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var kind, outcome string
		var count int
		if err := rows.Scan(&kind, &outcome, &count); err != nil {
			return nil, err
		}
		if out[kind] == nil {
			out[kind] = make(map[string]int)
		}
		out[kind][outcome] = count
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
