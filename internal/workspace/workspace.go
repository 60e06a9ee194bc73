// Package workspace keeps the record store between command invocations in a
// local SQLite file. Each row carries its record and dirty flag, so the
// snapshot never holds a separate dirty list that could drift from the
// records.
package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"dsawrangler/internal/core/record"
	coresync "dsawrangler/internal/core/sync"
)

// Meta keys describing where the loaded records came from.
const (
	MetaSource     = "source"
	MetaResourceID = "resource_id"
	MetaLoadedAt   = "loaded_at"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	position INTEGER PRIMARY KEY,
	id       TEXT NOT NULL UNIQUE,
	payload  BLOB NOT NULL,
	dirty    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_jobs (
	job_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	state       TEXT NOT NULL,
	total       INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	errors      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);`

// Workspace is an open snapshot database.
type Workspace struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates or opens the database at path.
func Open(path string) (*Workspace, error) {
	if path == "" {
		path = ".dsawrangler.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Workspace{db: db, path: path}, nil
}

func (w *Workspace) Path() string { return w.path }

func (w *Workspace) Close() error { return w.db.Close() }

// Save replaces the stored snapshot with the store's records and dirty flags.
func (w *Workspace) Save(ctx context.Context, s *record.Store) (retErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	recs, dirty := s.Snapshot()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(position,id,payload,dirty) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, i, r.ID, data, dirty[i]); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Restore loads the snapshot into s. It reports false when the workspace is
// empty, leaving s untouched.
func (w *Workspace) Restore(ctx context.Context, s *record.Store) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, err := w.db.QueryContext(ctx, `SELECT payload, dirty FROM records ORDER BY position`)
	if err != nil {
		return false, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var recs []record.Record
	var dirtyIDs []string
	for rows.Next() {
		var payload []byte
		var dirty bool
		if err := rows.Scan(&payload, &dirty); err != nil {
			return false, fmt.Errorf("scan: %w", err)
		}
		var r record.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return false, fmt.Errorf("decode record: %w", err)
		}
		recs = append(recs, r)
		if dirty {
			dirtyIDs = append(dirtyIDs, r.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}
	if err := s.Restore(recs, dirtyIDs); err != nil {
		return false, err
	}
	return true, nil
}

// SetMeta stores a key/value describing the workspace.
func (w *Workspace) SetMeta(ctx context.Context, key, value string) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO meta(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// Meta returns the value for key, or "" when unset.
func (w *Workspace) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := w.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// JobSummary is one row of sync history.
type JobSummary struct {
	JobID     string
	StartedAt time.Time
	State     string
	Total     int
	Success   int
	Errors    int
	Skipped   int
	Duration  time.Duration
}

// RecordJob appends a finished sync job to the history.
func (w *Workspace) RecordJob(ctx context.Context, res coresync.Result) error {
	if res.JobID == "" {
		return nil
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO sync_jobs(job_id,started_at,state,total,success,errors,skipped,duration_ms) VALUES(?,?,?,?,?,?,?,?)`,
		res.JobID, res.StartedAt.UTC().Format(time.RFC3339Nano), res.State.String(),
		res.TotalItems, res.Success, res.Errors, res.Skipped, res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record job %s: %w", res.JobID, err)
	}
	return nil
}

// Jobs returns the most recent jobs, newest first.
func (w *Workspace) Jobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT job_id,started_at,state,total,success,errors,skipped,duration_ms FROM sync_jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []JobSummary
	for rows.Next() {
		var j JobSummary
		var started string
		var ms int64
		if err := rows.Scan(&j.JobID, &started, &j.State, &j.Total, &j.Success, &j.Errors, &j.Skipped, &ms); err != nil {
			return nil, err
		}
		j.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		j.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}
