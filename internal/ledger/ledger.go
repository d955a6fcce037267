// Package ledger records dump runs in a local SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Mode is what a run did with the collected logs.
type Mode string

const (
	ModeDump       Mode = "dump"
	ModeSanitize   Mode = "sanitize"
	ModeResanitize Mode = "resanitize"
)

// Run is one invocation of the tool.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Location    string
	Mode        Mode
	Namespaces  []string
	Archive     string
	ArchiveSHA3 string
	UploadKey   string
	Files       []string
}

// Ledger stores runs.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger. Use ":memory:" for an in-memory database.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	} else {
		// Each pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			location TEXT NOT NULL,
			mode TEXT NOT NULL,
			namespaces TEXT NOT NULL DEFAULT '',
			archive TEXT NOT NULL DEFAULT '',
			archive_sha3 TEXT NOT NULL DEFAULT '',
			upload_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			path TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_files_run_id ON run_files(run_id)`,
	}

	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordRun stores run and its files. An empty ID is filled in.
func (l *Ledger) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = "r_" + uuid.NewString()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, location, mode, namespaces, archive, archive_sha3, upload_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Location, string(run.Mode),
		strings.Join(run.Namespaces, ","), run.Archive, run.ArchiveSHA3, run.UploadKey)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, f := range run.Files {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_files (run_id, path) VALUES (?, ?)`, run.ID, f); err != nil {
			return fmt.Errorf("insert run file: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun returns a run with its files.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, location, mode, namespaces, archive, archive_sha3, upload_key
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Files, err = l.Files(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, without files.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, location, mode, namespaces, archive, archive_sha3, upload_key
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Files returns the files written by a run.
func (l *Ledger) Files(ctx context.Context, runID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT path FROM run_files WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		files = append(files, p)
	}
	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run        Run
		mode       string
		namespaces string
	)
	err := s.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Location, &mode, &namespaces,
		&run.Archive, &run.ArchiveSHA3, &run.UploadKey)
	if err != nil {
		return nil, err
	}
	run.Mode = Mode(mode)
	if namespaces != "" {
		run.Namespaces = strings.Split(namespaces, ",")
	}
	return &run, nil
}

// Digest returns the hex SHA3-256 of a file.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha3.New256()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
