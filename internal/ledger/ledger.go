// Package ledger records pipeline runs and per-item outcomes in SQLite or
// PostgreSQL.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Supported drivers
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// schema works unchanged on SQLite and PostgreSQL. Timestamps are stored in
// UTC in TIMESTAMP columns so both drivers scan them into time.Time.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		started_at   TIMESTAMP NOT NULL,
		finished_at  TIMESTAMP,
		source       TEXT NOT NULL,
		destination  TEXT NOT NULL,
		engine       TEXT NOT NULL,
		state        TEXT NOT NULL,
		listed       INTEGER NOT NULL DEFAULT 0,
		written      INTEGER NOT NULL DEFAULT 0,
		skipped      INTEGER NOT NULL DEFAULT 0,
		cache_hits   INTEGER NOT NULL DEFAULT 0,
		output_path  TEXT NOT NULL DEFAULT '',
		published_id TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS run_items (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		item_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		status      TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_items_run ON run_items (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs (started_at)`,
}

// Run is a row of the runs table
type Run struct {
	ID          uuid.UUID
	StartedAt   time.Time
	FinishedAt  *time.Time
	Source      string
	Destination string
	Engine      string
	State       domain.RunState
	Listed      int
	Written     int
	Skipped     int
	CacheHits   int
	OutputPath  string
	PublishedID string
	Error       string
}

// Ledger is a SQL-backed domain.RunLedger
type Ledger struct {
	db *sql.DB
}

// Open connects to the ledger database and creates the schema
func Open(ctx context.Context, driver, dsn string) (*Ledger, error) {
	var sqlDriver string
	switch driver {
	case DriverSQLite:
		sqlDriver = "sqlite3"
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, domain.StorageError("create ledger directory", err)
			}
		}
	case DriverPostgres:
		sqlDriver = "postgres"
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported ledger driver %q", driver), nil)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, domain.StorageError("open ledger", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps :memory: databases on one connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.StorageError("connect ledger", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, domain.StorageError("migrate ledger", err)
		}
	}

	return &Ledger{db: db}, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks database connectivity
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return domain.StorageError("ping ledger", err)
	}
	return nil
}

// StartRun inserts a run in the running state
func (l *Ledger) StartRun(ctx context.Context, run domain.RunInfo) error {
	query := `
		INSERT INTO runs (id, started_at, source, destination, engine, state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.db.ExecContext(ctx, query,
		run.RunID.String(), run.StartedAt.UTC(), run.Source, run.Destination, run.Engine,
		string(domain.RunStateRunning),
	)
	if err != nil {
		return domain.StorageError("insert run", err)
	}
	return nil
}

// RecordItem appends one item outcome
func (l *Ledger) RecordItem(ctx context.Context, runID uuid.UUID, item domain.ItemOutcome) error {
	at := item.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}

	query := `
		INSERT INTO run_items (run_id, item_id, name, status, stage, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := l.db.ExecContext(ctx, query,
		runID.String(), item.ItemID, item.Name, string(item.Status), string(item.Stage), item.Reason, at.UTC(),
	)
	if err != nil {
		return domain.StorageError("insert run item", err)
	}
	return nil
}

// FinishRun stores the final counters and state
func (l *Ledger) FinishRun(ctx context.Context, s *domain.RunSummary) error {
	finished := s.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	publishedID := ""
	if s.Published != nil {
		publishedID = s.Published.ID
	}
	errText := ""
	if s.Err != nil {
		errText = s.Err.Error()
	}

	query := `
		UPDATE runs
		SET finished_at = $1, state = $2, listed = $3, written = $4, skipped = $5,
			cache_hits = $6, output_path = $7, published_id = $8, error = $9
		WHERE id = $10
	`
	res, err := l.db.ExecContext(ctx, query,
		finished.UTC(), string(s.State), s.Listed, s.Written, len(s.Skipped),
		s.CacheHits, s.OutputPath, publishedID, errText, s.RunID.String(),
	)
	if err != nil {
		return domain.StorageError("update run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.StorageError(fmt.Sprintf("finish run %s", s.RunID), ErrNotFound)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, started_at, finished_at, source, destination, engine, state,
			listed, written, skipped, cache_hits, output_path, published_id, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, domain.StorageError("query runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("iterate runs", err)
	}
	return runs, nil
}

// GetRun loads one run
func (l *Ledger) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, started_at, finished_at, source, destination, engine, state,
			listed, written, skipped, cache_hits, output_path, published_id, error
		FROM runs WHERE id = $1
	`
	r, err := scanRun(l.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Items returns the recorded outcomes of a run ordered by time
func (l *Ledger) Items(ctx context.Context, runID uuid.UUID) ([]domain.ItemOutcome, error) {
	query := `
		SELECT item_id, name, status, stage, reason, recorded_at
		FROM run_items WHERE run_id = $1
		ORDER BY recorded_at, item_id
	`
	rows, err := l.db.QueryContext(ctx, query, runID.String())
	if err != nil {
		return nil, domain.StorageError("query run items", err)
	}
	defer rows.Close()

	var items []domain.ItemOutcome
	for rows.Next() {
		var it domain.ItemOutcome
		var status, stage string
		if err := rows.Scan(&it.ItemID, &it.Name, &status, &stage, &it.Reason, &it.RecordedAt); err != nil {
			return nil, domain.StorageError("scan run item", err)
		}
		it.Status = domain.ItemStatus(status)
		it.Stage = domain.Stage(stage)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("iterate run items", err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		id       string
		state    string
		finished sql.NullTime
	)
	err := row.Scan(&id, &r.StartedAt, &finished, &r.Source, &r.Destination, &r.Engine, &state,
		&r.Listed, &r.Written, &r.Skipped, &r.CacheHits, &r.OutputPath, &r.PublishedID, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, domain.StorageError("scan run", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.StorageError(fmt.Sprintf("invalid run id %q", id), err)
	}
	r.ID = parsed
	r.State = domain.RunState(state)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// sqlitePath extracts the file path from a sqlite DSN, or "" for in-memory
// databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}
