// Package state manages the SQLite database holding the engine's durable
// state: the per-source change cursors, the sync run history, the last-known-
// good filter taxonomy per source, and the latest published merged taxonomy.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/listingrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_cursors (
    source          TEXT    PRIMARY KEY,
    last_change_id  INTEGER NOT NULL CHECK (last_change_id >= 0),
    last_synced_at  TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source       TEXT    NOT NULL,
    started_at   TEXT    NOT NULL,
    finished_at  TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL,
    cursor_from  INTEGER NOT NULL DEFAULT 0,
    cursor_to    INTEGER NOT NULL DEFAULT 0,
    drained      INTEGER NOT NULL DEFAULT 0,
    applied      INTEGER NOT NULL DEFAULT 0,
    tombstoned   INTEGER NOT NULL DEFAULT 0,
    skipped      INTEGER NOT NULL DEFAULT 0,
    hydrated     INTEGER NOT NULL DEFAULT 0,
    gaps         INTEGER NOT NULL DEFAULT 0,
    truncated    INTEGER NOT NULL DEFAULT 0,
    error        TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs (source, id);

CREATE TABLE IF NOT EXISTS source_taxonomies (
    source      TEXT PRIMARY KEY,
    document    TEXT NOT NULL,
    fetched_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS published_taxonomy (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    document      TEXT NOT NULL,
    generated_at  TEXT NOT NULL
);
`

// Run statuses recorded in sync_runs.
const (
	RunSucceeded = "succeeded"
	RunSeeded    = "seeded"
	RunFailed    = "failed"
)

// Run is one tick of one source's sync loop.
type Run struct {
	ID         int64
	Source     model.Source
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	CursorFrom int64
	CursorTo   int64
	Drained    int
	Applied    int
	Tombstoned int
	Skipped    int
	Hydrated   int
	Gaps       int
	Truncated  bool
	Error      string
}

// TaxonomyRecord is a stored per-source taxonomy.
type TaxonomyRecord struct {
	Source    model.Source
	Taxonomy  model.FilterTaxonomy
	FetchedAt time.Time
}

// Store is the SQLite-backed state repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/listingrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "listingrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- cursors -----------------------------------------------------------------

// GetCursor returns the cursor for src, or (nil, nil) if the source has never
// been seeded.
func (s *Store) GetCursor(ctx context.Context, src model.Source) (*model.ChangeCursor, error) {
	const q = `SELECT source, last_change_id, last_synced_at FROM change_cursors WHERE source = ?`
	return scanCursor(s.db.QueryRowContext(ctx, q, string(src)))
}

// ListCursors returns every stored cursor ordered by source.
func (s *Store) ListCursors(ctx context.Context) ([]model.ChangeCursor, error) {
	const q = `SELECT source, last_change_id, last_synced_at FROM change_cursors ORDER BY source`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChangeCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AdvanceCursor creates the cursor or moves it forward. A LastChangeID lower
// than the stored one leaves the watermark unchanged, so the cursor never
// moves backwards through this path.
func (s *Store) AdvanceCursor(ctx context.Context, c model.ChangeCursor) error {
	if c.LastChangeID < 0 {
		return fmt.Errorf("advancing cursor for %s: negative change id %d", c.Source, c.LastChangeID)
	}
	const q = `
		INSERT INTO change_cursors (source, last_change_id, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		    last_change_id = MAX(change_cursors.last_change_id, excluded.last_change_id),
		    last_synced_at = excluded.last_synced_at`
	if _, err := s.db.ExecContext(ctx, q, string(c.Source), c.LastChangeID, formatTime(c.LastSyncedAt)); err != nil {
		return fmt.Errorf("advancing cursor for %s to %d: %w", c.Source, c.LastChangeID, err)
	}
	return nil
}

// ResetCursor sets the cursor for src to changeID unconditionally. It is the
// operator override and the only way to move a cursor backwards.
func (s *Store) ResetCursor(ctx context.Context, src model.Source, changeID int64, at time.Time) error {
	if changeID < 0 {
		return fmt.Errorf("resetting cursor for %s: negative change id %d", src, changeID)
	}
	const q = `
		INSERT INTO change_cursors (source, last_change_id, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		    last_change_id = excluded.last_change_id,
		    last_synced_at = excluded.last_synced_at`
	if _, err := s.db.ExecContext(ctx, q, string(src), changeID, formatTime(at)); err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", src, err)
	}
	return nil
}

// ClearCursor deletes the cursor for src so the next tick seeds it again.
func (s *Store) ClearCursor(ctx context.Context, src model.Source) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM change_cursors WHERE source = ?`, string(src)); err != nil {
		return fmt.Errorf("clearing cursor for %s: %w", src, err)
	}
	return nil
}

// --- run history -------------------------------------------------------------

// RecordRun appends a run to the history and returns its id.
func (s *Store) RecordRun(ctx context.Context, r Run) (int64, error) {
	const q = `
		INSERT INTO sync_runs
		    (source, started_at, finished_at, status, cursor_from, cursor_to,
		     drained, applied, tombstoned, skipped, hydrated, gaps, truncated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		string(r.Source),
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		r.Status,
		r.CursorFrom,
		r.CursorTo,
		r.Drained,
		r.Applied,
		r.Tombstoned,
		r.Skipped,
		r.Hydrated,
		r.Gaps,
		r.Truncated,
		r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("recording run for %s: %w", r.Source, err)
	}
	return res.LastInsertId()
}

// RecentRuns returns up to limit runs for src, newest first. An empty src
// returns runs across all sources.
func (s *Store) RecentRuns(ctx context.Context, src model.Source, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const cols = `id, source, started_at, finished_at, status, cursor_from, cursor_to,
		drained, applied, tombstoned, skipped, hydrated, gaps, truncated, error`
	var (
		rows *sql.Rows
		err  error
	)
	if src == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM sync_runs WHERE source = ? ORDER BY id DESC LIMIT ?`, string(src), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		var source, started, finished string
		if err := rows.Scan(&r.ID, &source, &started, &finished, &r.Status, &r.CursorFrom, &r.CursorTo,
			&r.Drained, &r.Applied, &r.Tombstoned, &r.Skipped, &r.Hydrated, &r.Gaps, &r.Truncated, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		r.Source = model.Source(source)
		r.StartedAt, _ = parseTime(started)
		r.FinishedAt, _ = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- taxonomies --------------------------------------------------------------

// SaveTaxonomy stores tax as the last-known-good taxonomy for src.
func (s *Store) SaveTaxonomy(ctx context.Context, src model.Source, tax model.FilterTaxonomy, fetchedAt time.Time) error {
	doc, err := json.Marshal(tax)
	if err != nil {
		return fmt.Errorf("encoding taxonomy for %s: %w", src, err)
	}
	const q = `
		INSERT INTO source_taxonomies (source, document, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET document = excluded.document, fetched_at = excluded.fetched_at`
	if _, err := s.db.ExecContext(ctx, q, string(src), string(doc), formatTime(fetchedAt)); err != nil {
		return fmt.Errorf("saving taxonomy for %s: %w", src, err)
	}
	return nil
}

// LoadTaxonomy returns the last-known-good taxonomy for src, or (nil, nil).
func (s *Store) LoadTaxonomy(ctx context.Context, src model.Source) (*TaxonomyRecord, error) {
	const q = `SELECT document, fetched_at FROM source_taxonomies WHERE source = ?`
	var doc, fetched string
	err := s.db.QueryRowContext(ctx, q, string(src)).Scan(&doc, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading taxonomy for %s: %w", src, err)
	}
	rec := &TaxonomyRecord{Source: src}
	if err := json.Unmarshal([]byte(doc), &rec.Taxonomy); err != nil {
		return nil, fmt.Errorf("decoding taxonomy for %s: %w", src, err)
	}
	rec.FetchedAt, _ = parseTime(fetched)
	return rec, nil
}

// Publish stores snap as the latest merged taxonomy. It lets the state
// database stand in as the publication target when no broker is configured.
func (s *Store) Publish(ctx context.Context, snap model.TaxonomySnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	const q = `
		INSERT INTO published_taxonomy (id, document, generated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, generated_at = excluded.generated_at`
	if _, err := s.db.ExecContext(ctx, q, string(doc), formatTime(snap.GeneratedAt)); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently published merged taxonomy, or
// (nil, nil) if none has been published.
func (s *Store) LatestSnapshot(ctx context.Context) (*model.TaxonomySnapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM published_taxonomy WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap model.TaxonomySnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanCursor can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanCursor(s scanner) (*model.ChangeCursor, error) {
	var c model.ChangeCursor
	var source, syncedAt string
	err := s.Scan(&source, &c.LastChangeID, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cursor row: %w", err)
	}
	c.Source = model.Source(source)
	c.LastSyncedAt, _ = parseTime(syncedAt)
	return &c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
