// Package sqlite provides a SQLite-backed run history store keeping each
// snapshot as a JSON blob in a single table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"braggcore/internal/history"
)

// Compile-time contract assertion.
var _ history.Store = (*Store)(nil)

// Store persists run snapshots to a single SQLite table as JSON blobs.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) a SQLite-backed history store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "refine_history.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Save writes or replaces the snapshot for its run id.
func (s *Store) Save(ctx context.Context, snap history.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, payload) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload`,
		snap.RunID, payload); err != nil {
		return fmt.Errorf("upsert run %q: %w", snap.RunID, err)
	}
	return nil
}

// Load reads the snapshot for a run id.
func (s *Store) Load(ctx context.Context, runID string) (history.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Snapshot{}, history.ErrNotFound
	}
	if err != nil {
		return history.Snapshot{}, fmt.Errorf("select run %q: %w", runID, err)
	}
	var snap history.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return history.Snapshot{}, fmt.Errorf("decode run %q: %w", runID, err)
	}
	return snap, nil
}

// List returns the stored run ids in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
