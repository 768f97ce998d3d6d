// Package postgres provides a Postgres-backed run history store mirroring
// the SQLite adapter's single-table JSON scheme.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"braggcore/internal/history"
)

// Compile-time contract assertion.
var _ history.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/braggcore?sslmode=disable"
)

// Store persists run snapshots to a Postgres table as JSON blobs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed history store using the provided DSN
// (falls back to defaultDSN) and ensures the runs table exists.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Store{db: db}, nil
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
		`INSERT INTO runs (run_id, payload) VALUES ($1, $2)
		 ON CONFLICT (run_id) DO UPDATE SET payload = excluded.payload`,
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
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = $1`, runID).Scan(&payload)
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
