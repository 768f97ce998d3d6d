// Package history turns a refinement journal into a serialisable snapshot
// and defines the store contract for persisting run history. Backend
// adapters live under internal/infra/history.
package history

import (
	"context"
	"errors"
	"time"

	"braggcore/internal/refine"
)

// ErrNotFound is returned when no snapshot exists for a run id.
var ErrNotFound = errors.New("history: run not found")

// Snapshot is the persisted form of one refinement run: the journal
// flattened to column names and row-major cells, plus the termination
// reason. Cell values are restricted to JSON-representable journal types
// (ints, floats and float slices).
type Snapshot struct {
	RunID     string    `json:"run_id"`
	Engine    string    `json:"engine"`
	Reason    string    `json:"reason"`
	Columns   []string  `json:"columns"`
	Rows      [][]any   `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotJournal flattens a journal into a snapshot.
func SnapshotJournal(runID, engine string, j *refine.Journal) Snapshot {
	cols := j.Columns()
	rows := make([][]any, j.Rows())
	for r := range rows {
		row := make([]any, len(cols))
		for c, name := range cols {
			row[c] = j.Cell(name, r)
		}
		rows[r] = row
	}
	return Snapshot{
		RunID:     runID,
		Engine:    engine,
		Reason:    j.Reason(),
		Columns:   cols,
		Rows:      rows,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists run snapshots. Saving an existing run id replaces the
// stored snapshot.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, runID string) (Snapshot, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}
