package refine

import "testing"

func mustPanic(t *testing.T, msg string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected panic", msg)
		}
	}()
	f()
}

func TestJournalColumnRowProtocol(t *testing.T) {
	j := NewJournal()
	j.AddColumn("objective")
	j.AddColumn("rmsd")

	j.AddRow()
	j.SetLastCell("objective", 1.5)
	j.SetLastCell("rmsd", []float64{0.1, 0.2, 0.3})
	j.AddRow()
	j.SetLastCell("objective", 0.9)

	if j.Rows() != 2 {
		t.Fatalf("Rows() = %d, want 2", j.Rows())
	}
	if v, ok := j.Float("objective", 0); !ok || v != 1.5 {
		t.Fatalf("Float(objective, 0) = %v, %v", v, ok)
	}
	if v, ok := j.Floats("rmsd", 0); !ok || len(v) != 3 {
		t.Fatalf("Floats(rmsd, 0) = %v, %v", v, ok)
	}
	if j.Cell("rmsd", 1) != nil {
		t.Fatal("unset cell should be nil")
	}

	j.DelLastRow()
	if j.Rows() != 1 {
		t.Fatalf("Rows() = %d after DelLastRow, want 1", j.Rows())
	}
	if _, ok := j.Float("objective", 1); ok {
		t.Fatal("deleted row still readable")
	}
}

func TestJournalMisusePanics(t *testing.T) {
	j := NewJournal()
	j.AddColumn("a")

	mustPanic(t, "duplicate column", func() { j.AddColumn("a") })
	mustPanic(t, "set cell with no rows", func() { j.SetLastCell("a", 1.0) })
	mustPanic(t, "delete with no rows", func() { j.DelLastRow() })
	mustPanic(t, "unknown column", func() {
		j.AddRow()
		j.SetLastCell("missing", 1.0)
	})
	mustPanic(t, "column after rows", func() { j.AddColumn("b") })
}

func TestJournalReasonAccumulates(t *testing.T) {
	j := NewJournal()
	j.AppendReason(ReasonObjectiveIncreased)
	j.AppendReason(ReasonParametersRolledBack)
	want := string(ReasonObjectiveIncreased) + ", " + string(ReasonParametersRolledBack)
	if j.Reason() != want {
		t.Fatalf("Reason() = %q, want %q", j.Reason(), want)
	}
}
