package refine

import "fmt"

// Journal records the refinement history as strictly columnar data: every
// column always holds one cell per row. Misuse of the column/row protocol
// is a programming error and panics. Termination reasons accumulate in a
// free-text field outside the columns.
type Journal struct {
	order  []string
	cols   map[string][]any
	rows   int
	reason string
}

// NewJournal returns an empty journal with no columns.
func NewJournal() *Journal {
	return &Journal{cols: make(map[string][]any)}
}

// AddColumn registers a column. Adding a column after rows exist, or adding
// a duplicate, panics.
func (j *Journal) AddColumn(name string) {
	if j.rows != 0 {
		panic(fmt.Sprintf("refine: cannot add column %q to journal with %d rows", name, j.rows))
	}
	if _, ok := j.cols[name]; ok {
		panic(fmt.Sprintf("refine: duplicate journal column %q", name))
	}
	j.order = append(j.order, name)
	j.cols[name] = nil
}

// AddRow appends one nil cell to every column.
func (j *Journal) AddRow() {
	j.checkUniform()
	for name := range j.cols {
		j.cols[name] = append(j.cols[name], nil)
	}
	j.rows++
}

// DelLastRow removes the last cell of every column. Deleting from an empty
// journal panics.
func (j *Journal) DelLastRow() {
	if j.rows == 0 {
		panic("refine: DelLastRow on empty journal")
	}
	j.checkUniform()
	for name := range j.cols {
		j.cols[name] = j.cols[name][:j.rows-1]
	}
	j.rows--
}

// SetLastCell writes a value into the last row of a column. An unknown
// column or an empty journal panics.
func (j *Journal) SetLastCell(name string, v any) {
	col, ok := j.cols[name]
	if !ok {
		panic(fmt.Sprintf("refine: unknown journal column %q", name))
	}
	if j.rows == 0 {
		panic(fmt.Sprintf("refine: SetLastCell(%q) on empty journal", name))
	}
	col[j.rows-1] = v
}

func (j *Journal) checkUniform() {
	for name, col := range j.cols {
		if len(col) != j.rows {
			panic(fmt.Sprintf("refine: journal column %q has %d cells for %d rows", name, len(col), j.rows))
		}
	}
}

// Rows returns the number of journaled steps.
func (j *Journal) Rows() int { return j.rows }

// Columns returns the column names in registration order.
func (j *Journal) Columns() []string {
	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// Has reports whether the column exists.
func (j *Journal) Has(name string) bool {
	_, ok := j.cols[name]
	return ok
}

// Cell returns the raw value at a column and row, or nil when the column is
// unknown or the row out of range.
func (j *Journal) Cell(name string, row int) any {
	col, ok := j.cols[name]
	if !ok || row < 0 || row >= j.rows {
		return nil
	}
	return col[row]
}

// Float returns a float64 cell value.
func (j *Journal) Float(name string, row int) (float64, bool) {
	v, ok := j.Cell(name, row).(float64)
	return v, ok
}

// Int returns an int cell value.
func (j *Journal) Int(name string, row int) (int, bool) {
	v, ok := j.Cell(name, row).(int)
	return v, ok
}

// Floats returns a []float64 cell value such as a parameter or gradient
// vector.
func (j *Journal) Floats(name string, row int) ([]float64, bool) {
	v, ok := j.Cell(name, row).([]float64)
	return v, ok
}

// AppendReason appends a termination reason to the free-text reason field.
func (j *Journal) AppendReason(r TerminationReason) {
	if j.reason != "" {
		j.reason += ", "
	}
	j.reason += string(r)
}

// Reason returns the accumulated termination reasons.
func (j *Journal) Reason() string { return j.reason }
