package refine

import "sort"

// GradientVector stores one per-reflection gradient column. Two
// implementations exist: dense slices for small problems and sparse
// index/value pairs for multi-experiment refinements where most
// parameterisations touch only a subset of the reflections.
type GradientVector interface {
	// Set writes the value at reflection index i. Writes arrive in
	// ascending index order within one experiment, but runs from different
	// experiments sharing a parameterisation may interleave out of global
	// order.
	Set(i int, v float64)
	// At returns the value at reflection index i.
	At(i int) float64
	// Do calls f for each potentially non-zero entry in index order.
	Do(f func(i int, v float64))
	// Len returns the reflection count.
	Len() int
}

// GradientStorage allocates GradientVectors of a chosen representation.
type GradientStorage interface {
	NewVector(n int) GradientVector
}

// DenseStorage allocates one float64 per reflection per parameter.
type DenseStorage struct{}

// NewVector returns a zeroed dense vector of length n.
func (DenseStorage) NewVector(n int) GradientVector {
	return make(denseVector, n)
}

type denseVector []float64

func (v denseVector) Set(i int, val float64) { v[i] = val }
func (v denseVector) At(i int) float64       { return v[i] }
func (v denseVector) Len() int               { return len(v) }

func (v denseVector) Do(f func(i int, v float64)) {
	for i, val := range v {
		f(i, val)
	}
}

// SparseStorage allocates index/value pair vectors, paying per non-zero
// entry instead of per reflection.
type SparseStorage struct{}

// NewVector returns an empty sparse vector of logical length n.
func (SparseStorage) NewVector(n int) GradientVector {
	return &sparseVector{n: n}
}

type sparseVector struct {
	n        int
	idx      []int
	val      []float64
	unsorted bool
}

func (v *sparseVector) Set(i int, val float64) {
	if k := len(v.idx) - 1; k >= 0 {
		if v.idx[k] == i {
			v.val[k] = val
			return
		}
		if v.idx[k] > i {
			v.unsorted = true
		}
	}
	v.idx = append(v.idx, i)
	v.val = append(v.val, val)
}

// ensureSorted restores ascending index order after interleaved per-run
// writes from experiments sharing one parameterisation.
func (v *sparseVector) ensureSorted() {
	if !v.unsorted {
		return
	}
	sort.Sort(sparseEntries{idx: v.idx, val: v.val})
	v.unsorted = false
}

type sparseEntries struct {
	idx []int
	val []float64
}

func (s sparseEntries) Len() int           { return len(s.idx) }
func (s sparseEntries) Less(i, j int) bool { return s.idx[i] < s.idx[j] }
func (s sparseEntries) Swap(i, j int) {
	s.idx[i], s.idx[j] = s.idx[j], s.idx[i]
	s.val[i], s.val[j] = s.val[j], s.val[i]
}

func (v *sparseVector) At(i int) float64 {
	v.ensureSorted()
	for k, idx := range v.idx {
		if idx == i {
			return v.val[k]
		}
		if idx > i {
			break
		}
	}
	return 0
}

func (v *sparseVector) Len() int { return v.n }

func (v *sparseVector) Do(f func(i int, v float64)) {
	v.ensureSorted()
	for k, idx := range v.idx {
		f(idx, v.val[k])
	}
}
