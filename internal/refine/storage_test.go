package refine

import (
	"testing"

	"braggcore/internal/predict"
	"braggcore/pkg/geometry"
)

func TestSparseVectorInterleavedWrites(t *testing.T) {
	v := SparseStorage{}.NewVector(6)
	for _, i := range []int{0, 2, 4} {
		v.Set(i, float64(10+i))
	}
	for _, i := range []int{1, 3, 5} {
		v.Set(i, float64(10+i))
	}
	for i := 0; i < 6; i++ {
		if got := v.At(i); got != float64(10+i) {
			t.Fatalf("At(%d) = %v, want %v", i, got, float64(10+i))
		}
	}
	prev := -1
	v.Do(func(i int, val float64) {
		if i <= prev {
			t.Fatalf("Do visited index %d after %d", i, prev)
		}
		if val != float64(10+i) {
			t.Fatalf("Do value at index %d = %v, want %v", i, val, float64(10+i))
		}
		prev = i
	})

	// rewriting the most recent index replaces instead of appending
	v.Set(5, 99)
	if got := v.At(5); got != 99 {
		t.Fatalf("At(5) = %v after rewrite, want 99", got)
	}
}

// TestSharedParameterisationSparseGradients interleaves reflections from two
// experiments that share every model parameterisation. The gradient loops
// visit one experiment's reflections at a time, so the sparse columns
// receive their writes out of global index order and must still read back
// exactly like the dense ones.
func TestSharedParameterisationSparseGradients(t *testing.T) {
	expList := testExperiment(t)
	shared := geometry.ExperimentList{expList[0], expList[0]}
	obs := synthesiseObservations(t, expList)
	refs := refPointers(obs)
	for i, ref := range refs {
		ref.ExperimentID = i % 2
	}
	if err := predict.NewExperimentsPredictor(shared).Predict(refs); err != nil {
		t.Fatalf("predicting: %v", err)
	}

	ids := []int{0, 1}
	exp := shared[0]
	build := func(opts ...PredictionOption) *PredictionParameterisation {
		pp, err := NewXYPhiPredictionParameterisation(
			shared,
			[]MatrixParameterisation{NewDetectorParameterisationSinglePanel(exp.Detector, ids)},
			[]VectorParameterisation{NewBeamParameterisation(exp.Beam, ids)},
			[]MatrixParameterisation{NewCrystalOrientationParameterisation(exp.Crystal, ids)},
			[]MatrixParameterisation{NewCrystalUnitCellParameterisation(exp.Crystal, ids)},
			opts...,
		)
		if err != nil {
			t.Fatalf("building prediction parameterisation: %v", err)
		}
		return pp
	}
	dense := build()
	dgs, err := dense.Gradients(refs)
	if err != nil {
		t.Fatalf("dense gradients: %v", err)
	}
	sparse := build(WithGradientStorage(SparseStorage{}))
	sgs, err := sparse.Gradients(refs)
	if err != nil {
		t.Fatalf("sparse gradients: %v", err)
	}

	for p := range dgs.DX {
		prev := -1
		sgs.DX[p].Do(func(i int, _ float64) {
			if i <= prev {
				t.Fatalf("parameter %d: Do visited index %d after %d", p, i, prev)
			}
			prev = i
		})
		for i := range refs {
			if dgs.DX[p].At(i) != sgs.DX[p].At(i) ||
				dgs.DY[p].At(i) != sgs.DY[p].At(i) ||
				dgs.DAngle[p].At(i) != sgs.DAngle[p].At(i) {
				t.Fatalf("storage mismatch at parameter %d reflection %d", p, i)
			}
		}
	}
}
