package predict

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
	"braggcore/pkg/reflection"
)

func rotationExperiment() geometry.ExperimentList {
	beam := geometry.NewBeam(r3.Vec{Z: 1}, 1.0)
	panel := geometry.NewPanel("0",
		r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{X: -90, Y: -90, Z: 150},
		[2]float64{0.1, 0.1}, [2]int{1800, 1800})
	cell := geometry.UnitCell{A: 10, B: 11, C: 12, Alpha: 90, Beta: 90, Gamma: 90}
	return geometry.ExperimentList{{
		Beam:       beam,
		Detector:   geometry.NewDetector(panel),
		Goniometer: geometry.NewGoniometer(r3.Vec{X: 1}),
		Scan:       geometry.NewScan(0, 0.1, 1800),
		Crystal:    geometry.NewCrystalFromCell(geometry.RotationMat3(0.3, r3.Vec{X: 1, Y: 1, Z: 1}), cell),
	}}
}

func stillExperiment() geometry.ExperimentList {
	exps := rotationExperiment()
	exps[0].Goniometer = nil
	exps[0].Scan = nil
	return exps
}

func TestRotationPredictionOnEwaldSphere(t *testing.T) {
	exps := rotationExperiment()
	pred := NewExperimentsPredictor(exps)
	s0 := exps[0].Beam.S0()
	axis := exps[0].Goniometer.RotationAxis()

	ref := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	if err := pred.Predict([]*reflection.Reflection{ref}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !ref.Has(reflection.Predicted) {
		t.Fatal("predicted flag not set")
	}

	// elastic scattering: s1 stays on the Ewald sphere
	if d := math.Abs(r3.Norm(ref.S1) - r3.Norm(s0)); d > 1e-12 {
		t.Fatalf("|s1| off the Ewald sphere by %g", d)
	}
	// s1 is s0 plus the rotated reciprocal vector at the solved angle
	r0 := exps[0].Crystal.UB().MulVec(geometry.MillerToVec(ref.MillerIndex))
	want := r3.Add(s0, geometry.RotationMat3(ref.CalcXYZ[2], axis).MulVec(r0))
	if d := r3.Norm(r3.Sub(ref.S1, want)); d > 1e-12 {
		t.Fatalf("s1 inconsistent with solved angle by %g", d)
	}
	// the centroid is the panel intersection of s1
	x, y, err := exps[0].Detector.Panel(0).Intersect(ref.S1)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if math.Abs(x-ref.CalcXYZ[0]) > 1e-12 || math.Abs(y-ref.CalcXYZ[1]) > 1e-12 {
		t.Fatalf("centroid (%g, %g) does not match intersection (%g, %g)",
			ref.CalcXYZ[0], ref.CalcXYZ[1], x, y)
	}
}

func TestRotationBranchesDiffer(t *testing.T) {
	exps := rotationExperiment()
	pred := NewExperimentsPredictor(exps)

	in := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}, Entering: true}
	out := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}, Entering: false}
	if err := pred.Predict([]*reflection.Reflection{in, out}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if math.Abs(in.CalcXYZ[2]-out.CalcXYZ[2]) < 1e-6 {
		t.Fatalf("entering and exiting branch solved to the same angle %g", in.CalcXYZ[2])
	}
}

func TestRotationNearestAlias(t *testing.T) {
	exps := rotationExperiment()
	pred := NewExperimentsPredictor(exps)

	base := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	if err := pred.Predict([]*reflection.Reflection{base}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	shifted := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	shifted.ObsXYZ[2] = base.CalcXYZ[2] + 4*math.Pi
	if err := pred.Predict([]*reflection.Reflection{shifted}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if d := shifted.CalcXYZ[2] - base.CalcXYZ[2]; math.Abs(d-4*math.Pi) > 1e-10 {
		t.Fatalf("alias two turns up missed: delta %g", d)
	}
}

func TestRotationNoSolution(t *testing.T) {
	exps := rotationExperiment()
	// identity orientation puts (h00) along the rotation axis: rotating it
	// can never satisfy the reflecting condition
	exps[0].Crystal.SetU(geometry.Identity3())
	pred := NewExperimentsPredictor(exps)

	ref := &reflection.Reflection{MillerIndex: [3]int{1, 0, 0}}
	err := pred.Predict([]*reflection.Reflection{ref})
	var nse *NoSolutionError
	if !errors.As(err, &nse) {
		t.Fatalf("got %v, want NoSolutionError", err)
	}
	if nse.MillerIndex != [3]int{1, 0, 0} {
		t.Fatalf("error names reflection %v", nse.MillerIndex)
	}
	if ref.Has(reflection.Predicted) {
		t.Fatal("predicted flag set despite failure")
	}
}

func TestRotationBeyondEwaldSphere(t *testing.T) {
	exps := rotationExperiment()
	pred := NewExperimentsPredictor(exps)

	// resolution far beyond the 1 angstrom sphere
	ref := &reflection.Reflection{MillerIndex: [3]int{40, 0, 0}}
	var nse *NoSolutionError
	if err := pred.Predict([]*reflection.Reflection{ref}); !errors.As(err, &nse) {
		t.Fatalf("got %v, want NoSolutionError", err)
	}
}

func TestStillPredictionMinimalRotation(t *testing.T) {
	exps := stillExperiment()
	pred := NewExperimentsPredictor(exps)
	s0 := exps[0].Beam.S0()

	ref := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	if err := pred.Predict([]*reflection.Reflection{ref}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if ref.CalcXYZ[2] != 0 {
		t.Fatalf("still prediction has non-zero angle %g", ref.CalcXYZ[2])
	}
	if math.Abs(ref.DeltaPsi) >= math.Pi {
		t.Fatalf("DeltaPsi %g not wrapped to a minimal turn", ref.DeltaPsi)
	}
	if d := math.Abs(r3.Norm(ref.S1) - r3.Norm(s0)); d > 1e-12 {
		t.Fatalf("|s1| off the Ewald sphere by %g", d)
	}
	// s1 is q rotated about e1 by DeltaPsi
	q := exps[0].Crystal.UB().MulVec(geometry.MillerToVec(ref.MillerIndex))
	e1 := r3.Unit(r3.Cross(q, s0))
	want := r3.Add(s0, geometry.RotationMat3(ref.DeltaPsi, e1).MulVec(q))
	if d := r3.Norm(r3.Sub(ref.S1, want)); d > 1e-12 {
		t.Fatalf("s1 inconsistent with DeltaPsi by %g", d)
	}
}

func TestForceStillsOverridesGoniometer(t *testing.T) {
	exps := rotationExperiment()
	forced := NewExperimentsPredictor(exps, ForceStills())
	still := NewExperimentsPredictor(stillExperiment())

	a := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	b := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	if err := forced.Predict([]*reflection.Reflection{a}); err != nil {
		t.Fatalf("forced predict: %v", err)
	}
	if err := still.Predict([]*reflection.Reflection{b}); err != nil {
		t.Fatalf("still predict: %v", err)
	}
	if math.Abs(a.DeltaPsi-b.DeltaPsi) > 1e-14 || a.CalcXYZ != b.CalcXYZ {
		t.Fatal("forced-stills prediction differs from a true still")
	}
}

func TestPredictTracksModelChanges(t *testing.T) {
	exps := rotationExperiment()
	pred := NewExperimentsPredictor(exps)

	ref := &reflection.Reflection{MillerIndex: [3]int{1, 2, -1}}
	if err := pred.Predict([]*reflection.Reflection{ref}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	first := ref.CalcXYZ

	exps[0].Crystal.SetU(geometry.RotationMat3(0.31, r3.Vec{X: 1, Y: 1, Z: 1}))
	if err := pred.Predict([]*reflection.Reflection{ref}); err != nil {
		t.Fatalf("predict after model change: %v", err)
	}
	if first == ref.CalcXYZ {
		t.Fatal("prediction ignored the orientation change")
	}
}

func TestWrapTurn(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{5 * math.Pi, math.Pi},
	}
	for _, c := range cases {
		if got := wrapTurn(c.in); math.Abs(got-c.want) > 1e-15 {
			t.Fatalf("wrapTurn(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}
