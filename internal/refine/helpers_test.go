package refine

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/internal/predict"
	"braggcore/pkg/geometry"
	"braggcore/pkg/reflection"
)

// testExperiment builds a single rotation experiment: beam along +z at 1.0
// wavelength, goniometer on +x, an orthorhombic cell and a flat panel 150mm
// downstream.
func testExperiment(t *testing.T) geometry.ExperimentList {
	t.Helper()
	beam := geometry.NewBeam(r3.Vec{Z: 1}, 1.0)
	panel := geometry.NewPanel("0",
		r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{X: -90, Y: -90, Z: 150},
		[2]float64{0.1, 0.1}, [2]int{1800, 1800})
	det := geometry.NewDetector(panel)
	gonio := geometry.NewGoniometer(r3.Vec{X: 1})
	scan := geometry.NewScan(0, 0.1, 1800)
	cell := geometry.UnitCell{A: 10, B: 11, C: 12, Alpha: 90, Beta: 90, Gamma: 90}
	crystal := geometry.NewCrystalFromCell(geometry.RotationMat3(0.3, r3.Vec{X: 1, Y: 1, Z: 1}), cell)
	return geometry.ExperimentList{{
		Beam:       beam,
		Detector:   det,
		Goniometer: gonio,
		Scan:       scan,
		Crystal:    crystal,
	}}
}

// synthesiseObservations predicts centroids for a grid of Miller indices
// with the current (true) models and promotes the predictions to
// observations with unit weights. Reflections with no diffracting solution
// or no panel intersection are skipped.
func synthesiseObservations(t *testing.T, experiments geometry.ExperimentList) []reflection.Reflection {
	t.Helper()
	pred := predict.NewExperimentsPredictor(experiments)
	exp := experiments[0]
	axis := exp.Goniometer.RotationAxis()
	s0 := exp.Beam.S0()
	var out []reflection.Reflection
	for h := -3; h <= 3; h++ {
		for k := -3; k <= 3; k++ {
			for l := -3; l <= 3; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				ref := reflection.Reflection{
					MillerIndex: [3]int{h, k, l},
					Weights:     [3]float64{1, 1, 1},
				}
				trial := ref
				if err := pred.Predict([]*reflection.Reflection{&trial}); err != nil {
					continue
				}
				trial.Entering = r3.Dot(trial.S1, r3.Cross(s0, axis)) < 0
				if err := pred.Predict([]*reflection.Reflection{&trial}); err != nil {
					continue
				}
				trial.ObsXYZ = trial.CalcXYZ
				out = append(out, trial)
			}
		}
	}
	if len(out) < 20 {
		t.Fatalf("synthesised only %d observations", len(out))
	}
	return out
}

// fullParameterisation wires detector, beam, orientation and cell
// parameterisations for one experiment.
func fullParameterisation(t *testing.T, experiments geometry.ExperimentList, opts ...PredictionOption) *PredictionParameterisation {
	t.Helper()
	ids := []int{0}
	exp := experiments[0]
	pp, err := NewXYPhiPredictionParameterisation(
		experiments,
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

func refPointers(refs []reflection.Reflection) []*reflection.Reflection {
	out := make([]*reflection.Reflection, len(refs))
	for i := range refs {
		out[i] = &refs[i]
	}
	return out
}

func floatsClose(a, b, relTol, absTol float64) bool {
	d := math.Abs(a - b)
	if d <= absTol {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return d <= relTol*scale
}
