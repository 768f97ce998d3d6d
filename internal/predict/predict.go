// Package predict implements reflection position prediction from the
// current experimental models. It solves the reflecting condition for the
// rotation angle in scan geometry, or for the small excitation rotation
// DeltaPsi in stills geometry, and intersects the diffracted ray with the
// detector.
package predict

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
	"braggcore/pkg/reflection"
)

// NoSolutionError reports a reflection that cannot be brought onto the
// Ewald sphere by the current models.
type NoSolutionError struct {
	MillerIndex  [3]int
	ExperimentID int
}

func (e *NoSolutionError) Error() string {
	return fmt.Sprintf("predict: no diffracting solution for reflection %v of experiment %d", e.MillerIndex, e.ExperimentID)
}

// expModels caches the per-experiment quantities needed by prediction.
type expModels struct {
	s0     r3.Vec
	ub     geometry.Mat3
	axis   r3.Vec
	stills bool
}

// ExperimentsPredictor predicts reflection centroids for a list of
// experiments, dispatching each reflection to the rotation or stills
// formulation by the presence of a goniometer.
type ExperimentsPredictor struct {
	experiments geometry.ExperimentList
	forceStills bool
	models      []expModels
}

// PredictorOption adjusts predictor construction.
type PredictorOption func(*ExperimentsPredictor)

// ForceStills treats every experiment as a still regardless of goniometer.
func ForceStills() PredictorOption {
	return func(p *ExperimentsPredictor) { p.forceStills = true }
}

// NewExperimentsPredictor builds a predictor over the experiment list.
func NewExperimentsPredictor(experiments geometry.ExperimentList, opts ...PredictorOption) *ExperimentsPredictor {
	p := &ExperimentsPredictor{experiments: experiments}
	for _, opt := range opts {
		opt(p)
	}
	p.Update()
	return p
}

// Update refreshes the cached per-experiment geometry from the models.
// Predict calls it itself, so explicit calls are only needed when reading
// the cache between model changes.
func (p *ExperimentsPredictor) Update() {
	if p.models == nil {
		p.models = make([]expModels, len(p.experiments))
	}
	for i, exp := range p.experiments {
		m := expModels{
			s0:     exp.Beam.S0(),
			ub:     exp.Crystal.UB(),
			stills: p.forceStills || exp.IsStill(),
		}
		if exp.Goniometer != nil {
			m.axis = exp.Goniometer.RotationAxis()
		}
		p.models[i] = m
	}
}

// Predict fills CalcXYZ, S1 (and DeltaPsi for stills) of every reflection
// in place and flags it Predicted. A reflection with no diffracting
// solution or no detector intersection is fatal and aborts prediction.
func (p *ExperimentsPredictor) Predict(refs []*reflection.Reflection) error {
	p.Update()
	for _, ref := range refs {
		ref.Clear(reflection.Predicted)
	}
	for _, ref := range refs {
		m := &p.models[ref.ExperimentID]
		var err error
		if m.stills {
			err = p.predictStill(m, ref)
		} else {
			err = p.predictRotation(m, ref)
		}
		if err != nil {
			return err
		}
		ref.Set(reflection.Predicted)
	}
	return nil
}

// solveReflectingCondition solves a*cos(t) + b*sin(t) = c, returning both
// branches.
func solveReflectingCondition(a, b, c float64) (t1, t2 float64, ok bool) {
	amp := math.Hypot(a, b)
	if amp == 0 || math.Abs(c) > amp {
		return 0, 0, false
	}
	base := math.Atan2(b, a)
	off := math.Acos(c / amp)
	return base + off, base - off, true
}

// predictRotation solves |s0 + R(phi)UBh| = |s0| for phi, choosing the
// branch whose Ewald sphere crossing direction matches the observation's
// entering flag and the 2-pi alias nearest the observed angle.
func (p *ExperimentsPredictor) predictRotation(m *expModels, ref *reflection.Reflection) error {
	exp := p.experiments[ref.ExperimentID]
	r0 := m.ub.MulVec(geometry.MillerToVec(ref.MillerIndex))
	axis := m.axis
	rPar := r3.Scale(r3.Dot(r0, axis), axis)
	rPerp := r3.Sub(r0, rPar)

	a := 2 * r3.Dot(m.s0, rPerp)
	b := 2 * r3.Dot(m.s0, r3.Cross(axis, r0))
	c := -(r3.Dot(r0, r0) + 2*r3.Dot(m.s0, rPar))
	t1, t2, ok := solveReflectingCondition(a, b, c)
	if !ok {
		return &NoSolutionError{MillerIndex: ref.MillerIndex, ExperimentID: ref.ExperimentID}
	}

	phi := t1
	if p.enteringAt(m, r0, t2) == ref.Entering && p.enteringAt(m, r0, t1) != ref.Entering {
		phi = t2
	}
	phi = nearestAlias(phi, ref.ObsXYZ[2])

	s1 := r3.Add(m.s0, geometry.RotationMat3(phi, axis).MulVec(r0))
	x, y, err := exp.Detector.Panel(ref.PanelID).Intersect(s1)
	if err != nil {
		return fmt.Errorf("predict: reflection %v of experiment %d: %w", ref.MillerIndex, ref.ExperimentID, err)
	}
	ref.S1 = s1
	ref.CalcXYZ = [3]float64{x, y, phi}
	return nil
}

// enteringAt reports whether the reflection enters the Ewald sphere at the
// given rotation angle.
func (p *ExperimentsPredictor) enteringAt(m *expModels, r0 r3.Vec, phi float64) bool {
	s1 := r3.Add(m.s0, geometry.RotationMat3(phi, m.axis).MulVec(r0))
	return r3.Dot(s1, r3.Cross(m.s0, m.axis)) < 0
}

// nearestAlias shifts phi by whole turns to the value nearest ref.
func nearestAlias(phi, ref float64) float64 {
	turns := math.Round((ref - phi) / (2 * math.Pi))
	return phi + turns*2*math.Pi
}

// predictStill rotates the reciprocal vector q about e1 = unit(q x s0) by
// the smallest angle that lands it on the Ewald sphere, recording that
// angle as DeltaPsi.
func (p *ExperimentsPredictor) predictStill(m *expModels, ref *reflection.Reflection) error {
	exp := p.experiments[ref.ExperimentID]
	q := m.ub.MulVec(geometry.MillerToVec(ref.MillerIndex))
	e1 := r3.Unit(r3.Cross(q, m.s0))

	a := r3.Dot(m.s0, q)
	b := r3.Dot(m.s0, r3.Cross(e1, q))
	c := -0.5 * r3.Dot(q, q)
	t1, t2, ok := solveReflectingCondition(a, b, c)
	if !ok {
		return &NoSolutionError{MillerIndex: ref.MillerIndex, ExperimentID: ref.ExperimentID}
	}
	psi := wrapTurn(t1)
	if alt := wrapTurn(t2); math.Abs(alt) < math.Abs(psi) {
		psi = alt
	}

	s1 := r3.Add(m.s0, geometry.RotationMat3(psi, e1).MulVec(q))
	x, y, err := exp.Detector.Panel(ref.PanelID).Intersect(s1)
	if err != nil {
		return fmt.Errorf("predict: reflection %v of experiment %d: %w", ref.MillerIndex, ref.ExperimentID, err)
	}
	ref.S1 = s1
	ref.DeltaPsi = psi
	ref.CalcXYZ = [3]float64{x, y, 0}
	return nil
}

// wrapTurn maps an angle to (-pi, pi].
func wrapTurn(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
