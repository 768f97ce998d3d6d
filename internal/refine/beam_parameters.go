package refine

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
)

// BeamParameterisation parameterises the incident beam direction with two
// orthogonal tilt angles Mu1 and Mu2 (mrad) about axes perpendicular to the
// initial direction. The wavelength is held fixed, so the composed state is
// the s0 vector with constant length 1/wavelength.
type BeamParameterisation struct {
	paramSet
	beam   *geometry.Beam
	dir0   r3.Vec
	axis1  r3.Vec
	axis2  r3.Vec
	state  r3.Vec
	derivs [2]r3.Vec
	uncert r3.Vec
	hasUnc bool
}

// NewBeamParameterisation captures the beam's current direction as the
// reference and builds the two tilt axes from it.
func NewBeamParameterisation(beam *geometry.Beam, expIDs []int) *BeamParameterisation {
	dir0 := r3.Unit(beam.Direction())
	seed := r3.Vec{X: 1}
	if math.Abs(dir0.X) > 0.9 {
		seed = r3.Vec{Y: 1}
	}
	axis1 := r3.Unit(r3.Cross(dir0, seed))
	axis2 := r3.Unit(r3.Cross(dir0, axis1))
	bp := &BeamParameterisation{beam: beam, dir0: dir0, axis1: axis1, axis2: axis2}
	bp.paramSet = newParamSet([]*Parameter{
		NewAxisParameter("Mu1", "angle (mrad)", 0, axis1),
		NewAxisParameter("Mu2", "angle (mrad)", 0, axis2),
	}, expIDs, bp.Compose)
	bp.Compose()
	return bp
}

// Compose recomputes s0 and its derivatives from the tilt angles and writes
// the new direction back to the beam.
func (bp *BeamParameterisation) Compose() {
	v := bp.ParamVals(false)
	r1 := geometry.RotationMat3(v[0]*1e-3, bp.axis1)
	r2 := geometry.RotationMat3(v[1]*1e-3, bp.axis2)
	rot := r2.Mul(r1)
	dir := rot.MulVec(bp.dir0)
	inv := 1 / bp.beam.Wavelength()
	bp.state = r3.Scale(inv, dir)
	d1 := r2.Mul(geometry.CrossMat3(bp.axis1)).Mul(r1).Scale(1e-3)
	d2 := geometry.CrossMat3(bp.axis2).Mul(rot).Scale(1e-3)
	bp.derivs[0] = r3.Scale(inv, d1.MulVec(bp.dir0))
	bp.derivs[1] = r3.Scale(inv, d2.MulVec(bp.dir0))
	bp.beam.SetDirection(dir)
}

// NumStates returns 1: the single s0 vector.
func (bp *BeamParameterisation) NumStates() int { return 1 }

// StateVector returns the composed s0 vector.
func (bp *BeamParameterisation) StateVector() r3.Vec { return bp.state }

// VectorDerivatives returns ds0/dMu1 and ds0/dMu2.
func (bp *BeamParameterisation) VectorDerivatives(onlyFree bool) []r3.Vec {
	return selectVectorDerivatives(&bp.paramSet, bp.derivs[:], onlyFree)
}

// CalculateStateUncertainties propagates the covariance of the free
// parameters to elementwise variances of s0.
func (bp *BeamParameterisation) CalculateStateUncertainties(cov *mat.SymDense) {
	derivs := bp.VectorDerivatives(true)
	var u r3.Vec
	for k := range derivs {
		for l := range derivs {
			c := cov.At(k, l)
			u.X += derivs[k].X * c * derivs[l].X
			u.Y += derivs[k].Y * c * derivs[l].Y
			u.Z += derivs[k].Z * c * derivs[l].Z
		}
	}
	bp.uncert = u
	bp.hasUnc = true
}

// StateUncertainty returns the propagated s0 variances, valid after
// CalculateStateUncertainties.
func (bp *BeamParameterisation) StateUncertainty() r3.Vec { return bp.uncert }
