package refine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
)

// CrystalOrientationParameterisation parameterises the crystal setting
// matrix U with three small rotations Phi1, Phi2, Phi3 (mrad) about the
// orthogonal lab axes, composed as U = R3*R2*R1*U0 against the orientation
// captured at construction.
type CrystalOrientationParameterisation struct {
	paramSet
	crystal *geometry.Crystal
	u0      geometry.Mat3
	state   geometry.Mat3
	derivs  [3]geometry.Mat3
	uncert  []geometry.Mat3
}

var orientationAxes = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

// NewCrystalOrientationParameterisation captures the crystal's current U as
// the reference orientation.
func NewCrystalOrientationParameterisation(crystal *geometry.Crystal, expIDs []int) *CrystalOrientationParameterisation {
	op := &CrystalOrientationParameterisation{crystal: crystal, u0: crystal.U()}
	params := make([]*Parameter, 3)
	for i, axis := range orientationAxes {
		params[i] = NewAxisParameter(fmt.Sprintf("Phi%d", i+1), "angle (mrad)", 0, axis)
	}
	op.paramSet = newParamSet(params, expIDs, op.Compose)
	op.Compose()
	return op
}

// Compose recomputes U and dU/dPhi from the current angles and writes U
// back to the crystal.
func (op *CrystalOrientationParameterisation) Compose() {
	v := op.ParamVals(false)
	r1 := geometry.RotationMat3(v[0]*1e-3, orientationAxes[0])
	r2 := geometry.RotationMat3(v[1]*1e-3, orientationAxes[1])
	r3m := geometry.RotationMat3(v[2]*1e-3, orientationAxes[2])
	rot := r3m.Mul(r2).Mul(r1)
	op.state = rot.Mul(op.u0)
	op.derivs[0] = r3m.Mul(r2).Mul(geometry.CrossMat3(orientationAxes[0])).Mul(r1).Mul(op.u0).Scale(1e-3)
	op.derivs[1] = r3m.Mul(geometry.CrossMat3(orientationAxes[1])).Mul(r2).Mul(r1).Mul(op.u0).Scale(1e-3)
	op.derivs[2] = geometry.CrossMat3(orientationAxes[2]).Mul(rot).Mul(op.u0).Scale(1e-3)
	op.crystal.SetU(op.state)
}

// NumStates returns 1: the single U matrix.
func (op *CrystalOrientationParameterisation) NumStates() int { return 1 }

// State returns the composed U matrix.
func (op *CrystalOrientationParameterisation) State(int) geometry.Mat3 { return op.state }

// StateDerivatives returns dU/dPhi1..dU/dPhi3.
func (op *CrystalOrientationParameterisation) StateDerivatives(onlyFree bool, _ int) []geometry.Mat3 {
	return selectMatrixDerivatives(&op.paramSet, op.derivs[:], onlyFree)
}

// CalculateStateUncertainties propagates the covariance of the free
// parameters to elementwise variances of U.
func (op *CrystalOrientationParameterisation) CalculateStateUncertainties(cov *mat.SymDense) {
	op.uncert = stateVariances(cov, [][]geometry.Mat3{op.StateDerivatives(true, 0)})
}

// StateUncertainties returns the propagated U variances, or nil before
// CalculateStateUncertainties has run.
func (op *CrystalOrientationParameterisation) StateUncertainties() []geometry.Mat3 {
	return op.uncert
}

// CrystalUnitCellParameterisation parameterises the reciprocal-space
// orthogonalisation matrix B through its six upper-triangular elements,
// scaled by 1e5 so the parameter magnitudes sit near those of the angle
// parameters. The derivatives are constant basis matrices.
type CrystalUnitCellParameterisation struct {
	paramSet
	crystal *geometry.Crystal
	state   geometry.Mat3
	uncert  []geometry.Mat3
}

const cellParamScale = 1e5

// upper-triangular element order: (0,0) (0,1) (0,2) (1,1) (1,2) (2,2)
var cellElements = [6]int{0, 1, 2, 4, 5, 8}

// NewCrystalUnitCellParameterisation reads the six B elements from the
// crystal's current B matrix as the starting values.
func NewCrystalUnitCellParameterisation(crystal *geometry.Crystal, expIDs []int) *CrystalUnitCellParameterisation {
	cp := &CrystalUnitCellParameterisation{crystal: crystal}
	b := crystal.B()
	params := make([]*Parameter, 6)
	for i, e := range cellElements {
		params[i] = NewParameter(fmt.Sprintf("g%d", i), "unit-cell metric", b[e]*cellParamScale)
	}
	cp.paramSet = newParamSet(params, expIDs, cp.Compose)
	cp.Compose()
	return cp
}

// Compose rebuilds B from the scaled element values and writes it back to
// the crystal.
func (cp *CrystalUnitCellParameterisation) Compose() {
	v := cp.ParamVals(false)
	var b geometry.Mat3
	for i, e := range cellElements {
		b[e] = v[i] / cellParamScale
	}
	cp.state = b
	cp.crystal.SetB(b)
}

// NumStates returns 1: the single B matrix.
func (cp *CrystalUnitCellParameterisation) NumStates() int { return 1 }

// State returns the composed B matrix.
func (cp *CrystalUnitCellParameterisation) State(int) geometry.Mat3 { return cp.state }

// StateDerivatives returns dB/dg0..dB/dg5, each a single scaled basis
// element.
func (cp *CrystalUnitCellParameterisation) StateDerivatives(onlyFree bool, _ int) []geometry.Mat3 {
	full := make([]geometry.Mat3, 6)
	for i, e := range cellElements {
		full[i][e] = 1 / cellParamScale
	}
	return selectMatrixDerivatives(&cp.paramSet, full, onlyFree)
}

// CalculateStateUncertainties propagates the covariance of the free
// parameters to elementwise variances of B.
func (cp *CrystalUnitCellParameterisation) CalculateStateUncertainties(cov *mat.SymDense) {
	cp.uncert = stateVariances(cov, [][]geometry.Mat3{cp.StateDerivatives(true, 0)})
}

// StateUncertainties returns the propagated B variances, or nil before
// CalculateStateUncertainties has run.
func (cp *CrystalUnitCellParameterisation) StateUncertainties() []geometry.Mat3 {
	return cp.uncert
}
