package refine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
	"braggcore/pkg/reflection"
)

// gradientFloor is the smallest usable magnitude of the angle-gradient
// denominator (axis x r) . s0. At or below it the geometry carries no
// angular information for the reflection and refinement cannot proceed.
const gradientFloor = 1e-6

type predictionMode int

const (
	modeRotation predictionMode = iota
	modeStills
)

// GradientSet holds the analytic gradients of the predicted observables
// with respect to every free parameter, one vector per parameter over the
// reflection list passed to Gradients. DAngle is dphi/dp for rotation
// geometry and dDeltaPsi/dp for stills; detector parameters leave it zero.
type GradientSet struct {
	DX     []GradientVector
	DY     []GradientVector
	DAngle []GradientVector
}

// PredictionParameterisation aggregates the model parameterisations of an
// experiment list into one flat free-parameter vector, ordered detector,
// beam, crystal orientation, unit cell, and converts model state
// derivatives to gradients of the predicted observables by the chain rule.
// The rotation and stills gradient formulations are chosen at construction.
type PredictionParameterisation struct {
	experiments  geometry.ExperimentList
	detectors    []MatrixParameterisation
	beams        []VectorParameterisation
	orientations []MatrixParameterisation
	cells        []MatrixParameterisation
	storage      GradientStorage
	mode         predictionMode

	// indices into the slices above per experiment id, -1 when the
	// experiment's model is not parameterised
	expDet  []int
	expBeam []int
	expOri  []int
	expCell []int
}

// PredictionOption adjusts PredictionParameterisation construction.
type PredictionOption func(*PredictionParameterisation)

// WithGradientStorage selects the gradient vector representation. The
// default is DenseStorage.
func WithGradientStorage(s GradientStorage) PredictionOption {
	return func(pp *PredictionParameterisation) { pp.storage = s }
}

// NewXYPhiPredictionParameterisation builds the rotation-geometry variant,
// whose third observable is the rotation angle phi.
func NewXYPhiPredictionParameterisation(experiments geometry.ExperimentList, detectors []MatrixParameterisation, beams []VectorParameterisation, orientations, cells []MatrixParameterisation, opts ...PredictionOption) (*PredictionParameterisation, error) {
	return newPredictionParameterisation(modeRotation, experiments, detectors, beams, orientations, cells, opts)
}

// NewStillsPredictionParameterisation builds the stills variant, whose
// third observable is the excitation angle DeltaPsi.
func NewStillsPredictionParameterisation(experiments geometry.ExperimentList, detectors []MatrixParameterisation, beams []VectorParameterisation, orientations, cells []MatrixParameterisation, opts ...PredictionOption) (*PredictionParameterisation, error) {
	return newPredictionParameterisation(modeStills, experiments, detectors, beams, orientations, cells, opts)
}

func newPredictionParameterisation(mode predictionMode, experiments geometry.ExperimentList, detectors []MatrixParameterisation, beams []VectorParameterisation, orientations, cells []MatrixParameterisation, opts []PredictionOption) (*PredictionParameterisation, error) {
	pp := &PredictionParameterisation{
		experiments:  experiments,
		detectors:    detectors,
		beams:        beams,
		orientations: orientations,
		cells:        cells,
		storage:      DenseStorage{},
		mode:         mode,
	}
	for _, opt := range opts {
		opt(pp)
	}
	if pp.NumFree() == 0 {
		return nil, ErrNoFreeParameters
	}
	n := len(experiments)
	pp.expDet = experimentIndex(n, matrixExpIDs(detectors))
	pp.expBeam = experimentIndex(n, vectorExpIDs(beams))
	pp.expOri = experimentIndex(n, matrixExpIDs(orientations))
	pp.expCell = experimentIndex(n, matrixExpIDs(cells))
	return pp, nil
}

func matrixExpIDs(ps []MatrixParameterisation) [][]int {
	out := make([][]int, len(ps))
	for i, p := range ps {
		out[i] = p.ExperimentIDs()
	}
	return out
}

func vectorExpIDs(ps []VectorParameterisation) [][]int {
	out := make([][]int, len(ps))
	for i, p := range ps {
		out[i] = p.ExperimentIDs()
	}
	return out
}

// experimentIndex inverts parameterisation experiment lists into a lookup
// from experiment id to parameterisation index, -1 for unparameterised.
func experimentIndex(numExp int, expIDs [][]int) []int {
	idx := make([]int, numExp)
	for i := range idx {
		idx[i] = -1
	}
	for pi, ids := range expIDs {
		for _, id := range ids {
			if id < 0 || id >= numExp {
				panic(fmt.Sprintf("refine: parameterisation references experiment %d outside list of %d", id, numExp))
			}
			if idx[id] != -1 {
				panic(fmt.Sprintf("refine: experiment %d claimed by two parameterisations of the same model", id))
			}
			idx[id] = pi
		}
	}
	return idx
}

// DetectorParameterisationFor returns the detector parameterisation for an
// experiment, or nil when its detector is not parameterised.
func (pp *PredictionParameterisation) DetectorParameterisationFor(expID int) MatrixParameterisation {
	if i := pp.expDet[expID]; i >= 0 {
		return pp.detectors[i]
	}
	return nil
}

// BeamParameterisationFor returns the beam parameterisation for an
// experiment, or nil.
func (pp *PredictionParameterisation) BeamParameterisationFor(expID int) VectorParameterisation {
	if i := pp.expBeam[expID]; i >= 0 {
		return pp.beams[i]
	}
	return nil
}

// OrientationParameterisationFor returns the crystal orientation
// parameterisation for an experiment, or nil.
func (pp *PredictionParameterisation) OrientationParameterisationFor(expID int) MatrixParameterisation {
	if i := pp.expOri[expID]; i >= 0 {
		return pp.orientations[i]
	}
	return nil
}

// UnitCellParameterisationFor returns the unit-cell parameterisation for an
// experiment, or nil.
func (pp *PredictionParameterisation) UnitCellParameterisationFor(expID int) MatrixParameterisation {
	if i := pp.expCell[expID]; i >= 0 {
		return pp.cells[i]
	}
	return nil
}

// models iterates the parameterisations in the flat vector block order.
func (pp *PredictionParameterisation) models(f func(prefix string, m ModelParameterisation)) {
	for i, p := range pp.detectors {
		f(fmt.Sprintf("Detector%d", i+1), p)
	}
	for i, p := range pp.beams {
		f(fmt.Sprintf("Beam%d", i+1), p)
	}
	for i, p := range pp.orientations {
		f(fmt.Sprintf("Crystal%dOrientation", i+1), p)
	}
	for i, p := range pp.cells {
		f(fmt.Sprintf("Crystal%dUnitCell", i+1), p)
	}
}

// NumFree returns the length of the flat free-parameter vector.
func (pp *PredictionParameterisation) NumFree() int {
	n := 0
	pp.models(func(_ string, m ModelParameterisation) { n += m.NumFree() })
	return n
}

// ParamVals returns the free parameter values in block order.
func (pp *PredictionParameterisation) ParamVals() []float64 {
	out := make([]float64, 0, pp.NumFree())
	pp.models(func(_ string, m ModelParameterisation) {
		out = append(out, m.ParamVals(true)...)
	})
	return out
}

// ParamNames returns the free parameter names in block order, prefixed by
// the owning model.
func (pp *PredictionParameterisation) ParamNames() []string {
	out := make([]string, 0, pp.NumFree())
	pp.models(func(prefix string, m ModelParameterisation) {
		for _, n := range m.ParamNames(true) {
			out = append(out, prefix+n)
		}
	})
	return out
}

// SetParamVals distributes a flat free-parameter vector to the model
// parameterisations, recomposing each. The length must equal NumFree; a
// mismatch is a programming error and panics.
func (pp *PredictionParameterisation) SetParamVals(vals []float64) {
	if len(vals) != pp.NumFree() {
		panic(fmt.Sprintf("refine: SetParamVals got %d values for %d free parameters", len(vals), pp.NumFree()))
	}
	i := 0
	pp.models(func(_ string, m ModelParameterisation) {
		n := m.NumFree()
		m.SetParamVals(vals[i : i+n])
		i += n
	})
}

// SetParamEsds distributes flat esds to the model parameterisations in the
// same order as SetParamVals.
func (pp *PredictionParameterisation) SetParamEsds(esds []float64) {
	if len(esds) != pp.NumFree() {
		panic(fmt.Sprintf("refine: SetParamEsds got %d values for %d free parameters", len(esds), pp.NumFree()))
	}
	i := 0
	pp.models(func(_ string, m ModelParameterisation) {
		n := m.NumFree()
		m.SetParamEsds(esds[i : i+n])
		i += n
	})
}

// CalculateModelStateUncertainties slices the full free-parameter
// covariance matrix into per-model blocks and propagates each to model
// state uncertainties.
func (pp *PredictionParameterisation) CalculateModelStateUncertainties(cov *mat.SymDense) {
	i := 0
	pp.models(func(_ string, m ModelParameterisation) {
		n := m.NumFree()
		sub := mat.NewSymDense(n, nil)
		for r := 0; r < n; r++ {
			for c := r; c < n; c++ {
				sub.SetSym(r, c, cov.At(i+r, i+c))
			}
		}
		m.CalculateStateUncertainties(sub)
		i += n
	})
}

// gradientContext carries the per-reflection quantities shared by the
// chain-rule gradient formulas. For rotation geometry rotAxis is the
// goniometer axis, angle is the predicted phi and r is the reciprocal
// vector rotated to the diffraction condition; for stills rotAxis is the e1
// axis, angle is DeltaPsi and r is s1 - s0. In both cases denom is
// (rotAxis x r) . s0.
type gradientContext struct {
	s0     r3.Vec
	s1     r3.Vec
	h      r3.Vec
	u      geometry.Mat3
	b      geometry.Mat3
	d      geometry.Mat3 // panel D matrix
	panel  int
	wInv   float64
	uwInv  float64
	vwInv  float64
	rotMat geometry.Mat3 // rotation by angle about rotAxis
	r      r3.Vec
	axisXr r3.Vec
	denom  float64
}

func (pp *PredictionParameterisation) buildContexts(refs []*reflection.Reflection) ([]gradientContext, error) {
	ctxs := make([]gradientContext, len(refs))
	for i, ref := range refs {
		exp := pp.experiments[ref.ExperimentID]
		panel := exp.Detector.Panel(ref.PanelID)
		d, err := panel.DMatrix()
		if err != nil {
			return nil, fmt.Errorf("refine: panel %d of experiment %d: %w", ref.PanelID, ref.ExperimentID, err)
		}
		ctx := gradientContext{
			s0:    exp.Beam.S0(),
			s1:    ref.S1,
			h:     geometry.MillerToVec(ref.MillerIndex),
			u:     exp.Crystal.U(),
			b:     exp.Crystal.B(),
			d:     d,
			panel: ref.PanelID,
		}
		pv := d.MulVec(ref.S1)
		ctx.wInv = 1 / pv.Z
		ctx.uwInv = pv.X * ctx.wInv
		ctx.vwInv = pv.Y * ctx.wInv

		switch pp.mode {
		case modeRotation:
			axis := exp.Goniometer.RotationAxis()
			phi := ref.CalcXYZ[2]
			ctx.rotMat = geometry.RotationMat3(phi, axis)
			ctx.r = ctx.rotMat.MulVec(ctx.u.Mul(ctx.b).MulVec(ctx.h))
			ctx.axisXr = r3.Cross(axis, ctx.r)
		case modeStills:
			q := ctx.u.Mul(ctx.b).MulVec(ctx.h)
			e1 := r3.Unit(r3.Cross(q, ctx.s0))
			ctx.rotMat = geometry.RotationMat3(ref.DeltaPsi, e1)
			ctx.r = r3.Sub(ref.S1, ctx.s0)
			ctx.axisXr = r3.Cross(e1, ctx.r)
		}
		ctx.denom = r3.Dot(ctx.axisXr, ctx.s0)
		if math.Abs(ctx.denom) <= gradientFloor {
			return nil, &DegenerateGeometryError{
				MillerIndex: ref.MillerIndex,
				S1:          ref.S1,
				AxisCrossR:  ctx.axisXr,
				S0:          ctx.s0,
				Denominator: ctx.denom,
			}
		}
		ctxs[i] = ctx
	}
	return ctxs, nil
}

// positionGradient converts a detector-space derivative dpv to gradients of
// the millimetre impact position by the quotient rule.
func (ctx *gradientContext) positionGradient(dpv r3.Vec) (dX, dY float64) {
	dX = ctx.wInv * (dpv.X - dpv.Z*ctx.uwInv)
	dY = ctx.wInv * (dpv.Y - dpv.Z*ctx.vwInv)
	return dX, dY
}

// Gradients computes dX/dp, dY/dp and the angle gradient for every free
// parameter over the given reflections. The reflections must carry
// predicted centroids (and DeltaPsi for stills). A reflection whose
// geometry is degenerate for the angle gradient yields a
// DegenerateGeometryError.
func (pp *PredictionParameterisation) Gradients(refs []*reflection.Reflection) (*GradientSet, error) {
	ctxs, err := pp.buildContexts(refs)
	if err != nil {
		return nil, err
	}
	n := len(refs)
	nFree := pp.NumFree()
	gs := &GradientSet{
		DX:     make([]GradientVector, nFree),
		DY:     make([]GradientVector, nFree),
		DAngle: make([]GradientVector, nFree),
	}
	for i := 0; i < nFree; i++ {
		gs.DX[i] = pp.storage.NewVector(n)
		gs.DY[i] = pp.storage.NewVector(n)
		gs.DAngle[i] = pp.storage.NewVector(n)
	}

	byExp := make([][]int, len(pp.experiments))
	for i, ref := range refs {
		byExp[ref.ExperimentID] = append(byExp[ref.ExperimentID], i)
	}

	ip := 0
	for _, dp := range pp.detectors {
		pp.detectorGradients(dp, ctxs, byExp, gs, &ip)
	}
	for _, bp := range pp.beams {
		pp.beamGradients(bp, ctxs, byExp, gs, &ip)
	}
	for _, op := range pp.orientations {
		pp.matrixGradients(op, ctxs, byExp, gs, &ip, func(ctx *gradientContext, der geometry.Mat3) r3.Vec {
			return ctx.rotMat.MulVec(der.Mul(ctx.b).MulVec(ctx.h))
		})
	}
	for _, cp := range pp.cells {
		pp.matrixGradients(cp, ctxs, byExp, gs, &ip, func(ctx *gradientContext, der geometry.Mat3) r3.Vec {
			return ctx.rotMat.MulVec(ctx.u.Mul(der).MulVec(ctx.h))
		})
	}
	return gs, nil
}

// detectorGradients fills the gradient columns of one detector
// parameterisation. Moving the detector changes only where the unchanged
// ray lands, so the angle gradient is zero; the position gradient follows
// from dD/dp = -D (dd/dp) D applied to s1.
func (pp *PredictionParameterisation) detectorGradients(dp MatrixParameterisation, ctxs []gradientContext, byExp [][]int, gs *GradientSet, ip *int) {
	nFree := dp.NumFree()
	derivsByPanel := make(map[int][]geometry.Mat3, dp.NumStates())
	for _, expID := range dp.ExperimentIDs() {
		for _, i := range byExp[expID] {
			ctx := &ctxs[i]
			derivs, ok := derivsByPanel[ctx.panel]
			if !ok {
				derivs = dp.StateDerivatives(true, ctx.panel)
				derivsByPanel[ctx.panel] = derivs
			}
			pv := ctx.d.MulVec(ctx.s1)
			for k, der := range derivs {
				dpv := r3.Scale(-1, ctx.d.MulVec(der.MulVec(pv)))
				dX, dY := ctx.positionGradient(dpv)
				gs.DX[*ip+k].Set(i, dX)
				gs.DY[*ip+k].Set(i, dY)
			}
		}
	}
	*ip += nFree
}

// beamGradients fills the gradient columns of one beam parameterisation.
func (pp *PredictionParameterisation) beamGradients(bp VectorParameterisation, ctxs []gradientContext, byExp [][]int, gs *GradientSet, ip *int) {
	derivs := bp.VectorDerivatives(true)
	for _, expID := range bp.ExperimentIDs() {
		for _, i := range byExp[expID] {
			ctx := &ctxs[i]
			for k, der := range derivs {
				dAngle := -r3.Dot(ctx.r, der) / ctx.denom
				dpv := ctx.d.MulVec(r3.Add(der, r3.Scale(dAngle, ctx.axisXr)))
				dX, dY := ctx.positionGradient(dpv)
				gs.DX[*ip+k].Set(i, dX)
				gs.DY[*ip+k].Set(i, dY)
				gs.DAngle[*ip+k].Set(i, dAngle)
			}
		}
	}
	*ip += len(derivs)
}

// matrixGradients fills the gradient columns of one crystal matrix
// parameterisation; dr converts a state derivative to the change of the
// diffracted reciprocal vector.
func (pp *PredictionParameterisation) matrixGradients(mp MatrixParameterisation, ctxs []gradientContext, byExp [][]int, gs *GradientSet, ip *int, dr func(*gradientContext, geometry.Mat3) r3.Vec) {
	derivs := mp.StateDerivatives(true, 0)
	for _, expID := range mp.ExperimentIDs() {
		for _, i := range byExp[expID] {
			ctx := &ctxs[i]
			for k, der := range derivs {
				drv := dr(ctx, der)
				dAngle := -r3.Dot(drv, ctx.s1) / ctx.denom
				dpv := ctx.d.MulVec(r3.Add(drv, r3.Scale(dAngle, ctx.axisXr)))
				dX, dY := ctx.positionGradient(dpv)
				gs.DX[*ip+k].Set(i, dX)
				gs.DY[*ip+k].Set(i, dY)
				gs.DAngle[*ip+k].Set(i, dAngle)
			}
		}
	}
	*ip += len(derivs)
}
