package refine

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
)

// Detector parameterisations expose six parameters against a reference
// frame fixed at construction: Dist translates along the initial normal,
// Shift1/Shift2 translate within the initial plane, and Tau1/Tau2/Tau3
// rotate (in mrad) about the initial normal, fast and slow axes. The
// composed state per panel is the d matrix with columns fast, slow, origin;
// its inverse is the panel D matrix used for prediction.

// detectorFrame is the reference frame captured from the detector at
// construction time. All parameters act relative to this frame, so the
// initial Tau values are zero and Dist/Shift values are the decomposition
// of the reference origin in the frame basis.
type detectorFrame struct {
	fast0 r3.Vec
	slow0 r3.Vec
	norm0 r3.Vec
}

func newDetectorFrame(p *geometry.Panel) detectorFrame {
	f := p.FastAxis()
	s := p.SlowAxis()
	return detectorFrame{fast0: f, slow0: s, norm0: r3.Unit(r3.Cross(f, s))}
}

func detectorParams(frame detectorFrame, origin r3.Vec) []*Parameter {
	return []*Parameter{
		NewAxisParameter("Dist", "length (mm)", r3.Dot(origin, frame.norm0), frame.norm0),
		NewAxisParameter("Shift1", "length (mm)", r3.Dot(origin, frame.fast0), frame.fast0),
		NewAxisParameter("Shift2", "length (mm)", r3.Dot(origin, frame.slow0), frame.slow0),
		NewAxisParameter("Tau1", "angle (mrad)", 0, frame.norm0),
		NewAxisParameter("Tau2", "angle (mrad)", 0, frame.fast0),
		NewAxisParameter("Tau3", "angle (mrad)", 0, frame.slow0),
	}
}

// detectorRotation composes the Tau rotation R = R1(tau1)*R2(tau2)*R3(tau3)
// and its derivative with respect to each angle, all in the reference frame
// and with the mrad scaling folded in.
func detectorRotation(frame detectorFrame, tau1, tau2, tau3 float64) (rot geometry.Mat3, dTau [3]geometry.Mat3) {
	r1 := geometry.RotationMat3(tau1*1e-3, frame.norm0)
	r2 := geometry.RotationMat3(tau2*1e-3, frame.fast0)
	r3m := geometry.RotationMat3(tau3*1e-3, frame.slow0)
	rot = r1.Mul(r2).Mul(r3m)
	dTau[0] = geometry.CrossMat3(frame.norm0).Mul(rot).Scale(1e-3)
	dTau[1] = r1.Mul(geometry.CrossMat3(frame.fast0)).Mul(r2).Mul(r3m).Scale(1e-3)
	dTau[2] = r1.Mul(r2).Mul(geometry.CrossMat3(frame.slow0)).Mul(r3m).Scale(1e-3)
	return rot, dTau
}

// composePanel applies the six parameter values to one panel whose initial
// axes are fast0/slow0 and whose in-plane offset from the frame origin
// point is rel. It returns the composed d matrix and its six derivatives.
func composePanel(frame detectorFrame, dist, shift1, shift2 float64, rot geometry.Mat3, dTau [3]geometry.Mat3, fast0, slow0, rel r3.Vec) (state geometry.Mat3, derivs [6]geometry.Mat3, fast, slow, origin r3.Vec) {
	offset := r3.Add(r3.Add(r3.Scale(shift1, frame.fast0), r3.Scale(shift2, frame.slow0)), rel)
	fast = rot.MulVec(fast0)
	slow = rot.MulVec(slow0)
	origin = r3.Add(r3.Scale(dist, frame.norm0), rot.MulVec(offset))
	state = geometry.Mat3FromCols(fast, slow, origin)

	derivs[0] = geometry.Mat3FromCols(r3.Vec{}, r3.Vec{}, frame.norm0)
	derivs[1] = geometry.Mat3FromCols(r3.Vec{}, r3.Vec{}, rot.MulVec(frame.fast0))
	derivs[2] = geometry.Mat3FromCols(r3.Vec{}, r3.Vec{}, rot.MulVec(frame.slow0))
	for i, dr := range dTau {
		derivs[3+i] = geometry.Mat3FromCols(dr.MulVec(fast0), dr.MulVec(slow0), dr.MulVec(offset))
	}
	return state, derivs, fast, slow, origin
}

// stateVariances propagates a free-parameter covariance block to the
// elementwise variance of each composed matrix state.
func stateVariances(cov *mat.SymDense, freeDerivs [][]geometry.Mat3) []geometry.Mat3 {
	out := make([]geometry.Mat3, len(freeDerivs))
	for s, derivs := range freeDerivs {
		var v geometry.Mat3
		for e := 0; e < 9; e++ {
			sum := 0.0
			for k := range derivs {
				for l := range derivs {
					sum += derivs[k][e] * cov.At(k, l) * derivs[l][e]
				}
			}
			v[e] = sum
		}
		out[s] = v
	}
	return out
}

// DetectorParameterisationSinglePanel parameterises a one-panel detector.
type DetectorParameterisationSinglePanel struct {
	paramSet
	panel  *geometry.Panel
	frame  detectorFrame
	state  geometry.Mat3
	derivs [6]geometry.Mat3
	uncert []geometry.Mat3
}

// NewDetectorParameterisationSinglePanel captures the panel's current frame
// as the reference and composes the initial state from it.
func NewDetectorParameterisationSinglePanel(det *geometry.Detector, expIDs []int) *DetectorParameterisationSinglePanel {
	panel := det.Panel(0)
	frame := newDetectorFrame(panel)
	dp := &DetectorParameterisationSinglePanel{panel: panel, frame: frame}
	dp.paramSet = newParamSet(detectorParams(frame, panel.Origin()), expIDs, dp.Compose)
	dp.Compose()
	return dp
}

// Compose recomputes the panel frame and d matrix derivatives from the
// current parameter values and writes the frame back to the panel.
func (dp *DetectorParameterisationSinglePanel) Compose() {
	v := dp.ParamVals(false)
	rot, dTau := detectorRotation(dp.frame, v[3], v[4], v[5])
	state, derivs, fast, slow, origin := composePanel(dp.frame, v[0], v[1], v[2], rot, dTau, dp.frame.fast0, dp.frame.slow0, r3.Vec{})
	dp.state = state
	dp.derivs = derivs
	dp.panel.SetFrame(fast, slow, origin)
}

// NumStates returns 1: one panel, one d matrix.
func (dp *DetectorParameterisationSinglePanel) NumStates() int { return 1 }

// State returns the composed d matrix.
func (dp *DetectorParameterisationSinglePanel) State(int) geometry.Mat3 { return dp.state }

// StateDerivatives returns the six d matrix derivatives.
func (dp *DetectorParameterisationSinglePanel) StateDerivatives(onlyFree bool, _ int) []geometry.Mat3 {
	return selectMatrixDerivatives(&dp.paramSet, dp.derivs[:], onlyFree)
}

// CalculateStateUncertainties propagates the covariance of the free
// parameters to elementwise variances of the d matrix.
func (dp *DetectorParameterisationSinglePanel) CalculateStateUncertainties(cov *mat.SymDense) {
	dp.uncert = stateVariances(cov, [][]geometry.Mat3{dp.StateDerivatives(true, 0)})
}

// StateUncertainties returns the propagated d matrix variances, or nil
// before CalculateStateUncertainties has run.
func (dp *DetectorParameterisationSinglePanel) StateUncertainties() []geometry.Mat3 {
	return dp.uncert
}

// DetectorParameterisationMultiPanel parameterises a rigid multi-panel
// detector with the same six parameters as the single-panel case. The
// reference frame is taken from panel 0 and every panel keeps its fixed
// offset within that frame, so the whole array translates and rotates as
// one body.
type DetectorParameterisationMultiPanel struct {
	paramSet
	detector *geometry.Detector
	frame    detectorFrame
	axes     [][2]r3.Vec // initial fast/slow per panel
	rel      []r3.Vec    // initial offset of each panel origin from panel 0
	states   []geometry.Mat3
	derivs   [][6]geometry.Mat3
	uncert   []geometry.Mat3
}

// NewDetectorParameterisationMultiPanel captures panel 0's frame as the
// reference and records each panel's rigid offset within it.
func NewDetectorParameterisationMultiPanel(det *geometry.Detector, expIDs []int) *DetectorParameterisationMultiPanel {
	ref := det.Panel(0)
	frame := newDetectorFrame(ref)
	n := det.NumPanels()
	dp := &DetectorParameterisationMultiPanel{
		detector: det,
		frame:    frame,
		axes:     make([][2]r3.Vec, n),
		rel:      make([]r3.Vec, n),
		states:   make([]geometry.Mat3, n),
		derivs:   make([][6]geometry.Mat3, n),
	}
	for i := 0; i < n; i++ {
		p := det.Panel(i)
		dp.axes[i] = [2]r3.Vec{p.FastAxis(), p.SlowAxis()}
		dp.rel[i] = r3.Sub(p.Origin(), ref.Origin())
	}
	dp.paramSet = newParamSet(detectorParams(frame, ref.Origin()), expIDs, dp.Compose)
	dp.Compose()
	return dp
}

// Compose recomputes every panel frame and its d matrix derivatives and
// writes the frames back to the detector panels.
func (dp *DetectorParameterisationMultiPanel) Compose() {
	v := dp.ParamVals(false)
	rot, dTau := detectorRotation(dp.frame, v[3], v[4], v[5])
	for i := range dp.states {
		state, derivs, fast, slow, origin := composePanel(dp.frame, v[0], v[1], v[2], rot, dTau, dp.axes[i][0], dp.axes[i][1], dp.rel[i])
		dp.states[i] = state
		dp.derivs[i] = derivs
		dp.detector.Panel(i).SetFrame(fast, slow, origin)
	}
}

// NumStates returns the number of panels.
func (dp *DetectorParameterisationMultiPanel) NumStates() int { return len(dp.states) }

// State returns the composed d matrix for one panel.
func (dp *DetectorParameterisationMultiPanel) State(state int) geometry.Mat3 {
	return dp.states[state]
}

// StateDerivatives returns the six d matrix derivatives for one panel.
func (dp *DetectorParameterisationMultiPanel) StateDerivatives(onlyFree bool, state int) []geometry.Mat3 {
	return selectMatrixDerivatives(&dp.paramSet, dp.derivs[state][:], onlyFree)
}

// CalculateStateUncertainties propagates the covariance of the free
// parameters to elementwise variances of each panel's d matrix.
func (dp *DetectorParameterisationMultiPanel) CalculateStateUncertainties(cov *mat.SymDense) {
	free := make([][]geometry.Mat3, len(dp.states))
	for i := range dp.states {
		free[i] = dp.StateDerivatives(true, i)
	}
	dp.uncert = stateVariances(cov, free)
}

// StateUncertainties returns the propagated d matrix variances per panel,
// or nil before CalculateStateUncertainties has run.
func (dp *DetectorParameterisationMultiPanel) StateUncertainties() []geometry.Mat3 {
	return dp.uncert
}
