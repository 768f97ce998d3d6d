package refine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"braggcore/pkg/geometry"
	"braggcore/pkg/reflection"
)

// noMatchesFunctional is the sentinel objective returned when the working
// set has no matched reflections, paired with unit gradients and curvatures
// so a quasi-Newton minimiser backs out of the region instead of dividing
// by zero.
const noMatchesFunctional = 1e12

// defaultDeltaPsiCutoff is the stills angular RMSD target: one degree.
const defaultDeltaPsiCutoff = math.Pi / 180

// ReflectionPredictor updates the predicted centroids of reflections in
// place from the current state of the experimental models.
type ReflectionPredictor interface {
	Predict(refs []*reflection.Reflection) error
}

// ResidualBlock is one row block of the stacked least-squares problem:
// residuals and weights ordered X then Y then angle for a contiguous run of
// matched reflections, with the Jacobian rows in the same order.
type ResidualBlock struct {
	Residuals []float64
	Weights   []float64
	Jacobian  *mat.Dense
}

// Target calculates residuals, gradients and RMSDs of the current model
// state against the observations. A Target is stateful: Predict refreshes
// the match set that the other methods report on.
type Target interface {
	// Predict updates predictions and residuals for the working set.
	Predict() error
	// PredictForFreeReflections updates predictions for the held-out set.
	PredictForFreeReflections() error
	// NumMatches returns the matched reflection count of the working set.
	NumMatches() int
	// Dim returns the number of residual dimensions per reflection.
	Dim() int
	// NumJacobianBlocks returns the number of row blocks the stacked
	// problem is split into.
	NumJacobianBlocks() int
	// ResidualsAndGradientsBlock builds one row block of residuals,
	// weights and the Jacobian.
	ResidualsAndGradientsBlock(block int) (*ResidualBlock, error)
	// Residuals returns the stacked residuals and weights without
	// gradients, for trial-step objective evaluation.
	Residuals() (res, weights []float64)
	// FunctionalGradientsAndCurvatures returns the weighted sum-of-squares
	// objective with its gradient and diagonal curvature approximation.
	FunctionalGradientsAndCurvatures() (f float64, g, c []float64, err error)
	// RMSDs returns the per-dimension root mean square residuals of the
	// working matches.
	RMSDs() []float64
	// RMSDsForFree returns RMSDs over the held-out matches, or nil when no
	// reflections are held out.
	RMSDsForFree() []float64
	// Achieved reports whether every RMSD is below its cutoff.
	Achieved() bool
}

// residualFiller writes the per-reflection residuals for one geometry
// flavour after prediction.
type residualFiller func(ref *reflection.Reflection)

// leastSquaresTarget is the shared least-squares machinery behind the
// rotation and stills targets.
type leastSquaresTarget struct {
	predictor   ReflectionPredictor
	manager     *reflection.Manager
	params      *PredictionParameterisation
	fill        residualFiller
	cutoffs     [3]float64
	blockSize   int
	matches     []*reflection.Reflection
	freeMatches []*reflection.Reflection
}

// TargetOption adjusts target construction.
type TargetOption func(*leastSquaresTarget)

// WithRMSDCutoffs overrides the per-dimension RMSD targets (mm, mm, rad).
func WithRMSDCutoffs(x, y, angle float64) TargetOption {
	return func(t *leastSquaresTarget) { t.cutoffs = [3]float64{x, y, angle} }
}

// WithJacobianBlockSize caps the number of reflections per Jacobian row
// block. Zero means a single block.
func WithJacobianBlockSize(n int) TargetOption {
	return func(t *leastSquaresTarget) { t.blockSize = n }
}

// Predict refreshes predictions for the working set, recalculates residuals
// and rebuilds the match list.
func (t *leastSquaresTarget) Predict() error {
	refs := t.manager.Observations()
	t.manager.ResetAccepted()
	if err := t.predictor.Predict(refs); err != nil {
		return fmt.Errorf("refine: prediction failed: %w", err)
	}
	for _, ref := range refs {
		if !ref.Has(reflection.Predicted) {
			continue
		}
		t.fill(ref)
		ref.Set(reflection.UsedInRefinement)
	}
	t.matches = t.manager.Matches()
	return nil
}

// PredictForFreeReflections refreshes predictions and residuals for the
// held-out set.
func (t *leastSquaresTarget) PredictForFreeReflections() error {
	refs := t.manager.FreeReflections()
	if len(refs) == 0 {
		t.freeMatches = nil
		return nil
	}
	if err := t.predictor.Predict(refs); err != nil {
		return fmt.Errorf("refine: free-set prediction failed: %w", err)
	}
	t.freeMatches = t.freeMatches[:0]
	for _, ref := range refs {
		if !ref.Has(reflection.Predicted) {
			continue
		}
		t.fill(ref)
		t.freeMatches = append(t.freeMatches, ref)
	}
	return nil
}

// NumMatches returns the matched working reflection count.
func (t *leastSquaresTarget) NumMatches() int { return len(t.matches) }

// Dim returns 3: two positional residuals and one angular residual.
func (t *leastSquaresTarget) Dim() int { return 3 }

// NumJacobianBlocks returns the block count under the configured cap.
func (t *leastSquaresTarget) NumJacobianBlocks() int {
	if t.blockSize <= 0 || len(t.matches) == 0 {
		return 1
	}
	return (len(t.matches) + t.blockSize - 1) / t.blockSize
}

func (t *leastSquaresTarget) blockRange(block int) (lo, hi int) {
	if t.blockSize <= 0 {
		return 0, len(t.matches)
	}
	lo = block * t.blockSize
	hi = lo + t.blockSize
	if hi > len(t.matches) {
		hi = len(t.matches)
	}
	return lo, hi
}

// stack writes the residuals and weights of matches[lo:hi] in X, Y, angle
// row order.
func stack(matches []*reflection.Reflection) (res, weights []float64) {
	n := len(matches)
	res = make([]float64, 3*n)
	weights = make([]float64, 3*n)
	for i, ref := range matches {
		res[i] = ref.XResid
		res[n+i] = ref.YResid
		res[2*n+i] = ref.PhiResid
		weights[i] = ref.Weights[0]
		weights[n+i] = ref.Weights[1]
		weights[2*n+i] = ref.Weights[2]
	}
	return res, weights
}

// ResidualsAndGradientsBlock builds residuals, weights and the Jacobian for
// one contiguous run of matches.
func (t *leastSquaresTarget) ResidualsAndGradientsBlock(block int) (*ResidualBlock, error) {
	lo, hi := t.blockRange(block)
	matches := t.matches[lo:hi]
	res, weights := stack(matches)
	grads, err := t.params.Gradients(matches)
	if err != nil {
		return nil, err
	}
	n := len(matches)
	jac := mat.NewDense(3*n, t.params.NumFree(), nil)
	for p := range grads.DX {
		grads.DX[p].Do(func(i int, v float64) { jac.Set(i, p, v) })
		grads.DY[p].Do(func(i int, v float64) { jac.Set(n+i, p, v) })
		grads.DAngle[p].Do(func(i int, v float64) { jac.Set(2*n+i, p, v) })
	}
	return &ResidualBlock{Residuals: res, Weights: weights, Jacobian: jac}, nil
}

// Residuals returns the stacked residuals and weights of all matches.
func (t *leastSquaresTarget) Residuals() ([]float64, []float64) {
	return stack(t.matches)
}

// FunctionalGradientsAndCurvatures evaluates L = 0.5*sum(w r^2) with
// gradient sum(w r dr/dp) and the diagonal Gauss-Newton curvature
// sum(w (dr/dp)^2). With no matches it returns the large sentinel objective
// with unit gradients and curvatures.
func (t *leastSquaresTarget) FunctionalGradientsAndCurvatures() (float64, []float64, []float64, error) {
	nFree := t.params.NumFree()
	if len(t.matches) == 0 {
		g := make([]float64, nFree)
		c := make([]float64, nFree)
		for i := range g {
			g[i] = 1
			c[i] = 1
		}
		return noMatchesFunctional, g, c, nil
	}
	res, weights := stack(t.matches)
	grads, err := t.params.Gradients(t.matches)
	if err != nil {
		return 0, nil, nil, err
	}
	f := 0.0
	for i, r := range res {
		f += 0.5 * weights[i] * r * r
	}
	n := len(t.matches)
	g := make([]float64, nFree)
	c := make([]float64, nFree)
	for p := 0; p < nFree; p++ {
		gp, cp := 0.0, 0.0
		grads.DX[p].Do(func(i int, v float64) {
			gp += weights[i] * res[i] * v
			cp += weights[i] * v * v
		})
		grads.DY[p].Do(func(i int, v float64) {
			gp += weights[n+i] * res[n+i] * v
			cp += weights[n+i] * v * v
		})
		grads.DAngle[p].Do(func(i int, v float64) {
			gp += weights[2*n+i] * res[2*n+i] * v
			cp += weights[2*n+i] * v * v
		})
		g[p] = gp
		c[p] = cp
	}
	return f, g, c, nil
}

func rmsdsOf(matches []*reflection.Reflection) []float64 {
	if len(matches) == 0 {
		return nil
	}
	var sx, sy, sa float64
	for _, ref := range matches {
		sx += ref.XResid * ref.XResid
		sy += ref.YResid * ref.YResid
		sa += ref.PhiResid * ref.PhiResid
	}
	n := float64(len(matches))
	return []float64{math.Sqrt(sx / n), math.Sqrt(sy / n), math.Sqrt(sa / n)}
}

// RMSDs returns the per-dimension RMSDs over the working matches.
func (t *leastSquaresTarget) RMSDs() []float64 { return rmsdsOf(t.matches) }

// RMSDsForFree returns the per-dimension RMSDs over the held-out matches.
func (t *leastSquaresTarget) RMSDsForFree() []float64 { return rmsdsOf(t.freeMatches) }

// Achieved reports whether all RMSDs are strictly below their cutoffs.
func (t *leastSquaresTarget) Achieved() bool {
	rmsds := t.RMSDs()
	if rmsds == nil {
		return false
	}
	for i, r := range rmsds {
		if r >= t.cutoffs[i] {
			return false
		}
	}
	return true
}

// wrapAngle maps an angle to the interval (-pi, pi].
func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// XYPhiTarget is the rotation-geometry least-squares target. Its residuals
// per matched reflection are the X and Y centroid offsets in millimetres
// and the phi offset in radians, wrapped to (-pi, pi].
type XYPhiTarget struct {
	leastSquaresTarget
}

// NewXYPhiTarget builds the rotation target. The default RMSD cutoffs are
// half a pixel in X and Y and half the oscillation width in phi, taken from
// the first experiment.
func NewXYPhiTarget(experiments geometry.ExperimentList, predictor ReflectionPredictor, manager *reflection.Manager, params *PredictionParameterisation, opts ...TargetOption) *XYPhiTarget {
	px := experiments[0].Detector.Panel(0).PixelSize()
	width := experiments[0].Scan.OscillationWidth() * math.Pi / 180
	t := &XYPhiTarget{leastSquaresTarget{
		predictor: predictor,
		manager:   manager,
		params:    params,
		cutoffs:   [3]float64{0.5 * px[0], 0.5 * px[1], 0.5 * width},
	}}
	t.fill = func(ref *reflection.Reflection) {
		ref.XResid = ref.CalcXYZ[0] - ref.ObsXYZ[0]
		ref.YResid = ref.CalcXYZ[1] - ref.ObsXYZ[1]
		ref.PhiResid = wrapAngle(ref.CalcXYZ[2] - ref.ObsXYZ[2])
	}
	for _, opt := range opts {
		opt(&t.leastSquaresTarget)
	}
	return t
}

// StillsTarget is the stills least-squares target. Stills carry no
// meaningful phi observation, so the third residual is the excitation angle
// DeltaPsi itself, driven towards zero, weighted by the third observation
// weight.
type StillsTarget struct {
	leastSquaresTarget
}

// NewStillsTarget builds the stills target. The default RMSD cutoffs are
// half a pixel in X and Y and one degree in DeltaPsi.
func NewStillsTarget(experiments geometry.ExperimentList, predictor ReflectionPredictor, manager *reflection.Manager, params *PredictionParameterisation, opts ...TargetOption) *StillsTarget {
	px := experiments[0].Detector.Panel(0).PixelSize()
	t := &StillsTarget{leastSquaresTarget{
		predictor: predictor,
		manager:   manager,
		params:    params,
		cutoffs:   [3]float64{0.5 * px[0], 0.5 * px[1], defaultDeltaPsiCutoff},
	}}
	t.fill = func(ref *reflection.Reflection) {
		ref.XResid = ref.CalcXYZ[0] - ref.ObsXYZ[0]
		ref.YResid = ref.CalcXYZ[1] - ref.ObsXYZ[1]
		ref.PhiResid = ref.DeltaPsi
	}
	for _, opt := range opts {
		opt(&t.leastSquaresTarget)
	}
	return t
}
