package refine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"
)

// errStopRun halts the optimiser from the per-step recorder once a
// termination test fires; the reason is carried separately.
var errStopRun = errors.New("refine: stop requested by termination test")

// QuasiNewton refines with the limited-memory BFGS method, delegating the
// line search and direction updates to gonum's optimiser while journalling
// and RMSD-based termination run in the per-iteration callback. The
// curvature variant preconditions the parameter space by the square root of
// the initial diagonal curvatures so parameters of very different scales
// step comparably.
type QuasiNewton struct {
	*refinery
	recorder      StepRecorder
	useCurvatures bool
	scale         []float64
	evalErr       error
	pendingReason TerminationReason
	engineName    string
}

// NewQuasiNewton builds the plain limited-memory BFGS engine.
func NewQuasiNewton(target Target, params *PredictionParameterisation, opts RefineryOptions) *QuasiNewton {
	r := newRefinery(target, params, opts)
	return &QuasiNewton{refinery: r, recorder: r.opts.Recorder, engineName: "QuasiNewton"}
}

// NewQuasiNewtonWithCurvatures builds the curvature-preconditioned variant.
func NewQuasiNewtonWithCurvatures(target Target, params *PredictionParameterisation, opts RefineryOptions) *QuasiNewton {
	r := newRefinery(target, params, opts)
	return &QuasiNewton{refinery: r, recorder: r.opts.Recorder, useCurvatures: true, engineName: "QuasiNewtonCurvatures"}
}

func (l *QuasiNewton) toScaled(x []float64) []float64 {
	z := make([]float64, len(x))
	for i := range x {
		z[i] = x[i] * l.scale[i]
	}
	return z
}

func (l *QuasiNewton) fromScaled(z []float64) []float64 {
	x := make([]float64, len(z))
	for i := range z {
		x[i] = z[i] / l.scale[i]
	}
	return x
}

// evaluate computes the objective (and optionally the scaled gradient) at a
// scaled position. Prediction failures cannot propagate through the
// optimiser's function signature, so they are stashed and the evaluation
// poisoned with NaN.
func (l *QuasiNewton) evaluate(z, grad []float64) float64 {
	l.params.SetParamVals(l.fromScaled(z))
	if err := l.target.Predict(); err != nil {
		l.evalErr = err
		return math.NaN()
	}
	f, g, _, err := l.target.FunctionalGradientsAndCurvatures()
	if err != nil {
		l.evalErr = err
		return math.NaN()
	}
	if grad != nil {
		for i := range grad {
			grad[i] = g[i] / l.scale[i]
		}
	}
	return f
}

// record journals one accepted optimiser step at the given location and
// runs the RMSD termination tests.
func (l *QuasiNewton) record(loc *optimize.Location) error {
	x := l.fromScaled(loc.X)
	step := make([]float64, len(x))
	for i := range x {
		step[i] = x[i] - l.x[i]
	}
	l.x = x
	l.f = loc.F
	l.g = make([]float64, len(x))
	for i := range loc.Gradient {
		l.g[i] = loc.Gradient[i] * l.scale[i]
	}
	if err := l.prepareForStep(); err != nil {
		l.evalErr = err
		return errStopRun
	}
	if err := l.updateJournal(step, nil); err != nil {
		l.evalErr = err
		return errStopRun
	}
	l.log.Debugf("step %d: objective %g rmsd %v", l.NumSteps(), l.f, l.target.RMSDs())

	switch {
	case l.target.Achieved():
		l.pendingReason = ReasonTargetAchieved
	case l.testRMSDConvergence():
		l.pendingReason = ReasonRMSDConverged
	case l.tooSmallStep(step):
		l.pendingReason = ReasonStepTooSmall
	default:
		return nil
	}
	return errStopRun
}

type quasiNewtonRecorder struct{ l *QuasiNewton }

func (quasiNewtonRecorder) Init() error { return nil }

func (r quasiNewtonRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	return r.l.record(loc)
}

// Run drives refinement to termination. As with the normal-equation
// engines, termination reasons land on the journal and only fatal
// conditions surface as errors.
func (l *QuasiNewton) Run() error {
	started := time.Now()
	defer func() {
		l.recorder.RecordRun(l.engineName, TerminationReason(l.history.Reason()), l.NumSteps(), time.Since(started))
	}()

	if err := l.prepareForStep(); err != nil {
		return err
	}
	if l.target.NumMatches()-l.params.NumFree() < 1 {
		l.history.AppendReason(ReasonDOFTooLow)
		return nil
	}

	l.scale = make([]float64, len(l.x))
	for i := range l.scale {
		l.scale[i] = 1
	}
	if l.useCurvatures {
		_, _, curv, err := l.target.FunctionalGradientsAndCurvatures()
		if err != nil {
			return err
		}
		for i, c := range curv {
			if c <= 0 {
				return fmt.Errorf("refine: non-positive curvature %g for parameter %d", c, i)
			}
			l.scale[i] = math.Sqrt(c)
		}
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 { return l.evaluate(z, nil) },
		Grad: func(grad, z []float64) { l.evaluate(z, grad) },
	}
	settings := &optimize.Settings{
		Recorder:        quasiNewtonRecorder{l},
		MajorIterations: l.opts.MaxIterations,
	}
	result, err := optimize.Minimize(problem, l.toScaled(l.x), settings, &optimize.LBFGS{})

	switch {
	case l.pendingReason != "":
		l.history.AppendReason(l.pendingReason)
	case l.evalErr != nil:
		return l.evalErr
	case err != nil:
		l.history.AppendReason(TerminationReason(fmt.Sprintf("Optimiser failure: %v", err)))
	case result.Status == optimize.IterationLimit:
		l.history.AppendReason(ReasonMaxIterations)
	default:
		l.history.AppendReason(TerminationReason(result.Status.String()))
	}

	// leave the journalled parameter vector set on the models
	l.params.SetParamVals(l.x)
	if err := l.target.Predict(); err != nil {
		return err
	}
	return nil
}
