package refine

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TerminationReason labels why a refinement run stopped. Reasons are normal
// outcomes, not errors; they accumulate on the journal.
type TerminationReason string

const (
	ReasonTargetAchieved       TerminationReason = "RMSD target achieved"
	ReasonRMSDConverged        TerminationReason = "RMSD no longer decreasing"
	ReasonStepTooSmall         TerminationReason = "Step too small"
	ReasonObjectiveIncreased   TerminationReason = "Refinement failure: objective increased"
	ReasonParametersRolledBack TerminationReason = "Parameters set back one step"
	ReasonMaxIterations        TerminationReason = "Reached maximum number of iterations"
	ReasonMaxTrialIterations   TerminationReason = "Reached maximum number of consecutive unsuccessful trial steps"
	ReasonDOFTooLow            TerminationReason = "Not enough degrees of freedom to refine"
)

const (
	// rmsdConvergenceTol is the relative per-dimension RMSD change below
	// which refinement is considered converged.
	rmsdConvergenceTol = 1e-4
	// levMarTau scales the largest normal-matrix diagonal element into the
	// initial Levenberg-Marquardt damping.
	levMarTau = 1e-3
	// levMarMaxNu bounds the rejection growth factor; exceeding it ends
	// the run after too many consecutive failed trial steps.
	levMarMaxNu = 8192
)

// RefineryOptions configures a refinement run. The zero value is usable:
// 100 iterations, no optional tracking, silent logging.
type RefineryOptions struct {
	// MaxIterations bounds the number of accepted steps; 0 means 100.
	MaxIterations int
	// StepThreshold enables the small-step termination test: a run stops
	// when |step| <= t*(|x| + t). 0 disables the test.
	StepThreshold float64
	// TrackGradient journals the full gradient vector per step.
	TrackGradient bool
	// TrackStep journals the full solution vector per step.
	TrackStep bool
	// TrackParameterCorrelation journals the packed upper triangle of the
	// parameter correlation matrix per step.
	TrackParameterCorrelation bool
	// TrackOutOfSampleRMSD journals RMSDs over the held-out reflections.
	TrackOutOfSampleRMSD bool
	// Logger receives progress messages; nil means silent.
	Logger Logger
	// Recorder receives one observation per completed run; nil discards.
	Recorder StepRecorder
}

func (o *RefineryOptions) withDefaults() RefineryOptions {
	out := *o
	if out.MaxIterations == 0 {
		out.MaxIterations = 100
	}
	if out.Logger == nil {
		out.Logger = NopLogger{}
	}
	if out.Recorder == nil {
		out.Recorder = NopStepRecorder{}
	}
	return out
}

// refinery holds the iteration state shared by all engines: the flat
// parameter vector, the journal and the termination tests.
type refinery struct {
	target Target
	params *PredictionParameterisation
	opts   RefineryOptions
	log    Logger

	history *Journal
	x       []float64
	oldX    []float64
	x0      []float64
	f       float64
	g       []float64
	nIter   int
}

func newRefinery(target Target, params *PredictionParameterisation, opts RefineryOptions) *refinery {
	opts = opts.withDefaults()
	x := params.ParamVals()
	r := &refinery{
		target:  target,
		params:  params,
		opts:    opts,
		log:     opts.Logger,
		history: NewJournal(),
		x:       x,
		x0:      append([]float64(nil), x...),
	}
	r.history.AddColumn("num_reflections")
	r.history.AddColumn("objective")
	if opts.TrackGradient {
		r.history.AddColumn("gradient")
	}
	r.history.AddColumn("gradient_norm")
	if opts.TrackParameterCorrelation {
		r.history.AddColumn("parameter_correlation")
	}
	if opts.TrackStep {
		r.history.AddColumn("solution")
	}
	r.history.AddColumn("solution_norm")
	r.history.AddColumn("parameter_vector")
	r.history.AddColumn("parameter_vector_norm")
	r.history.AddColumn("rmsd")
	if opts.TrackOutOfSampleRMSD {
		r.history.AddColumn("out_of_sample_rmsd")
	}
	return r
}

// History returns the journal of the run.
func (r *refinery) History() *Journal { return r.history }

// NumSteps returns the number of accepted steps journalled so far.
func (r *refinery) NumSteps() int {
	if r.history.Rows() == 0 {
		return 0
	}
	return r.history.Rows() - 1
}

// Restart rewinds the parameter vector to its construction-time values so
// the engine can be run again from scratch.
func (r *refinery) Restart() {
	r.x = append([]float64(nil), r.x0...)
	r.oldX = nil
	r.params.SetParamVals(r.x)
}

// prepareForStep pushes the current vector into the models and refreshes
// predictions.
func (r *refinery) prepareForStep() error {
	r.params.SetParamVals(r.x)
	return r.target.Predict()
}

func (r *refinery) stepForward(step []float64) {
	r.oldX = append([]float64(nil), r.x...)
	for i := range r.x {
		r.x[i] += step[i]
	}
}

// stepBackward restores the previous vector and pushes it back into the
// models so the last accepted state is always the one left set.
func (r *refinery) stepBackward() bool {
	if r.oldX == nil {
		return false
	}
	r.x = r.oldX
	r.oldX = nil
	r.params.SetParamVals(r.x)
	return true
}

func (r *refinery) updateJournal(step, corr []float64) error {
	r.history.AddRow()
	r.history.SetLastCell("num_reflections", r.target.NumMatches())
	r.history.SetLastCell("objective", r.f)
	if r.opts.TrackGradient {
		r.history.SetLastCell("gradient", append([]float64(nil), r.g...))
	}
	r.history.SetLastCell("gradient_norm", normInf(r.g))
	if r.opts.TrackParameterCorrelation && corr != nil {
		r.history.SetLastCell("parameter_correlation", corr)
	}
	if r.opts.TrackStep {
		r.history.SetLastCell("solution", append([]float64(nil), step...))
	}
	r.history.SetLastCell("solution_norm", norm2(step))
	r.history.SetLastCell("parameter_vector", append([]float64(nil), r.x...))
	r.history.SetLastCell("parameter_vector_norm", norm2(r.x))
	r.history.SetLastCell("rmsd", r.target.RMSDs())
	if r.opts.TrackOutOfSampleRMSD {
		if err := r.target.PredictForFreeReflections(); err != nil {
			return err
		}
		r.history.SetLastCell("out_of_sample_rmsd", r.target.RMSDsForFree())
	}
	return nil
}

// testRMSDConvergence compares the last two journalled RMSD rows;
// convergence means every dimension changed by less than the relative
// tolerance.
func (r *refinery) testRMSDConvergence() bool {
	rows := r.history.Rows()
	if rows < 2 {
		return false
	}
	cur, ok1 := r.history.Floats("rmsd", rows-1)
	prev, ok2 := r.history.Floats("rmsd", rows-2)
	if !ok1 || !ok2 || len(cur) != len(prev) {
		return false
	}
	for i := range cur {
		if prev[i] > 0 && math.Abs(cur[i]-prev[i])/prev[i] >= rmsdConvergenceTol {
			return false
		}
	}
	return true
}

// testObjectiveIncrease reports whether the objective rose between the last
// two steps while the match count did not grow, a refinement failure rather
// than a reweighting artefact.
func (r *refinery) testObjectiveIncrease() bool {
	rows := r.history.Rows()
	if rows < 2 {
		return false
	}
	fCur, ok1 := r.history.Float("objective", rows-1)
	fPrev, ok2 := r.history.Float("objective", rows-2)
	nCur, ok3 := r.history.Int("num_reflections", rows-1)
	nPrev, ok4 := r.history.Int("num_reflections", rows-2)
	return ok1 && ok2 && ok3 && ok4 && fCur > fPrev && nCur <= nPrev
}

func (r *refinery) tooSmallStep(step []float64) bool {
	t := r.opts.StepThreshold
	if t <= 0 {
		return false
	}
	return norm2(step) <= t*(norm2(r.x)+t)
}

func norm2(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func normInf(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}

// normalEquations accumulates the weighted least-squares normal equations
// A = JtWJ and rhs b = -JtWr over residual blocks, plus the objective
// 0.5*sum(w r^2). scale holds the column equilibration applied by the last
// solve, needed to unscale the factorisation again at finalise.
type normalEquations struct {
	n          int
	a          *mat.SymDense
	b          []float64
	objective  float64
	nResiduals int
	scale      []float64
}

func newNormalEquations(n int) *normalEquations {
	return &normalEquations{n: n, a: mat.NewSymDense(n, nil), b: make([]float64, n)}
}

func (e *normalEquations) reset() {
	e.a.Zero()
	for i := range e.b {
		e.b[i] = 0
	}
	e.objective = 0
	e.nResiduals = 0
}

func (e *normalEquations) addEquations(blk *ResidualBlock) {
	rows, _ := blk.Jacobian.Dims()
	for r := 0; r < rows; r++ {
		w := blk.Weights[r]
		res := blk.Residuals[r]
		e.objective += 0.5 * w * res * res
		e.nResiduals++
		row := blk.Jacobian.RawRowView(r)
		for i := 0; i < e.n; i++ {
			ji := row[i]
			if ji == 0 {
				continue
			}
			e.b[i] -= w * res * ji
			for j := i; j < e.n; j++ {
				e.a.SetSym(i, j, e.a.At(i, j)+w*ji*row[j])
			}
		}
	}
}

// gradient returns JtWr, the gradient of the objective.
func (e *normalEquations) gradient() []float64 {
	g := make([]float64, e.n)
	for i := range g {
		g[i] = -e.b[i]
	}
	return g
}

func (e *normalEquations) maxDiagonal() float64 {
	m := math.Inf(-1)
	for i := 0; i < e.n; i++ {
		if d := e.a.At(i, i); d > m {
			m = d
		}
	}
	return m
}

// solve factorises A (plus optional diagonal damping) and returns the step
// together with the Cholesky factorisation used, kept for covariance
// estimation at finalise. The normal-matrix diagonal spans several orders of
// magnitude across parameter kinds (millimetres, milliradians, reciprocal
// cell metric), so the system is column-equilibrated before factorisation:
// with S = diag(1/sqrt(A_ii)) we factorise S(A + damping*I)S, solve for the
// scaled step and unscale it afterwards.
func (e *normalEquations) solve(damping float64) ([]float64, *mat.Cholesky, error) {
	s := make([]float64, e.n)
	for i := range s {
		if d := e.a.At(i, i); d > 0 {
			s[i] = 1 / math.Sqrt(d)
		} else {
			s[i] = 1
		}
	}
	a := mat.NewSymDense(e.n, nil)
	for i := 0; i < e.n; i++ {
		for j := i; j < e.n; j++ {
			a.SetSym(i, j, e.a.At(i, j)*s[i]*s[j])
		}
	}
	if damping > 0 {
		for i := 0; i < e.n; i++ {
			a.SetSym(i, i, a.At(i, i)+damping*s[i]*s[i])
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, nil, fmt.Errorf("refine: normal equations are not positive definite")
	}
	b := make([]float64, e.n)
	for i := range b {
		b[i] = e.b[i] * s[i]
	}
	var y mat.VecDense
	if err := chol.SolveVecTo(&y, mat.NewVecDense(e.n, b)); err != nil {
		return nil, nil, fmt.Errorf("refine: solving normal equations: %w", err)
	}
	step := make([]float64, e.n)
	for i := range step {
		step[i] = y.AtVec(i) * s[i]
	}
	e.scale = s
	return step, &chol, nil
}

// packedCorrelation returns the upper triangle of the parameter correlation
// matrix derived from the normal matrix, row by row.
func (e *normalEquations) packedCorrelation() []float64 {
	out := make([]float64, 0, e.n*(e.n+1)/2)
	for i := 0; i < e.n; i++ {
		for j := i; j < e.n; j++ {
			d := math.Sqrt(e.a.At(i, i) * e.a.At(j, j))
			if d == 0 {
				out = append(out, 0)
				continue
			}
			out = append(out, e.a.At(i, j)/d)
		}
	}
	return out
}

// UnpackCorrelationMatrix rebuilds the symmetric correlation matrix of n
// parameters from its journalled packed upper triangle.
func UnpackCorrelationMatrix(n int, packed []float64) (*mat.SymDense, error) {
	if len(packed) != n*(n+1)/2 {
		return nil, fmt.Errorf("refine: packed correlation has %d elements, want %d", len(packed), n*(n+1)/2)
	}
	m := mat.NewSymDense(n, nil)
	k := 0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, packed[k])
			k++
		}
	}
	return m, nil
}

// normalEquationsEngine is the state shared by the Gauss-Newton and
// Levenberg-Marquardt engines.
type normalEquationsEngine struct {
	*refinery
	eqns     *normalEquations
	chol     *mat.Cholesky
	redChiSq float64
}

// buildUp refreshes predictions at the current vector and accumulates the
// normal equations block by block in fixed order.
func (e *normalEquationsEngine) buildUp() error {
	if err := e.prepareForStep(); err != nil {
		return err
	}
	e.eqns.reset()
	// an empty match set has no equations; the DOF guard terminates the run
	// before any solve
	if e.target.NumMatches() == 0 {
		e.f = 0
		e.g = make([]float64, e.eqns.n)
		return nil
	}
	for b := 0; b < e.target.NumJacobianBlocks(); b++ {
		blk, err := e.target.ResidualsAndGradientsBlock(b)
		if err != nil {
			return err
		}
		e.eqns.addEquations(blk)
	}
	e.f = e.eqns.objective
	e.g = e.eqns.gradient()
	return nil
}

// objectiveOnly refreshes predictions and evaluates the objective without
// touching the accumulated normal equations, for trial-step evaluation.
func (e *normalEquationsEngine) objectiveOnly() (float64, error) {
	if err := e.prepareForStep(); err != nil {
		return 0, err
	}
	res, weights := e.target.Residuals()
	f := 0.0
	for i, r := range res {
		f += 0.5 * weights[i] * r * r
	}
	return f, nil
}

// dofGuard returns matched reflections minus free parameters, the
// refinability check applied before the first step.
func (e *normalEquationsEngine) dofGuard() int {
	return e.target.NumMatches() - e.params.NumFree()
}

// residualDOF returns residual count minus free parameters, the divisor of
// the reduced chi-squared.
func (e *normalEquationsEngine) residualDOF() int {
	return e.eqns.nResiduals - e.params.NumFree()
}

func (e *normalEquationsEngine) journalStep(step []float64) error {
	var corr []float64
	if e.opts.TrackParameterCorrelation {
		corr = e.eqns.packedCorrelation()
	}
	if err := e.updateJournal(step, corr); err != nil {
		return err
	}
	e.history.SetLastCell("reduced_chi_squared", e.redChiSq)
	return nil
}

// finalise estimates parameter uncertainties from the last Cholesky
// factorisation: covariance = reduced chi-squared times the inverse normal
// matrix, esds from its diagonal, then state uncertainties propagated to
// the sub-models. A run with no journalled rows has nothing to finalise.
func (e *normalEquationsEngine) finalise() {
	if e.history.Rows() == 0 || e.chol == nil {
		return
	}
	var ninv mat.SymDense
	if err := e.chol.InverseTo(&ninv); err != nil {
		e.log.Infof("skipping esd estimation: %v", err)
		return
	}
	// the factorisation is of the equilibrated matrix SAS, so the inverse
	// normal matrix is S (SAS)^-1 S
	s := e.eqns.scale
	n := e.params.NumFree()
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, e.redChiSq*s[i]*ninv.At(i, j)*s[j])
		}
	}
	esds := make([]float64, n)
	for i := 0; i < n; i++ {
		esds[i] = math.Sqrt(cov.At(i, i))
	}
	e.params.SetParamEsds(esds)
	e.params.CalculateModelStateUncertainties(cov)
}

// GaussNewton iterates undamped normal-equation solves until a termination
// test fires.
type GaussNewton struct {
	normalEquationsEngine
	recorder StepRecorder
}

// NewGaussNewton builds a Gauss-Newton engine over a target and its
// prediction parameterisation.
func NewGaussNewton(target Target, params *PredictionParameterisation, opts RefineryOptions) *GaussNewton {
	r := newRefinery(target, params, opts)
	r.history.AddColumn("reduced_chi_squared")
	return &GaussNewton{
		normalEquationsEngine: normalEquationsEngine{refinery: r, eqns: newNormalEquations(params.NumFree())},
		recorder:              r.opts.Recorder,
	}
}

// Run drives refinement to termination. The journal records the outcome;
// the returned error is non-nil only for fatal conditions such as
// degenerate geometry or an indefinite normal matrix.
func (gn *GaussNewton) Run() error {
	started := time.Now()
	defer func() {
		gn.recorder.RecordRun("GaussNewton", TerminationReason(gn.history.Reason()), gn.NumSteps(), time.Since(started))
	}()

	gn.nIter = 0
	if err := gn.buildUp(); err != nil {
		return err
	}
	if gn.dofGuard() < 1 {
		gn.history.AppendReason(ReasonDOFTooLow)
		return nil
	}
	for {
		step, chol, err := gn.eqns.solve(0)
		if err != nil {
			return err
		}
		gn.chol = chol
		gn.redChiSq = 2 * gn.eqns.objective / float64(gn.residualDOF())
		if err := gn.journalStep(step); err != nil {
			return err
		}
		gn.log.Debugf("step %d: objective %g rmsd %v", gn.NumSteps(), gn.f, gn.target.RMSDs())

		if gn.target.Achieved() {
			gn.history.AppendReason(ReasonTargetAchieved)
			break
		}
		if gn.testRMSDConvergence() {
			gn.history.AppendReason(ReasonRMSDConverged)
			break
		}
		if gn.tooSmallStep(step) {
			gn.history.AppendReason(ReasonStepTooSmall)
			break
		}
		if gn.testObjectiveIncrease() {
			gn.history.AppendReason(ReasonObjectiveIncreased)
			if gn.stepBackward() {
				gn.history.AppendReason(ReasonParametersRolledBack)
				// refresh predictions at the restored vector
				if err := gn.prepareForStep(); err != nil {
					return err
				}
			}
			break
		}
		// the budget bounds accepted steps, tested before taking another
		if gn.nIter == gn.opts.MaxIterations {
			gn.history.AppendReason(ReasonMaxIterations)
			break
		}

		gn.stepForward(step)
		gn.nIter++
		if err := gn.buildUp(); err != nil {
			return err
		}
	}
	gn.finalise()
	return nil
}

// LevMar iterates damped normal-equation solves with the Levenberg-
// Marquardt trust scheme: trial steps are accepted on a positive gain
// ratio, rejections roll the parameters back, delete the trial journal row
// and inflate the damping.
type LevMar struct {
	normalEquationsEngine
	recorder StepRecorder
	mu       float64
	nu       float64
}

// NewLevMar builds a Levenberg-Marquardt engine over a target and its
// prediction parameterisation.
func NewLevMar(target Target, params *PredictionParameterisation, opts RefineryOptions) *LevMar {
	r := newRefinery(target, params, opts)
	r.history.AddColumn("reduced_chi_squared")
	r.history.AddColumn("mu")
	r.history.AddColumn("nu")
	return &LevMar{
		normalEquationsEngine: normalEquationsEngine{refinery: r, eqns: newNormalEquations(params.NumFree())},
		recorder:              r.opts.Recorder,
	}
}

// Run drives refinement to termination under the damping schedule.
func (lm *LevMar) Run() error {
	started := time.Now()
	defer func() {
		lm.recorder.RecordRun("LevenbergMarquardt", TerminationReason(lm.history.Reason()), lm.NumSteps(), time.Since(started))
	}()

	lm.nIter = 0
	if err := lm.buildUp(); err != nil {
		return err
	}
	if lm.dofGuard() < 1 {
		lm.history.AppendReason(ReasonDOFTooLow)
		return nil
	}
	lm.mu = levMarTau * lm.eqns.maxDiagonal()
	lm.nu = 2
	for {
		step, chol, err := lm.eqns.solve(lm.mu)
		if err != nil {
			return err
		}
		lm.chol = chol
		lm.redChiSq = 2 * lm.eqns.objective / float64(lm.residualDOF())
		if err := lm.journalStep(step); err != nil {
			return err
		}
		lm.history.SetLastCell("mu", lm.mu)
		lm.history.SetLastCell("nu", lm.nu)
		lm.log.Debugf("step %d: objective %g mu %g nu %g", lm.NumSteps(), lm.f, lm.mu, lm.nu)

		if lm.target.Achieved() {
			lm.history.AppendReason(ReasonTargetAchieved)
			break
		}
		if lm.testRMSDConvergence() {
			lm.history.AppendReason(ReasonRMSDConverged)
			break
		}
		if lm.tooSmallStep(step) {
			lm.history.AppendReason(ReasonStepTooSmall)
			break
		}
		// the budget bounds trial steps, tested before taking another so the
		// journalled state always matches the models at termination
		if lm.nIter == lm.opts.MaxIterations {
			lm.history.AppendReason(ReasonMaxIterations)
			break
		}

		// predicted objective decrease of the damped step
		expected := 0.0
		for i, h := range step {
			expected += 0.5 * h * (lm.mu*h - lm.g[i])
		}
		oldF := lm.f
		lm.stepForward(step)
		lm.nIter++
		trialF, err := lm.objectiveOnly()
		if err != nil {
			return err
		}
		rho := (oldF - trialF) / expected
		if rho > 0 {
			t := 2*rho - 1
			lm.mu *= math.Max(1.0/3.0, 1-t*t*t)
			lm.nu = 2
		} else {
			lm.stepBackward()
			if err := lm.prepareForStep(); err != nil {
				return err
			}
			lm.mu *= lm.nu
			lm.nu *= 2
			if lm.nu > levMarMaxNu {
				// keep the journal row: it records the retained state
				lm.history.AppendReason(ReasonMaxTrialIterations)
				break
			}
			lm.history.DelLastRow()
		}
		if err := lm.buildUp(); err != nil {
			return err
		}
	}
	lm.finalise()
	return nil
}
