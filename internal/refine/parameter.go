// Package refine implements the diffraction-geometry refinement engine:
// model parameterisations, the prediction parameterisation that turns model
// derivatives into observable gradients, least-squares targets, the
// refinement history journal and the refinery iteration loops.
package refine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"braggcore/pkg/geometry"
)

// Parameter is a single scalar model parameter. It may carry a vector axis
// giving context to the value (e.g. a rotation angle about that axis) and an
// estimated standard deviation. Setting the value resets the esd, so esds
// must be set afterwards. Parameters are mutated only through their owning
// model parameterisation.
type Parameter struct {
	value float64
	esd   *float64
	axis  *r3.Vec
	ptype string
	name  string
	fixed bool
}

// NewParameter constructs a free parameter with no axis.
func NewParameter(name, ptype string, value float64) *Parameter {
	return &Parameter{value: value, ptype: ptype, name: name}
}

// NewAxisParameter constructs a free parameter with a context axis.
func NewAxisParameter(name, ptype string, value float64, axis r3.Vec) *Parameter {
	return &Parameter{value: value, ptype: ptype, name: name, axis: &axis}
}

// Name returns the parameter name.
func (p *Parameter) Name() string { return p.name }

// Type returns the parameter type tag.
func (p *Parameter) Type() string { return p.ptype }

// Value returns the current value.
func (p *Parameter) Value() float64 { return p.value }

// SetValue replaces the value and resets the esd.
func (p *Parameter) SetValue(v float64) {
	p.value = v
	p.esd = nil
}

// Esd returns the estimated standard deviation, if one has been set since
// the last value write.
func (p *Parameter) Esd() (float64, bool) {
	if p.esd == nil {
		return 0, false
	}
	return *p.esd, true
}

// SetEsd records an estimated standard deviation for the current value.
func (p *Parameter) SetEsd(esd float64) { p.esd = &esd }

// Axis returns the context axis, if any.
func (p *Parameter) Axis() (r3.Vec, bool) {
	if p.axis == nil {
		return r3.Vec{}, false
	}
	return *p.axis, true
}

// Fixed reports whether the parameter is excluded from refinement.
func (p *Parameter) Fixed() bool { return p.fixed }

// Fix excludes the parameter from refinement.
func (p *Parameter) Fix() { p.fixed = true }

// Unfix includes the parameter in refinement.
func (p *Parameter) Unfix() { p.fixed = false }

// ModelParameterisation composes the state of one geometry sub-model from an
// ordered parameter list and exposes analytic derivatives of that state with
// respect to each parameter. Compose must run whenever parameter values
// change so that model state and cached derivatives stay consistent;
// SetParamVals does this automatically.
type ModelParameterisation interface {
	// Compose recomputes the model state and the per-parameter state
	// derivatives from the current parameter values.
	Compose()
	// NumFree returns the number of non-fixed parameters.
	NumFree() int
	// NumTotal returns the total parameter count, fixed and free.
	NumTotal() int
	// NumStates returns the number of states composed by the parameters
	// (e.g. panels of a multi-panel detector); 1 for single-state models.
	NumStates() int
	// Params returns the parameters in order, optionally filtered to the
	// free subset. Intended for reporting, not mutation.
	Params(onlyFree bool) []*Parameter
	// ParamVals returns the parameter values in order.
	ParamVals(onlyFree bool) []float64
	// ParamNames returns the parameter names in order.
	ParamNames(onlyFree bool) []string
	// SetParamVals sets the free parameter values and recomposes. The input
	// length must equal NumFree; a mismatch is a programming error and
	// panics.
	SetParamVals(vals []float64)
	// SetParamEsds sets esds on the free parameters, in the same order as
	// SetParamVals.
	SetParamEsds(esds []float64)
	// Fixed returns the per-parameter fixed mask.
	Fixed() []bool
	// SetFixed replaces the fixed mask and invalidates the free count.
	SetFixed(fix []bool)
	// ExperimentIDs returns the experiments this parameterisation applies
	// to.
	ExperimentIDs() []int
	// CalculateStateUncertainties propagates a free-parameter covariance
	// block to uncertainties of the composed state.
	CalculateStateUncertainties(cov *mat.SymDense)
}

// MatrixParameterisation is a ModelParameterisation whose state is one 3x3
// matrix per state index (detector D matrices, crystal U or B).
type MatrixParameterisation interface {
	ModelParameterisation
	// State returns the composed matrix for the given state index.
	State(state int) geometry.Mat3
	// StateDerivatives returns the matrix derivative per parameter for the
	// given state. With onlyFree false, entries for fixed parameters are
	// zero matrices, preserving index alignment.
	StateDerivatives(onlyFree bool, state int) []geometry.Mat3
	// StateUncertainties returns elementwise state variances per state
	// after CalculateStateUncertainties, or nil before it.
	StateUncertainties() []geometry.Mat3
}

// VectorParameterisation is a ModelParameterisation whose state is a single
// lab-frame vector (the beam s0).
type VectorParameterisation interface {
	ModelParameterisation
	// StateVector returns the composed vector state.
	StateVector() r3.Vec
	// VectorDerivatives returns the vector derivative per parameter. With
	// onlyFree false, entries for fixed parameters are zero vectors.
	VectorDerivatives(onlyFree bool) []r3.Vec
	// StateUncertainty returns the elementwise state variance after
	// CalculateStateUncertainties.
	StateUncertainty() r3.Vec
}

// paramSet holds the shared parameter bookkeeping for concrete model
// parameterisations. The compose hook re-derives state after value writes.
type paramSet struct {
	params  []*Parameter
	expIDs  []int
	numFree int // -1 when invalidated by SetFixed
	compose func()
}

func newParamSet(params []*Parameter, expIDs []int, compose func()) paramSet {
	return paramSet{params: params, expIDs: expIDs, numFree: -1, compose: compose}
}

// NumFree returns the number of non-fixed parameters, caching the count
// until the fixed mask changes.
func (s *paramSet) NumFree() int {
	if s.numFree < 0 {
		n := 0
		for _, p := range s.params {
			if !p.Fixed() {
				n++
			}
		}
		s.numFree = n
	}
	return s.numFree
}

// NumTotal returns the total parameter count.
func (s *paramSet) NumTotal() int { return len(s.params) }

// ExperimentIDs returns the experiments parameterised by this model.
func (s *paramSet) ExperimentIDs() []int { return s.expIDs }

// Params returns the parameter list, optionally restricted to free ones.
func (s *paramSet) Params(onlyFree bool) []*Parameter {
	out := make([]*Parameter, 0, len(s.params))
	for _, p := range s.params {
		if onlyFree && p.Fixed() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParamVals returns the parameter values in order.
func (s *paramSet) ParamVals(onlyFree bool) []float64 {
	out := make([]float64, 0, len(s.params))
	for _, p := range s.params {
		if onlyFree && p.Fixed() {
			continue
		}
		out = append(out, p.Value())
	}
	return out
}

// ParamNames returns the parameter names in order.
func (s *paramSet) ParamNames(onlyFree bool) []string {
	out := make([]string, 0, len(s.params))
	for _, p := range s.params {
		if onlyFree && p.Fixed() {
			continue
		}
		out = append(out, p.Name())
	}
	return out
}

// SetParamVals sets the free parameter values and recomposes the state.
func (s *paramSet) SetParamVals(vals []float64) {
	if len(vals) != s.NumFree() {
		panic(fmt.Sprintf("refine: SetParamVals got %d values for %d free parameters", len(vals), s.NumFree()))
	}
	i := 0
	for _, p := range s.params {
		if p.Fixed() {
			continue
		}
		p.SetValue(vals[i])
		i++
	}
	s.compose()
}

// SetParamEsds sets esds on the free parameters in order.
func (s *paramSet) SetParamEsds(esds []float64) {
	if len(esds) != s.NumFree() {
		panic(fmt.Sprintf("refine: SetParamEsds got %d values for %d free parameters", len(esds), s.NumFree()))
	}
	i := 0
	for _, p := range s.params {
		if p.Fixed() {
			continue
		}
		p.SetEsd(esds[i])
		i++
	}
}

// Fixed returns the per-parameter fixed mask.
func (s *paramSet) Fixed() []bool {
	out := make([]bool, len(s.params))
	for i, p := range s.params {
		out[i] = p.Fixed()
	}
	return out
}

// SetFixed replaces the fixed mask.
func (s *paramSet) SetFixed(fix []bool) {
	if len(fix) != len(s.params) {
		panic(fmt.Sprintf("refine: SetFixed got %d flags for %d parameters", len(fix), len(s.params)))
	}
	for i, p := range s.params {
		if fix[i] {
			p.Fix()
		} else {
			p.Unfix()
		}
	}
	s.numFree = -1
}

// freeIndices returns the ordinal positions of the free parameters.
func (s *paramSet) freeIndices() []int {
	out := make([]int, 0, len(s.params))
	for i, p := range s.params {
		if !p.Fixed() {
			out = append(out, i)
		}
	}
	return out
}

// selectMatrixDerivatives applies the only_free convention to a full
// per-parameter matrix derivative list: filtered when onlyFree, zero-filled
// for fixed parameters otherwise.
func selectMatrixDerivatives(s *paramSet, full []geometry.Mat3, onlyFree bool) []geometry.Mat3 {
	out := make([]geometry.Mat3, 0, len(full))
	for i, d := range full {
		if s.params[i].Fixed() {
			if !onlyFree {
				out = append(out, geometry.Mat3{})
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

// selectVectorDerivatives is the vector-state analogue of
// selectMatrixDerivatives.
func selectVectorDerivatives(s *paramSet, full []r3.Vec, onlyFree bool) []r3.Vec {
	out := make([]r3.Vec, 0, len(full))
	for i, d := range full {
		if s.params[i].Fixed() {
			if !onlyFree {
				out = append(out, r3.Vec{})
			}
			continue
		}
		out = append(out, d)
	}
	return out
}
