// Package reflection defines reflection records and the manager that selects
// the working observation set for refinement.
package reflection

import "gonum.org/v1/gonum/spatial/r3"

// Flag is a bitmask of per-reflection status flags.
type Flag uint32

// Status flags set during prediction and refinement.
const (
	// Predicted marks reflections for which the predictor found a
	// diffracting solution and filled the calculated fields.
	Predicted Flag = 1 << iota
	// UsedInRefinement marks reflections accepted into the current target
	// calculation.
	UsedInRefinement
)

// Reflection is one diffraction spot: a Miller index observed in one
// experiment, with observed and calculated centroid positions. Positions are
// (X mm, Y mm, phi rad); for stills the third observed coordinate is unused
// and DeltaPsi carries the calculated pseudo-angle.
type Reflection struct {
	ExperimentID int
	PanelID      int
	MillerIndex  [3]int

	// S1 is the diffracted beam vector from the most recent prediction.
	S1 r3.Vec
	// Entering records which Ewald-sphere branch the observation belongs to.
	Entering bool

	ObsXYZ  [3]float64
	CalcXYZ [3]float64
	// Weights are the inverse variances of the observed coordinates.
	Weights [3]float64

	// DeltaPsi is the still-image pseudo-angle from the most recent
	// prediction.
	DeltaPsi float64

	// Residuals filled by the target after prediction.
	XResid   float64
	YResid   float64
	PhiResid float64

	Flags Flag
}

// Has reports whether all bits of f are set.
func (r *Reflection) Has(f Flag) bool { return r.Flags&f == f }

// Set sets the bits of f.
func (r *Reflection) Set(f Flag) { r.Flags |= f }

// Clear clears the bits of f.
func (r *Reflection) Clear(f Flag) { r.Flags &^= f }
