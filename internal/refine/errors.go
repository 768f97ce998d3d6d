package refine

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoFreeParameters is returned when a prediction parameterisation is
// constructed with every parameter fixed.
var ErrNoFreeParameters = errors.New("refine: no free parameters")

// DegenerateGeometryError reports a reflection whose gradient denominator is
// at or below the degeneracy floor, meaning the diffraction geometry gives
// no leverage on the rotation (or excitation) angle for that reflection.
type DegenerateGeometryError struct {
	// MillerIndex identifies the offending reflection.
	MillerIndex [3]int
	// S1 is the diffracted beam vector of the reflection.
	S1 r3.Vec
	// AxisCrossR is the cross product of the rotation axis (or stills e1
	// axis) with the reciprocal vector r.
	AxisCrossR r3.Vec
	// S0 is the incident beam vector.
	S0 r3.Vec
	// Denominator is the offending value of (axis x r) . s0.
	Denominator float64
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("refine: degenerate geometry for reflection %v: |(axis x r) . s0| = %g is below the gradient floor", e.MillerIndex, e.Denominator)
}
