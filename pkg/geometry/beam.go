package geometry

import "gonum.org/v1/gonum/spatial/r3"

// Beam models a monochromatic incident beam by its unit direction and
// wavelength in angstroms. The direction points from source to sample.
type Beam struct {
	direction  r3.Vec
	wavelength float64
}

// NewBeam constructs a beam from a direction (normalised internally) and a
// wavelength.
func NewBeam(direction r3.Vec, wavelength float64) *Beam {
	return &Beam{direction: r3.Unit(direction), wavelength: wavelength}
}

// Direction returns the unit beam direction.
func (b *Beam) Direction() r3.Vec { return b.direction }

// Wavelength returns the beam wavelength in angstroms.
func (b *Beam) Wavelength() float64 { return b.wavelength }

// S0 returns the incident scattering vector, direction/wavelength.
func (b *Beam) S0() r3.Vec {
	return r3.Scale(1/b.wavelength, b.direction)
}

// SetDirection replaces the beam direction, normalising the input. Only the
// owning parameterisation should call this, inside compose.
func (b *Beam) SetDirection(d r3.Vec) {
	b.direction = r3.Unit(d)
}

// SetS0 replaces both direction and wavelength from a scattering vector.
func (b *Beam) SetS0(s0 r3.Vec) {
	b.wavelength = 1 / r3.Norm(s0)
	b.direction = r3.Unit(s0)
}
