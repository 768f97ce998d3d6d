package geometry

import "gonum.org/v1/gonum/spatial/r3"

// Goniometer models a single rotation axis in the lab frame.
type Goniometer struct {
	axis r3.Vec
}

// NewGoniometer constructs a goniometer with the given rotation axis,
// normalised internally.
func NewGoniometer(axis r3.Vec) *Goniometer {
	return &Goniometer{axis: r3.Unit(axis)}
}

// RotationAxis returns the unit rotation axis.
func (g *Goniometer) RotationAxis() r3.Vec { return g.axis }

// Scan models a rotation sweep by its angular range and per-image
// oscillation width, all in degrees.
type Scan struct {
	start float64
	width float64
	num   int
}

// NewScan constructs a scan from a start angle and per-image oscillation
// width in degrees, and an image count.
func NewScan(start, width float64, num int) *Scan {
	return &Scan{start: start, width: width, num: num}
}

// Start returns the scan start angle in degrees.
func (s *Scan) Start() float64 { return s.start }

// OscillationWidth returns the per-image oscillation width in degrees.
func (s *Scan) OscillationWidth() float64 { return s.width }

// NumImages returns the number of images in the sweep.
func (s *Scan) NumImages() int { return s.num }

// Range returns the total angular range covered by the sweep, in degrees.
func (s *Scan) Range() (float64, float64) {
	return s.start, s.start + s.width*float64(s.num)
}

// Experiment groups the models describing one measurement. Goniometer and
// scan are nil for still images.
type Experiment struct {
	Beam       *Beam
	Detector   *Detector
	Goniometer *Goniometer
	Scan       *Scan
	Crystal    *Crystal
}

// IsStill reports whether the experiment lacks a goniometer, i.e. is a still
// image rather than a rotation sweep.
func (e *Experiment) IsStill() bool { return e.Goniometer == nil }

// ExperimentList is an ordered list of experiments; a reflection's
// experiment id indexes into it.
type ExperimentList []*Experiment
