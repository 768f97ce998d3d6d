package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Panel is one flat sensitive surface of a detector. Its frame is defined by
// orthonormal fast and slow axes and a lab-frame origin at the panel corner,
// all in millimetres.
type Panel struct {
	name      string
	fast      r3.Vec
	slow      r3.Vec
	origin    r3.Vec
	pixelSize [2]float64
	imageSize [2]int
}

// NewPanel constructs a panel. The fast and slow axes are normalised.
func NewPanel(name string, fast, slow, origin r3.Vec, pixelSize [2]float64, imageSize [2]int) *Panel {
	return &Panel{
		name:      name,
		fast:      r3.Unit(fast),
		slow:      r3.Unit(slow),
		origin:    origin,
		pixelSize: pixelSize,
		imageSize: imageSize,
	}
}

// Name returns the panel name.
func (p *Panel) Name() string { return p.name }

// FastAxis returns the unit fast axis.
func (p *Panel) FastAxis() r3.Vec { return p.fast }

// SlowAxis returns the unit slow axis.
func (p *Panel) SlowAxis() r3.Vec { return p.slow }

// Origin returns the lab-frame panel origin in mm.
func (p *Panel) Origin() r3.Vec { return p.origin }

// PixelSize returns the pixel dimensions in mm along fast and slow.
func (p *Panel) PixelSize() [2]float64 { return p.pixelSize }

// ImageSize returns the panel extent in pixels along fast and slow.
func (p *Panel) ImageSize() [2]int { return p.imageSize }

// SizeMM returns the panel extent in mm along fast and slow.
func (p *Panel) SizeMM() [2]float64 {
	return [2]float64{
		p.pixelSize[0] * float64(p.imageSize[0]),
		p.pixelSize[1] * float64(p.imageSize[1]),
	}
}

// SetFrame replaces the panel frame. Only the owning parameterisation should
// call this, inside compose.
func (p *Panel) SetFrame(fast, slow, origin r3.Vec) {
	p.fast = r3.Unit(fast)
	p.slow = r3.Unit(slow)
	p.origin = origin
}

// DTimesMatrix returns the panel "d" matrix with the fast axis, slow axis and
// origin as columns. It maps panel coordinates (x, y, 1) in mm to the lab
// frame.
func (p *Panel) DTimesMatrix() Mat3 {
	return Mat3FromCols(p.fast, p.slow, p.origin)
}

// DMatrix returns the projection matrix D, the inverse of the d matrix. For a
// diffracted ray s1 the projection vector pv = D*s1 = (u, v, w) gives the
// impact position X = u/w, Y = v/w in panel mm.
func (p *Panel) DMatrix() (Mat3, error) {
	d := p.DTimesMatrix()
	inv, err := d.Inverse()
	if err != nil {
		return Mat3{}, fmt.Errorf("panel %q: %w", p.name, err)
	}
	return inv, nil
}

// Intersect projects the ray s1 onto the panel plane and returns the impact
// position in mm. An error is returned for rays parallel to the panel or
// hitting it from behind.
func (p *Panel) Intersect(s1 r3.Vec) (x, y float64, err error) {
	d, err := p.DMatrix()
	if err != nil {
		return 0, 0, err
	}
	pv := d.MulVec(s1)
	if pv.Z <= 0 {
		return 0, 0, fmt.Errorf("panel %q: ray does not intersect from the front", p.name)
	}
	return pv.X / pv.Z, pv.Y / pv.Z, nil
}

// InsideMM reports whether the mm coordinates fall on the panel.
func (p *Panel) InsideMM(x, y float64) bool {
	size := p.SizeMM()
	return x >= 0 && y >= 0 && x <= size[0] && y <= size[1]
}

// Detector is an ordered collection of panels.
type Detector struct {
	panels []*Panel
}

// NewDetector constructs a detector from one or more panels.
func NewDetector(panels ...*Panel) *Detector {
	return &Detector{panels: panels}
}

// NumPanels returns the number of panels.
func (d *Detector) NumPanels() int { return len(d.panels) }

// Panel returns panel i.
func (d *Detector) Panel(i int) *Panel { return d.panels[i] }

// Panels returns the ordered panel list.
func (d *Detector) Panels() []*Panel { return d.panels }
