package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// UnitCell holds direct-space cell lengths in angstroms and angles in
// degrees.
type UnitCell struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// Crystal models crystal orientation and metric by the U and B matrices of
// the Busing-Levy convention. UB maps a Miller index to a lab-frame
// reciprocal-lattice vector.
type Crystal struct {
	u Mat3
	b Mat3
}

// NewCrystal constructs a crystal from explicit U and B matrices.
func NewCrystal(u, b Mat3) *Crystal {
	return &Crystal{u: u, b: b}
}

// NewCrystalFromCell constructs a crystal with the given orientation and a B
// matrix derived from the unit cell.
func NewCrystalFromCell(u Mat3, cell UnitCell) *Crystal {
	return &Crystal{u: u, b: BMatrix(cell)}
}

// U returns the orientation matrix.
func (c *Crystal) U() Mat3 { return c.u }

// B returns the reciprocal metric matrix.
func (c *Crystal) B() Mat3 { return c.b }

// UB returns the product U*B.
func (c *Crystal) UB() Mat3 { return c.u.Mul(c.b) }

// SetU replaces the orientation matrix. Only the owning parameterisation
// should call this, inside compose.
func (c *Crystal) SetU(u Mat3) { c.u = u }

// SetB replaces the metric matrix. Only the owning parameterisation should
// call this, inside compose.
func (c *Crystal) SetB(b Mat3) { c.b = b }

// BMatrix returns the Busing-Levy B matrix for a unit cell: the
// upper-triangular matrix mapping a Miller index to the crystal-frame
// reciprocal vector.
func BMatrix(cell UnitCell) Mat3 {
	alpha := cell.Alpha * math.Pi / 180
	beta := cell.Beta * math.Pi / 180
	gamma := cell.Gamma * math.Pi / 180

	ca, cb, cg := math.Cos(alpha), math.Cos(beta), math.Cos(gamma)
	sa, sb, sg := math.Sin(alpha), math.Sin(beta), math.Sin(gamma)

	// direct cell volume
	vol := cell.A * cell.B * cell.C *
		math.Sqrt(1-ca*ca-cb*cb-cg*cg+2*ca*cb*cg)

	// reciprocal cell
	aStar := cell.B * cell.C * sa / vol
	bStar := cell.A * cell.C * sb / vol
	cStar := cell.A * cell.B * sg / vol
	cbStar := (ca*cg - cb) / (sa * sg)
	cgStar := (ca*cb - cg) / (sa * sb)
	sbStar := math.Sqrt(1 - cbStar*cbStar)

	// Busing & Levy (1967) convention
	return Mat3{
		aStar, bStar * cgStar, cStar * cbStar,
		0, bStar * math.Sqrt(1-cgStar*cgStar), -cStar * sbStar * ca,
		0, 0, 1 / cell.C,
	}
}

// MillerToVec converts an integer Miller index to a float vector.
func MillerToVec(h [3]int) r3.Vec {
	return r3.Vec{X: float64(h[0]), Y: float64(h[1]), Z: float64(h[2])}
}
