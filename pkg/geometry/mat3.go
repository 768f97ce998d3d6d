// Package geometry defines the experimental geometry models used by the
// refinement engine: beam, detector, goniometer, scan and crystal, grouped
// into experiments, plus a fixed-size 3x3 matrix value type for lab-frame
// algebra.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix. It is a value type so that per-reflection
// gradient loops stay allocation free.
type Mat3 [9]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Mat3FromRows builds a matrix from three row vectors.
func Mat3FromRows(r0, r1, r2 r3.Vec) Mat3 {
	return Mat3{r0.X, r0.Y, r0.Z, r1.X, r1.Y, r1.Z, r2.X, r2.Y, r2.Z}
}

// Mat3FromCols builds a matrix from three column vectors.
func Mat3FromCols(c0, c1, c2 r3.Vec) Mat3 {
	return Mat3{c0.X, c1.X, c2.X, c0.Y, c1.Y, c2.Y, c0.Z, c1.Z, c2.Z}
}

// RotationMat3 returns the matrix rotating by angle (radians) about axis.
// The axis need not be normalised.
func RotationMat3(angle float64, axis r3.Vec) Mat3 {
	u := r3.Unit(axis)
	c := math.Cos(angle)
	s := math.Sin(angle)
	t := 1 - c
	return Mat3{
		t*u.X*u.X + c, t*u.X*u.Y - s*u.Z, t*u.X*u.Z + s*u.Y,
		t*u.X*u.Y + s*u.Z, t*u.Y*u.Y + c, t*u.Y*u.Z - s*u.X,
		t*u.X*u.Z - s*u.Y, t*u.Y*u.Z + s*u.X, t*u.Z*u.Z + c,
	}
}

// CrossMat3 returns the skew-symmetric matrix A of v such that A*w equals
// the cross product v x w. For unit v this is the angle derivative of
// RotationMat3 at zero, so dR/dangle = CrossMat3(v).Mul(R).
func CrossMat3(v r3.Vec) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

// At returns the element at row i, column j.
func (m Mat3) At(i, j int) float64 { return m[3*i+j] }

// Col returns column j as a vector.
func (m Mat3) Col(j int) r3.Vec {
	return r3.Vec{X: m[j], Y: m[3+j], Z: m[6+j]}
}

// Row returns row i as a vector.
func (m Mat3) Row(i int) r3.Vec {
	return r3.Vec{X: m[3*i], Y: m[3*i+1], Z: m[3*i+2]}
}

// Add returns m + n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Sub returns m - n.
func (m Mat3) Sub(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] - n[i]
	}
	return out
}

// Scale returns f*m.
func (m Mat3) Scale(f float64) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = f * m[i]
	}
	return out
}

// Mul returns the matrix product m*n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += m[3*i+k] * n[3*k+j]
			}
			out[3*i+j] = s
		}
	}
	return out
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Inverse returns the analytic inverse of m, or an error if m is singular.
func (m Mat3) Inverse() (Mat3, error) {
	det := m.Det()
	if det == 0 {
		return Mat3{}, fmt.Errorf("geometry: singular 3x3 matrix, determinant zero")
	}
	inv := 1 / det
	return Mat3{
		(m[4]*m[8] - m[5]*m[7]) * inv,
		(m[2]*m[7] - m[1]*m[8]) * inv,
		(m[1]*m[5] - m[2]*m[4]) * inv,
		(m[5]*m[6] - m[3]*m[8]) * inv,
		(m[0]*m[8] - m[2]*m[6]) * inv,
		(m[2]*m[3] - m[0]*m[5]) * inv,
		(m[3]*m[7] - m[4]*m[6]) * inv,
		(m[1]*m[6] - m[0]*m[7]) * inv,
		(m[0]*m[4] - m[1]*m[3]) * inv,
	}, nil
}
