package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestBMatrixOrthorhombic(t *testing.T) {
	b := BMatrix(UnitCell{A: 10, B: 11, C: 12, Alpha: 90, Beta: 90, Gamma: 90})
	want := Mat3{1.0 / 10, 0, 0, 0, 1.0 / 11, 0, 0, 0, 1.0 / 12}
	mat3Close(t, b, want, 1e-14)
}

// TestBMatrixRecoversDirectCell inverts the reciprocal basis of a triclinic
// cell and checks that the direct basis reproduces the input lengths and
// angles.
func TestBMatrixRecoversDirectCell(t *testing.T) {
	cell := UnitCell{A: 11.3, B: 15.9, C: 20.4, Alpha: 83.2, Beta: 95.5, Gamma: 102.8}
	b := BMatrix(cell)

	inv, err := b.Inverse()
	if err != nil {
		t.Fatalf("inverting B: %v", err)
	}
	// B's columns are the reciprocal basis, so the direct basis vectors are
	// the columns of the inverse transpose.
	direct := inv.Transpose()
	av, bv, cv := direct.Col(0), direct.Col(1), direct.Col(2)

	checkLength := func(name string, v r3.Vec, want float64) {
		if got := r3.Norm(v); math.Abs(got-want) > 1e-10 {
			t.Fatalf("%s: got %g, want %g", name, got, want)
		}
	}
	checkLength("a", av, cell.A)
	checkLength("b", bv, cell.B)
	checkLength("c", cv, cell.C)

	angle := func(u, v r3.Vec) float64 {
		return math.Acos(r3.Dot(u, v)/(r3.Norm(u)*r3.Norm(v))) * 180 / math.Pi
	}
	checkAngle := func(name string, got, want float64) {
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("%s: got %g, want %g", name, got, want)
		}
	}
	checkAngle("alpha", angle(bv, cv), cell.Alpha)
	checkAngle("beta", angle(av, cv), cell.Beta)
	checkAngle("gamma", angle(av, bv), cell.Gamma)
}

func TestBMatrixUpperTriangular(t *testing.T) {
	b := BMatrix(UnitCell{A: 9, B: 13, C: 17, Alpha: 80, Beta: 100, Gamma: 95})
	for _, i := range []int{3, 6, 7} {
		if b[i] != 0 {
			t.Fatalf("element %d = %g, want 0", i, b[i])
		}
	}
}

func TestCrystalUB(t *testing.T) {
	u := RotationMat3(0.25, r3.Vec{X: 0, Y: 1, Z: 1})
	cell := UnitCell{A: 10, B: 11, C: 12, Alpha: 90, Beta: 90, Gamma: 90}
	c := NewCrystalFromCell(u, cell)

	mat3Close(t, c.UB(), u.Mul(BMatrix(cell)), 1e-15)

	h := MillerToVec([3]int{2, -1, 3})
	got := c.UB().MulVec(h)
	want := u.MulVec(BMatrix(cell).MulVec(h))
	vecClose(t, got, want, 1e-15)
}
