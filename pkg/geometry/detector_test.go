package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func testPanel() *Panel {
	// tilted frame to keep the projection non-trivial
	fast := r3.Vec{X: 1, Z: 0.05}
	slow := r3.Vec{Y: 1, Z: -0.02}
	origin := r3.Vec{X: -80, Y: -85, Z: 140}
	return NewPanel("p0", fast, slow, origin, [2]float64{0.1, 0.1}, [2]int{1700, 1800})
}

func TestDMatrixInvertsDTimes(t *testing.T) {
	p := testPanel()
	d, err := p.DMatrix()
	if err != nil {
		t.Fatalf("D matrix: %v", err)
	}
	mat3Close(t, d.Mul(p.DTimesMatrix()), Identity3(), 1e-12)
}

func TestIntersectRoundTrip(t *testing.T) {
	p := testPanel()
	const wantX, wantY = 42.5, 131.25

	lab := r3.Add(p.Origin(), r3.Add(
		r3.Scale(wantX, p.FastAxis()), r3.Scale(wantY, p.SlowAxis())))
	// any positive scaling of the ray hits the same point
	s1 := r3.Scale(0.37, lab)

	x, y, err := p.Intersect(s1)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if math.Abs(x-wantX) > 1e-10 || math.Abs(y-wantY) > 1e-10 {
		t.Fatalf("got (%g, %g), want (%g, %g)", x, y, wantX, wantY)
	}
	if !p.InsideMM(x, y) {
		t.Fatalf("point (%g, %g) reported outside panel", x, y)
	}
}

func TestIntersectFromBehind(t *testing.T) {
	p := testPanel()
	if _, _, err := p.Intersect(r3.Vec{Z: -1}); err == nil {
		t.Fatal("expected error for ray away from the panel")
	}
}

func TestInsideMMBounds(t *testing.T) {
	p := testPanel()
	size := p.SizeMM()
	if size[0] != 170 || size[1] != 180 {
		t.Fatalf("panel size %v, want [170 180]", size)
	}
	cases := []struct {
		x, y float64
		want bool
	}{
		{0, 0, true},
		{170, 180, true},
		{85, 90, true},
		{-0.1, 90, false},
		{85, 180.1, false},
	}
	for _, c := range cases {
		if got := p.InsideMM(c.x, c.y); got != c.want {
			t.Fatalf("InsideMM(%g, %g) = %v, want %v", c.x, c.y, got, c.want)
		}
	}
}

func TestPanelAxesNormalised(t *testing.T) {
	p := NewPanel("", r3.Vec{X: 3}, r3.Vec{Y: 0.5}, r3.Vec{}, [2]float64{0.1, 0.1}, [2]int{10, 10})
	if n := r3.Norm(p.FastAxis()); math.Abs(n-1) > 1e-15 {
		t.Fatalf("fast axis norm %g", n)
	}
	if n := r3.Norm(p.SlowAxis()); math.Abs(n-1) > 1e-15 {
		t.Fatalf("slow axis norm %g", n)
	}
}

func TestDetectorPanelOrder(t *testing.T) {
	a := testPanel()
	b := NewPanel("p1", r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 100}, [2]float64{0.2, 0.2}, [2]int{100, 100})
	d := NewDetector(a, b)
	if d.NumPanels() != 2 {
		t.Fatalf("NumPanels = %d", d.NumPanels())
	}
	if d.Panel(0) != a || d.Panel(1) != b {
		t.Fatal("panel order not preserved")
	}
}
