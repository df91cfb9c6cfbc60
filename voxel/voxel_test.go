package voxel

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
)

func TestEncodeRoundTrip(t *testing.T) {
	const tol = 1. / 128
	rng := rand.New(rand.NewSource(1))
	check := func(d float32) {
		t.Helper()
		q := Encode(d)
		if q == 0 {
			t.Errorf("Encode(%v) returned zero", d)
		}
		got := Decode(q)
		if math32.Abs(got-d) > tol {
			t.Errorf("Decode(Encode(%v))=%v, error exceeds 1/128", d, got)
		}
		if d != 0 && math32.Signbit(got) != math32.Signbit(d) {
			t.Errorf("Decode(Encode(%v))=%v changed sign", d, got)
		}
	}
	for _, d := range []float32{1, 0.5, 1e-6, -1e-6, 0, -0.5, -0.999, -0.9999, 1. / 256, -1. / 256} {
		check(d)
	}
	for i := 0; i < 10000; i++ {
		// Uniform in (-1, 1].
		d := 1 - 2*rng.Float32()
		if d == -1 {
			continue
		}
		check(d)
	}
}

func TestEncodeZero(t *testing.T) {
	if got := Encode(0); got != -1 {
		t.Errorf("Encode(0)=%d, want -1", got)
	}
	if got := Encode(-1e-9); got != 1 {
		t.Errorf("Encode(-1e-9)=%d, want 1", got)
	}
	if got := Encode(1); got != -128 {
		t.Errorf("Encode(1)=%d, want -128", got)
	}
}

func TestClampColor(t *testing.T) {
	r, g, b := ClampColor(300, -20, 255)
	if r != 255 || g != -20 || b != 255 {
		t.Errorf("got (%d,%d,%d)", r, g, b)
	}
}

func TestFuseConvergence(t *testing.T) {
	const maxWeight = 16
	for _, obs := range []float32{0.3, -0.7, 1, -1, 0.01} {
		var v Voxel
		for i := 0; i < 3*maxWeight; i++ {
			v = Fuse(v, obs, maxWeight)
			if int(v.Weight) != min(i+1, maxWeight) {
				t.Fatalf("weight %d after %d observations", v.Weight, i+1)
			}
		}
		if math32.Abs(Decode(v.Dist)-obs) > 1./128 {
			t.Errorf("obs %v converged to %v", obs, Decode(v.Dist))
		}
	}
}

func TestFuseAverage(t *testing.T) {
	v := Fuse(Voxel{}, 0.5, 255)
	v = Fuse(v, -0.5, 255)
	if v.Weight != 2 {
		t.Fatal("bad weight", v.Weight)
	}
	if got := Decode(v.Dist); math32.Abs(got) > 1./128 {
		t.Errorf("average of 0.5 and -0.5 gave %v", got)
	}
}

func TestFuseColor(t *testing.T) {
	c := FuseColor(Color{}, 0, 200, 10, 400)
	if c != (Color{R: 200, G: 10, B: 255}) {
		t.Errorf("first observation: got %+v", c)
	}
	c = FuseColor(Color{R: 100, G: 100, B: 100}, 1, 200, 0, 100)
	if c != (Color{R: 150, G: 50, B: 100}) {
		t.Errorf("running average: got %+v", c)
	}
	// Observations far beyond int16 range still saturate at 255.
	for _, obs := range []float32{2000, 40000, 1e6, 1e30} {
		c = FuseColor(Color{R: 255, G: 0, B: 10}, 3, obs, obs, obs)
		if c.R != 255 || c.G != 255 || c.B != 255 {
			t.Errorf("observation %g: got %+v, want saturated", obs, c)
		}
	}
}
