// Package voxel implements the fixed-point TSDF voxel encoding and the
// weighted running average used to fuse new distance and color observations
// into stored voxels.
package voxel

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms1"
)

// Voxel is a single sample of a truncated signed distance field.
// Dist holds the quantized normalized distance (see [Encode]) and Weight the
// number of observations fused into it. A zero Weight means the voxel has
// never been observed and Dist carries no information.
type Voxel struct {
	Dist   int8
	Weight uint8
}

// Color is the unnormalized running color average stored alongside a [Voxel]
// in color volumes.
type Color struct {
	R, G, B int16
}

// decodeScale is the exact inverse of the encoding scale of -128.
const decodeScale = -1. / 128

// Encode quantizes a normalized signed distance d in (-1, 1] to 8 bits.
// Zero is never returned: a distance that rounds to zero is stored as the
// smallest quantum with the sign of d so that it is not mistaken for "no data".
// Positive distances map to negative integers.
func Encode(d float32) int8 {
	v := ms1.Clamp(math32.Round(d*-128), -128, 127)
	q := int8(v)
	if q == 0 {
		if d < 0 {
			return 1
		}
		return -1
	}
	return q
}

// Decode returns the normalized signed distance represented by v.
func Decode(v int8) float32 {
	return float32(v) * decodeScale
}

// ClampColor saturates channels above 255 down to 255. Values below zero are left untouched.
func ClampColor(r, g, b int16) (int16, int16, int16) {
	if r > 255 {
		r = 255
	}
	if g > 255 {
		g = 255
	}
	if b > 255 {
		b = 255
	}
	return r, g, b
}

// Fuse folds a normalized distance observation tsdf in [-1,1] into v using a
// weighted running average. The observation is quantized before averaging and
// counts as a single sample. The resulting weight saturates at maxWeight.
func Fuse(v Voxel, tsdf float32, maxWeight uint8) Voxel {
	w := float32(v.Weight)
	obs := Decode(Encode(tsdf))
	d := (Decode(v.Dist)*w + obs) / (w + 1)
	v.Dist = Encode(d)
	if v.Weight < maxWeight {
		v.Weight++
	} else {
		v.Weight = maxWeight
	}
	return v
}

// FuseColor folds a color observation into c using the previous weight of
// the voxel it belongs to. Must be called with the weight the voxel had
// before its distance was fused. Channels saturate at 255.
func FuseColor(c Color, weight uint8, r, g, b float32) Color {
	w := float32(weight)
	inv := 1 / (w + 1)
	c.R = colorChannel((float32(c.R)*w + r) * inv)
	c.G = colorChannel((float32(c.G)*w + g) * inv)
	c.B = colorChannel((float32(c.B)*w + b) * inv)
	c.R, c.G, c.B = ClampColor(c.R, c.G, c.B)
	return c
}

// colorChannel converts v to int16, saturating first so large observations
// cannot overflow.
func colorChannel(v float32) int16 {
	return int16(ms1.Clamp(v, math.MinInt16, 255))
}
