package rgbd

import (
	"fmt"

	"github.com/soypat/geometry/ms2"
)

// SamplePolicy selects how [SampleBilinear] treats invalid corner samples.
type SamplePolicy string

const (
	// Strict rejects a bilinear sample if any of its four corners is invalid.
	Strict SamplePolicy = "strict"
	// FillHoles reconstructs up to three invalid corners from the valid ones
	// before blending.
	FillHoles SamplePolicy = "fill_holes"
)

// Validate returns an error for unknown policies. The empty policy is valid and means [Strict].
func (p SamplePolicy) Validate() error {
	switch p {
	case "", Strict, FillHoles:
		return nil
	}
	return fmt.Errorf("unknown sample policy %q", p)
}

// SampleBilinear samples the depth image at pixel coordinates pt using bilinear
// interpolation of the four enclosing pixels. It returns false when pt lies
// within one pixel of the image border, when it is NaN, or when the corners
// are too sparse to produce a value under the given policy.
func SampleBilinear(d *DepthImage, pt ms2.Vec, policy SamplePolicy) (float32, bool) {
	if !(pt.X >= 0 && pt.X < float32(d.Width-1) && pt.Y >= 0 && pt.Y < float32(d.Height-1)) {
		return 0, false
	}
	xi := int(pt.X) // pt is positive so truncation is floor.
	yi := int(pt.Y)
	row0 := d.Data[yi*d.Width:]
	row1 := d.Data[(yi+1)*d.Width:]
	v00, v01 := row0[xi], row0[xi+1]
	v10, v11 := row1[xi], row1[xi+1]

	b00 := IsValidDepth(v00)
	b01 := IsValidDepth(v01)
	b10 := IsValidDepth(v10)
	b11 := IsValidDepth(v11)
	if policy != FillHoles {
		if !(b00 && b01 && b10 && b11) {
			return 0, false
		}
		return blend(v00, v01, v10, v11, pt.X-float32(xi), pt.Y-float32(yi)), true
	}

	nz := btoi(b00) + btoi(b01) + btoi(b10) + btoi(b11)
	switch nz {
	case 0:
		return 0, false
	case 1:
		switch {
		case b00:
			return v00, true
		case b01:
			return v01, true
		case b10:
			return v10, true
		default:
			return v11, true
		}
	case 2:
		switch {
		case b00 && b10: // Left column valid.
			v01, v11 = v00, v10
		case b01 && b11: // Right column valid.
			v00, v10 = v01, v11
		case b00 && b01: // Top row valid.
			v10, v11 = v00, v01
		case b10 && b11: // Bottom row valid.
			v00, v01 = v10, v11
		case b00 && b11: // Diagonal.
			avg := (v00 + v11) * 0.5
			v01, v10 = avg, avg
		default: // Anti-diagonal.
			avg := (v01 + v10) * 0.5
			v00, v11 = avg, avg
		}
	case 3:
		// Assume the four corners are coplanar.
		switch {
		case !b00:
			v00 = v10 + v01 - v11
		case !b01:
			v01 = v00 + v11 - v10
		case !b10:
			v10 = v00 + v11 - v01
		default:
			v11 = v01 + v10 - v00
		}
	}
	return blend(v00, v01, v10, v11, pt.X-float32(xi), pt.Y-float32(yi)), true
}

// blend interpolates corners v00 (top-left), v01 (top-right), v10 (bottom-left)
// and v11 (bottom-right) at fractional offsets (tx,ty).
func blend(v00, v01, v10, v11, tx, ty float32) float32 {
	v0 := v00 + tx*(v01-v00)
	v1 := v10 + tx*(v11-v10)
	return v0 + ty*(v1-v0)
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
