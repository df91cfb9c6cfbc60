// Package rgbd defines the sensor-side inputs of volumetric fusion: pinhole
// camera intrinsics, depth images and aligned color images, plus bilinear
// depth sampling at fractional pixel coordinates.
//
// Pixel centers lie at integer coordinates: pixel (i,j) covers the point
// (i,j) in image space and projection of a camera space point returns
// coordinates in the same convention.
package rgbd

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
)

// Intrinsics are the parameters of a pinhole camera without distortion.
// Camera space has X pointing right, Y down and Z forward.
type Intrinsics struct {
	// Focal lengths in pixels.
	Fx float32 `toml:"fx"`
	Fy float32 `toml:"fy"`
	// Principal point in pixels.
	Cx float32 `toml:"cx"`
	Cy float32 `toml:"cy"`
}

// Validate returns an error if the focal lengths are not positive finite numbers.
func (in Intrinsics) Validate() error {
	if !(in.Fx > 0) || !(in.Fy > 0) || math32.IsInf(in.Fx, 0) || math32.IsInf(in.Fy, 0) {
		return fmt.Errorf("invalid focal lengths (%g,%g)", in.Fx, in.Fy)
	}
	if math32.IsNaN(in.Cx) || math32.IsNaN(in.Cy) {
		return errors.New("NaN principal point")
	}
	return nil
}

// Project returns the pixel coordinates of camera space point p. p.Z must be positive.
func (in Intrinsics) Project(p ms3.Vec) ms2.Vec {
	invz := 1 / p.Z
	return ms2.Vec{
		X: in.Fx*p.X*invz + in.Cx,
		Y: in.Fy*p.Y*invz + in.Cy,
	}
}

// Unproject returns the camera space point at depth z (distance along the
// optical axis, not along the ray) seen at pixel px.
func (in Intrinsics) Unproject(px ms2.Vec, z float32) ms3.Vec {
	return ms3.Vec{
		X: z * (px.X - in.Cx) / in.Fx,
		Y: z * (px.Y - in.Cy) / in.Fy,
		Z: z,
	}
}

// PixNorm returns the length of the ray through px scaled to unit depth,
// that is the ratio between distance along the ray and depth.
func (in Intrinsics) PixNorm(px ms2.Vec) float32 {
	x := (px.X - in.Cx) / in.Fx
	y := (px.Y - in.Cy) / in.Fy
	return math32.Sqrt(x*x + y*y + 1)
}

// PixNorms returns a row-major table of [Intrinsics.PixNorm] for every pixel
// center of a width×height image.
func PixNorms(in Intrinsics, width, height int) []float32 {
	norms := make([]float32, width*height)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			norms[j*width+i] = in.PixNorm(ms2.Vec{X: float32(i), Y: float32(j)})
		}
	}
	return norms
}

// DepthImage is a dense row-major grid of depth samples. Samples that are
// non-finite or not positive denote holes in the sensor data.
type DepthImage struct {
	Width, Height int
	Data          []float32
}

// NewDepthImage returns a zero (all invalid) depth image.
func NewDepthImage(width, height int) *DepthImage {
	return &DepthImage{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height),
	}
}

// At returns the sample at pixel (x,y).
func (d *DepthImage) At(x, y int) float32 {
	return d.Data[y*d.Width+x]
}

// Set sets the sample at pixel (x,y).
func (d *DepthImage) Set(x, y int, v float32) {
	d.Data[y*d.Width+x] = v
}

// Fill sets all samples to v.
func (d *DepthImage) Fill(v float32) {
	for i := range d.Data {
		d.Data[i] = v
	}
}

// Validate checks the image dimensions match its data.
func (d *DepthImage) Validate() error {
	if d == nil {
		return errors.New("nil depth image")
	}
	return validateDims(d.Width, d.Height, len(d.Data))
}

// IsValidDepth reports whether v is a usable depth sample.
func IsValidDepth(v float32) bool {
	return v > 0 && !math32.IsInf(v, 1)
}

// ColorImage is a dense row-major RGB image aligned with a depth image.
// Channels are expected in the range [0, 255].
type ColorImage struct {
	Width, Height int
	Data          []ms3.Vec // X=R, Y=G, Z=B.
}

// NewColorImage returns a black color image.
func NewColorImage(width, height int) *ColorImage {
	return &ColorImage{
		Width:  width,
		Height: height,
		Data:   make([]ms3.Vec, width*height),
	}
}

// At returns the color at pixel (x,y).
func (c *ColorImage) At(x, y int) ms3.Vec {
	return c.Data[y*c.Width+x]
}

// Set sets the color at pixel (x,y).
func (c *ColorImage) Set(x, y int, rgb ms3.Vec) {
	c.Data[y*c.Width+x] = rgb
}

// Validate checks the image dimensions match its data.
func (c *ColorImage) Validate() error {
	if c == nil {
		return errors.New("nil color image")
	}
	return validateDims(c.Width, c.Height, len(c.Data))
}

// Nearest returns the color of the pixel closest to px and false if px
// lies outside the image.
func (c *ColorImage) Nearest(px ms2.Vec) (ms3.Vec, bool) {
	x := int(math32.Round(px.X))
	y := int(math32.Round(px.Y))
	if !(px.X >= -0.5 && px.Y >= -0.5) || x < 0 || y < 0 || x >= c.Width || y >= c.Height {
		return ms3.Vec{}, false
	}
	return c.At(x, y), true
}

func validateDims(w, h, n int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", w, h)
	} else if w*h != n {
		return fmt.Errorf("image data length %d does not match %dx%d", n, w, h)
	}
	return nil
}
