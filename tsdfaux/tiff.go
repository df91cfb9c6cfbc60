package tsdfaux

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/glgl/math/ms1"
	"github.com/soypat/tsdf/rgbd"
	"golang.org/x/image/tiff"
)

var tiffOptions = &tiff.Options{Compression: tiff.Deflate}

// WriteDepthTIFF writes d as a 16 bit grayscale TIFF where each sample is the
// depth multiplied by scale, i.e. scale=1000 stores millimeters for a depth
// in meters. Holes and depths that overflow 16 bits are written as zero.
func WriteDepthTIFF(w io.Writer, d *rgbd.DepthImage, scale float32) error {
	if err := d.Validate(); err != nil {
		return err
	} else if !(scale > 0) {
		return errors.New("depth scale must be positive")
	}
	img := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for j := 0; j < d.Height; j++ {
		for i := 0; i < d.Width; i++ {
			v := d.At(i, j)
			var raw uint16
			if rgbd.IsValidDepth(v) {
				s := math32.Round(v * scale)
				if s <= math.MaxUint16 {
					raw = uint16(s)
				}
			}
			img.SetGray16(i, j, color.Gray16{Y: raw})
		}
	}
	return tiff.Encode(w, img, tiffOptions)
}

// ReadDepthTIFF reads a grayscale TIFF written by [WriteDepthTIFF] or a depth
// sensor and divides each sample by scale.
func ReadDepthTIFF(r io.Reader, scale float32) (*rgbd.DepthImage, error) {
	if !(scale > 0) {
		return nil, errors.New("depth scale must be positive")
	}
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	bb := img.Bounds()
	d := rgbd.NewDepthImage(bb.Dx(), bb.Dy())
	inv := 1 / scale
	switch gray := img.(type) {
	case *image.Gray16:
		for j := 0; j < d.Height; j++ {
			for i := 0; i < d.Width; i++ {
				d.Set(i, j, float32(gray.Gray16At(i+bb.Min.X, j+bb.Min.Y).Y)*inv)
			}
		}
	case *image.Gray:
		for j := 0; j < d.Height; j++ {
			for i := 0; i < d.Width; i++ {
				d.Set(i, j, float32(gray.GrayAt(i+bb.Min.X, j+bb.Min.Y).Y)*inv)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported depth image type %T", img)
	}
	return d, nil
}

// WriteNormalsTIFF writes a width×height row-major normal map as an RGBA
// TIFF mapping each component from [-1,1] to [0,255]. Non-finite normals are
// written fully transparent.
func WriteNormalsTIFF(w io.Writer, normals []ms3.Vec, width, height int) error {
	img, err := newNRGBA(len(normals), width, height)
	if err != nil {
		return err
	}
	for k, n := range normals {
		if !finiteVec(n) {
			continue
		}
		img.SetNRGBA(k%width, k/width, color.NRGBA{
			R: unitToByte(n.X),
			G: unitToByte(n.Y),
			B: unitToByte(n.Z),
			A: 255,
		})
	}
	return tiff.Encode(w, img, tiffOptions)
}

// WriteShadedTIFF writes a grayscale rendering of a normal map lit by a
// directional light shining along lightDir, as seen by a viewer looking along it.
func WriteShadedTIFF(w io.Writer, normals []ms3.Vec, width, height int, lightDir ms3.Vec) error {
	img, err := newNRGBA(len(normals), width, height)
	if err != nil {
		return err
	}
	l := ms3.Scale(-1, ms3.Unit(lightDir))
	for k, n := range normals {
		if !finiteVec(n) {
			continue
		}
		lambert := ms1.Clamp(ms3.Dot(n, l), 0, 1)
		// Soften the terminator.
		shade := 0.15 + 0.85*ms1.SmoothStep(0, 1, lambert)
		c := uint8(shade * 255)
		img.SetNRGBA(k%width, k/width, color.NRGBA{R: c, G: c, B: c, A: 255})
	}
	return tiff.Encode(w, img, tiffOptions)
}

func newNRGBA(n, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || n != width*height {
		return nil, fmt.Errorf("normal map length %d does not match %dx%d", n, width, height)
	}
	return image.NewNRGBA(image.Rect(0, 0, width, height)), nil
}

func unitToByte(f float32) uint8 {
	return uint8(math32.Round(255 * 0.5 * (ms1.Clamp(f, -1, 1) + 1)))
}

func finiteVec(v ms3.Vec) bool {
	return !math32.IsNaN(v.X) && !math32.IsNaN(v.Y) && !math32.IsNaN(v.Z) &&
		!math32.IsInf(v.X, 0) && !math32.IsInf(v.Y, 0) && !math32.IsInf(v.Z, 0)
}
