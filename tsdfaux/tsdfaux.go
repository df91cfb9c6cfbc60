// Package tsdfaux contains collaborators of package tsdf which are useful for
// testing and demonstrating volumetric fusion without a physical sensor:
// analytic scenes, a synthetic depth camera, image export and volume snapshots.
package tsdfaux

import (
	"errors"
	"fmt"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf"
)

// SDF3 is a 3D signed distance field evaluated in batches. The method set
// matches the batch evaluators of github.com/soypat/gsdf/gleval so those
// shapes can be used as scenes directly.
type SDF3 interface {
	// Evaluate stores the signed distance of each of pos in dist.
	// pos and dist must be of the same length.
	Evaluate(pos []ms3.Vec, dist []float32, userData any) error
	// Bounds returns a box containing the whole shape.
	Bounds() ms3.Box
}

type sdfxSDF3 struct {
	s sdf.SDF3
}

// FromSDFX adapts an sdfx shape to [SDF3].
func FromSDFX(s sdf.SDF3) SDF3 {
	return sdfxSDF3{s: s}
}

func (s sdfxSDF3) Evaluate(pos []ms3.Vec, dist []float32, userData any) error {
	if len(pos) != len(dist) {
		return fmt.Errorf("%w: %d positions and %d distances", tsdf.ErrBufferLength, len(pos), len(dist))
	}
	for i, p := range pos {
		dist[i] = float32(s.s.Evaluate(v3.Vec{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}))
	}
	return nil
}

func (s sdfxSDF3) Bounds() ms3.Box {
	bb := s.s.BoundingBox()
	return ms3.Box{
		Min: ms3.Vec{X: float32(bb.Min.X), Y: float32(bb.Min.Y), Z: float32(bb.Min.Z)},
		Max: ms3.Vec{X: float32(bb.Max.X), Y: float32(bb.Max.Y), Z: float32(bb.Max.Z)},
	}
}

// Shape describes a primitive of an analytic scene.
type Shape struct {
	// Kind is "sphere" or "box".
	Kind   string     `toml:"kind"`
	Center [3]float32 `toml:"center"`
	// Radius of a sphere.
	Radius float32 `toml:"radius"`
	// Size is the side lengths of a box.
	Size [3]float32 `toml:"size"`
	// Round is the edge rounding radius of a box.
	Round float32 `toml:"round"`
}

// SDFX returns the sdfx shape described by sh.
func (sh Shape) SDFX() (sdf.SDF3, error) {
	var s sdf.SDF3
	var err error
	switch sh.Kind {
	case "sphere":
		s, err = sdf.Sphere3D(float64(sh.Radius))
	case "box":
		s, err = sdf.Box3D(v3.Vec{X: float64(sh.Size[0]), Y: float64(sh.Size[1]), Z: float64(sh.Size[2])}, float64(sh.Round))
	default:
		return nil, fmt.Errorf("unknown shape kind %q", sh.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sh.Kind, err)
	}
	if sh.Center != [3]float32{} {
		m := sdf.Translate3d(v3.Vec{X: float64(sh.Center[0]), Y: float64(sh.Center[1]), Z: float64(sh.Center[2])})
		s = sdf.Transform3D(s, m)
	}
	return s, nil
}

// NewScene returns the union of shapes.
func NewScene(shapes ...Shape) (SDF3, error) {
	if len(shapes) == 0 {
		return nil, errors.New("empty scene")
	}
	parts := make([]sdf.SDF3, len(shapes))
	for i, sh := range shapes {
		s, err := sh.SDFX()
		if err != nil {
			return nil, fmt.Errorf("shape %d: %w", i, err)
		}
		parts[i] = s
	}
	if len(parts) == 1 {
		return FromSDFX(parts[0]), nil
	}
	return FromSDFX(sdf.Union3D(parts...)), nil
}
