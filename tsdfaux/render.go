package tsdfaux

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	log "github.com/sirupsen/logrus"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf/rgbd"
	"golang.org/x/sync/errgroup"
)

// DepthCamera renders synthetic depth images of an [SDF3] by sphere tracing.
type DepthCamera struct {
	Intrinsics    rgbd.Intrinsics
	Width, Height int
	// MaxDepth is the farthest depth reported. Farther surfaces are reported as holes.
	MaxDepth float32
	// Tolerance is the distance to the surface at which a ray is considered a hit.
	// Zero selects 1e-4.
	Tolerance float32
	// MaxIterations bounds the sphere tracing steps per ray. Zero selects 256.
	MaxIterations int
	// Workers is the maximum number of rows rendered in parallel. Zero means one.
	Workers int
}

func (dc *DepthCamera) validate() error {
	if dc.Width <= 1 || dc.Height <= 1 {
		return fmt.Errorf("invalid depth camera size %dx%d", dc.Width, dc.Height)
	} else if !(dc.MaxDepth > 0) {
		return errors.New("depth camera max depth must be positive")
	}
	return dc.Intrinsics.Validate()
}

// Render returns the depth image of s seen from a camera at pose. Pixels
// whose ray misses the surface are set to zero.
func (dc *DepthCamera) Render(s SDF3, pose ms3.Mat4) (*rgbd.DepthImage, error) {
	if err := dc.validate(); err != nil {
		return nil, err
	} else if s == nil {
		return nil, errors.New("nil SDF3")
	}
	tol := dc.Tolerance
	if tol == 0 {
		tol = 1e-4
	}
	maxIter := dc.MaxIterations
	if maxIter == 0 {
		maxIter = 256
	}
	img := rgbd.NewDepthImage(dc.Width, dc.Height)
	origin := pose.MulPosition(ms3.Vec{})
	var g errgroup.Group
	g.SetLimit(max(1, dc.Workers))
	for j := 0; j < dc.Height; j++ {
		g.Go(func() error {
			return dc.renderRow(s, img, j, origin, pose, tol, maxIter)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return img, nil
}

// renderRow sphere traces all rays of row j as a single batch, evaluating
// the SDF once per iteration for every ray still marching.
func (dc *DepthCamera) renderRow(s SDF3, img *rgbd.DepthImage, j int, origin ms3.Vec, pose ms3.Mat4, tol float32, maxIter int) error {
	w := dc.Width
	dirs := make([]ms3.Vec, w)
	tmax := make([]float32, w)
	t := make([]float32, w)
	active := make([]int, w) // Pixel indices of marching rays.
	pos := make([]ms3.Vec, w)
	dist := make([]float32, w)
	for i := range dirs {
		dirCam := dc.Intrinsics.Unproject(ms2.Vec{X: float32(i), Y: float32(j)}, 1)
		dirs[i] = ms3.Unit(ms3.Sub(pose.MulPosition(dirCam), origin))
		tmax[i] = dc.MaxDepth * ms3.Norm(dirCam)
		active[i] = i
	}
	for iter := 0; iter < maxIter && len(active) > 0; iter++ {
		n := len(active)
		for k, i := range active {
			pos[k] = ms3.Add(origin, ms3.Scale(t[i], dirs[i]))
		}
		if err := s.Evaluate(pos[:n], dist[:n], nil); err != nil {
			return err
		}
		next := active[:0]
		for k, i := range active {
			d := dist[k]
			switch {
			case math32.Abs(d) < tol:
				// Depth along the optical axis, not along the ray.
				img.Set(i, j, t[i]*dc.MaxDepth/tmax[i])
			case t[i]+d > tmax[i] || d < 0:
				// Miss, or ray started inside the shape.
			default:
				t[i] += d
				next = append(next, i)
			}
		}
		active = next
	}
	if len(active) > 0 {
		log.Debugf("tsdfaux: %d rays of row %d did not converge", len(active), j)
	}
	return nil
}
