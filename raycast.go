package tsdf

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/voxel"
	"golang.org/x/sync/errgroup"
)

var nanVec = ms3.Vec{X: math32.NaN(), Y: math32.NaN(), Z: math32.NaN()}

// Raycast renders the surface seen from a camera at pose into width×height
// row-major points and normals buffers. Pixels whose ray does not hit a front
// facing surface within MaxDepth get NaN point and normal. Normals of hits
// whose neighborhood is not fully observed are NaN.
//
// Raycast only reads the volume and may run concurrently with other Raycast,
// FetchNormals and Voxel calls.
func (v *Volume) Raycast(pose ms3.Mat4, in rgbd.Intrinsics, width, height int, points, normals []ms3.Vec) error {
	n := width * height
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid raycast size %dx%d", width, height)
	} else if len(points) != n || len(normals) != n {
		return fmt.Errorf("%w: raycast %dx%d got %d points and %d normals", ErrBufferLength, width, height, len(points), len(normals))
	} else if err := in.Validate(); err != nil {
		return err
	}
	step := v.s.RaycastStepFactor * v.s.TruncDist
	origin := pose.MulPosition(ms3.Vec{})
	var g errgroup.Group
	g.SetLimit(v.s.Workers)
	for j := 0; j < height; j++ {
		g.Go(func() error {
			for i := 0; i < width; i++ {
				dirCam := in.Unproject(ms2.Vec{X: float32(i), Y: float32(j)}, 1)
				dir := ms3.Unit(ms3.Sub(pose.MulPosition(dirCam), origin))
				tmax := v.s.MaxDepth * ms3.Norm(dirCam)
				p, ok := v.march(origin, dir, step, tmax)
				k := j*width + i
				if !ok {
					points[k], normals[k] = nanVec, nanVec
					continue
				}
				points[k] = p
				normals[k] = v.normalAt(p)
			}
			return nil
		})
	}
	return g.Wait()
}

// march steps along the ray origin+t*dir for t in [0,tmax] and returns the
// first front facing zero crossing refined by a single secant step.
func (v *Volume) march(origin, dir ms3.Vec, step, tmax float32) (ms3.Vec, bool) {
	maxSteps := v.s.MaxRaycastSteps
	if maxSteps == 0 {
		maxSteps = int(math32.Ceil(tmax/step)) + 1
	}
	var prev, tprev float32
	havePrev := false
	for k := 0; k < maxSteps; k++ {
		t := float32(k) * step
		if t > tmax {
			break
		}
		d, ok := v.sample(ms3.Add(origin, ms3.Scale(t, dir)))
		if !ok {
			// Empty space breaks the crossing.
			havePrev = false
			continue
		}
		if havePrev && prev > 0 && d <= 0 {
			tstar := tprev + step*prev/(prev-d)
			return ms3.Add(origin, ms3.Scale(tstar, dir)), true
		}
		// Back facing crossings fall through and marching continues.
		prev, tprev, havePrev = d, t, true
	}
	return ms3.Vec{}, false
}

// sample returns the normalized distance at p and false if p lies in unobserved space.
func (v *Volume) sample(p ms3.Vec) (float32, bool) {
	if !v.s.RaycastTrilinear {
		return v.distAt(v.voxelCoord(p))
	}
	return v.trilinear(p)
}

// trilinear interpolates the 8 voxels surrounding p. All must be observed.
func (v *Volume) trilinear(p ms3.Vec) (float32, bool) {
	inv := 1 / v.s.VoxelSize
	q := ms3.Scale(inv, p)
	fx, fy, fz := math32.Floor(q.X), math32.Floor(q.Y), math32.Floor(q.Z)
	tx, ty, tz := q.X-fx, q.Y-fy, q.Z-fz
	g0 := [3]int32{int32(fx), int32(fy), int32(fz)}
	var c [8]float32
	for k := range c {
		g := [3]int32{g0[0] + int32(k&1), g0[1] + int32(k>>1&1), g0[2] + int32(k>>2&1)}
		d, ok := v.distAt(g)
		if !ok {
			return 0, false
		}
		c[k] = d
	}
	x00 := c[0] + tx*(c[1]-c[0])
	x10 := c[2] + tx*(c[3]-c[2])
	x01 := c[4] + tx*(c[5]-c[4])
	x11 := c[6] + tx*(c[7]-c[6])
	y0 := x00 + ty*(x10-x00)
	y1 := x01 + ty*(x11-x01)
	return y0 + tz*(y1-y0), true
}

// normalAt returns the unit gradient of the distance field at the voxel
// nearest to p using central differences. It returns NaN when a neighbor is
// not observed or the gradient vanishes.
func (v *Volume) normalAt(p ms3.Vec) ms3.Vec {
	g := v.voxelCoord(p)
	var grad [3]float32
	for axis := 0; axis < 3; axis++ {
		gp, gm := g, g
		gp[axis]++
		gm[axis]--
		dp, ok1 := v.distAt(gp)
		dm, ok2 := v.distAt(gm)
		if !ok1 || !ok2 {
			return nanVec
		}
		grad[axis] = dp - dm
	}
	n := ms3.Vec{X: grad[0], Y: grad[1], Z: grad[2]}
	norm := ms3.Norm(n)
	if norm == 0 {
		return nanVec
	}
	return ms3.Scale(1/norm, n)
}

// FetchNormals computes the surface normal at each of points by central
// differences over the nearest voxels. NaN points yield NaN normals.
// FetchNormals only reads the volume.
func (v *Volume) FetchNormals(points, normals []ms3.Vec) error {
	if len(points) != len(normals) {
		return fmt.Errorf("%w: %d points and %d normals", ErrBufferLength, len(points), len(normals))
	}
	for i, p := range points {
		if math32.IsNaN(p.X) || math32.IsNaN(p.Y) || math32.IsNaN(p.Z) {
			normals[i] = nanVec
			continue
		}
		normals[i] = v.normalAt(p)
	}
	return nil
}

// FetchPointsNormals appends to points and normals every zero crossing
// found between an observed voxel and its observed +X, +Y and +Z neighbors,
// located by linear interpolation. Crossings with an undefined normal are
// omitted. The output order is deterministic for a given volume.
func (v *Volume) FetchPointsNormals(points, normals []ms3.Vec) ([]ms3.Vec, []ms3.Vec) {
	s := &v.s
	res := s.Resolution
	for row := range v.meta {
		c := v.meta[row].coord
		base := row * v.blockLen
		for x := 0; x < res[0]; x++ {
			for y := 0; y < res[1]; y++ {
				for z := 0; z < res[2]; z++ {
					vox := v.voxels[base+s.LocalIndex(x, y, z)]
					if vox.Weight == 0 {
						continue
					}
					d0 := voxel.Decode(vox.Dist)
					g := [3]int32{c.X*int32(res[0]) + int32(x), c.Y*int32(res[1]) + int32(y), c.Z*int32(res[2]) + int32(z)}
					p0 := ms3.Vec{X: float32(g[0]) * s.VoxelSize, Y: float32(g[1]) * s.VoxelSize, Z: float32(g[2]) * s.VoxelSize}
					for axis := 0; axis < 3; axis++ {
						gn := g
						gn[axis]++
						d1, ok := v.distAt(gn)
						if !ok || (d0 > 0) == (d1 > 0) {
							continue
						}
						var off ms3.Vec
						frac := d0 / (d0 - d1) * s.VoxelSize
						switch axis {
						case 0:
							off.X = frac
						case 1:
							off.Y = frac
						case 2:
							off.Z = frac
						}
						p := ms3.Add(p0, off)
						n := v.normalAt(p)
						if math32.IsNaN(n.X) {
							continue
						}
						points = append(points, p)
						normals = append(normals, n)
					}
				}
			}
		}
	}
	return points, normals
}
