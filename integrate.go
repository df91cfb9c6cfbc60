package tsdf

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	log "github.com/sirupsen/logrus"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/voxel"
	"golang.org/x/sync/errgroup"
)

// pixNormCache holds the pixel norm table of the last intrinsics and image size seen.
type pixNormCache struct {
	in    rgbd.Intrinsics
	w, h  int
	norms []float32
}

func (pc *pixNormCache) get(in rgbd.Intrinsics, w, h int) []float32 {
	if pc.norms == nil || pc.in != in || pc.w != w || pc.h != h {
		pc.in, pc.w, pc.h = in, w, h
		pc.norms = rgbd.PixNorms(in, w, h)
	}
	return pc.norms
}

// Allocate inserts into the index every block within the truncation band of
// the surface observed by depth from a camera at pose. Depth samples beyond
// MaxDepth are ignored. It returns the number of newly allocated blocks.
func (v *Volume) Allocate(pose ms3.Mat4, depth *rgbd.DepthImage, in rgbd.Intrinsics) (int, error) {
	if err := depth.Validate(); err != nil {
		return 0, err
	} else if err = in.Validate(); err != nil {
		return 0, err
	}
	norms := v.normCache.get(in, depth.Width, depth.Height)
	trunc := v.s.TruncDist
	bx, by, bz := v.s.BlockSize()
	halfBlock := 0.5 * math32.Min(bx, math32.Min(by, bz))
	stride := v.s.AllocStride
	before := len(v.meta)
	for j := 0; j < depth.Height; j += stride {
		for i := 0; i < depth.Width; i += stride {
			d := depth.At(i, j)
			if !rgbd.IsValidDepth(d) {
				continue
			}
			d /= v.s.DepthFactor
			if d > v.s.MaxDepth {
				continue
			}
			px := ms2.Vec{X: float32(i), Y: float32(j)}
			pn := norms[j*depth.Width+i]
			// Band and step are measured along the ray and converted to depth.
			zmin := math32.Max(d-trunc/pn, 0)
			zmax := d + trunc/pn
			step := halfBlock / pn
			for z := zmin; ; z += step {
				z = math32.Min(z, zmax)
				p := pose.MulPosition(in.Unproject(px, z))
				v.allocBlock(v.blockOf(p))
				if z >= zmax {
					break
				}
			}
		}
	}
	allocated := len(v.meta) - before
	if allocated > 0 {
		log.Debugf("tsdf: allocated %d blocks, %d resident", allocated, len(v.meta))
	}
	return allocated, nil
}

// Integrate fuses a depth image observed from a camera at pose into the
// volume. New blocks are allocated first, then every resident block is
// updated in parallel. color may be nil; it must match the depth image size
// and is only fused into volumes created with color enabled.
func (v *Volume) Integrate(pose ms3.Mat4, depth *rgbd.DepthImage, color *rgbd.ColorImage, in rgbd.Intrinsics) error {
	if err := depth.Validate(); err != nil {
		return err
	}
	if color != nil {
		if !v.s.Color {
			return errors.New("color image given to volume without color storage")
		} else if err := color.Validate(); err != nil {
			return err
		} else if color.Width != depth.Width || color.Height != depth.Height {
			return fmt.Errorf("color image %dx%d does not match depth image %dx%d", color.Width, color.Height, depth.Width, depth.Height)
		}
	}
	if _, err := v.Allocate(pose, depth, in); err != nil {
		return err
	}
	v.frames++
	job := integrateJob{
		v:      v,
		invPos: pose.Inverse(),
		depth:  depth,
		color:  color,
		in:     in,
		norms:  v.normCache.get(in, depth.Width, depth.Height),
		frame:  v.frames,
	}
	rows := len(v.meta)
	workers := v.s.Workers
	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		g.Go(func() error {
			for row := start; row < end; row++ {
				job.integrateBlock(row)
			}
			return nil
		})
	}
	return g.Wait()
}

type integrateJob struct {
	v      *Volume
	invPos ms3.Mat4
	depth  *rgbd.DepthImage
	color  *rgbd.ColorImage
	in     rgbd.Intrinsics
	norms  []float32
	frame  int
}

// integrateBlock fuses the current frame into the voxels of a single block.
// Each row is written by exactly one goroutine.
func (job *integrateJob) integrateBlock(row int) {
	v := job.v
	s := &v.s
	meta := &v.meta[row]
	c := meta.coord
	res := s.Resolution
	base := row * v.blockLen
	vox := v.voxels[base : base+v.blockLen]
	var colors []voxel.Color
	if job.color != nil {
		colors = v.colors[base : base+v.blockLen]
	}
	invTrunc := 1 / s.TruncDist
	maxWeight := uint8(s.MaxWeight)
	w := job.depth.Width
	updated := false
	for x := 0; x < res[0]; x++ {
		gx := float32(int(c.X)*res[0]+x) * s.VoxelSize
		for y := 0; y < res[1]; y++ {
			gy := float32(int(c.Y)*res[1]+y) * s.VoxelSize
			for z := 0; z < res[2]; z++ {
				gz := float32(int(c.Z)*res[2]+z) * s.VoxelSize
				pc := job.invPos.MulPosition(ms3.Vec{X: gx, Y: gy, Z: gz})
				if pc.Z <= 0 {
					continue // Behind camera.
				}
				px := job.in.Project(pc)
				d, ok := rgbd.SampleBilinear(job.depth, px, s.SamplePolicy)
				if !ok {
					continue
				}
				d /= s.DepthFactor
				// Sampling succeeded so px is within the image and truncation is floor.
				pn := job.norms[int(px.Y)*w+int(px.X)]
				sdf := (d - pc.Z) * pn
				if sdf < -s.TruncDist {
					continue
				}
				tsdf := math32.Min(1, sdf*invTrunc)
				i := s.LocalIndex(x, y, z)
				old := vox[i]
				vox[i] = voxel.Fuse(old, tsdf, maxWeight)
				if colors != nil {
					if rgb, ok := job.color.Nearest(px); ok {
						colors[i] = voxel.FuseColor(colors[i], old.Weight, rgb.X, rgb.Y, rgb.Z)
					}
				}
				updated = true
			}
		}
	}
	meta.active = updated
	if updated {
		meta.lastFrame = job.frame
	}
}
