package tsdf

import (
	"errors"
	"fmt"
	"runtime"
	"slices"

	"github.com/chewxy/math32"
	"github.com/soypat/tsdf/hashindex"
	"github.com/soypat/tsdf/rgbd"
)

// ErrInvalidSettings is wrapped by every error returned from [Settings.Validate].
var ErrInvalidSettings = errors.New("invalid volume settings")

// IndexKind selects the block hash index backing a [Volume].
type IndexKind string

const (
	// IndexSet selects the append-only chained [hashindex.Set].
	IndexSet IndexKind = "set"
	// IndexTable selects the segmented [hashindex.Table].
	IndexTable IndexKind = "table"
)

// Settings configures a [Volume]. The zero value of every optional field
// selects a default; see [DefaultSettings].
type Settings struct {
	// VoxelSize is the world space distance between neighboring voxels.
	VoxelSize float32 `toml:"voxel_size"`
	// TruncDist is the truncation band half width in world units. Must exceed VoxelSize.
	TruncDist float32 `toml:"trunc_dist"`
	// MaxWeight caps the observation count of a voxel. In [1, 255].
	MaxWeight int `toml:"max_weight"`
	// Resolution is the number of voxels per block along each axis.
	Resolution [3]int `toml:"resolution"`
	// Strides holds the memory stride of the X, Y and Z axes within a block
	// followed by the stride between consecutive blocks. All zero selects
	// X-major packed layout.
	Strides [4]int `toml:"strides"`
	// DepthFactor divides raw depth samples to obtain world units. Zero means 1.
	DepthFactor float32 `toml:"depth_factor"`
	// MaxDepth is the farthest depth allocated and raycast, in world units.
	MaxDepth float32 `toml:"max_depth"`
	// RaycastStepFactor is the ray marching step as a fraction of TruncDist, in (0,1].
	RaycastStepFactor float32 `toml:"raycast_step_factor"`
	// MaxRaycastSteps bounds the march of a single ray. Zero derives it from MaxDepth.
	MaxRaycastSteps int `toml:"max_raycast_steps"`
	// RaycastTrilinear enables trilinear interpolation of distances during raycasting.
	RaycastTrilinear bool `toml:"raycast_trilinear"`
	// Index selects the hash index implementation.
	Index IndexKind `toml:"index"`
	// HashDivisor is the number of hash buckets.
	HashDivisor int `toml:"hash_divisor"`
	// SamplePolicy selects how invalid depth samples are handled during integration.
	SamplePolicy rgbd.SamplePolicy `toml:"sample_policy"`
	// Color enables per voxel color storage and fusion.
	Color bool `toml:"color"`
	// AllocStride is the pixel stride used when allocating blocks from a depth image.
	AllocStride int `toml:"alloc_stride"`
	// Workers is the number of goroutines used by integration and raycasting.
	Workers int `toml:"workers"`
}

// DefaultSettings returns settings for a 1cm voxel volume with 16³ voxel blocks.
func DefaultSettings() Settings {
	return Settings{
		VoxelSize:  0.01,
		TruncDist:  0.04,
		MaxWeight:  64,
		Resolution: [3]int{16, 16, 16},
	}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.Strides == [4]int{} {
		rx, ry, rz := s.Resolution[0], s.Resolution[1], s.Resolution[2]
		s.Strides = [4]int{ry * rz, rz, 1, rx * ry * rz}
	}
	if s.DepthFactor == 0 {
		s.DepthFactor = 1
	}
	if s.MaxDepth == 0 {
		s.MaxDepth = 4
	}
	if s.RaycastStepFactor == 0 {
		s.RaycastStepFactor = 0.25
	}
	if s.Index == "" {
		s.Index = IndexSet
	}
	if s.HashDivisor == 0 {
		s.HashDivisor = hashindex.DefaultHashDivisor
	}
	if s.SamplePolicy == "" {
		s.SamplePolicy = rgbd.Strict
	}
	if s.AllocStride == 0 {
		s.AllocStride = 1
	}
	if s.Workers == 0 {
		s.Workers = runtime.GOMAXPROCS(0)
	}
	return s
}

// Validate checks s after applying defaults and returns every problem found
// joined in a single error wrapping [ErrInvalidSettings].
func (s Settings) Validate() error {
	s = s.withDefaults()
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if !finitePositive(s.VoxelSize) {
		add("voxel size must be positive and finite, got %g", s.VoxelSize)
	}
	if !finitePositive(s.TruncDist) || !(s.TruncDist > s.VoxelSize) {
		add("truncation distance %g must exceed voxel size %g", s.TruncDist, s.VoxelSize)
	}
	if s.MaxWeight < 1 || s.MaxWeight > 255 {
		add("max weight %d out of range [1,255]", s.MaxWeight)
	}
	resOK := true
	for i, r := range s.Resolution {
		if r <= 0 {
			add("resolution[%d]=%d must be positive", i, r)
			resOK = false
		}
	}
	if resOK {
		if err := validateStrides(s.Resolution, s.Strides); err != nil {
			errs = append(errs, err)
		}
	}
	if !finitePositive(s.DepthFactor) {
		add("depth factor must be positive and finite, got %g", s.DepthFactor)
	}
	if !finitePositive(s.MaxDepth) {
		add("max depth must be positive and finite, got %g", s.MaxDepth)
	}
	if !(s.RaycastStepFactor > 0 && s.RaycastStepFactor <= 1) {
		add("raycast step factor %g out of range (0,1]", s.RaycastStepFactor)
	}
	if s.MaxRaycastSteps < 0 {
		add("negative max raycast steps %d", s.MaxRaycastSteps)
	}
	switch s.Index {
	case IndexSet, IndexTable:
	default:
		add("unknown index kind %q", s.Index)
	}
	if s.HashDivisor <= 0 {
		add("hash divisor must be positive, got %d", s.HashDivisor)
	}
	if err := s.SamplePolicy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.AllocStride < 0 {
		add("negative allocation stride %d", s.AllocStride)
	}
	if s.Workers < 0 {
		add("negative worker count %d", s.Workers)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// validateStrides checks that no two voxels of a block share memory and that
// consecutive blocks do not overlap.
func validateStrides(res [3]int, strides [4]int) error {
	axes := []int{0, 1, 2}
	slices.SortStableFunc(axes, func(a, b int) int { return strides[a] - strides[b] })
	minStride := 1
	for _, ax := range axes {
		if strides[ax] < minStride {
			return fmt.Errorf("stride %d of axis %d aliases voxels for resolution %v and strides %v", strides[ax], ax, res, strides[:3])
		}
		minStride = strides[ax] * res[ax]
	}
	if strides[3] < minStride {
		return fmt.Errorf("block stride %d smaller than block span %d", strides[3], minStride)
	}
	return nil
}

// LocalIndex returns the offset of voxel (x,y,z) within a block's storage.
// Strides must be set, as is the case for settings returned by [Volume.Settings].
func (s Settings) LocalIndex(x, y, z int) int {
	return x*s.Strides[0] + y*s.Strides[1] + z*s.Strides[2]
}

// BlockSize returns the world space side lengths of a block.
func (s Settings) BlockSize() (x, y, z float32) {
	return float32(s.Resolution[0]) * s.VoxelSize, float32(s.Resolution[1]) * s.VoxelSize, float32(s.Resolution[2]) * s.VoxelSize
}

func finitePositive(f float32) bool {
	return f > 0 && !math32.IsInf(f, 1)
}
