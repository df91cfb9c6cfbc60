// Package tsdf implements sparse volumetric fusion of depth images into a
// truncated signed distance field (TSDF) and surface extraction from it by
// ray marching.
//
// Space is partitioned into blocks of voxels which are allocated on demand
// the first time a depth image observes the surface near them. Blocks are
// located through a spatial hash index (see package hashindex) and their
// voxels are stored in 8 bit fixed point (see package voxel).
//
// Voxel (i,j,k) of the global grid sits at world position (i,j,k)*VoxelSize,
// so the voxel nearest to a point is found by rounding. Block B holds global
// voxels B*Resolution up to (B+1)*Resolution-1 on each axis.
//
// Distances are positive in front of the observed surface and negative behind
// it. Camera space follows the pinhole convention of package rgbd with Z
// pointing forward; camera poses transform camera space to world space.
package tsdf

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf/hashindex"
	"github.com/soypat/tsdf/voxel"
)

// ErrBufferLength is returned when a caller supplied buffer has the wrong length.
var ErrBufferLength = errors.New("buffer length mismatch")

// Volume is a sparse TSDF volume. Methods of Volume are not safe for
// concurrent use unless noted otherwise.
type Volume struct {
	s         Settings
	blockLen  int // Voxels per block row, Strides[3].
	index     blockIndex
	meta      []blockMeta
	voxels    []voxel.Voxel
	colors    []voxel.Color
	frames    int
	normCache pixNormCache
}

type blockMeta struct {
	coord hashindex.Coord
	// lastFrame is the last frame which updated at least one voxel of the block. Zero means never.
	lastFrame int
	// active is set when the block was updated by the last integrated frame.
	active bool
}

// Block is a view of a single block of a volume.
type Block struct {
	Coord hashindex.Coord
	// Voxels of the block laid out per Settings.Strides.
	Voxels []voxel.Voxel
	// Colors parallel to Voxels. Nil for volumes without color.
	Colors []voxel.Color
	// LastFrame is the last frame number that updated the block. Zero if never updated.
	LastFrame int
	// Active is set when the most recently integrated frame updated the block.
	Active bool
}

// NewVolume returns an empty volume. Zero optional settings are replaced by defaults.
func NewVolume(s Settings) (*Volume, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	v := &Volume{s: s.withDefaults()}
	v.blockLen = v.s.Strides[3]
	if err := v.Reset(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reset discards all blocks and frames.
func (v *Volume) Reset() error {
	v.meta = nil
	v.voxels = nil
	v.colors = nil
	v.frames = 0
	switch v.s.Index {
	case IndexTable:
		tbl, err := hashindex.NewTable(v.s.HashDivisor)
		if err != nil {
			return err
		}
		v.index = &tableIndex{table: tbl, onExtend: v.reserveRows}
	default:
		set, err := hashindex.NewSet(v.s.HashDivisor, 0)
		if err != nil {
			return err
		}
		v.index = &setIndex{set: set, onGrow: v.reserveRows}
	}
	return nil
}

// reserveRows grows the block metadata capacity to rows in lockstep with the index.
func (v *Volume) reserveRows(rows int) {
	if rows > cap(v.meta) {
		v.meta = slices.Grow(v.meta, rows-len(v.meta))
	}
}

// Settings returns the volume settings with defaults applied.
func (v *Volume) Settings() Settings { return v.s }

// Frames returns the number of frames integrated since creation or last reset.
func (v *Volume) Frames() int { return v.frames }

// SetFrames sets the frame counter. Used when restoring a volume from storage.
func (v *Volume) SetFrames(n int) { v.frames = n }

// NumBlocks returns the number of resident blocks.
func (v *Volume) NumBlocks() int { return len(v.meta) }

// MemoryBytes returns an estimate of the memory held by voxel storage and the index.
func (v *Volume) MemoryBytes() int {
	const voxSize, colorSize, metaSize = 2, 6, 24
	return voxSize*cap(v.voxels) + colorSize*cap(v.colors) + metaSize*cap(v.meta) + v.index.memoryBytes()
}

// Bounds returns the world space box enclosing all resident voxels.
// The box is empty when there are no blocks.
func (v *Volume) Bounds() ms3.Box {
	if len(v.meta) == 0 {
		return ms3.Box{}
	}
	const big = math.MaxInt32
	lo := [3]int32{big, big, big}
	hi := [3]int32{-big, -big, -big}
	for i := range v.meta {
		c := v.meta[i].coord
		lo = [3]int32{min(lo[0], c.X), min(lo[1], c.Y), min(lo[2], c.Z)}
		hi = [3]int32{max(hi[0], c.X), max(hi[1], c.Y), max(hi[2], c.Z)}
	}
	res := v.s.Resolution
	vs := v.s.VoxelSize
	return ms3.Box{
		Min: ms3.Vec{X: float32(lo[0]) * float32(res[0]) * vs, Y: float32(lo[1]) * float32(res[1]) * vs, Z: float32(lo[2]) * float32(res[2]) * vs},
		Max: ms3.Vec{X: float32((hi[0]+1)*int32(res[0])-1) * vs, Y: float32((hi[1]+1)*int32(res[1])-1) * vs, Z: float32((hi[2]+1)*int32(res[2])-1) * vs},
	}
}

// ForEachBlock calls fn for every resident block in allocation order.
// The block's slices alias volume storage and are only valid during the call.
// Iteration stops at the first error returned by fn.
func (v *Volume) ForEachBlock(fn func(b Block) error) error {
	for row := range v.meta {
		if err := fn(v.block(row)); err != nil {
			return err
		}
	}
	return nil
}

// SetBlock copies b's voxels, colors and frame metadata into the volume,
// allocating the block if needed.
// b.Voxels must have Strides[3] elements, as must b.Colors for color volumes.
func (v *Volume) SetBlock(b Block) error {
	if len(b.Voxels) != v.blockLen {
		return fmt.Errorf("%w: block has %d voxels, want %d", ErrBufferLength, len(b.Voxels), v.blockLen)
	} else if v.s.Color && len(b.Colors) != v.blockLen {
		return fmt.Errorf("%w: block has %d colors, want %d", ErrBufferLength, len(b.Colors), v.blockLen)
	}
	row, _ := v.allocBlock(b.Coord)
	dst := v.block(row)
	copy(dst.Voxels, b.Voxels)
	if v.s.Color {
		copy(dst.Colors, b.Colors)
	}
	v.meta[row].lastFrame = b.LastFrame
	v.meta[row].active = b.Active
	return nil
}

// Voxel returns the voxel nearest to world position p and false if its block is not resident.
func (v *Volume) Voxel(p ms3.Vec) (voxel.Voxel, bool) {
	return v.voxelAt(v.voxelCoord(p))
}

func (v *Volume) block(row int) Block {
	start := row * v.blockLen
	b := Block{
		Coord:     v.meta[row].coord,
		Voxels:    v.voxels[start : start+v.blockLen],
		LastFrame: v.meta[row].lastFrame,
		Active:    v.meta[row].active,
	}
	if v.s.Color {
		b.Colors = v.colors[start : start+v.blockLen]
	}
	return b
}

// allocBlock returns the row of block c, inserting it with zeroed voxels if not resident.
func (v *Volume) allocBlock(c hashindex.Coord) (row int, inserted bool) {
	row, inserted = v.index.insert(c)
	if !inserted {
		return row, false
	}
	if row != len(v.meta) {
		panic("tsdf: block index row out of sync with storage")
	}
	v.meta = append(v.meta, blockMeta{coord: c})
	v.voxels = growZeroed(v.voxels, v.blockLen)
	if v.s.Color {
		v.colors = growZeroed(v.colors, v.blockLen)
	}
	return row, true
}

func growZeroed[T any](s []T, n int) []T {
	s = slices.Grow(s, n)
	s = s[:len(s)+n]
	clear(s[len(s)-n:])
	return s
}

// voxelCoord returns the global grid index of the voxel nearest to p.
func (v *Volume) voxelCoord(p ms3.Vec) [3]int32 {
	inv := 1 / v.s.VoxelSize
	return [3]int32{
		int32(math32.Round(p.X * inv)),
		int32(math32.Round(p.Y * inv)),
		int32(math32.Round(p.Z * inv)),
	}
}

// split returns the block containing global voxel g and the voxel offset within the block.
func (v *Volume) split(g [3]int32) (hashindex.Coord, int) {
	res := v.s.Resolution
	bx := floorDiv(g[0], int32(res[0]))
	by := floorDiv(g[1], int32(res[1]))
	bz := floorDiv(g[2], int32(res[2]))
	lx := int(g[0] - bx*int32(res[0]))
	ly := int(g[1] - by*int32(res[1]))
	lz := int(g[2] - bz*int32(res[2]))
	return hashindex.Coord{X: bx, Y: by, Z: bz}, v.s.LocalIndex(lx, ly, lz)
}

func (v *Volume) blockOf(p ms3.Vec) hashindex.Coord {
	c, _ := v.split(v.voxelCoord(p))
	return c
}

// voxelAt returns the voxel at global grid index g.
func (v *Volume) voxelAt(g [3]int32) (voxel.Voxel, bool) {
	c, off := v.split(g)
	row := v.index.findRow(c)
	if row < 0 {
		return voxel.Voxel{}, false
	}
	return v.voxels[row*v.blockLen+off], true
}

// distAt returns the decoded distance at global grid index g and false if the voxel is missing or unobserved.
func (v *Volume) distAt(g [3]int32) (float32, bool) {
	vox, ok := v.voxelAt(g)
	if !ok || vox.Weight == 0 {
		return 0, false
	}
	return voxel.Decode(vox.Dist), true
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
