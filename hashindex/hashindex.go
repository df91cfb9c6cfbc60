// Package hashindex maps sparse 3D integer block coordinates to dense storage
// locations. Two interchangeable designs are provided:
//
//   - [Set] is an append-only chained hash set whose chain links are slot
//     indices into a single entry arena. It reports when it is full so the
//     caller can grow it explicitly.
//   - [Table] stores entries in fixed-size per-bucket lists replicated over
//     expandable segments. Each bucket list has a bounded probe length before
//     the chain continues into the next segment, which makes the layout
//     suitable for data-parallel traversal.
//
// Neither structure supports deletion. Lookups may run concurrently with
// other lookups; insertions must be externally synchronized.
package hashindex

import (
	"errors"
	"fmt"
)

// Coord is a block coordinate in block-grid units.
type Coord struct {
	X, Y, Z int32
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// DefaultHashDivisor is the number of hash buckets used when none is specified.
const DefaultHashDivisor = 32768

// goldenRatio is the 32-bit fractional part of the golden ratio.
const goldenRatio = 0x9e3779b9

// Hash mixes the axes of c in order so that permuted coordinates hash differently.
func Hash(c Coord) uint32 {
	var seed uint32
	seed ^= uint32(c.X) + goldenRatio + (seed << 6) + (seed >> 2)
	seed ^= uint32(c.Y) + goldenRatio + (seed << 6) + (seed >> 2)
	seed ^= uint32(c.Z) + goldenRatio + (seed << 6) + (seed >> 2)
	return seed
}

var errBadDivisor = errors.New("hash divisor must be positive")

func bucketOf(c Coord, hashDivisor int) int {
	return int(Hash(c) % uint32(hashDivisor))
}
