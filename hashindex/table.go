package hashindex

import "math"

// ListSize is the number of slots reserved per bucket in each table segment.
const ListSize = 4

// freeTag marks a table node as unoccupied. Occupied nodes have a zero tag, so
// a lookup never matches a free node regardless of its stored coordinate.
const freeTag = math.MinInt32 + 1

type tableNode struct {
	c    Coord
	tag  int32
	row  int32
	next int32 // Node index of the next node in the chain or -1.
}

var freeNode = tableNode{
	c:    Coord{X: freeTag, Y: freeTag, Z: freeTag},
	tag:  freeTag,
	row:  -1,
	next: -1,
}

// Table maps block coordinates to externally allocated rows. Its storage is
// a sequence of segments each holding ListSize nodes per bucket. A bucket's chain
// starts at its list in segment 0, runs through that list and continues into
// the same bucket's list in the following segment. Segments are appended on
// demand and never removed.
type Table struct {
	hashDivisor int
	nodes       []tableNode
	segments    int
	n           int
}

// NewTable returns a table with a single segment of hashDivisor buckets.
func NewTable(hashDivisor int) (*Table, error) {
	if hashDivisor <= 0 {
		return nil, errBadDivisor
	}
	t := &Table{hashDivisor: hashDivisor}
	t.addSegment()
	return t, nil
}

// Insert stores row for coordinate c. The returned boolean is true when a new
// segment had to be appended to the table, in which case callers mirroring
// per-row or per-node data should grow it accordingly.
// Inserting a coordinate that is already present leaves the table unchanged.
// Insert panics if row is negative.
func (t *Table) Insert(c Coord, row int) (extended bool) {
	if row < 0 || row > math.MaxInt32 {
		panic("hashindex: invalid table row")
	}
	h := bucketOf(c, t.hashDivisor)
	i := t.listStart(0, h)
	for i >= 0 {
		node := t.nodes[i]
		if node.tag != freeTag {
			if node.c == c {
				return false
			}
			i = int(node.next)
			continue
		}
		var next int
		if i%ListSize == ListSize-1 {
			// Last slot of this segment's list: chain continues into next segment.
			seg := i / t.segmentLen()
			if seg+1 >= t.segments {
				t.addSegment()
				extended = true
			}
			next = t.listStart(seg+1, h)
		} else {
			next = i + 1
		}
		t.nodes[i] = tableNode{c: c, row: int32(row), next: int32(next)}
		t.n++
		return extended
	}
	panic("hashindex: broken table chain")
}

// FindRow returns the row stored for c or -1 if c is not in the table.
func (t *Table) FindRow(c Coord) int {
	i := t.listStart(0, bucketOf(c, t.hashDivisor))
	for i >= 0 {
		node := &t.nodes[i]
		if node.tag != freeTag && node.c == c {
			return int(node.row)
		}
		i = int(node.next)
	}
	return -1
}

// Segments returns the number of segments allocated.
func (t *Table) Segments() int { return t.segments }

// Len returns the number of coordinates stored.
func (t *Table) Len() int { return t.n }

// HashDivisor returns the number of buckets per segment.
func (t *Table) HashDivisor() int { return t.hashDivisor }

// Nodes returns the number of node slots across all segments.
func (t *Table) Nodes() int { return len(t.nodes) }

func (t *Table) segmentLen() int { return t.hashDivisor * ListSize }

func (t *Table) listStart(segment, bucket int) int {
	return (segment*t.hashDivisor + bucket) * ListSize
}

func (t *Table) addSegment() {
	start := len(t.nodes)
	t.nodes = append(t.nodes, make([]tableNode, t.segmentLen())...)
	for i := start; i < len(t.nodes); i++ {
		t.nodes[i] = freeNode
	}
	t.segments++
}
