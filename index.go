package tsdf

import (
	log "github.com/sirupsen/logrus"
	"github.com/soypat/tsdf/hashindex"
)

// blockIndex maps block coordinates to rows of volume storage. Rows are
// handed out contiguously starting at zero in insertion order.
type blockIndex interface {
	findRow(c hashindex.Coord) int
	// insert returns the row of c, allocating the next row if c is new.
	insert(c hashindex.Coord) (row int, inserted bool)
	len() int
	memoryBytes() int
}

var (
	_ blockIndex = (*setIndex)(nil)
	_ blockIndex = (*tableIndex)(nil)
)

type setIndex struct {
	set *hashindex.Set
	// onGrow is called with the new capacity after the set grows.
	onGrow func(capacity int)
}

func (si *setIndex) findRow(c hashindex.Coord) int { return si.set.Find(c) }

func (si *setIndex) insert(c hashindex.Coord) (int, bool) {
	for {
		switch si.set.Insert(c) {
		case hashindex.Inserted:
			return si.set.Len() - 1, true
		case hashindex.AlreadyExists:
			return si.set.Find(c), false
		}
		newCap := 2 * si.set.Cap()
		log.Debugf("tsdf: block set full at %d blocks, growing to %d", si.set.Len(), newCap)
		if err := si.set.Grow(newCap); err != nil {
			panic(err) // Unreachable, set only grows.
		}
		if si.onGrow != nil {
			si.onGrow(newCap)
		}
	}
}

func (si *setIndex) len() int { return si.set.Len() }

func (si *setIndex) memoryBytes() int {
	return 4*si.set.HashDivisor() + 16*si.set.Cap()
}

type tableIndex struct {
	table *hashindex.Table
	// onExtend is called with the total node count after a segment is appended.
	onExtend func(nodes int)
}

func (ti *tableIndex) findRow(c hashindex.Coord) int { return ti.table.FindRow(c) }

func (ti *tableIndex) insert(c hashindex.Coord) (int, bool) {
	if row := ti.table.FindRow(c); row >= 0 {
		return row, false
	}
	row := ti.table.Len()
	if ti.table.Insert(c, row) {
		log.Debugf("tsdf: block table extended to %d segments (%d blocks)", ti.table.Segments(), ti.table.Len())
		if ti.onExtend != nil {
			ti.onExtend(ti.table.Nodes())
		}
	}
	return row, true
}

func (ti *tableIndex) len() int { return ti.table.Len() }

func (ti *tableIndex) memoryBytes() int { return 24 * ti.table.Nodes() }
