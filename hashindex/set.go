package hashindex

import "errors"

// InsertResult is the outcome of [Set.Insert].
type InsertResult uint8

const (
	// NeedsResize means the set is at capacity and nothing was inserted.
	// The caller should call [Set.Grow] and retry.
	NeedsResize InsertResult = iota
	// Inserted means the coordinate was appended at slot Len()-1.
	Inserted
	// AlreadyExists means the coordinate was present and the set is unchanged.
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case NeedsResize:
		return "needs resize"
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already exists"
	}
	return "unknown insert result"
}

// NotFound is returned by [Set.Find] for coordinates not in the set.
const NotFound = -1

// DefaultSetCapacity is the starting capacity of a set created by [NewSet] with zero capacity.
const DefaultSetCapacity = 2048

const emptySlot = -1

type setEntry struct {
	c    Coord
	next int32 // Slot of next entry in bucket chain or emptySlot.
}

// Set is an append-only hash set of block coordinates. Each inserted
// coordinate occupies a slot; slots are handed out in insertion order and
// never change, so a slot can be used directly as a row into external storage.
//
// Collisions are resolved by chaining: every bucket holds the slot of the first
// entry of its chain and each entry holds the slot of the next one.
type Set struct {
	hashes []int32 // bucket -> head slot or emptySlot.
	data   []setEntry
	last   int // Next free slot.
}

// NewSet returns an empty set with hashDivisor buckets and room for capacity
// coordinates before [NeedsResize] is reported.
func NewSet(hashDivisor, capacity int) (*Set, error) {
	if hashDivisor <= 0 {
		return nil, errBadDivisor
	}
	if capacity < 0 {
		return nil, errors.New("negative set capacity")
	} else if capacity == 0 {
		capacity = DefaultSetCapacity
	}
	s := &Set{
		hashes: make([]int32, hashDivisor),
		data:   make([]setEntry, capacity),
	}
	for i := range s.hashes {
		s.hashes[i] = emptySlot
	}
	for i := range s.data {
		s.data[i].next = emptySlot
	}
	return s, nil
}

// Insert adds c to the set. See [InsertResult] for possible outcomes.
// The new entry is linked at the tail of its bucket's chain.
func (s *Set) Insert(c Coord) InsertResult {
	h := bucketOf(c, len(s.hashes))
	place := s.hashes[h]
	tail := int32(emptySlot)
	for place >= 0 {
		if s.data[place].c == c {
			return AlreadyExists
		}
		tail = place
		place = s.data[place].next
	}
	if s.last >= len(s.data) {
		return NeedsResize
	}
	slot := int32(s.last)
	if tail >= 0 {
		s.data[tail].next = slot
	} else {
		s.hashes[h] = slot
	}
	s.data[slot] = setEntry{c: c, next: emptySlot}
	s.last++
	return Inserted
}

// Find returns the slot holding c or [NotFound]. It does not modify the set.
func (s *Set) Find(c Coord) int {
	place := s.hashes[bucketOf(c, len(s.hashes))]
	for place >= 0 {
		if s.data[place].c == c {
			return int(place)
		}
		place = s.data[place].next
	}
	return NotFound
}

// Grow raises the capacity of the set to newCapacity. The coordinates are
// copied over and all chains are rebuilt from scratch in slot order, so every
// coordinate keeps its slot.
func (s *Set) Grow(newCapacity int) error {
	if newCapacity < len(s.data) {
		return errors.New("cannot shrink set")
	}
	data := make([]setEntry, newCapacity)
	for i := range data {
		if i < s.last {
			data[i].c = s.data[i].c
		}
		data[i].next = emptySlot
	}
	tails := make([]int32, len(s.hashes))
	for i := range s.hashes {
		s.hashes[i] = emptySlot
		tails[i] = emptySlot
	}
	for slot := 0; slot < s.last; slot++ {
		h := bucketOf(data[slot].c, len(s.hashes))
		if tails[h] >= 0 {
			data[tails[h]].next = int32(slot)
		} else {
			s.hashes[h] = int32(slot)
		}
		tails[h] = int32(slot)
	}
	s.data = data
	return nil
}

// Len returns the amount of coordinates in the set.
func (s *Set) Len() int { return s.last }

// Cap returns the amount of coordinates the set can hold before needing to grow.
func (s *Set) Cap() int { return len(s.data) }

// HashDivisor returns the number of buckets.
func (s *Set) HashDivisor() int { return len(s.hashes) }

// Coord returns the coordinate stored at slot. It panics if slot is not occupied.
func (s *Set) Coord(slot int) Coord {
	if slot < 0 || slot >= s.last {
		panic("hashindex: slot out of range")
	}
	return s.data[slot].c
}
