package dmorton

import "fmt"

// Key identifies one cell of the spatial hierarchy:
// the cell's coordinate bits interleaved across dimensions,
// left-padded to the coder's maximum depth, plus the cell's own depth.
//
// The zero Key is the root cell covering the whole domain.
//
// Keys are comparable and totally ordered by [Key.Less].
// A Key is only meaningful together with the [Coder] that produced it;
// mixing keys from coders of different dimensions is undefined behavior.
type Key struct {
	bits  uint64
	depth uint8
}

// Bits returns the interleaved coordinate bits,
// which is also the start of the cell's descendant range.
func (k Key) Bits() uint64 { return k.bits }

// Depth returns the refinement depth of the cell, with the root at zero.
func (k Key) Depth() uint8 { return k.depth }

// Less reports whether k sorts before o.
// Coordinate bits dominate; ties break toward the shallower cell,
// which places every ancestor directly before its descendants.
func (k Key) Less(o Key) bool {
	if k.bits != o.bits {
		return k.bits < o.bits
	}
	return k.depth < o.depth
}

// Compare returns -1, 0, or 1 as k sorts before, equal to, or after o.
func (k Key) Compare(o Key) int {
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	default:
		return 0
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%d", k.bits, k.depth)
}
