package dmorton

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrDepthExceeded indicates a requested refinement depth
// beyond what the key bit width can encode.
var ErrDepthExceeded = errors.New("refinement depth exceeds encodable levels")

// Coder performs key arithmetic for one spatial dimensionality.
//
// Methods on Coder use unchecked math: keys produced by a coder of a
// different dimension, direction slices of the wrong length, or child
// indices out of range result in undefined behavior rather than errors.
// The only validated entry point is [Coder.Encode], where coordinates
// come from the caller.
type Coder struct {
	dim      int
	maxDepth uint8
}

// NewCoder returns a coder for the given dimension, between 1 and 3.
func NewCoder(dim int) (Coder, error) {
	if dim < 1 || dim > 3 {
		return Coder{}, fmt.Errorf("dimension must be in [1,3], got %d", dim)
	}
	return Coder{dim: dim, maxDepth: uint8(63 / dim)}, nil
}

// Dim returns the spatial dimension.
func (c Coder) Dim() int { return c.dim }

// MaxDepth returns the deepest encodable refinement level.
func (c Coder) MaxDepth() uint8 { return c.maxDepth }

// NumChildren returns 2^dim, the child count of any non-leaf cell.
func (c Coder) NumChildren() int { return 1 << c.dim }

// NumNeighbors returns 3^dim, the size of a same-level neighbor list
// including the cell itself.
func (c Coder) NumNeighbors() int {
	n := 1
	for i := 0; i < c.dim; i++ {
		n *= 3
	}
	return n
}

// DomainEnd returns the exclusive upper bound of the interleaved bit space;
// every key's Bits value lies in [0, DomainEnd).
func (c Coder) DomainEnd() uint64 {
	return 1 << (uint(c.dim) * uint(c.maxDepth))
}

// cellWidth is the size of a cell's descendant range in interleaved bits.
func (c Coder) cellWidth(depth uint8) uint64 {
	return 1 << (uint(c.dim) * uint(c.maxDepth-depth))
}

// Root returns the key of the cell covering the whole domain.
func (c Coder) Root() Key { return Key{} }

// KeyAt returns the cell at the given depth containing the given
// interleaved bit position.
func (c Coder) KeyAt(pos uint64, depth uint8) Key {
	return Key{bits: pos &^ (c.cellWidth(depth) - 1), depth: depth}
}

// Encode maps a coordinate in [0,1)^dim to the containing cell at depth.
func (c Coder) Encode(coord []float64, depth uint8) (Key, error) {
	if len(coord) != c.dim {
		return Key{}, fmt.Errorf("coordinate has %d components, coder dimension is %d", len(coord), c.dim)
	}
	if depth > c.maxDepth {
		return Key{}, fmt.Errorf("encode at depth %d: %w", depth, ErrDepthExceeded)
	}
	var x [3]uint64
	scale := float64(uint64(1) << c.maxDepth)
	for d, v := range coord {
		if v < 0 || v >= 1 {
			return Key{}, fmt.Errorf("coordinate component %d = %v outside [0,1)", d, v)
		}
		x[d] = uint64(v * scale)
		if x[d] >= uint64(1)<<c.maxDepth {
			x[d] = uint64(1)<<c.maxDepth - 1
		}
	}
	k := Key{bits: c.interleave(x), depth: depth}
	k.bits &^= c.cellWidth(depth) - 1
	return k, nil
}

// Decode returns the minimum corner of the cell in [0,1)^dim and its depth.
func (c Coder) Decode(k Key) ([]float64, uint8) {
	x := c.deinterleave(k.bits)
	coord := make([]float64, c.dim)
	scale := float64(uint64(1) << c.maxDepth)
	for d := range coord {
		coord[d] = float64(x[d]) / scale
	}
	return coord, k.depth
}

// CellSize returns the side length of a cell at the given depth.
func (c Coder) CellSize(depth uint8) float64 {
	return 1 / float64(uint64(1)<<depth)
}

// Ancestor returns the cell at the given shallower depth containing k.
// depth must not exceed k.Depth().
func (c Coder) Ancestor(k Key, depth uint8) Key {
	return Key{bits: k.bits &^ (c.cellWidth(depth) - 1), depth: depth}
}

// ChildKey returns the i-th child of k, for i in [0, 2^dim).
// k must be shallower than MaxDepth.
func (c Coder) ChildKey(k Key, i int) Key {
	shift := uint(c.dim) * uint(c.maxDepth-k.depth-1)
	return Key{bits: k.bits | uint64(i)<<shift, depth: k.depth + 1}
}

// ChildIndex returns k's index among its siblings (the path-to-node id),
// or 0 for the root.
func (c Coder) ChildIndex(k Key) int {
	if k.depth == 0 {
		return 0
	}
	shift := uint(c.dim) * uint(c.maxDepth-k.depth)
	return int(k.bits >> shift & uint64(c.NumChildren()-1))
}

// RangeEnd returns the exclusive end of k's descendant range:
// every descendant's Bits value lies in [k.Bits(), RangeEnd(k)).
func (c Coder) RangeEnd(k Key) uint64 {
	return k.bits + c.cellWidth(k.depth)
}

// Contains reports whether o lies within k's cell (including k itself).
func (c Coder) Contains(k, o Key) bool {
	return o.depth >= k.depth && o.bits&^(c.cellWidth(k.depth)-1) == k.bits
}

// Directions enumerates the 3^dim neighbor offsets in {-1,0,1}^dim,
// in a fixed order with the zero offset at index (3^dim-1)/2.
func (c Coder) Directions() [][]int {
	n := c.NumNeighbors()
	dirs := make([][]int, n)
	for i := range dirs {
		dir := make([]int, c.dim)
		rem := i
		for d := range dir {
			dir[d] = rem%3 - 1
			rem /= 3
		}
		dirs[i] = dir
	}
	return dirs
}

// SelfDirection returns the index of the zero offset within [Coder.Directions].
func (c Coder) SelfDirection() int {
	return (c.NumNeighbors() - 1) / 2
}

// Neighbor returns the same-level cell offset from k by dir, one cell
// width per component. The second result is false when the neighbor
// falls outside the domain and periodic wrapping is disabled.
func (c Coder) Neighbor(k Key, dir []int, periodic bool) (Key, bool) {
	x := c.deinterleave(k.bits)
	size := int64(uint64(1) << c.maxDepth)
	step := int64(uint64(1) << (c.maxDepth - k.depth))
	for d := 0; d < c.dim; d++ {
		nx := int64(x[d]) + int64(dir[d])*step
		if nx < 0 || nx >= size {
			if !periodic {
				return Key{}, false
			}
			nx = ((nx % size) + size) % size
		}
		x[d] = uint64(nx)
	}
	return Key{bits: c.interleave(x), depth: k.depth}, true
}

// TileRange decomposes the interleaved bit interval [lo, hi) into the
// unique minimal sequence of maximal aligned cells covering it exactly.
// The returned keys are sorted, disjoint, and contiguous.
func (c Coder) TileRange(lo, hi uint64) []Key {
	var out []Key
	for p := lo; p < hi; {
		align := uint(c.dim) * uint(c.maxDepth)
		if p != 0 {
			align = uint(bits.TrailingZeros64(p))
		}
		j := align / uint(c.dim)
		if j > uint(c.maxDepth) {
			j = uint(c.maxDepth)
		}
		for uint64(1)<<(uint(c.dim)*j) > hi-p {
			j--
		}
		out = append(out, Key{bits: p, depth: c.maxDepth - uint8(j)})
		p += uint64(1) << (uint(c.dim) * j)
	}
	return out
}

func (c Coder) interleave(x [3]uint64) uint64 {
	if c.dim == 1 {
		return x[0]
	}
	var b uint64
	for lvl := uint(0); lvl < uint(c.maxDepth); lvl++ {
		for d := 0; d < c.dim; d++ {
			bit := x[d] >> lvl & 1
			b |= bit << (uint(c.dim)*lvl + uint(c.dim-1-d))
		}
	}
	return b
}

func (c Coder) deinterleave(b uint64) [3]uint64 {
	var x [3]uint64
	if c.dim == 1 {
		x[0] = b
		return x
	}
	for lvl := uint(0); lvl < uint(c.maxDepth); lvl++ {
		for d := 0; d < c.dim; d++ {
			bit := b >> (uint(c.dim)*lvl + uint(c.dim-1-d)) & 1
			x[d] |= bit << lvl
		}
	}
	return x
}
