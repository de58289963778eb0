package dtree

import (
	"context"
	"fmt"
	"sort"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
)

// rangeStart is the allgathered first-key report used to derive the
// partition boundary vector from distributed sorted sequences.
type rangeStart struct {
	Has bool
	Pos uint64
}

// fillBoundaries turns per-rank first positions into the boundary
// vector: an empty rank inherits its successor's start, so it owns an
// empty range, and rank 0 always starts at the domain origin.
func (t *Tree) fillBoundaries(firsts []rangeStart, out []uint64) {
	size := t.comm.Size()
	out[size] = t.coder.DomainEnd()
	for r := size - 1; r >= 1; r-- {
		if firsts[r].Has {
			out[r] = firsts[r].Pos
		} else {
			out[r] = out[r+1]
		}
	}
	out[0] = 0
}

// refineFromPoints computes this rank's share of the new leaf set:
// point keys are globally sorted so each rank owns a contiguous key
// range, the range is tiled with maximal aligned cells, and cells are
// split until no leaf holds more than maxPerLeaf local points. Points
// of one leaf are rank-local by construction, so the local counts are
// the global ones.
func (t *Tree) refineFromPoints(ctx context.Context, coord []float64, maxPerLeaf int) ([]dmorton.Key, error) {
	dim := t.coder.Dim()
	n := len(coord) / dim

	keys := make([]dmorton.Key, 0, n)
	var encodeErr error
	for i := 0; i < n; i++ {
		k, err := t.coder.Encode(coord[i*dim:(i+1)*dim], t.coder.MaxDepth())
		if err != nil {
			encodeErr = fmt.Errorf("%w: point %d: %v", ErrArgument, i, err)
			break
		}
		keys = append(keys, k)
	}
	if err := t.uniformErr(ctx, encodeErr); err != nil {
		return nil, err
	}

	sorted, err := dcomm.SampleSort(ctx, t.comm, keys, dmorton.Key.Less)
	if err != nil {
		return nil, err
	}

	first := rangeStart{Has: len(sorted) > 0}
	if first.Has {
		first.Pos = sorted[0].Bits()
	}
	firsts, err := dcomm.Allgather(ctx, t.comm, first)
	if err != nil {
		return nil, err
	}
	bounds := make([]uint64, t.comm.Size()+1)
	t.fillBoundaries(firsts, bounds)

	rank := t.comm.Rank()
	var leaves []dmorton.Key
	overfull := false

	var split func(k dmorton.Key, pts []dmorton.Key)
	split = func(k dmorton.Key, pts []dmorton.Key) {
		if len(pts) <= maxPerLeaf {
			leaves = append(leaves, k)
			return
		}
		if k.Depth() == t.coder.MaxDepth() {
			overfull = true
			leaves = append(leaves, k)
			return
		}
		rest := pts
		for i := 0; i < t.coder.NumChildren(); i++ {
			ck := t.coder.ChildKey(k, i)
			end := t.coder.RangeEnd(ck)
			j := sort.Search(len(rest), func(x int) bool { return rest[x].Bits() >= end })
			split(ck, rest[:j])
			rest = rest[j:]
		}
	}

	pts := sorted
	for _, cell := range t.coder.TileRange(bounds[rank], bounds[rank+1]) {
		end := t.coder.RangeEnd(cell)
		j := sort.Search(len(pts), func(x int) bool { return pts[x].Bits() >= end })
		split(cell, pts[:j])
		pts = pts[j:]
	}

	var depthErr error
	if overfull {
		depthErr = fmt.Errorf("cannot satisfy maxPerLeaf=%d: %w", maxPerLeaf, dmorton.ErrDepthExceeded)
	}
	if err := t.uniformErr(ctx, depthErr); err != nil {
		return nil, err
	}
	return leaves, nil
}

// rebalanceLeaves block-repartitions the globally sorted leaf sequence
// so every rank owns a contiguous run of roughly equal length, then
// refreshes the partition boundary vector from the new first keys.
func (t *Tree) rebalanceLeaves(ctx context.Context, leaves []dmorton.Key) ([]dmorton.Key, error) {
	size := t.comm.Size()
	nLocal := int64(len(leaves))
	total, err := dcomm.AllreduceSum(ctx, t.comm, nLocal)
	if err != nil {
		return nil, err
	}
	off, err := dcomm.Scan(ctx, t.comm, nLocal)
	if err != nil {
		return nil, err
	}

	// Rank r's target block is global leaf indices [r*total/size, (r+1)*total/size).
	cnt := make([]int64, size)
	for r := range cnt {
		lo := int64(r) * total / int64(size)
		hi := int64(r+1) * total / int64(size)
		if lo < off {
			lo = off
		}
		if hi > off+nLocal {
			hi = off + nLocal
		}
		if hi > lo {
			cnt[r] = hi - lo
		}
	}
	out, _, err := dcomm.Alltoallv(ctx, t.comm, leaves, cnt)
	if err != nil {
		return nil, err
	}

	first := rangeStart{Has: len(out) > 0}
	if first.Has {
		first.Pos = out[0].Bits()
	}
	firsts, err := dcomm.Allgather(ctx, t.comm, first)
	if err != nil {
		return nil, err
	}
	t.fillBoundaries(firsts, t.minsPos)
	return out, nil
}

// buildNodes rebuilds the local node arrays from the owned leaf set:
// every ancestor whose descendant range begins inside the owned key
// range is materialized, so the local array forms a contiguous linear
// subtree. Ancestors starting in an earlier rank's range belong to
// that rank and are resolved through ghosts.
func (t *Tree) buildNodes(leaves []dmorton.Key) {
	lo := t.minsPos[t.comm.Rank()]

	leafSet := make(map[dmorton.Key]bool, len(leaves))
	for _, k := range leaves {
		leafSet[k] = true
	}

	keys := make([]dmorton.Key, len(leaves), len(leaves)*2)
	copy(keys, leaves)
	anc := make(map[dmorton.Key]struct{})
	for _, leaf := range leaves {
		k := leaf
		for k.Depth() > 0 {
			a := t.coder.Ancestor(k, k.Depth()-1)
			if a.Bits() < lo {
				break
			}
			if _, dup := anc[a]; dup {
				break
			}
			anc[a] = struct{}{}
			keys = append(keys, a)
			k = a
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	t.setOwnedNodes(keys, leafSet)
}

// setOwnedNodes installs a fresh, ghost-free node array.
func (t *Tree) setOwnedNodes(keys []dmorton.Key, leafSet map[dmorton.Key]bool) {
	t.nodeKey = keys
	t.nodeAttr = make([]NodeAttr, len(keys))
	for i, k := range keys {
		t.nodeAttr[i] = NodeAttr{Leaf: leafSet[k]}
	}
	t.ownBegin, t.ownEnd = 0, len(keys)
	t.ghostHolders = make(map[dmorton.Key][]int)
	t.linkNodes()
}

// linkNodes recomputes parent/child/neighbor indices for every local
// node, ghosts included, by exact binary search over the key array.
func (t *Tree) linkNodes() {
	dirs := t.coder.Directions()
	self := t.coder.SelfDirection()
	nc := t.coder.NumChildren()

	t.nodeList = make([]NodeLists, len(t.nodeKey))
	for i, k := range t.nodeKey {
		l := NodeLists{
			P2N:    t.coder.ChildIndex(k),
			Parent: NoNode,
			Child:  make([]int, nc),
			Nbr:    make([]int, len(dirs)),
		}
		if k.Depth() > 0 {
			l.Parent = t.findKey(t.coder.Ancestor(k, k.Depth()-1))
		}
		for ci := range l.Child {
			l.Child[ci] = NoNode
			if !t.nodeAttr[i].Leaf {
				l.Child[ci] = t.findKey(t.coder.ChildKey(k, ci))
			}
		}
		for di, dir := range dirs {
			if di == self {
				l.Nbr[di] = i
				continue
			}
			l.Nbr[di] = NoNode
			if nk, ok := t.coder.Neighbor(k, dir, t.periodic); ok {
				l.Nbr[di] = t.findKey(nk)
			}
		}
		t.nodeList[i] = l
	}
}

// uniformErr turns a locally detected error into a uniformly reported
// one: every rank learns whether any rank failed, so nobody proceeds
// into a collective its peers have abandoned.
func (t *Tree) uniformErr(ctx context.Context, local error) error {
	flag := int64(0)
	if local != nil {
		flag = 1
	}
	anyFailed, err := dcomm.AllreduceMax(ctx, t.comm, flag)
	if err != nil {
		return err
	}
	if local != nil {
		return local
	}
	if anyFailed != 0 {
		return fmt.Errorf("%w: collective aborted by a peer rank", ErrArgument)
	}
	return nil
}
