package dtree

import (
	"context"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
)

// balance21 refines the owned leaf set until the 2:1 level restriction
// holds globally: for every leaf at depth L, each existing same-level
// neighbor is covered by a cell no coarser than depth L-1.
//
// Each pass, every leaf emits one candidate cell per neighbor, the
// depth L-1 ancestor of the neighbor key, routed to the rank owning
// the neighbor's range. A coarser covering leaf is split toward the
// candidate. Passes repeat to a global fixed point; they terminate
// because splitting only deepens cells, bounded by the maximum depth.
//
// Ownership boundaries are untouched: a split leaf's children start at
// the same key range position, so only populations shift, and the
// caller rebalances once afterwards.
func (t *Tree) balance21(ctx context.Context, leaves []dmorton.Key) ([]dmorton.Key, error) {
	rank := t.comm.Rank()
	size := t.comm.Size()
	dirs := t.coder.Directions()
	self := t.coder.SelfDirection()

	for {
		scheduled := bitset.New(uint(len(leaves)))
		pending := make(map[int][]dmorton.Key)
		remote := make([][]dmorton.Key, size)

		schedule := func(cell dmorton.Key) {
			i := coveringLeaf(leaves, cell.Bits())
			if i < 0 || leaves[i].Depth() >= cell.Depth() {
				return
			}
			pending[i] = append(pending[i], cell)
			scheduled.Set(uint(i))
		}

		for _, leaf := range leaves {
			if leaf.Depth() < 2 {
				// A depth 0 covering cell always exists,
				// so these leaves cannot be under-balanced against.
				continue
			}
			for di, dir := range dirs {
				if di == self {
					continue
				}
				nk, ok := t.coder.Neighbor(leaf, dir, t.periodic)
				if !ok {
					continue
				}
				cand := t.coder.Ancestor(nk, leaf.Depth()-1)
				if owner := t.rankOf(cand.Bits()); owner != rank {
					remote[owner] = append(remote[owner], cand)
				} else {
					schedule(cand)
				}
			}
		}

		flat := make([]dmorton.Key, 0)
		cnt := make([]int64, size)
		for r, b := range remote {
			cnt[r] = int64(len(b))
			flat = append(flat, b...)
		}
		received, _, err := dcomm.Alltoallv(ctx, t.comm, flat, cnt)
		if err != nil {
			return nil, err
		}
		for _, cand := range received {
			schedule(cand)
		}

		var localChanged int64
		if scheduled.Any() {
			localChanged = 1
		}
		changed, err := dcomm.AllreduceMax(ctx, t.comm, localChanged)
		if err != nil {
			return nil, err
		}
		if changed == 0 {
			return leaves, nil
		}

		next := make([]dmorton.Key, 0, len(leaves)+int(scheduled.Count())*t.coder.NumChildren())
		for i, leaf := range leaves {
			if !scheduled.Test(uint(i)) {
				next = append(next, leaf)
				continue
			}
			next = t.splitToTargets(next, leaf, pending[i])
		}
		leaves = next
		observeBalancePass()
	}
}

// coveringLeaf returns the index of the leaf whose key range contains
// the given bit position, assuming leaves tile the owned range.
func coveringLeaf(leaves []dmorton.Key, pos uint64) int {
	i := sort.Search(len(leaves), func(j int) bool { return leaves[j].Bits() > pos })
	return i - 1
}

// splitToTargets appends the refinement of leaf k satisfying every
// target cell: the tree must contain a cell at each target's depth
// covering the target's position. Children not on a target path stay
// leaves at their intermediate depth; the next balance pass re-checks
// them.
func (t *Tree) splitToTargets(out []dmorton.Key, k dmorton.Key, targets []dmorton.Key) []dmorton.Key {
	deeper := false
	for _, tg := range targets {
		if tg.Depth() > k.Depth() {
			deeper = true
			break
		}
	}
	if !deeper {
		return append(out, k)
	}
	for i := 0; i < t.coder.NumChildren(); i++ {
		ck := t.coder.ChildKey(k, i)
		end := t.coder.RangeEnd(ck)
		var sub []dmorton.Key
		for _, tg := range targets {
			if tg.Bits() >= ck.Bits() && tg.Bits() < end {
				sub = append(sub, tg)
			}
		}
		out = t.splitToTargets(out, ck, sub)
	}
	return out
}
