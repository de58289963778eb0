package dtree

import (
	"context"
	"sort"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
)

// ghostInfo is the ghost-exchange response record: whether the
// requested cell exists as a node on its owner, and its leaf flag.
type ghostInfo struct {
	Key   dmorton.Key
	Leaf  bool
	Found bool
}

// exchangeGhosts materializes read-only copies of the remotely owned
// cells referenced by local adjacency: same-level neighbors across the
// partition boundary, parents of the leading ancestor chain, and
// children of boundary-spanning non-leaf nodes.
//
// One request round routes deduplicated keys to their owners, one
// response round returns existence and attributes. Owners record which
// ranks hold each of their nodes as ghosts; Broadcast and
// ReduceBroadcast consume that registry. Ghosts are inserted flanking
// the owned segment so the full array stays key-sorted, and all
// adjacency is relinked.
func (t *Tree) exchangeGhosts(ctx context.Context) error {
	rank := t.comm.Rank()
	size := t.comm.Size()
	lo, hi := t.minsPos[rank], t.minsPos[rank+1]
	dirs := t.coder.Directions()
	self := t.coder.SelfDirection()

	wanted := make(map[dmorton.Key]struct{})
	for i := t.ownBegin; i < t.ownEnd; i++ {
		k := t.nodeKey[i]
		for di, dir := range dirs {
			if di == self {
				continue
			}
			nk, ok := t.coder.Neighbor(k, dir, t.periodic)
			if !ok {
				continue
			}
			if nk.Bits() < lo || nk.Bits() >= hi {
				wanted[nk] = struct{}{}
			}
		}
		if k.Depth() > 0 {
			if p := t.coder.Ancestor(k, k.Depth()-1); p.Bits() < lo {
				wanted[p] = struct{}{}
			}
		}
		if !t.nodeAttr[i].Leaf {
			for ci := 0; ci < t.coder.NumChildren(); ci++ {
				if ck := t.coder.ChildKey(k, ci); ck.Bits() >= hi {
					wanted[ck] = struct{}{}
				}
			}
		}
	}

	reqs := make([]dmorton.Key, 0, len(wanted))
	for k := range wanted {
		reqs = append(reqs, k)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Less(reqs[j]) })

	cnt := make([]int64, size)
	for _, k := range reqs {
		cnt[t.rankOf(k.Bits())]++
	}
	recvReq, reqCnt, err := dcomm.Alltoallv(ctx, t.comm, reqs, cnt)
	if err != nil {
		return err
	}

	t.ghostHolders = make(map[dmorton.Key][]int)
	resp := make([]ghostInfo, len(recvReq))
	idx := 0
	for from := 0; from < size; from++ {
		for n := int64(0); n < reqCnt[from]; n++ {
			k := recvReq[idx]
			g := ghostInfo{Key: k}
			if j := t.findKey(k); j != NoNode {
				g.Leaf = t.nodeAttr[j].Leaf
				g.Found = true
				if from != rank {
					t.ghostHolders[k] = append(t.ghostHolders[k], from)
				}
			}
			resp[idx] = g
			idx++
		}
	}

	// Responses come back concatenated in owner-rank order, which is
	// exactly the sorted request order, so found ghosts arrive sorted.
	back, _, err := dcomm.Alltoallv(ctx, t.comm, resp, reqCnt)
	if err != nil {
		return err
	}

	var low, high []ghostInfo
	for _, g := range back {
		if !g.Found {
			continue
		}
		if g.Key.Bits() < lo {
			low = append(low, g)
		} else {
			high = append(high, g)
		}
	}

	nOwned := t.ownEnd - t.ownBegin
	keys := make([]dmorton.Key, 0, len(low)+nOwned+len(high))
	attrs := make([]NodeAttr, 0, cap(keys))
	for _, g := range low {
		keys = append(keys, g.Key)
		attrs = append(attrs, NodeAttr{Leaf: g.Leaf, Ghost: true})
	}
	keys = append(keys, t.nodeKey[t.ownBegin:t.ownEnd]...)
	attrs = append(attrs, t.nodeAttr[t.ownBegin:t.ownEnd]...)
	for _, g := range high {
		keys = append(keys, g.Key)
		attrs = append(attrs, NodeAttr{Leaf: g.Leaf, Ghost: true})
	}

	t.nodeKey = keys
	t.nodeAttr = attrs
	t.ownBegin = len(low)
	t.ownEnd = len(low) + nOwned
	t.linkNodes()
	return nil
}
