package dtree

import (
	"context"
	"fmt"
	"sort"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
)

// namedArray is one named per-node data association: a flat value
// buffer plus per-node element counts and displacements. Counts cover
// every local node including ghosts; ghost slots start empty until a
// Broadcast fills them.
type namedArray struct {
	values []float64
	cnt    []int64
	dsp    []int64
}

func scanCounts(cnt []int64) []int64 {
	dsp := make([]int64, len(cnt))
	var off int64
	for i, n := range cnt {
		dsp[i] = off
		off += n
	}
	return dsp
}

// AddData attaches a named data array to the tree nodes.
//
// cnt gives the number of elements per local node (ghosts included)
// and must match the current node count; data holds the elements of
// all nodes concatenated and must match sum(cnt). The buffers are
// copied; the association survives refinements by re-scattering.
//
// This is a collective operation.
func (t *Tree) AddData(ctx context.Context, name string, data []float64, cnt []int64) error {
	var local error
	if _, dup := t.store[name]; dup {
		local = fmt.Errorf("%w: data %q already exists", ErrArgument, name)
	} else if len(cnt) != len(t.nodeKey) {
		local = fmt.Errorf("%w: %d counts for %d nodes", ErrArgument, len(cnt), len(t.nodeKey))
	} else {
		var sum int64
		for _, n := range cnt {
			if n < 0 {
				local = fmt.Errorf("%w: negative count", ErrArgument)
				break
			}
			sum += n
		}
		if local == nil && sum != int64(len(data)) {
			local = fmt.Errorf("%w: counts sum to %d, data has %d elements", ErrArgument, sum, len(data))
		}
	}
	if err := t.checkCollective(ctx, "AddData", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}

	arr := &namedArray{
		values: append([]float64(nil), data...),
		cnt:    append([]int64(nil), cnt...),
	}
	arr.dsp = scanCounts(arr.cnt)
	t.store[name] = arr
	return nil
}

// GetData returns the named array and its per-node counts as read-only
// views: callers may edit values in place but must not change the
// layout. Not collective.
func (t *Tree) GetData(name string) (values []float64, cnt []int64, err error) {
	arr, ok := t.store[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: data %q", ErrNotFound, name)
	}
	return arr.values, arr.cnt, nil
}

// DeleteData removes a named data association. Later access fails with
// ErrNotFound.
//
// This is a collective operation.
func (t *Tree) DeleteData(ctx context.Context, name string) error {
	var local error
	if _, ok := t.store[name]; !ok {
		local = fmt.Errorf("%w: data %q", ErrNotFound, name)
	}
	if err := t.checkCollective(ctx, "DeleteData", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}
	delete(t.store, name)
	return nil
}

// ghostSlot is the wire record of Broadcast/ReduceBroadcast: one
// node's data segment addressed by key.
type ghostSlot struct {
	Key dmorton.Key
	Cnt int64
}

// Broadcast refreshes every ghost copy of the named array from its
// owner. Ghost slots adopt the owner's count and values; owned slots
// are untouched.
//
// This is a collective operation.
func (t *Tree) Broadcast(ctx context.Context, name string) error {
	var local error
	if _, ok := t.store[name]; !ok {
		local = fmt.Errorf("%w: data %q", ErrNotFound, name)
	}
	if err := t.checkCollective(ctx, "Broadcast", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}
	return t.broadcastLocked(ctx, name)
}

// broadcastLocked is Broadcast without the protocol preamble, shared
// with ReduceBroadcast.
func (t *Tree) broadcastLocked(ctx context.Context, name string) error {
	arr := t.store[name]
	size := t.comm.Size()

	meta := make([][]ghostSlot, size)
	vals := make([][]float64, size)
	for i := t.ownBegin; i < t.ownEnd; i++ {
		holders := t.ghostHolders[t.nodeKey[i]]
		if len(holders) == 0 {
			continue
		}
		seg := arr.values[arr.dsp[i] : arr.dsp[i]+arr.cnt[i]]
		for _, h := range holders {
			meta[h] = append(meta[h], ghostSlot{Key: t.nodeKey[i], Cnt: arr.cnt[i]})
			vals[h] = append(vals[h], seg...)
		}
	}
	recvMeta, recvVals, err := exchangeSlots(ctx, t.comm, meta, vals)
	if err != nil {
		return err
	}

	updates := make(map[int][]float64, len(recvMeta))
	var off int64
	for _, m := range recvMeta {
		idx := t.findKey(m.Key)
		if idx != NoNode && t.nodeAttr[idx].Ghost {
			updates[idx] = recvVals[off : off+m.Cnt]
		}
		off += m.Cnt
	}
	t.rebuildArray(arr, updates)
	return nil
}

// ReduceBroadcast sums ghost-held contributions of the named array
// back onto the owner's slot, then broadcasts the authoritative value
// to every ghost holder. Contributions must match the owner's per-node
// count; an owner slot still empty adopts the first contribution's
// count as zero-filled before summing.
//
// This is a collective operation.
func (t *Tree) ReduceBroadcast(ctx context.Context, name string) error {
	var local error
	if _, ok := t.store[name]; !ok {
		local = fmt.Errorf("%w: data %q", ErrNotFound, name)
	}
	if err := t.checkCollective(ctx, "ReduceBroadcast", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}
	arr := t.store[name]
	size := t.comm.Size()

	meta := make([][]ghostSlot, size)
	vals := make([][]float64, size)
	for i, k := range t.nodeKey {
		if !t.nodeAttr[i].Ghost || arr.cnt[i] == 0 {
			continue
		}
		owner := t.rankOf(k.Bits())
		meta[owner] = append(meta[owner], ghostSlot{Key: k, Cnt: arr.cnt[i]})
		vals[owner] = append(vals[owner], arr.values[arr.dsp[i]:arr.dsp[i]+arr.cnt[i]]...)
	}
	recvMeta, recvVals, err := exchangeSlots(ctx, t.comm, meta, vals)
	if err != nil {
		return err
	}

	sums := make(map[int][]float64)
	var reduceErr error
	var off int64
	for _, m := range recvMeta {
		seg := recvVals[off : off+m.Cnt]
		off += m.Cnt

		idx := t.findKey(m.Key)
		if idx == NoNode || t.nodeAttr[idx].Ghost {
			reduceErr = fmt.Errorf("%w: ghost contribution for %v, which is not owned here", ErrArgument, m.Key)
			continue
		}
		acc, ok := sums[idx]
		if !ok {
			if arr.cnt[idx] == 0 {
				acc = make([]float64, m.Cnt)
			} else {
				acc = append([]float64(nil), arr.values[arr.dsp[idx]:arr.dsp[idx]+arr.cnt[idx]]...)
			}
			sums[idx] = acc
		}
		if int64(len(acc)) != m.Cnt {
			reduceErr = fmt.Errorf("%w: ghost contribution for %v has %d elements, owner holds %d",
				ErrArgument, m.Key, m.Cnt, len(acc))
			continue
		}
		for j, v := range seg {
			acc[j] += v
		}
	}
	if err := t.uniformErr(ctx, reduceErr); err != nil {
		return err
	}

	t.rebuildArray(arr, sums)
	return t.broadcastLocked(ctx, name)
}

// rebuildArray replaces whole per-node segments of arr. Counts may
// change, so the buffer is reassembled rather than patched.
func (t *Tree) rebuildArray(arr *namedArray, updates map[int][]float64) {
	if len(updates) == 0 {
		return
	}
	newCnt := append([]int64(nil), arr.cnt...)
	var total int64
	for i := range newCnt {
		if u, ok := updates[i]; ok {
			newCnt[i] = int64(len(u))
		}
		total += newCnt[i]
	}
	newVals := make([]float64, 0, total)
	for i := range newCnt {
		if u, ok := updates[i]; ok {
			newVals = append(newVals, u...)
		} else {
			newVals = append(newVals, arr.values[arr.dsp[i]:arr.dsp[i]+arr.cnt[i]]...)
		}
	}
	arr.values = newVals
	arr.cnt = newCnt
	arr.dsp = scanCounts(newCnt)
}

// exchangeSlots runs the paired meta/value all-to-all used by the
// ghost data paths.
func exchangeSlots(ctx context.Context, c *dcomm.Comm, meta [][]ghostSlot, vals [][]float64) ([]ghostSlot, []float64, error) {
	size := c.Size()
	flatMeta := make([]ghostSlot, 0)
	metaCnt := make([]int64, size)
	flatVals := make([]float64, 0)
	valCnt := make([]int64, size)
	for r := 0; r < size; r++ {
		metaCnt[r] = int64(len(meta[r]))
		flatMeta = append(flatMeta, meta[r]...)
		valCnt[r] = int64(len(vals[r]))
		flatVals = append(flatVals, vals[r]...)
	}
	recvMeta, _, err := dcomm.Alltoallv(ctx, c, flatMeta, metaCnt)
	if err != nil {
		return nil, nil, err
	}
	recvVals, _, err := dcomm.Alltoallv(ctx, c, flatVals, valCnt)
	if err != nil {
		return nil, nil, err
	}
	return recvMeta, recvVals, nil
}

// snapshotStore captures the owned segments of every named array
// before a refinement, keyed for the re-scatter that follows it.
type storeSnapshot struct {
	cnt    []int64
	values []float64
}

func (t *Tree) snapshotStore() map[string]storeSnapshot {
	snap := make(map[string]storeSnapshot, len(t.store))
	for name, arr := range t.store {
		begin, end := t.ownBegin, t.ownEnd
		var lo, hi int64
		if end > begin {
			lo = arr.dsp[begin]
			hi = arr.dsp[end-1] + arr.cnt[end-1]
		}
		snap[name] = storeSnapshot{
			cnt:    append([]int64(nil), arr.cnt[begin:end]...),
			values: append([]float64(nil), arr.values[lo:hi]...),
		}
	}
	return snap
}

// rescatterStore re-attaches every named array to the new tree: each
// old owned node's segment follows its key to the new owner, then
// lands on the node with the identical key, or on the deepest local
// node covering the old cell when the exact key is gone, and is
// dropped only if no covering node remains. Ghost slots start empty.
func (t *Tree) rescatterStore(ctx context.Context, oldKeys []dmorton.Key, snap map[string]storeSnapshot) error {
	if len(snap) == 0 {
		return nil
	}
	size := t.comm.Size()

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		old := snap[name]
		dsp := scanCounts(old.cnt)

		meta := make([][]ghostSlot, size)
		vals := make([][]float64, size)
		for i, k := range oldKeys {
			if old.cnt[i] == 0 {
				continue
			}
			dest := t.rankOf(k.Bits())
			meta[dest] = append(meta[dest], ghostSlot{Key: k, Cnt: old.cnt[i]})
			vals[dest] = append(vals[dest], old.values[dsp[i]:dsp[i]+old.cnt[i]]...)
		}
		recvMeta, recvVals, err := exchangeSlots(ctx, t.comm, meta, vals)
		if err != nil {
			return err
		}

		newCnt := make([]int64, len(t.nodeKey))
		segs := make(map[int][][]float64)
		var off int64
		for _, m := range recvMeta {
			seg := recvVals[off : off+m.Cnt]
			off += m.Cnt

			idx := t.findKey(m.Key)
			for d := m.Key.Depth(); idx == NoNode && d > 0; d-- {
				idx = t.findKey(t.coder.Ancestor(m.Key, d-1))
			}
			if idx == NoNode || t.nodeAttr[idx].Ghost {
				continue
			}
			newCnt[idx] += m.Cnt
			segs[idx] = append(segs[idx], seg)
		}

		arr := &namedArray{cnt: newCnt, dsp: scanCounts(newCnt)}
		var total int64
		for _, n := range newCnt {
			total += n
		}
		arr.values = make([]float64, 0, total)
		for i := range newCnt {
			for _, seg := range segs[i] {
				arr.values = append(arr.values, seg...)
			}
		}
		t.store[name] = arr
	}
	return nil
}
