package dptree

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
	"github.com/dendro-engine/dendro/dtree"
)

// Config carries the dependencies of a [Tree].
type Config struct {
	// Log receives structured progress output.
	// A nil Log discards everything.
	Log *slog.Logger

	// Comm is the process group the tree is distributed over.
	Comm *dcomm.Comm

	// Dim is the spatial dimension, between 1 and 3.
	Dim int
}

// particleArray is one named per-particle data association, stored in
// held-particle order with a fixed element width.
type particleArray struct {
	width  int64
	values []float64
}

// group is one named particle set.
//
// origOff is the global index offset vector of the original
// distribution: rank r contributed particles [origOff[r], origOff[r+1])
// in its local order. It never changes after AddParticles; it is what
// lets GetParticleData restore the original order.
//
// keys and gidx describe the held particles, sorted by cell key with
// the global index breaking ties, so the held order is deterministic.
type group struct {
	origOff []int64
	keys    []dmorton.Key
	gidx    []int64
	data    map[string]*particleArray
}

// Tree is one rank's share of a particle-bearing spatial hierarchy.
type Tree struct {
	log  *slog.Logger
	core *dtree.Tree

	groups map[string]*group

	// dataGroup maps a data array name to its group. A group's
	// coordinate array is registered under the group's own name.
	dataGroup map[string]string
}

// NewTree creates a particle tree over the trivial refinement.
func NewTree(cfg Config) (*Tree, error) {
	core, err := dtree.NewTree(dtree.Config{Log: cfg.Log, Comm: cfg.Comm, Dim: cfg.Dim})
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tree{
		log:       log,
		core:      core,
		groups:    make(map[string]*group),
		dataGroup: make(map[string]string),
	}, nil
}

// Core returns the underlying node hierarchy. Node-level operations,
// the node data store, and all accessors remain available through it.
func (t *Tree) Core() *dtree.Tree { return t.core }

// NumParticles returns the number of particles of the named group held
// locally, or 0 for an unknown group.
func (t *Tree) NumParticles(name string) int {
	g, ok := t.groups[name]
	if !ok {
		return 0
	}
	return len(g.keys)
}

// ptRecord is the wire record of particle routing.
type ptRecord struct {
	Key  dmorton.Key
	Gidx int64
}

func (t *Tree) checkCollective(ctx context.Context, parts ...string) error {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	same, err := dcomm.SameEverywhere(ctx, t.core.Comm(), h.Sum64())
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%w: %v", dtree.ErrProtocolMismatch, parts)
	}
	return nil
}

func (t *Tree) uniformErr(ctx context.Context, local error) error {
	flag := int64(0)
	if local != nil {
		flag = 1
	}
	anyFailed, err := dcomm.AllreduceMax(ctx, t.core.Comm(), flag)
	if err != nil {
		return err
	}
	if local != nil {
		return local
	}
	if anyFailed != 0 {
		return fmt.Errorf("%w: collective aborted by a peer rank", dtree.ErrArgument)
	}
	return nil
}

// origRank returns the rank that originally contributed global index g.
func origRank(off []int64, g int64) int {
	return sort.Search(len(off)-2, func(r int) bool { return off[r+1] > g })
}

// sortPerm returns the permutation ordering particles by cell key, with
// the global index breaking ties between coincident particles.
func sortPerm(keys []dmorton.Key, gidx []int64) []int {
	perm := make([]int, len(keys))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool {
		ka, kb := keys[perm[a]], keys[perm[b]]
		if ka != kb {
			return ka.Less(kb)
		}
		return gidx[perm[a]] < gidx[perm[b]]
	})
	return perm
}

// applyPerm gathers width-strided segments into permutation order.
func applyPerm(perm []int, width int64, vals []float64) []float64 {
	out := make([]float64, len(vals))
	for ni, oi := range perm {
		copy(out[int64(ni)*width:(int64(ni)+1)*width], vals[int64(oi)*width:(int64(oi)+1)*width])
	}
	return out
}

// AddParticles registers a named particle group.
//
// coord holds this rank's particles in [0,1)^dim, flattened one point
// after another, in an arbitrary caller-defined order. The particles
// are scattered to the ranks owning their cells; the caller's order and
// distribution remain recoverable through GetParticleData, which also
// accepts the group name itself to return the coordinates.
//
// This is a collective operation.
func (t *Tree) AddParticles(ctx context.Context, name string, coord []float64) error {
	comm := t.core.Comm()
	coder := t.core.Coder()
	dim := coder.Dim()

	var local error
	if name == "" {
		local = fmt.Errorf("%w: empty group name", dtree.ErrArgument)
	} else if _, dup := t.dataGroup[name]; dup {
		local = fmt.Errorf("%w: name %q already in use", dtree.ErrArgument, name)
	} else if len(coord)%dim != 0 {
		local = fmt.Errorf("%w: coordinate buffer length %d is not a multiple of dim %d",
			dtree.ErrArgument, len(coord), dim)
	}
	if err := t.checkCollective(ctx, "AddParticles", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}

	n := len(coord) / dim
	counts, err := dcomm.Allgather(ctx, comm, int64(n))
	if err != nil {
		return err
	}
	origOff := make([]int64, comm.Size()+1)
	for r, c := range counts {
		origOff[r+1] = origOff[r] + c
	}

	var encodeErr error
	recs := make([]ptRecord, 0, n)
	for i := 0; i < n; i++ {
		k, err := coder.Encode(coord[i*dim:(i+1)*dim], coder.MaxDepth())
		if err != nil {
			encodeErr = fmt.Errorf("%w: particle %d: %v", dtree.ErrArgument, i, err)
			break
		}
		recs = append(recs, ptRecord{Key: k, Gidx: origOff[comm.Rank()] + int64(i)})
	}
	if err := t.uniformErr(ctx, encodeErr); err != nil {
		return err
	}

	// Route each particle, with its coordinates, to its cell's owner.
	size := comm.Size()
	recCnt := make([]int64, size)
	order := make([]int, 0, n)
	for dest := 0; dest < size; dest++ {
		for i, r := range recs {
			if t.core.OwnerOf(r.Key) == dest {
				recCnt[dest]++
				order = append(order, i)
			}
		}
	}
	sendRecs := make([]ptRecord, n)
	sendVals := make([]float64, n*dim)
	for j, i := range order {
		sendRecs[j] = recs[i]
		copy(sendVals[j*dim:(j+1)*dim], coord[i*dim:(i+1)*dim])
	}
	valCnt := make([]int64, size)
	for r, c := range recCnt {
		valCnt[r] = c * int64(dim)
	}
	gotRecs, _, err := dcomm.Alltoallv(ctx, comm, sendRecs, recCnt)
	if err != nil {
		return err
	}
	gotVals, _, err := dcomm.Alltoallv(ctx, comm, sendVals, valCnt)
	if err != nil {
		return err
	}

	keys := make([]dmorton.Key, len(gotRecs))
	gidx := make([]int64, len(gotRecs))
	for i, r := range gotRecs {
		keys[i] = r.Key
		gidx[i] = r.Gidx
	}
	perm := sortPerm(keys, gidx)
	g := &group{
		origOff: origOff,
		keys:    make([]dmorton.Key, len(keys)),
		gidx:    make([]int64, len(gidx)),
		data:    make(map[string]*particleArray),
	}
	for ni, oi := range perm {
		g.keys[ni] = keys[oi]
		g.gidx[ni] = gidx[oi]
	}
	g.data[name] = &particleArray{width: int64(dim), values: applyPerm(perm, int64(dim), gotVals)}
	t.groups[name] = g
	t.dataGroup[name] = name

	t.log.Info("particle group added",
		"rank", comm.Rank(),
		"group", name,
		"contributed", n,
		"held", len(g.keys))
	return nil
}

// AddParticleData attaches a named data array to a particle group.
//
// data holds width elements per particle of this rank's ORIGINAL
// contribution, in the original order; the width is inferred from the
// buffer length and must agree across ranks. The elements are forwarded
// to the ranks currently holding the particles.
//
// This is a collective operation.
func (t *Tree) AddParticleData(ctx context.Context, name, groupName string, data []float64) error {
	comm := t.core.Comm()
	size := comm.Size()
	rank := comm.Rank()

	var local error
	g, ok := t.groups[groupName]
	var nOrig int64
	if !ok {
		local = fmt.Errorf("%w: particle group %q", dtree.ErrNotFound, groupName)
	} else if _, dup := t.dataGroup[name]; dup {
		local = fmt.Errorf("%w: name %q already in use", dtree.ErrArgument, name)
	} else {
		nOrig = g.origOff[rank+1] - g.origOff[rank]
		if nOrig == 0 && len(data) != 0 {
			local = fmt.Errorf("%w: %d elements for an empty original contribution", dtree.ErrArgument, len(data))
		} else if nOrig > 0 && int64(len(data))%nOrig != 0 {
			local = fmt.Errorf("%w: %d elements do not divide over %d particles", dtree.ErrArgument, len(data), nOrig)
		}
	}
	if err := t.checkCollective(ctx, "AddParticleData", name, groupName); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}

	var localWidth int64
	if nOrig > 0 {
		localWidth = int64(len(data)) / nOrig
	}
	width, err := dcomm.AllreduceMax(ctx, comm, localWidth)
	if err != nil {
		return err
	}
	var widthErr error
	if nOrig > 0 && localWidth != width {
		widthErr = fmt.Errorf("%w: element width %d here, %d elsewhere", dtree.ErrArgument, localWidth, width)
	}
	if err := t.uniformErr(ctx, widthErr); err != nil {
		return err
	}

	// Each holder asks the original ranks for its particles' elements.
	reqs := make([]int64, 0, len(g.gidx))
	reqCnt := make([]int64, size)
	slots := make([][]int, size)
	for dest := 0; dest < size; dest++ {
		for i, gi := range g.gidx {
			if origRank(g.origOff, gi) == dest {
				reqs = append(reqs, gi)
				reqCnt[dest]++
				slots[dest] = append(slots[dest], i)
			}
		}
	}
	gotReqs, gotCnt, err := dcomm.Alltoallv(ctx, comm, reqs, reqCnt)
	if err != nil {
		return err
	}

	resp := make([]float64, 0, int64(len(gotReqs))*width)
	respCnt := make([]int64, size)
	myOff := g.origOff[rank]
	idx := 0
	for from := 0; from < size; from++ {
		respCnt[from] = gotCnt[from] * width
		for n := int64(0); n < gotCnt[from]; n++ {
			p := (gotReqs[idx] - myOff) * width
			resp = append(resp, data[p:p+width]...)
			idx++
		}
	}
	back, _, err := dcomm.Alltoallv(ctx, comm, resp, respCnt)
	if err != nil {
		return err
	}

	vals := make([]float64, int64(len(g.gidx))*width)
	var off int64
	for from := 0; from < size; from++ {
		for _, slot := range slots[from] {
			copy(vals[int64(slot)*width:(int64(slot)+1)*width], back[off:off+width])
			off += width
		}
	}
	g.data[name] = &particleArray{width: width, values: vals}
	t.dataGroup[name] = groupName
	return nil
}

// GetParticleData returns the named array in the ORIGINAL order and
// distribution of its group's AddParticles call: each rank receives
// width elements per particle it originally contributed. The group name
// itself names the coordinate array.
//
// This is a collective operation.
func (t *Tree) GetParticleData(ctx context.Context, name string) ([]float64, error) {
	comm := t.core.Comm()
	size := comm.Size()
	rank := comm.Rank()

	var local error
	var g *group
	var arr *particleArray
	if gname, ok := t.dataGroup[name]; ok {
		g = t.groups[gname]
		arr = g.data[name]
	} else {
		local = fmt.Errorf("%w: particle data %q", dtree.ErrNotFound, name)
	}
	if err := t.checkCollective(ctx, "GetParticleData", name); err != nil {
		return nil, err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return nil, err
	}

	// Send each held particle's elements back to its original rank.
	width := arr.width
	idxs := make([]int64, 0, len(g.gidx))
	idxCnt := make([]int64, size)
	vals := make([]float64, 0, int64(len(g.gidx))*width)
	valCnt := make([]int64, size)
	for dest := 0; dest < size; dest++ {
		for i, gi := range g.gidx {
			if origRank(g.origOff, gi) == dest {
				idxs = append(idxs, gi)
				idxCnt[dest]++
				vals = append(vals, arr.values[int64(i)*width:(int64(i)+1)*width]...)
				valCnt[dest] += width
			}
		}
	}
	gotIdxs, _, err := dcomm.Alltoallv(ctx, comm, idxs, idxCnt)
	if err != nil {
		return nil, err
	}
	gotVals, _, err := dcomm.Alltoallv(ctx, comm, vals, valCnt)
	if err != nil {
		return nil, err
	}

	myOff := g.origOff[rank]
	nOrig := g.origOff[rank+1] - myOff
	out := make([]float64, nOrig*width)
	for i, gi := range gotIdxs {
		copy(out[(gi-myOff)*width:(gi-myOff+1)*width], gotVals[int64(i)*width:(int64(i)+1)*width])
	}
	return out, nil
}

// DeleteParticleData removes a named particle data array. Deleting a
// group's coordinate array removes the whole group and every array
// attached to it.
//
// This is a collective operation.
func (t *Tree) DeleteParticleData(ctx context.Context, name string) error {
	var local error
	gname, ok := t.dataGroup[name]
	if !ok {
		local = fmt.Errorf("%w: particle data %q", dtree.ErrNotFound, name)
	}
	if err := t.checkCollective(ctx, "DeleteParticleData", name); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}

	if gname == name {
		for n, gn := range t.dataGroup {
			if gn == gname {
				delete(t.dataGroup, n)
			}
		}
		delete(t.groups, gname)
		return nil
	}
	delete(t.groups[gname].data, name)
	delete(t.dataGroup, name)
	return nil
}

// UpdateRefinement rebuilds the node hierarchy from the given point
// cloud, then migrates every particle group, with all attached arrays,
// to the new cell owners. See [dtree.Tree.UpdateRefinement] for the
// refinement semantics.
//
// This is a collective operation.
func (t *Tree) UpdateRefinement(ctx context.Context, coord []float64, maxPerLeaf int, balance21, periodic bool) error {
	if err := t.core.UpdateRefinement(ctx, coord, maxPerLeaf, balance21, periodic); err != nil {
		return err
	}

	names := make([]string, 0, len(t.groups))
	for name := range t.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := t.migrateGroup(ctx, t.groups[name]); err != nil {
			return err
		}
	}
	return nil
}

// migrateGroup re-routes a group's particles by the current partition
// and restores the held sort order, carrying every data array along.
func (t *Tree) migrateGroup(ctx context.Context, g *group) error {
	comm := t.core.Comm()
	size := comm.Size()

	recCnt := make([]int64, size)
	order := make([]int, 0, len(g.keys))
	for dest := 0; dest < size; dest++ {
		for i, k := range g.keys {
			if t.core.OwnerOf(k) == dest {
				recCnt[dest]++
				order = append(order, i)
			}
		}
	}

	sendRecs := make([]ptRecord, len(g.keys))
	for j, i := range order {
		sendRecs[j] = ptRecord{Key: g.keys[i], Gidx: g.gidx[i]}
	}
	gotRecs, _, err := dcomm.Alltoallv(ctx, comm, sendRecs, recCnt)
	if err != nil {
		return err
	}

	keys := make([]dmorton.Key, len(gotRecs))
	gidx := make([]int64, len(gotRecs))
	for i, r := range gotRecs {
		keys[i] = r.Key
		gidx[i] = r.Gidx
	}
	perm := sortPerm(keys, gidx)

	dataNames := make([]string, 0, len(g.data))
	for name := range g.data {
		dataNames = append(dataNames, name)
	}
	sort.Strings(dataNames)
	for _, name := range dataNames {
		arr := g.data[name]
		w := arr.width
		sendVals := make([]float64, int64(len(order))*w)
		valCnt := make([]int64, size)
		for r, c := range recCnt {
			valCnt[r] = c * w
		}
		for j, i := range order {
			copy(sendVals[int64(j)*w:(int64(j)+1)*w], arr.values[int64(i)*w:(int64(i)+1)*w])
		}
		gotVals, _, err := dcomm.Alltoallv(ctx, comm, sendVals, valCnt)
		if err != nil {
			return err
		}
		arr.values = applyPerm(perm, w, gotVals)
	}

	g.keys = make([]dmorton.Key, len(keys))
	g.gidx = make([]int64, len(gidx))
	for ni, oi := range perm {
		g.keys[ni] = keys[oi]
		g.gidx[ni] = gidx[oi]
	}
	return nil
}
