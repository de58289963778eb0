package dtree

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
)

// Config carries the dependencies of a [Tree].
type Config struct {
	// Log receives structured progress output.
	// A nil Log discards everything.
	Log *slog.Logger

	// Comm is the process group the tree is distributed over.
	// It is required; use [dcomm.Self] for a single-process tree.
	Comm *dcomm.Comm

	// Dim is the spatial dimension, between 1 and 3.
	Dim int
}

// Tree is one rank's share of the distributed spatial hierarchy.
//
// A Tree exclusively owns its node, attribute, and adjacency arrays
// and its data store; accessors return views into them that must not
// be resized or reordered by the caller.
type Tree struct {
	log   *slog.Logger
	comm  *dcomm.Comm
	coder dmorton.Coder

	periodic bool

	// minsPos[r] is the start of rank r's owned key range in
	// interleaved bit space; minsPos[Size] is the domain end.
	minsPos []uint64

	// Node arrays, sorted by key. Ghosts flank the owned segment
	// [ownBegin, ownEnd).
	nodeKey  []dmorton.Key
	nodeAttr []NodeAttr
	nodeList []NodeLists
	ownBegin int
	ownEnd   int

	// ghostHolders maps an owned node's key to the ranks holding a
	// ghost copy of it; it is the owner-side half of the ghost
	// exchange, consumed by Broadcast and ReduceBroadcast.
	ghostHolders map[dmorton.Key][]int

	store map[string]*namedArray
}

// NewTree creates a tree owning the trivial refinement: rank 0 holds
// the root cell as its only leaf, all other ranks hold nothing.
func NewTree(cfg Config) (*Tree, error) {
	if cfg.Comm == nil {
		return nil, fmt.Errorf("%w: Config.Comm is required", ErrArgument)
	}
	coder, err := dmorton.NewCoder(cfg.Dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgument, err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &Tree{
		log:          log,
		comm:         cfg.Comm,
		coder:        coder,
		ghostHolders: make(map[dmorton.Key][]int),
		store:        make(map[string]*namedArray),
	}

	t.minsPos = make([]uint64, t.comm.Size()+1)
	for r := 1; r <= t.comm.Size(); r++ {
		t.minsPos[r] = coder.DomainEnd()
	}
	if t.comm.Rank() == 0 {
		t.setOwnedNodes([]dmorton.Key{coder.Root()}, map[dmorton.Key]bool{coder.Root(): true})
	} else {
		t.setOwnedNodes(nil, nil)
	}
	return t, nil
}

// Comm returns the process group handle.
func (t *Tree) Comm() *dcomm.Comm { return t.comm }

// Coder returns the key coder; it also exposes the spatial dimension.
func (t *Tree) Coder() dmorton.Coder { return t.coder }

// PartitionKeys returns the partition boundary vector: rank r owns the
// key range [PartitionKeys()[r], PartitionKeys()[r+1]), with the last
// range closed by the domain end. The keys are strictly increasing
// unless some rank owns an empty range, which only happens while the
// global tree has fewer leaves than the group has ranks.
func (t *Tree) PartitionKeys() []dmorton.Key {
	keys := make([]dmorton.Key, t.comm.Size())
	for r := range keys {
		keys[r] = t.coder.KeyAt(t.minsPos[r], t.coder.MaxDepth())
	}
	return keys
}

// NodeKeys returns the keys of all local nodes, ghosts included,
// sorted ancestor-first.
func (t *Tree) NodeKeys() []dmorton.Key { return t.nodeKey }

// NodeAttrs returns the attributes of all local nodes, aligned with
// [Tree.NodeKeys].
func (t *Tree) NodeAttrs() []NodeAttr { return t.nodeAttr }

// Adjacency returns the parent/child/neighbor lists of all local
// nodes, aligned with [Tree.NodeKeys].
func (t *Tree) Adjacency() []NodeLists { return t.nodeList }

// NumNodes returns the total local node count, ghosts included.
func (t *Tree) NumNodes() int { return len(t.nodeKey) }

// OwnedRange returns the index range of owned (non-ghost) nodes within
// the local arrays.
func (t *Tree) OwnedRange() (begin, end int) { return t.ownBegin, t.ownEnd }

// Periodic reports whether the last refinement wrapped neighbors
// across the domain faces.
func (t *Tree) Periodic() bool { return t.periodic }

// OwnerOf returns the rank whose key range contains the given cell.
func (t *Tree) OwnerOf(k dmorton.Key) int { return t.rankOf(k.Bits()) }

// rankOf returns the rank owning the given interleaved bit position.
func (t *Tree) rankOf(pos uint64) int {
	return sort.Search(t.comm.Size()-1, func(r int) bool {
		return t.minsPos[r+1] > pos
	})
}

// findKey returns the local index of the node with exactly the given
// key, or NoNode.
func (t *Tree) findKey(k dmorton.Key) int {
	i := sort.Search(len(t.nodeKey), func(j int) bool {
		return !t.nodeKey[j].Less(k)
	})
	if i < len(t.nodeKey) && t.nodeKey[i] == k {
		return i
	}
	return NoNode
}

// checkCollective exchanges a cheap signature of the collective call
// before any expensive work, so diverged call sequences surface as
// ErrProtocolMismatch on every rank rather than a hang.
func (t *Tree) checkCollective(ctx context.Context, parts ...string) error {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	same, err := dcomm.SameEverywhere(ctx, t.comm, h.Sum64())
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%w: %v", ErrProtocolMismatch, parts)
	}
	return nil
}

// UpdateRefinement rebuilds the tree from the given point cloud.
//
// coord holds the process-local points in [0,1)^dim, flattened one
// point after another. Each leaf of the new tree contains at most
// maxPerLeaf points; balance21 additionally enforces the 2:1 level
// restriction between same-level-adjacent leaves; periodic wraps
// neighbor relations across the domain faces.
//
// The node arrays are rebuilt wholesale and ownership is rebalanced.
// Data arrays previously attached with AddData are re-scattered to the
// new owners; see the package comment of the store semantics.
//
// This is a collective operation.
func (t *Tree) UpdateRefinement(ctx context.Context, coord []float64, maxPerLeaf int, balance21, periodic bool) error {
	start := time.Now()

	var local error
	if maxPerLeaf < 1 {
		local = fmt.Errorf("%w: maxPerLeaf must be positive, got %d", ErrArgument, maxPerLeaf)
	} else if len(coord)%t.coder.Dim() != 0 {
		local = fmt.Errorf("%w: coordinate buffer length %d is not a multiple of dim %d",
			ErrArgument, len(coord), t.coder.Dim())
	}
	if err := t.checkCollective(ctx, "UpdateRefinement",
		fmt.Sprint(t.coder.Dim(), maxPerLeaf, balance21, periodic)); err != nil {
		return err
	}
	if err := t.uniformErr(ctx, local); err != nil {
		return err
	}

	// Snapshot the old owned nodes before the rebuild so attached
	// data can follow them to the new owners afterwards.
	oldKeys := make([]dmorton.Key, t.ownEnd-t.ownBegin)
	copy(oldKeys, t.nodeKey[t.ownBegin:t.ownEnd])
	oldStore := t.snapshotStore()

	leaves, err := t.refineFromPoints(ctx, coord, maxPerLeaf)
	if err != nil {
		return err
	}
	if leaves, err = t.rebalanceLeaves(ctx, leaves); err != nil {
		return err
	}

	t.periodic = periodic

	if balance21 {
		if leaves, err = t.balance21(ctx, leaves); err != nil {
			return err
		}
		if leaves, err = t.rebalanceLeaves(ctx, leaves); err != nil {
			return err
		}
	}

	t.buildNodes(leaves)
	if err := t.exchangeGhosts(ctx); err != nil {
		return err
	}

	if err := t.rescatterStore(ctx, oldKeys, oldStore); err != nil {
		return err
	}

	nLeaves := 0
	for i := t.ownBegin; i < t.ownEnd; i++ {
		if t.nodeAttr[i].Leaf {
			nLeaves++
		}
	}
	observeRefinement(time.Since(start), t.ownEnd-t.ownBegin, nLeaves, len(t.nodeKey)-(t.ownEnd-t.ownBegin))
	t.log.Info("tree refinement complete",
		"rank", t.comm.Rank(),
		"owned", t.ownEnd-t.ownBegin,
		"leaves", nLeaves,
		"ghosts", len(t.nodeKey)-(t.ownEnd-t.ownBegin),
		"elapsed", time.Since(start))
	return nil
}
