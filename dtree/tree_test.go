package dtree_test

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
	"github.com/dendro-engine/dendro/dtree"
)

func newTestTree(t *testing.T, c *dcomm.Comm, dim int) *dtree.Tree {
	t.Helper()
	tr, err := dtree.NewTree(dtree.Config{Log: slogt.New(t), Comm: c, Dim: dim})
	require.NoError(t, err)
	return tr
}

// randomPoints returns n points in [0,1)^dim, deterministic per seed.
func randomPoints(seed int64, n, dim int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	coord := make([]float64, n*dim)
	for i := range coord {
		coord[i] = rng.Float64()
	}
	return coord
}

// leafRecord is the per-leaf information tests gather across ranks.
type leafRecord struct {
	key  dmorton.Key
	rank int
}

// gatherLeaves collects every rank's owned leaves into the shared
// slice, which the caller inspects after the group finishes.
func gatherLeaves(tr *dtree.Tree, mu *sync.Mutex, all *[]leafRecord) {
	begin, end := tr.OwnedRange()
	keys := tr.NodeKeys()
	attrs := tr.NodeAttrs()
	mu.Lock()
	defer mu.Unlock()
	for i := begin; i < end; i++ {
		if attrs[i].Leaf {
			*all = append(*all, leafRecord{key: keys[i], rank: tr.Comm().Rank()})
		}
	}
}

func TestNewTree_Validation(t *testing.T) {
	t.Parallel()

	_, err := dtree.NewTree(dtree.Config{Dim: 2})
	require.ErrorIs(t, err, dtree.ErrArgument)

	_, err = dtree.NewTree(dtree.Config{Comm: dcomm.Self(), Dim: 7})
	require.ErrorIs(t, err, dtree.ErrArgument)
}

func TestNewTree_InitialRoot(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 3)
	require.Equal(t, 1, tr.NumNodes())
	require.True(t, tr.NodeAttrs()[0].Leaf)
	require.False(t, tr.NodeAttrs()[0].Ghost)
	require.Equal(t, tr.Coder().Root(), tr.NodeKeys()[0])
}

func TestUpdateRefinement_QuadrantExample(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	// One point per quadrant with at most one point per leaf:
	// the root splits once, giving exactly four depth 1 leaves.
	coord := []float64{
		0.1, 0.1,
		0.9, 0.1,
		0.1, 0.9,
		0.9, 0.9,
	}
	require.NoError(t, tr.UpdateRefinement(ctx, coord, 1, false, false))

	keys := tr.NodeKeys()
	attrs := tr.NodeAttrs()
	require.Equal(t, 5, tr.NumNodes(), "root plus four quadrants")

	var leaves []dmorton.Key
	for i, a := range attrs {
		require.False(t, a.Ghost, "a single-rank tree has no ghosts")
		if a.Leaf {
			leaves = append(leaves, keys[i])
		}
	}
	require.Len(t, leaves, 4)

	seen := make(map[int]bool)
	for _, k := range leaves {
		require.Equal(t, uint8(1), k.Depth())
		seen[tr.Coder().ChildIndex(k)] = true
	}
	require.Len(t, seen, 4, "one leaf per quadrant")

	// The root carries all four child links.
	require.False(t, attrs[0].Leaf)
	for _, ci := range tr.Adjacency()[0].Child {
		require.NotEqual(t, dtree.NoNode, ci)
	}
}

func TestUpdateRefinement_LeafPointBound(t *testing.T) {
	t.Parallel()

	const (
		size       = 3
		maxPerLeaf = 8
		dim        = 2
	)

	var mu sync.Mutex
	var leaves []leafRecord
	var points []dmorton.Key

	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, dim)
		coord := randomPoints(int64(c.Rank()+1), 200, dim)
		if err := tr.UpdateRefinement(context.Background(), coord, maxPerLeaf, false, false); err != nil {
			return err
		}
		gatherLeaves(tr, &mu, &leaves)

		coder := tr.Coder()
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < len(coord); i += dim {
			k, err := coder.Encode(coord[i:i+dim], coder.MaxDepth())
			if err != nil {
				return err
			}
			points = append(points, k)
		}
		return nil
	})
	require.NoError(t, err)

	coder, err := dmorton.NewCoder(dim)
	require.NoError(t, err)

	sort.Slice(leaves, func(i, j int) bool { return leaves[i].key.Less(leaves[j].key) })

	// The global leaf set tiles the domain exactly.
	var pos uint64
	for _, l := range leaves {
		require.Equal(t, pos, l.key.Bits(), "leaves must tile without gaps or overlaps")
		pos = coder.RangeEnd(l.key)
	}
	require.Equal(t, coder.DomainEnd(), pos)

	// Every leaf holds at most maxPerLeaf points.
	counts := make(map[dmorton.Key]int)
	for _, p := range points {
		i := sort.Search(len(leaves), func(j int) bool { return leaves[j].key.Bits() > p.Bits() }) - 1
		require.GreaterOrEqual(t, i, 0)
		counts[leaves[i].key]++
	}
	for k, n := range counts {
		require.LessOrEqual(t, n, maxPerLeaf, "leaf %v over capacity", k)
	}
}

func TestUpdateRefinement_PartitionInvariant(t *testing.T) {
	t.Parallel()

	const size = 4
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, 3)
		coord := randomPoints(int64(c.Rank()+10), 150, 3)
		if err := tr.UpdateRefinement(context.Background(), coord, 4, false, false); err != nil {
			return err
		}

		mins := tr.PartitionKeys()
		require.Len(t, mins, size)
		for r := 1; r < size; r++ {
			require.True(t, mins[r-1].Less(mins[r]), "partition boundaries must be strictly increasing")
		}

		begin, end := tr.OwnedRange()
		keys := tr.NodeKeys()
		coder := tr.Coder()
		lo := mins[c.Rank()].Bits()
		hi := coder.DomainEnd()
		if c.Rank()+1 < size {
			hi = mins[c.Rank()+1].Bits()
		}
		for i := begin; i < end; i++ {
			require.GreaterOrEqual(t, keys[i].Bits(), lo)
			require.Less(t, keys[i].Bits(), hi)
			require.False(t, tr.NodeAttrs()[i].Ghost)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRefinement_AdjacencyConsistency(t *testing.T) {
	t.Parallel()

	const size = 3
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, 2)
		coord := randomPoints(int64(c.Rank()+3), 300, 2)
		if err := tr.UpdateRefinement(context.Background(), coord, 4, false, false); err != nil {
			return err
		}

		coder := tr.Coder()
		keys := tr.NodeKeys()
		attrs := tr.NodeAttrs()
		lists := tr.Adjacency()
		dirs := coder.Directions()
		begin, end := tr.OwnedRange()

		for i, k := range keys {
			l := lists[i]
			require.Equal(t, coder.ChildIndex(k), l.P2N)

			if l.Parent != dtree.NoNode {
				require.Equal(t, coder.Ancestor(k, k.Depth()-1), keys[l.Parent])
			}
			for ci, child := range l.Child {
				if child != dtree.NoNode {
					require.Equal(t, coder.ChildKey(k, ci), keys[child])
				}
			}
			for di, nbr := range l.Nbr {
				if di == coder.SelfDirection() {
					require.Equal(t, i, nbr)
					continue
				}
				if nbr == dtree.NoNode {
					continue
				}
				nk, ok := coder.Neighbor(k, dirs[di], false)
				require.True(t, ok)
				require.Equal(t, nk, keys[nbr], "neighbor slot must hold the computed neighbor key")
			}

			if i >= begin && i < end {
				// Owned nodes resolve their full vertical adjacency:
				// ghosts exist exactly where a link leaves the rank.
				if k.Depth() > 0 {
					require.NotEqual(t, dtree.NoNode, l.Parent)
				}
				if !attrs[i].Leaf {
					for _, child := range l.Child {
						require.NotEqual(t, dtree.NoNode, child)
					}
				}
			} else {
				require.True(t, attrs[i].Ghost)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRefinement_Balance21(t *testing.T) {
	t.Parallel()

	const size = 2
	var mu sync.Mutex
	var leaves []leafRecord

	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, 2)

		// A tight cluster near the origin forces deep refinement
		// next to otherwise coarse cells.
		rng := rand.New(rand.NewSource(int64(c.Rank() + 7)))
		var coord []float64
		for i := 0; i < 100; i++ {
			coord = append(coord, rng.Float64()*0.01, rng.Float64()*0.01)
		}
		for i := 0; i < 20; i++ {
			coord = append(coord, rng.Float64(), rng.Float64())
		}
		if err := tr.UpdateRefinement(context.Background(), coord, 1, true, false); err != nil {
			return err
		}
		gatherLeaves(tr, &mu, &leaves)
		return nil
	})
	require.NoError(t, err)

	coder, err := dmorton.NewCoder(2)
	require.NoError(t, err)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].key.Less(leaves[j].key) })

	covering := func(pos uint64) dmorton.Key {
		i := sort.Search(len(leaves), func(j int) bool { return leaves[j].key.Bits() > pos }) - 1
		return leaves[i].key
	}

	for _, l := range leaves {
		d := l.key.Depth()
		if d < 2 {
			continue
		}
		for _, dir := range coder.Directions() {
			nk, ok := coder.Neighbor(l.key, dir, false)
			if !ok {
				continue
			}
			cov := covering(nk.Bits())
			require.GreaterOrEqual(t, int(cov.Depth()), int(d)-1,
				"leaf %v at depth %d has neighbor covered only at depth %d", l.key, d, cov.Depth())
		}
	}
}

func TestUpdateRefinement_PeriodicNeighbor(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	coord := []float64{
		0.001, 0.5,
		0.999, 0.5,
		0.001, 0.1,
		0.999, 0.9,
	}
	require.NoError(t, tr.UpdateRefinement(ctx, coord, 1, false, true))

	coder := tr.Coder()
	keys := tr.NodeKeys()
	lists := tr.Adjacency()

	// Locate the leaf containing (0.001, 0.5) and step across x=0.
	var idx int
	found := false
	for i, a := range tr.NodeAttrs() {
		if !a.Leaf {
			continue
		}
		corner, _ := coder.Decode(keys[i])
		if corner[0] == 0 && corner[1] <= 0.5 && 0.5 < corner[1]+coder.CellSize(keys[i].Depth()) {
			idx, found = i, true
			break
		}
	}
	require.True(t, found)

	var dirIdx int
	for di, dir := range coder.Directions() {
		if dir[0] == -1 && dir[1] == 0 {
			dirIdx = di
			break
		}
	}
	nbr := lists[idx].Nbr[dirIdx]
	require.NotEqual(t, dtree.NoNode, nbr, "periodic domain must wrap the x=0 face")
	corner, _ := coder.Decode(keys[nbr])
	require.Equal(t, 1-coder.CellSize(keys[nbr].Depth()), corner[0])
}

func TestUpdateRefinement_Idempotent(t *testing.T) {
	t.Parallel()

	const size = 3
	type snapshot struct {
		keys  []dmorton.Key
		leafs []bool
	}
	runs := make([][]snapshot, 2)

	for run := range runs {
		runs[run] = make([]snapshot, size)
		err := dcomm.Run(size, func(c *dcomm.Comm) error {
			tr := newTestTree(t, c, 2)
			coord := randomPoints(int64(c.Rank()+42), 250, 2)
			ctx := context.Background()
			if err := tr.UpdateRefinement(ctx, coord, 4, true, false); err != nil {
				return err
			}
			// Refine a second time with identical input within the
			// same run; the result must not drift.
			if err := tr.UpdateRefinement(ctx, coord, 4, true, false); err != nil {
				return err
			}
			begin, end := tr.OwnedRange()
			s := snapshot{}
			for i := begin; i < end; i++ {
				s.keys = append(s.keys, tr.NodeKeys()[i])
				s.leafs = append(s.leafs, tr.NodeAttrs()[i].Leaf)
			}
			runs[run][c.Rank()] = s
			return nil
		})
		require.NoError(t, err)
	}

	for r := 0; r < size; r++ {
		require.Equal(t, runs[0][r].keys, runs[1][r].keys)
		require.Equal(t, runs[0][r].leafs, runs[1][r].leafs)
	}
}

func TestUpdateRefinement_DepthExceeded(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)

	// Two coincident points can never be separated by splitting.
	coord := []float64{0.25, 0.25, 0.25, 0.25}
	err := tr.UpdateRefinement(context.Background(), coord, 1, false, false)
	require.ErrorIs(t, err, dmorton.ErrDepthExceeded)
}

func TestUpdateRefinement_ArgumentValidation(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	err := tr.UpdateRefinement(ctx, []float64{0.5}, 1, false, false)
	require.ErrorIs(t, err, dtree.ErrArgument)

	err = tr.UpdateRefinement(ctx, []float64{0.5, 0.5}, 0, false, false)
	require.ErrorIs(t, err, dtree.ErrArgument)

	err = tr.UpdateRefinement(ctx, []float64{0.5, 1.5}, 1, false, false)
	require.ErrorIs(t, err, dtree.ErrArgument)
}

func TestUpdateRefinement_GhostConsistency(t *testing.T) {
	t.Parallel()

	const size = 4
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, 3)
		coord := randomPoints(int64(c.Rank()+5), 120, 3)
		if err := tr.UpdateRefinement(context.Background(), coord, 2, false, false); err != nil {
			return err
		}

		coder := tr.Coder()
		keys := tr.NodeKeys()
		attrs := tr.NodeAttrs()
		begin, end := tr.OwnedRange()
		mins := tr.PartitionKeys()
		lo := mins[c.Rank()].Bits()
		hi := coder.DomainEnd()
		if c.Rank()+1 < size {
			hi = mins[c.Rank()+1].Bits()
		}

		ghosts := 0
		for i, k := range keys {
			if i >= begin && i < end {
				continue
			}
			ghosts++
			require.True(t, attrs[i].Ghost)
			require.True(t, k.Bits() < lo || k.Bits() >= hi,
				"ghost %v inside the owned range", k)
		}
		require.Positive(t, ghosts, "a refined multi-rank tree must hold boundary ghosts")
		return nil
	})
	require.NoError(t, err)
}
