package dvtk_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dtree"
	"github.com/dendro-engine/dendro/dvtk"
)

func TestWriteTree_QuadrantGrid(t *testing.T) {
	t.Parallel()

	tr, err := dtree.NewTree(dtree.Config{Log: slogt.New(t), Comm: dcomm.Self(), Dim: 2})
	require.NoError(t, err)
	ctx := context.Background()

	coord := []float64{
		0.1, 0.1,
		0.9, 0.1,
		0.1, 0.9,
		0.9, 0.9,
	}
	require.NoError(t, tr.UpdateRefinement(ctx, coord, 1, false, false))
	require.NoError(t, tr.AddData(ctx, "mass", []float64{0, 1, 2, 3, 4}, []int64{1, 1, 1, 1, 1}))

	path := filepath.Join(t.TempDir(), "tree.vtk")
	require.NoError(t, dvtk.WriteTree(ctx, tr, path, dvtk.Options{DataNames: []string{"mass"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(raw)

	require.Contains(t, s, "DATASET UNSTRUCTURED_GRID")
	// Four leaves, four corners each, as pixel cells.
	require.Contains(t, s, "POINTS 16 float")
	require.Contains(t, s, "CELLS 4 20")
	require.Contains(t, s, "CELL_TYPES 4")
	require.Contains(t, s, "CELL_DATA 4")
	require.Contains(t, s, "SCALARS depth int 1")
	require.Contains(t, s, "SCALARS rank int 1")
	require.Contains(t, s, "SCALARS ghost int 1")
	require.Contains(t, s, "SCALARS mass float 1")
}

func TestWriteTree_UnknownDataName(t *testing.T) {
	t.Parallel()

	tr, err := dtree.NewTree(dtree.Config{Log: slogt.New(t), Comm: dcomm.Self(), Dim: 2})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tree.vtk")
	err = dvtk.WriteTree(context.Background(), tr, path, dvtk.Options{DataNames: []string{"nope"}})
	require.ErrorIs(t, err, dtree.ErrNotFound)
}

func TestWriteTree_MultiRank(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tree.vtk")

	err := dcomm.Run(2, func(c *dcomm.Comm) error {
		tr, err := dtree.NewTree(dtree.Config{Log: slogt.New(t), Comm: c, Dim: 2})
		if err != nil {
			return err
		}
		ctx := context.Background()
		coord := []float64{
			0.1, 0.1,
			0.9, 0.1,
			0.1, 0.9,
			0.9, 0.9,
		}
		if err := tr.UpdateRefinement(ctx, coord, 2, false, false); err != nil {
			return err
		}
		return dvtk.WriteTree(ctx, tr, path, dvtk.Options{ShowGhost: true})
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "SCALARS ghost int 1")
}

func TestWriteParticles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pts.vtk")
	err := dcomm.Run(2, func(c *dcomm.Comm) error {
		coord := []float64{0.1, 0.2, 0.3, 0.4}
		if c.Rank() == 1 {
			coord = []float64{0.5, 0.6}
		}
		return dvtk.WriteParticles(context.Background(), c, path, coord, 2)
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "POINTS 3 float")
	require.Contains(t, s, "CELLS 3 6")
	require.Equal(t, 3, strings.Count(s, "\n1 "), "one vertex cell per point")
}
