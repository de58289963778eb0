package dptree_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dptree"
	"github.com/dendro-engine/dendro/dtree"
)

func newTestTree(t *testing.T, c *dcomm.Comm, dim int) *dptree.Tree {
	t.Helper()
	tr, err := dptree.NewTree(dptree.Config{Log: slogt.New(t), Comm: c, Dim: dim})
	require.NoError(t, err)
	return tr
}

func randomCoords(seed int64, n, dim int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	coord := make([]float64, n*dim)
	for i := range coord {
		coord[i] = rng.Float64()
	}
	return coord
}

func TestAddParticles_Validation(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	err := tr.AddParticles(ctx, "", []float64{0.5, 0.5})
	require.ErrorIs(t, err, dtree.ErrArgument)

	err = tr.AddParticles(ctx, "pt", []float64{0.5})
	require.ErrorIs(t, err, dtree.ErrArgument, "odd coordinate buffer in 2D")

	err = tr.AddParticles(ctx, "pt", []float64{0.5, 1.5})
	require.ErrorIs(t, err, dtree.ErrArgument, "coordinate outside the unit domain")

	require.NoError(t, tr.AddParticles(ctx, "pt", []float64{0.5, 0.5}))
	err = tr.AddParticles(ctx, "pt", []float64{0.1, 0.1})
	require.ErrorIs(t, err, dtree.ErrArgument, "duplicate group name")
}

func TestGetParticleData_NotFound(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	_, err := tr.GetParticleData(context.Background(), "missing")
	require.ErrorIs(t, err, dtree.ErrNotFound)
}

func TestAddParticles_RoundTripCoordinates(t *testing.T) {
	t.Parallel()

	const (
		size = 3
		dim  = 2
	)
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, dim)
		ctx := context.Background()

		// Each rank contributes a different number of particles.
		n := 40 + 10*c.Rank()
		coord := randomCoords(int64(c.Rank()+1), n, dim)
		if err := tr.AddParticles(ctx, "pt", coord); err != nil {
			return err
		}

		// Particle conservation across the scatter.
		held, err := dcomm.AllreduceSum(ctx, c, int64(tr.NumParticles("pt")))
		if err != nil {
			return err
		}
		require.EqualValues(t, 40+50+60, held)

		// The group name returns the coordinates in the exact original
		// order and distribution.
		got, err := tr.GetParticleData(ctx, "pt")
		if err != nil {
			return err
		}
		require.Equal(t, coord, got)
		return nil
	})
	require.NoError(t, err)
}

func TestParticleData_RoundTrip(t *testing.T) {
	t.Parallel()

	const (
		size  = 3
		dim   = 3
		width = 2
	)
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, dim)
		ctx := context.Background()

		n := 30
		coord := randomCoords(int64(c.Rank()+5), n, dim)
		if err := tr.AddParticles(ctx, "src", coord); err != nil {
			return err
		}

		// Two elements per particle, recognizable by rank and index.
		data := make([]float64, n*width)
		for i := 0; i < n; i++ {
			data[i*width] = float64(c.Rank()*1000 + i)
			data[i*width+1] = -float64(i)
		}
		if err := tr.AddParticleData(ctx, "charge", "src", data); err != nil {
			return err
		}

		got, err := tr.GetParticleData(ctx, "charge")
		if err != nil {
			return err
		}
		require.Equal(t, data, got)
		return nil
	})
	require.NoError(t, err)
}

func TestParticleData_SurvivesRefinement(t *testing.T) {
	t.Parallel()

	const (
		size = 4
		dim  = 2
	)
	err := dcomm.Run(size, func(c *dcomm.Comm) error {
		tr := newTestTree(t, c, dim)
		ctx := context.Background()

		n := 60
		coord := randomCoords(int64(c.Rank()+9), n, dim)
		if err := tr.AddParticles(ctx, "pt", coord); err != nil {
			return err
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = float64(c.Rank()*1000 + i + 1)
		}
		if err := tr.AddParticleData(ctx, "mass", "pt", data); err != nil {
			return err
		}

		// Refining over the particle positions migrates the group and
		// its arrays; the original view must be unchanged.
		if err := tr.UpdateRefinement(ctx, coord, 4, true, false); err != nil {
			return err
		}
		gotData, err := tr.GetParticleData(ctx, "mass")
		if err != nil {
			return err
		}
		require.Equal(t, data, gotData)

		gotCoord, err := tr.GetParticleData(ctx, "pt")
		if err != nil {
			return err
		}
		require.Equal(t, coord, gotCoord)

		// Data attached after the refinement takes the same path
		// through the current holders.
		if err := tr.AddParticleData(ctx, "vel", "pt", data); err != nil {
			return err
		}
		gotVel, err := tr.GetParticleData(ctx, "vel")
		if err != nil {
			return err
		}
		require.Equal(t, data, gotVel)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteParticleData(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	require.NoError(t, tr.AddParticles(ctx, "pt", []float64{0.25, 0.25, 0.75, 0.75}))
	require.NoError(t, tr.AddParticleData(ctx, "mass", "pt", []float64{1, 2}))

	require.NoError(t, tr.DeleteParticleData(ctx, "mass"))
	_, err := tr.GetParticleData(ctx, "mass")
	require.ErrorIs(t, err, dtree.ErrNotFound)

	// Coordinates survive deleting an attached array.
	_, err = tr.GetParticleData(ctx, "pt")
	require.NoError(t, err)

	// Deleting the coordinate array removes the whole group.
	require.NoError(t, tr.AddParticleData(ctx, "vel", "pt", []float64{3, 4}))
	require.NoError(t, tr.DeleteParticleData(ctx, "pt"))
	_, err = tr.GetParticleData(ctx, "pt")
	require.ErrorIs(t, err, dtree.ErrNotFound)
	_, err = tr.GetParticleData(ctx, "vel")
	require.ErrorIs(t, err, dtree.ErrNotFound)
	require.Zero(t, tr.NumParticles("pt"))

	err = tr.DeleteParticleData(ctx, "pt")
	require.ErrorIs(t, err, dtree.ErrNotFound)
}

func TestAddParticleData_Validation(t *testing.T) {
	t.Parallel()

	tr := newTestTree(t, dcomm.Self(), 2)
	ctx := context.Background()

	err := tr.AddParticleData(ctx, "mass", "nope", []float64{1})
	require.ErrorIs(t, err, dtree.ErrNotFound)

	require.NoError(t, tr.AddParticles(ctx, "pt", []float64{0.25, 0.25, 0.75, 0.75}))
	err = tr.AddParticleData(ctx, "pt", "pt", []float64{1, 2})
	require.ErrorIs(t, err, dtree.ErrArgument, "name collides with the coordinate array")

	err = tr.AddParticleData(ctx, "mass", "pt", []float64{1, 2, 3})
	require.ErrorIs(t, err, dtree.ErrArgument, "buffer does not divide over the particles")
}
