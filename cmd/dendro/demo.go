package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dptree"
	"github.com/dendro-engine/dendro/dvtk"
)

type demoConfig struct {
	ranks      int
	points     int
	dim        int
	maxPerLeaf int
	balance    bool
	periodic   bool
	seed       int64
	vtkPrefix  string
	debugAddr  string
}

func demoCmd() *cobra.Command {
	var cfg demoConfig
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Refine a tree over a clustered particle cloud and report the load balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.ranks, "ranks", 4, "number of in-process ranks")
	f.IntVar(&cfg.points, "points", 2000, "particles per rank")
	f.IntVar(&cfg.dim, "dim", 2, "spatial dimension, 1 to 3")
	f.IntVar(&cfg.maxPerLeaf, "max-per-leaf", 16, "refinement capacity per leaf")
	f.BoolVar(&cfg.balance, "balance", true, "enforce the 2:1 level restriction")
	f.BoolVar(&cfg.periodic, "periodic", false, "wrap neighbor relations across domain faces")
	f.Int64Var(&cfg.seed, "seed", 1, "particle cloud seed")
	f.StringVar(&cfg.vtkPrefix, "vtk", "", "write <prefix>.tree.vtk and <prefix>.particles.vtk")
	f.StringVar(&cfg.debugAddr, "debug-addr", "", "serve /debug/tree and /metrics on this address until interrupted")
	return cmd
}

// demoCloud samples a clustered particle distribution: most of the
// cloud sits in a tight ball so the refinement has something to adapt
// to, the rest is uniform background.
func demoCloud(seed int64, n, dim int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	coord := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		clustered := rng.Float64() < 0.7
		for d := 0; d < dim; d++ {
			if clustered {
				v := 0.3 + 0.05*rng.NormFloat64()
				if v < 0 {
					v = 0
				}
				if v >= 1 {
					v = 1 - 1e-9
				}
				coord[i*dim+d] = v
			} else {
				coord[i*dim+d] = rng.Float64()
			}
		}
	}
	return coord
}

func runDemo(ctx context.Context, cfg demoConfig) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	run := petname.Generate(2, "-")
	log.Info("starting demo",
		"run", run,
		"ranks", cfg.ranks,
		"points", cfg.points,
		"dim", cfg.dim,
		"maxPerLeaf", cfg.maxPerLeaf,
		"balance", cfg.balance)

	var mu sync.Mutex
	leafCounts := make([]float64, cfg.ranks)
	trees := make([]*dptree.Tree, cfg.ranks)

	err := dcomm.Run(cfg.ranks, func(c *dcomm.Comm) error {
		tr, err := dptree.NewTree(dptree.Config{
			Log:  log.With("rank", c.Rank()),
			Comm: c,
			Dim:  cfg.dim,
		})
		if err != nil {
			return err
		}

		coord := demoCloud(cfg.seed+int64(c.Rank()), cfg.points, cfg.dim)
		if err := tr.AddParticles(ctx, "pt", coord); err != nil {
			return err
		}
		mass := make([]float64, cfg.points)
		for i := range mass {
			mass[i] = 1
		}
		if err := tr.AddParticleData(ctx, "mass", "pt", mass); err != nil {
			return err
		}

		if err := tr.UpdateRefinement(ctx, coord, cfg.maxPerLeaf, cfg.balance, cfg.periodic); err != nil {
			return err
		}

		core := tr.Core()
		begin, end := core.OwnedRange()
		attrs := core.NodeAttrs()
		keys := core.NodeKeys()
		leaves := 0
		for i := begin; i < end; i++ {
			if attrs[i].Leaf {
				leaves++
			}
		}
		mu.Lock()
		leafCounts[c.Rank()] = float64(leaves)
		trees[c.Rank()] = tr
		mu.Unlock()

		// A per-node level field makes refinement depth visible in the
		// rendered grid.
		level := make([]float64, core.NumNodes())
		cnt := make([]int64, core.NumNodes())
		for i := range level {
			level[i] = float64(keys[i].Depth())
			cnt[i] = 1
		}
		if err := core.AddData(ctx, "level", level, cnt); err != nil {
			return err
		}

		if cfg.vtkPrefix != "" {
			opts := dvtk.Options{DataNames: []string{"level"}}
			if err := dvtk.WriteTree(ctx, core, cfg.vtkPrefix+".tree.vtk", opts); err != nil {
				return err
			}
			pts, err := tr.GetParticleData(ctx, "pt")
			if err != nil {
				return err
			}
			if err := dvtk.WriteParticles(ctx, c, cfg.vtkPrefix+".particles.vtk", pts, cfg.dim); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	mean, std := stat.MeanStdDev(leafCounts, nil)
	log.Info("leaf load balance",
		"run", run,
		"meanLeavesPerRank", mean,
		"stddev", std)

	if cfg.debugAddr != "" {
		srv, err := newDebugServer(ctx, log, cfg.debugAddr, trees[0].Core())
		if err != nil {
			return err
		}
		log.Info("debug server listening", "addr", cfg.debugAddr)
		srv.Wait()
	}
	return nil
}
