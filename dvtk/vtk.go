// Package dvtk renders distributed trees and particle sets as legacy
// VTK files for inspection in ParaView or VisIt.
//
// All writers are collective: every rank contributes its share, rank 0
// assembles and writes the file. Failures on rank 0 are reported on
// every rank.
package dvtk

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dmorton"
	"github.com/dendro-engine/dendro/dtree"
)

// Options selects what WriteTree includes.
type Options struct {
	// ShowGhost includes locally held ghost cells, so the written grid
	// shows each rank's halo and cells near partition boundaries appear
	// once per holder.
	ShowGhost bool

	// DataNames lists node data arrays to include; each becomes one
	// scalar cell field holding the per-node element sum.
	DataNames []string
}

// cellType returns the VTK cell type id for an axis-aligned box of the
// given dimension: line, pixel, or voxel.
func cellType(dim int) int {
	switch dim {
	case 1:
		return 3
	case 2:
		return 8
	default:
		return 11
	}
}

// report makes rank 0's outcome uniform across the group.
func report(ctx context.Context, c *dcomm.Comm, local error) error {
	flag := int64(0)
	if local != nil {
		flag = 1
	}
	failed, err := dcomm.AllreduceMax(ctx, c, flag)
	if err != nil {
		return err
	}
	if local != nil {
		return local
	}
	if failed != 0 {
		return fmt.Errorf("vtk write failed on a peer rank")
	}
	return nil
}

// WriteTree writes the leaf cells of the tree as an unstructured grid
// at the given path, with depth, owner rank, and ghost flag cell
// fields plus one field per requested data array.
//
// This is a collective operation; the file is written by rank 0.
func WriteTree(ctx context.Context, t *dtree.Tree, path string, opts Options) error {
	comm := t.Comm()
	coder := t.Coder()
	dim := coder.Dim()

	// Per leaf: origin coordinates, depth, owner rank, ghost flag, and
	// one element sum per requested array.
	width := dim + 3 + len(opts.DataNames)

	arrays := make([][]float64, len(opts.DataNames))
	offsets := make([][]int64, len(opts.DataNames))
	var local error
	for di, name := range opts.DataNames {
		values, cnt, err := t.GetData(name)
		if err != nil {
			local = err
			break
		}
		arrays[di] = values
		offsets[di] = make([]int64, len(cnt)+1)
		for i, n := range cnt {
			offsets[di][i+1] = offsets[di][i] + n
		}
	}
	if err := report(ctx, comm, local); err != nil {
		return err
	}

	keys := t.NodeKeys()
	attrs := t.NodeAttrs()
	begin, end := t.OwnedRange()
	var recs []float64
	for i, k := range keys {
		if !attrs[i].Leaf {
			continue
		}
		if attrs[i].Ghost && !opts.ShowGhost {
			continue
		}
		corner, depth := coder.Decode(k)
		recs = append(recs, corner...)
		recs = append(recs, float64(depth))
		if i >= begin && i < end {
			recs = append(recs, float64(comm.Rank()), 0)
		} else {
			recs = append(recs, float64(t.OwnerOf(k)), 1)
		}
		for di := range opts.DataNames {
			var sum float64
			for _, v := range arrays[di][offsets[di][i]:offsets[di][i+1]] {
				sum += v
			}
			recs = append(recs, sum)
		}
	}

	parts, err := dcomm.Gatherv(ctx, comm, 0, recs)
	if err != nil {
		return err
	}
	if comm.Rank() != 0 {
		return report(ctx, comm, nil)
	}

	var all []float64
	for _, p := range parts {
		all = append(all, p...)
	}
	return report(ctx, comm, writeTreeFile(path, all, width, coder, opts))
}

func writeTreeFile(path string, recs []float64, width int, coder dmorton.Coder, opts Options) error {
	dim := coder.Dim()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating vtk file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	nCells := len(recs) / width
	nCorners := 1 << dim

	fmt.Fprintln(w, "# vtk DataFile Version 3.0")
	fmt.Fprintln(w, "dendro tree")
	fmt.Fprintln(w, "ASCII")
	fmt.Fprintln(w, "DATASET UNSTRUCTURED_GRID")

	fmt.Fprintf(w, "POINTS %d float\n", nCells*nCorners)
	for c := 0; c < nCells; c++ {
		rec := recs[c*width : (c+1)*width]
		h := coder.CellSize(uint8(rec[dim]))
		for corner := 0; corner < nCorners; corner++ {
			var p [3]float64
			for d := 0; d < dim; d++ {
				p[d] = rec[d]
				if corner>>d&1 == 1 {
					p[d] += h
				}
			}
			fmt.Fprintf(w, "%g %g %g\n", p[0], p[1], p[2])
		}
	}

	fmt.Fprintf(w, "CELLS %d %d\n", nCells, nCells*(1+nCorners))
	for c := 0; c < nCells; c++ {
		fmt.Fprintf(w, "%d", nCorners)
		for corner := 0; corner < nCorners; corner++ {
			fmt.Fprintf(w, " %d", c*nCorners+corner)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "CELL_TYPES %d\n", nCells)
	for c := 0; c < nCells; c++ {
		fmt.Fprintln(w, cellType(dim))
	}

	fmt.Fprintf(w, "CELL_DATA %d\n", nCells)
	intField := func(name string, col int) {
		fmt.Fprintf(w, "SCALARS %s int 1\n", name)
		fmt.Fprintln(w, "LOOKUP_TABLE default")
		for c := 0; c < nCells; c++ {
			fmt.Fprintf(w, "%d\n", int(recs[c*width+col]))
		}
	}
	intField("depth", dim)
	intField("rank", dim+1)
	intField("ghost", dim+2)
	for di, name := range opts.DataNames {
		fmt.Fprintf(w, "SCALARS %s float 1\n", name)
		fmt.Fprintln(w, "LOOKUP_TABLE default")
		for c := 0; c < nCells; c++ {
			fmt.Fprintf(w, "%g\n", recs[c*width+dim+3+di])
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing vtk file: %w", err)
	}
	return nil
}

// WriteParticles writes a point cloud as VTK vertices at the given
// path. coord holds this rank's points flattened, dim components each.
//
// This is a collective operation; the file is written by rank 0.
func WriteParticles(ctx context.Context, c *dcomm.Comm, path string, coord []float64, dim int) error {
	if len(coord)%dim != 0 {
		return fmt.Errorf("coordinate buffer length %d is not a multiple of dim %d", len(coord), dim)
	}
	parts, err := dcomm.Gatherv(ctx, c, 0, coord)
	if err != nil {
		return err
	}
	if c.Rank() != 0 {
		return report(ctx, c, nil)
	}

	var all []float64
	for _, p := range parts {
		all = append(all, p...)
	}
	return report(ctx, c, writeParticleFile(path, all, dim))
}

func writeParticleFile(path string, coord []float64, dim int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating vtk file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	n := len(coord) / dim
	fmt.Fprintln(w, "# vtk DataFile Version 3.0")
	fmt.Fprintln(w, "dendro particles")
	fmt.Fprintln(w, "ASCII")
	fmt.Fprintln(w, "DATASET UNSTRUCTURED_GRID")

	fmt.Fprintf(w, "POINTS %d float\n", n)
	for i := 0; i < n; i++ {
		var p [3]float64
		copy(p[:], coord[i*dim:(i+1)*dim])
		fmt.Fprintf(w, "%g %g %g\n", p[0], p[1], p[2])
	}

	fmt.Fprintf(w, "CELLS %d %d\n", n, 2*n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(w, "1 %d\n", i)
	}
	fmt.Fprintf(w, "CELL_TYPES %d\n", n)
	for i := 0; i < n; i++ {
		fmt.Fprintln(w, 1)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing vtk file: %w", err)
	}
	return nil
}
