package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dendro-engine/dendro/dcomm"
	"github.com/dendro-engine/dendro/dtree"
)

func TestRunDemo(t *testing.T) {
	t.Parallel()

	prefix := filepath.Join(t.TempDir(), "out")
	cfg := demoConfig{
		ranks:      2,
		points:     200,
		dim:        2,
		maxPerLeaf: 8,
		balance:    true,
		seed:       7,
		vtkPrefix:  prefix,
	}
	require.NoError(t, runDemo(context.Background(), cfg))

	for _, suffix := range []string{".tree.vtk", ".particles.vtk"} {
		_, err := os.Stat(prefix + suffix)
		require.NoError(t, err, "missing %s output", suffix)
	}
}

func TestDebugMux_TreeSummary(t *testing.T) {
	t.Parallel()

	tr, err := dtree.NewTree(dtree.Config{Log: slogt.New(t), Comm: dcomm.Self(), Dim: 2})
	require.NoError(t, err)
	coord := []float64{
		0.1, 0.1,
		0.9, 0.1,
		0.1, 0.9,
		0.9, 0.9,
	}
	require.NoError(t, tr.UpdateRefinement(context.Background(), coord, 1, false, false))

	srv := httptest.NewServer(newDebugMux(slogt.New(t), tr))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tree")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s treeSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	require.Equal(t, 2, s.Dim)
	require.Equal(t, 5, s.NumNodes)
	require.Len(t, s.Nodes, 5)
	require.Len(t, s.Partition, 1)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
