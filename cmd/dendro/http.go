package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dendro-engine/dendro/dtree"
)

// debugServer exposes read-only introspection of a quiescent tree:
// the demo only starts it after all collective work has finished.
type debugServer struct {
	done chan struct{}
}

func newDebugServer(ctx context.Context, log *slog.Logger, addr string, tr *dtree.Tree) (*debugServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler: newDebugMux(log, tr),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	d := &debugServer{
		done: make(chan struct{}),
	}
	go d.serve(log, ln, srv)
	go d.waitForShutdown(ctx, srv)

	return d, nil
}

func (d *debugServer) Wait() {
	<-d.done
}

func (d *debugServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-d.done:
		// d.serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (d *debugServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(d.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newDebugMux(log *slog.Logger, tr *dtree.Tree) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/debug/tree", handleTreeSummary(log, tr)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

type nodeSummary struct {
	Key   string `json:"key"`
	Depth uint8  `json:"depth"`
	Leaf  bool   `json:"leaf"`
	Ghost bool   `json:"ghost"`
}

type treeSummary struct {
	Dim       int           `json:"dim"`
	Periodic  bool          `json:"periodic"`
	NumNodes  int           `json:"numNodes"`
	Partition []string      `json:"partition"`
	Nodes     []nodeSummary `json:"nodes"`
}

func handleTreeSummary(log *slog.Logger, tr *dtree.Tree) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		keys := tr.NodeKeys()
		attrs := tr.NodeAttrs()

		s := treeSummary{
			Dim:      tr.Coder().Dim(),
			Periodic: tr.Periodic(),
			NumNodes: tr.NumNodes(),
			Nodes:    make([]nodeSummary, len(keys)),
		}
		for _, k := range tr.PartitionKeys() {
			s.Partition = append(s.Partition, k.String())
		}
		for i, k := range keys {
			s.Nodes[i] = nodeSummary{
				Key:   k.String(),
				Depth: k.Depth(),
				Leaf:  attrs[i].Leaf,
				Ghost: attrs[i].Ghost,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			log.Warn("Failed to encode tree summary", "err", err)
		}
	}
}
