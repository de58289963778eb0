// Package dcomm (Dendro COMMunication) provides the process-group
// abstraction the tree components communicate through: rank-addressed
// point-to-point exchange and the collectives built on it
// (broadcast, gather/scatter with variable counts, all-to-all,
// prefix scan, reduction, and a sample sort).
//
// Every collective is a synchronous barrier: all ranks of a group must
// call the same sequence of collectives with compatible arguments, or
// the group deadlocks. There is no tagging or out-of-order matching;
// the per-pair channels are FIFO and the call-order contract is what
// keeps them aligned.
//
// Collectives are top-level generic functions over a non-generic [*Comm],
// since Go methods cannot introduce type parameters.
//
// The in-process mesh built by [NewGroup] runs one goroutine per rank
// and is intended for tests, demos, and single-machine runs. [Self]
// returns a one-rank group on which every collective is a local no-op.
package dcomm
