// Package dtree (Dendro TREE) maintains a distributed, linear
// representation of an adaptive spatial hierarchy over the unit cube.
//
// Each rank of a [dcomm.Comm] group owns a contiguous range of the
// Morton key space, delimited by the partition boundary vector, and
// stores its nodes as arrays sorted by key: every owned node's
// ancestors are locally derivable, and remotely owned cells needed for
// neighbor computation are materialized as read-only ghost copies
// flanking the owned segment.
//
// [Tree.UpdateRefinement] rebuilds the node arrays wholesale from a
// point cloud: it bounds points per leaf, optionally enforces the 2:1
// level restriction between adjacent leaves, supports periodic
// domains, and rebalances node ownership. Named per-node data arrays
// attached through the store survive a refinement by being re-scattered
// to the new owners.
//
// All exported operations marked collective must be called on every
// rank of the group, in the same order, with compatible arguments.
// A cheap signature exchange runs before each collective so that a
// diverged call sequence fails with [ErrProtocolMismatch] on every
// rank instead of deadlocking in the substrate.
package dtree
