package dtree

// NoNode is the sentinel for an absent parent, child, or neighbor index.
const NoNode = -1

// NodeAttr carries the per-node flags.
type NodeAttr struct {
	// Leaf marks a node with no children anywhere in the global tree.
	Leaf bool

	// Ghost marks a read-only local replica of a remotely owned node.
	// Ghosts participate in neighbor lookups but are excluded from
	// ownership counts and are replaced wholesale on refresh,
	// never written back.
	Ghost bool
}

// NodeLists is one node's adjacency record. All indices point into the
// local node arrays and are NoNode when the referenced cell is absent
// locally or does not exist at all.
type NodeLists struct {
	// P2N is the path-to-node id: the node's index among its siblings,
	// in [0, 2^dim).
	P2N int

	// Parent is the local index of the parent node.
	Parent int

	// Child holds the 2^dim child indices in sibling order.
	Child []int

	// Nbr holds the 3^dim same-level neighbor indices in the
	// direction order of [dmorton.Coder.Directions], including the
	// node itself at the self direction.
	Nbr []int
}
