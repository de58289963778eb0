// Package dmorton (Dendro MORTON keys) maps hierarchically nested cells
// of the unit cube to integer keys on a space-filling curve.
//
// A [Key] identifies one cell: its coordinate bits interleaved across
// dimensions, plus the refinement depth of the cell. Keys are totally
// ordered; the order is compatible with spatial containment, so every
// ancestor sorts immediately before its entire descendant range. A sorted
// sequence of leaf keys therefore defines a tree without storing the
// interior nodes.
//
// All key arithmetic is pure and process-local. The [Coder] type carries
// the dimension so that keys themselves stay a plain comparable value.
package dmorton
