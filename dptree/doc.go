// Package dptree layers particle bookkeeping on top of the distributed
// spatial hierarchy of package dtree.
//
// A particle group is added in whatever order and distribution the
// caller holds it; the group is scattered so every particle lives on
// the rank owning its cell, sorted in tree order. Per-particle data
// arrays attached to a group follow it across refinements, and can be
// read back at any time in the original order and distribution, no
// matter how ownership has shifted in between.
package dptree
