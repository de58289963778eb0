package dtree

import "errors"

var (
	// ErrArgument indicates locally detectable bad input:
	// mismatched array and count lengths, or a duplicate data name.
	ErrArgument = errors.New("invalid argument")

	// ErrNotFound indicates an unknown data or particle-group name.
	ErrNotFound = errors.New("name not found")

	// ErrProtocolMismatch indicates the ranks of the group invoked
	// collectives in diverging order or with incompatible shapes.
	// It is reported uniformly on all ranks before any expensive work.
	ErrProtocolMismatch = errors.New("collective call sequences diverged across ranks")
)
