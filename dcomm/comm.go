package dcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// pairBuffer bounds how far one rank can run ahead of another before
// its sends start blocking. Collectives are globally ordered, so in
// practice only a handful of messages are ever in flight per pair.
const pairBuffer = 1024

type message struct {
	payload any
}

// bus is the shared state of one in-process group:
// a FIFO channel per ordered rank pair, including self pairs
// so that all-to-all loops need no special casing.
type bus struct {
	size int
	ch   [][]chan message
}

// Comm is one rank's handle on a process group.
//
// A Comm is owned by a single goroutine; the tree components assume one
// logical worker per rank and never share a Comm across goroutines.
type Comm struct {
	rank int
	bus  *bus
}

// Self returns a group containing only the calling process.
// All collectives on it complete locally.
func Self() *Comm {
	return NewGroup(1)[0]
}

// NewGroup creates an in-process group of the given size and returns
// one Comm per rank. Each returned Comm must be driven by its own
// goroutine; see [Run].
func NewGroup(size int) []*Comm {
	if size < 1 {
		panic(fmt.Sprintf("group size must be positive, got %d", size))
	}
	b := &bus{size: size, ch: make([][]chan message, size)}
	for from := range b.ch {
		b.ch[from] = make([]chan message, size)
		for to := range b.ch[from] {
			b.ch[from][to] = make(chan message, pairBuffer)
		}
	}
	comms := make([]*Comm, size)
	for rank := range comms {
		comms[rank] = &Comm{rank: rank, bus: b}
	}
	return comms
}

// Rank returns this process's rank within the group, in [0, Size).
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the group.
func (c *Comm) Size() int { return c.bus.size }

// Run executes fn concurrently on every rank of a fresh in-process
// group of the given size, and waits for all ranks to return.
// The per-rank errors are joined; a nil result means every rank succeeded.
func Run(size int, fn func(c *Comm) error) error {
	comms := NewGroup(size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for rank, c := range comms {
		wg.Add(1)
		go func(rank int, c *Comm) {
			defer wg.Done()
			if err := fn(c); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
			}
		}(rank, c)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// send copies buf and enqueues it for the destination rank.
func send[T any](ctx context.Context, c *Comm, to int, buf []T) error {
	cp := make([]T, len(buf))
	copy(cp, buf)
	select {
	case c.bus.ch[c.rank][to] <- message{payload: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv dequeues the next message from the source rank.
// A payload of the wrong element type means the ranks have diverged
// in their collective call sequence.
func recv[T any](ctx context.Context, c *Comm, from int) ([]T, error) {
	select {
	case m := <-c.bus.ch[from][c.rank]:
		buf, ok := m.payload.([]T)
		if !ok {
			return nil, fmt.Errorf("rank %d received %T from rank %d, want %T: collective call sequences diverged",
				c.rank, m.payload, from, buf)
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send transfers buf to the given rank. The buffer is copied on send;
// the caller keeps ownership of buf.
func Send[T any](ctx context.Context, c *Comm, to int, buf []T) error {
	return send(ctx, c, to, buf)
}

// Recv receives the next buffer sent by the given rank.
// The returned slice is owned by the caller.
func Recv[T any](ctx context.Context, c *Comm, from int) ([]T, error) {
	return recv[T](ctx, c, from)
}
