package dcomm

import (
	"cmp"
	"context"
	"fmt"
)

// Barrier blocks until every rank in the group has entered it.
func Barrier(ctx context.Context, c *Comm) error {
	_, err := Allgather(ctx, c, struct{}{})
	return err
}

// Bcast distributes root's buffer to every rank.
// On root the returned slice is buf itself; elsewhere buf is ignored
// and a freshly owned copy of root's buffer is returned.
func Bcast[T any](ctx context.Context, c *Comm, root int, buf []T) ([]T, error) {
	if c.Size() == 1 {
		return buf, nil
	}
	if c.rank == root {
		for to := 0; to < c.Size(); to++ {
			if to == root {
				continue
			}
			if err := send(ctx, c, to, buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return recv[T](ctx, c, root)
}

// Gatherv collects every rank's buffer at root.
// Root receives one slice per rank, indexed by rank; other ranks get nil.
func Gatherv[T any](ctx context.Context, c *Comm, root int, buf []T) ([][]T, error) {
	if c.rank != root {
		if err := send(ctx, c, root, buf); err != nil {
			return nil, err
		}
		return nil, nil
	}
	parts := make([][]T, c.Size())
	for from := 0; from < c.Size(); from++ {
		if from == root {
			own := make([]T, len(buf))
			copy(own, buf)
			parts[from] = own
			continue
		}
		p, err := recv[T](ctx, c, from)
		if err != nil {
			return nil, err
		}
		parts[from] = p
	}
	return parts, nil
}

// Allgatherv concatenates every rank's buffer in rank order and gives
// the result to all ranks, along with the per-rank element counts.
func Allgatherv[T any](ctx context.Context, c *Comm, buf []T) ([]T, []int64, error) {
	parts, err := Gatherv(ctx, c, 0, buf)
	if err != nil {
		return nil, nil, err
	}
	var all []T
	cnt := make([]int64, c.Size())
	if c.rank == 0 {
		for r, p := range parts {
			cnt[r] = int64(len(p))
			all = append(all, p...)
		}
	}
	if all, err = Bcast(ctx, c, 0, all); err != nil {
		return nil, nil, err
	}
	if cnt, err = Bcast(ctx, c, 0, cnt); err != nil {
		return nil, nil, err
	}
	return all, cnt, nil
}

// Allgather collects one value per rank, in rank order, on all ranks.
func Allgather[T any](ctx context.Context, c *Comm, v T) ([]T, error) {
	all, _, err := Allgatherv(ctx, c, []T{v})
	return all, err
}

// Alltoallv exchanges variable-count segments between all rank pairs.
// cnt[r] leading-to-trailing elements of buf go to rank r; sum(cnt) must
// equal len(buf). The received elements are returned concatenated in
// source-rank order, with the per-source counts.
func Alltoallv[T any](ctx context.Context, c *Comm, buf []T, cnt []int64) ([]T, []int64, error) {
	if len(cnt) != c.Size() {
		return nil, nil, fmt.Errorf("alltoallv: %d counts for %d ranks", len(cnt), c.Size())
	}
	var off int64
	for to, n := range cnt {
		if off+n > int64(len(buf)) {
			return nil, nil, fmt.Errorf("alltoallv: counts sum past buffer length %d", len(buf))
		}
		if err := send(ctx, c, to, buf[off:off+n]); err != nil {
			return nil, nil, err
		}
		off += n
	}
	if off != int64(len(buf)) {
		return nil, nil, fmt.Errorf("alltoallv: counts sum to %d, buffer has %d elements", off, len(buf))
	}

	var out []T
	rcnt := make([]int64, c.Size())
	for from := 0; from < c.Size(); from++ {
		p, err := recv[T](ctx, c, from)
		if err != nil {
			return nil, nil, err
		}
		rcnt[from] = int64(len(p))
		out = append(out, p...)
	}
	return out, rcnt, nil
}

// Scan returns the exclusive prefix sum of v over ranks:
// rank r receives the sum of v from ranks 0..r-1, with rank 0 receiving 0.
func Scan(ctx context.Context, c *Comm, v int64) (int64, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, x := range all[:c.rank] {
		sum += x
	}
	return sum, nil
}

// number constrains the summable collective payloads.
type number interface {
	~int | ~int64 | ~uint64 | ~float64
}

// AllreduceSum returns the sum of v over all ranks, on all ranks.
func AllreduceSum[T number](ctx context.Context, c *Comm, v T) (T, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		return 0, err
	}
	var sum T
	for _, x := range all {
		sum += x
	}
	return sum, nil
}

// AllreduceMax returns the maximum of v over all ranks, on all ranks.
func AllreduceMax[T cmp.Ordered](ctx context.Context, c *Comm, v T) (T, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		var zero T
		return zero, err
	}
	m := all[0]
	for _, x := range all[1:] {
		if x > m {
			m = x
		}
	}
	return m, nil
}

// SameEverywhere reports whether every rank passed the same value.
// It is the cheap pre-exchange used to turn diverged collective calls
// into an error on all ranks instead of a deadlock.
func SameEverywhere(ctx context.Context, c *Comm, v uint64) (bool, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		return false, err
	}
	for _, x := range all {
		if x != all[0] {
			return false, nil
		}
	}
	return true, nil
}
