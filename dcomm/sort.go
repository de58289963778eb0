package dcomm

import (
	"context"
	"fmt"
	"sort"
)

// SampleSort globally sorts the union of every rank's records and
// redistributes them so each rank owns a contiguous, roughly
// equal-population range of the total order.
//
// Pivots come from sampling: each rank contributes up to Size evenly
// spaced local samples, the merged samples yield Size-1 splitters, and
// records route to the bucket below the first splitter exceeding them.
// Records comparing equal therefore always land on the same rank.
//
// The input buffer is not modified; the returned slice is owned by the
// caller. The result is deterministic for a given input distribution
// and group size.
func SampleSort[T any](ctx context.Context, c *Comm, buf []T, less func(a, b T) bool) ([]T, error) {
	local := make([]T, len(buf))
	copy(local, buf)
	sort.SliceStable(local, func(i, j int) bool { return less(local[i], local[j]) })
	if c.Size() == 1 {
		return local, nil
	}

	p := c.Size()
	var samples []T
	for i := 1; i <= p && len(local) > 0; i++ {
		samples = append(samples, local[i*len(local)/(p+1)])
	}
	allSamples, _, err := Allgatherv(ctx, c, samples)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(allSamples, func(i, j int) bool { return less(allSamples[i], allSamples[j]) })

	cnt := make([]int64, p)
	if len(allSamples) == 0 {
		// Nothing anywhere; the exchange still must run on every rank.
		cnt[0] = int64(len(local))
	} else {
		prev := 0
		for r := 0; r < p-1; r++ {
			splitter := allSamples[(r+1)*len(allSamples)/p]
			b := sort.Search(len(local), func(i int) bool { return !less(local[i], splitter) })
			cnt[r] = int64(b - prev)
			prev = b
		}
		cnt[p-1] = int64(len(local) - prev)
	}

	out, _, err := Alltoallv(ctx, c, local, cnt)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

// Partition routes every record to the rank chosen by owner, preserving
// relative order among records with the same destination. Each rank
// receives its records concatenated in source-rank order.
func Partition[T any](ctx context.Context, c *Comm, buf []T, owner func(T) int) ([]T, error) {
	p := c.Size()
	buckets := make([][]T, p)
	for _, v := range buf {
		r := owner(v)
		if r < 0 || r >= p {
			return nil, fmt.Errorf("partition: destination rank %d outside group of %d", r, p)
		}
		buckets[r] = append(buckets[r], v)
	}

	flat := make([]T, 0, len(buf))
	cnt := make([]int64, p)
	for r, b := range buckets {
		cnt[r] = int64(len(b))
		flat = append(flat, b...)
	}

	out, _, err := Alltoallv(ctx, c, flat, cnt)
	return out, err
}
