// Package parallel splits independent per-row computations across goroutines and
// reassembles their results in submission order.
package parallel

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Span is a half-open [Start, End) range of work indices assigned to one worker.
type Span struct {
	Start int
	End   int
}

// Len returns the number of work units in the span.
func (s Span) Len() int { return s.End - s.Start }

// Result wraps the concatenated output of a dispatch. It is returned the same way
// whether the work ran on one goroutine or many.
type Result[R any] struct {
	Items  []R
	Chunks int
}

// Func processes one contiguous chunk of work. offset is the index of chunk[0]
// in the original work list.
type Func[W, R any] func(ctx context.Context, chunk []W, offset int) ([]R, error)

// DefaultWorkers returns the worker count used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// Partition splits n work units into min(nth, n) contiguous spans of n/k units,
// the last span absorbing the remainder. It never returns an empty span.
func Partition(n, nth int) []Span {
	if n <= 0 {
		return nil
	}
	if nth < 1 {
		nth = 1
	}
	k := nth
	if k > n {
		k = n
	}

	size := n / k
	spans := make([]Span, k)
	for i := 0; i < k; i++ {
		spans[i] = Span{Start: i * size, End: (i + 1) * size}
	}
	spans[k-1].End = n
	return spans
}

// Map runs fn over contiguous chunks of work on up to nth goroutines and returns
// the per-chunk outputs concatenated in the original order. With nth <= 1 the
// work runs synchronously on the calling goroutine. The first error aborts the
// dispatch and no partial result is returned.
func Map[W, R any](ctx context.Context, nth int, work []W, fn Func[W, R]) (*Result[R], error) {
	spans := Partition(len(work), nth)
	if len(spans) == 0 {
		return &Result[R]{}, nil
	}

	if len(spans) == 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := fn(ctx, work, 0)
		if err != nil {
			return nil, err
		}
		return &Result[R]{Items: items, Chunks: 1}, nil
	}

	parts := make([][]R, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range spans {
		i, sp := i, sp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, work[sp.Start:sp.End], sp.Start)
			if err != nil {
				return fmt.Errorf("chunk %d [%d,%d): %w", i, sp.Start, sp.End, err)
			}
			parts[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	items := make([]R, 0, total)
	for _, p := range parts {
		items = append(items, p...)
	}
	return &Result[R]{Items: items, Chunks: len(spans)}, nil
}

// Indices returns the work list 0..n-1, for dispatching over row indices.
func Indices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
