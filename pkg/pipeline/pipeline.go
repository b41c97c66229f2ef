// Package pipeline runs staged producer/consumer graphs: every stage is a
// goroutine reading from the previous stage's bounded channel and writing
// to the next.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBufferSize is the capacity of the channel between two stages.
const DefaultBufferSize = 100

// Stage consumes in and produces out. The runner closes out when the stage
// returns. The first stage receives a nil in.
type Stage[T any] func(ctx context.Context, in <-chan T, out chan<- T) error

// Run connects stages with bounded channels and runs them concurrently.
// The output of the last stage is drained. The first error cancels every
// stage and is returned.
func Run[T any](ctx context.Context, bufferSize int, stages ...Stage[T]) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	g, ctx := errgroup.WithContext(ctx)

	var in chan T
	for _, stage := range stages {
		out := make(chan T, bufferSize)
		src := in
		g.Go(func() error {
			defer close(out)
			return stage(ctx, src, out)
		})
		in = out
	}
	last := in
	g.Go(func() error {
		for range last {
		}
		return nil
	})
	return g.Wait()
}

// Send writes v to out unless ctx is done first.
func Send[T any](ctx context.Context, out chan<- T, v T) error {
	select {
	case out <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Map returns a stage that applies fn to every item in order. fn may
// return false to drop the item.
func Map[T any](fn func(ctx context.Context, v T) (T, bool, error)) Stage[T] {
	return func(ctx context.Context, in <-chan T, out chan<- T) error {
		for v := range in {
			res, keep, err := fn(ctx, v)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			if err := Send(ctx, out, res); err != nil {
				return err
			}
		}
		return nil
	}
}

// Concurrent returns a stage that runs fn on up to limit items at once.
// Output order follows completion order.
func Concurrent[T any](limit int, fn func(ctx context.Context, v T) (T, error)) Stage[T] {
	if limit <= 0 {
		limit = 1
	}
	return func(ctx context.Context, in <-chan T, out chan<- T) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for v := range in {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := fn(gctx, v)
				if err != nil {
					return err
				}
				return Send(gctx, out, res)
			})
		}
		return g.Wait()
	}
}
