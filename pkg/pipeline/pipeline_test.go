package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func source(n int) Stage[int] {
	return func(ctx context.Context, _ <-chan int, out chan<- int) error {
		for i := 0; i < n; i++ {
			if err := Send(ctx, out, i); err != nil {
				return err
			}
		}
		return nil
	}
}

func collect(mu *sync.Mutex, got *[]int) Stage[int] {
	return Map(func(_ context.Context, v int) (int, bool, error) {
		mu.Lock()
		*got = append(*got, v)
		mu.Unlock()
		return v, true, nil
	})
}

func TestRun_FlowsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	double := Map(func(_ context.Context, v int) (int, bool, error) { return v * 2, true, nil })
	odd := Map(func(_ context.Context, v int) (int, bool, error) { return v, v%4 == 0, nil })

	err := Run(context.Background(), 2, source(10), double, odd, collect(&mu, &got))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 8, 12, 16}, got)
}

func TestRun_ErrorCancelsEveryStage(t *testing.T) {
	boom := errors.New("boom")
	infinite := func(ctx context.Context, _ <-chan int, out chan<- int) error {
		for i := 0; ; i++ {
			if err := Send(ctx, out, i); err != nil {
				return err
			}
		}
	}
	failing := Map(func(_ context.Context, v int) (int, bool, error) {
		if v == 5 {
			return 0, false, boom
		}
		return v, true, nil
	})

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), 1, infinite, failing) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after a stage error")
	}
}

func TestConcurrent_BoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := Concurrent(3, func(_ context.Context, v int) (int, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return v, nil
	})

	var mu sync.Mutex
	var got []int
	require.NoError(t, Run(context.Background(), 0, source(20), slow, collect(&mu, &got)))

	sort.Ints(got)
	assert.Len(t, got, 20)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}
