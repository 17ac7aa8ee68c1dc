package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, string]
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (string, error) {
		calls.Add(1)
		close(started)
		<-release
		return "month", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[string], n)

	wg.Go(func() {
		results[0] = <-g.DoChan(1, fn)
	})
	<-started
	chans := make([]<-chan Result[string], n)
	for i := 1; i < n; i++ {
		chans[i] = g.DoChan(1, fn)
	}
	close(release)
	for i := 1; i < n; i++ {
		results[i] = <-chans[i]
	}
	wg.Wait()

	for i, r := range results {
		if r.Err != nil || r.Val != "month" {
			t.Errorf("caller %d got %+v", i, r)
		}
		if i > 0 && !r.Shared {
			t.Errorf("caller %d should have shared the call", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Go(func() {
			<-g.DoChan(key, func() (int, error) {
				calls.Add(1)
				return 0, nil
			})
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, int]
	sentinel := errors.New("failed")
	started := make(chan struct{})
	release := make(chan struct{})

	ch1 := g.DoChan(1, func() (int, error) {
		close(started)
		<-release
		return 0, sentinel
	})
	<-started
	ch2 := g.DoChan(1, func() (int, error) {
		t.Error("should not execute")
		return 0, nil
	})
	close(release)

	if r := <-ch1; !errors.Is(r.Err, sentinel) {
		t.Errorf("caller 1: got %v", r.Err)
	}
	if r := <-ch2; !errors.Is(r.Err, sentinel) {
		t.Errorf("caller 2: got %v", r.Err)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32
	fn := func() (int, error) { return int(calls.Add(1)), nil }

	ctx := context.Background()
	if v, err := g.Do(ctx, 1, fn); err != nil || v != 1 {
		t.Fatalf("first call: %d, %v", v, err)
	}
	if v, err := g.Do(ctx, 1, fn); err != nil || v != 2 {
		t.Fatalf("second call: %d, %v", v, err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	var g Group[int, int]
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Do(ctx, 1, func() (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
