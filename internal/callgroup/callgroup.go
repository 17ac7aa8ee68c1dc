// Package callgroup deduplicates concurrent calls by key.
//
// While a call for a key is in flight, further callers for the same key
// wait for it and receive its value. Once it returns the key is forgotten,
// so the next call runs fn again.
package callgroup

import (
	"context"
	"sync"
)

// Result is delivered on the channel returned by DoChan.
type Result[V any] struct {
	Val V
	Err error
	// Shared is true when the caller joined a call already in flight.
	Shared bool
}

// Group deduplicates calls by key.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// DoChan runs fn unless a call for key is in flight. The channel receives
// exactly one Result and is never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	c, shared := g.calls[key]
	if !shared {
		c = &call[V]{done: make(chan struct{})}
		g.calls[key] = c
		go func() {
			c.val, c.err = fn()
			g.mu.Lock()
			delete(g.calls, key)
			g.mu.Unlock()
			close(c.done)
		}()
	}
	g.mu.Unlock()

	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: shared}
	}()
	return ch
}

// Do is DoChan that waits for the result or for ctx. A cancelled caller
// does not cancel the shared call.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	select {
	case r := <-g.DoChan(key, fn):
		return r.Val, r.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
