// Package notify provides the writer's wake signal and the publisher of
// engine events (disk faults, folder removals, backup results).
package notify

import (
	"context"
	"sync"
)

// Signal is an edge-triggered broadcast. Waiters take C(); Notify closes
// that channel and installs a fresh one, waking everyone at once.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns the channel closed by the next Notify. Re-call C after every
// wakeup; taking it before checking for work means a Notify racing with
// the check is never missed.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Wait blocks until the next Notify or until ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
