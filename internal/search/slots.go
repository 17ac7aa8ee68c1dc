package search

import (
	"context"
	"sync"
)

// SlotTable gives each network client one search slot. A slot runs one
// search at a time; a second request on a busy slot is rejected.
type SlotTable struct {
	mu     sync.Mutex
	active []context.CancelFunc
}

func NewSlotTable(n int) *SlotTable {
	return &SlotTable{active: make([]context.CancelFunc, n)}
}

// Len is the number of slots.
func (s *SlotTable) Len() int { return len(s.active) }

// Acquire claims slot for a search and returns a context that Cancel
// aborts. release must be called when the search ends.
func (s *SlotTable) Acquire(ctx context.Context, slot int) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.active) {
		return nil, nil, ErrBadSlot
	}
	if s.active[slot] != nil {
		return nil, nil, ErrSlotBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.active[slot] = cancel
	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			s.active[slot] = nil
			s.mu.Unlock()
		})
	}
	return ctx, release, nil
}

// Busy reports whether slot is running a search.
func (s *SlotTable) Busy(slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slot >= 0 && slot < len(s.active) && s.active[slot] != nil
}

// Cancel aborts the slot's search, as when its client disconnects.
func (s *SlotTable) Cancel(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= 0 && slot < len(s.active) && s.active[slot] != nil {
		s.active[slot]()
	}
}
