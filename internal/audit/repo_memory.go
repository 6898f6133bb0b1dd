package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests and local runs.

type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForCall returns the events recorded against callID, oldest first.
func (r *MemoryRepo) ForCall(callID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range r.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}
