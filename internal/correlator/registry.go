package correlator

import (
	"context"
	"sync"
)

// Registry maps a payment to the single channel waiting for its outcome.
type Registry interface {
	// Register records channelID for paymentID, replacing any earlier registration.
	Register(ctx context.Context, paymentID, channelID string) error
	// Take returns and removes the registration in one step. Of any number of
	// concurrent callers, at most one gets ok == true.
	Take(ctx context.Context, paymentID string) (channelID string, ok bool, err error)
	// Unregister removes the registration only if it still points at channelID.
	Unregister(ctx context.Context, paymentID, channelID string) error
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	channels map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{channels: make(map[string]string)}
}

func (r *MemoryRegistry) Register(ctx context.Context, paymentID, channelID string) error {
	r.mu.Lock()
	r.channels[paymentID] = channelID
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Take(ctx context.Context, paymentID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID, ok := r.channels[paymentID]
	if ok {
		delete(r.channels, paymentID)
	}
	return channelID, ok, nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, paymentID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[paymentID] == channelID {
		delete(r.channels, paymentID)
	}
	return nil
}

// Len returns the number of pending registrations.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
