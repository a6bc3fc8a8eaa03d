package sse

import (
	"context"
	"sync"

	"ms-momo/internal/models"
)

// Hub holds the open payment event streams of this process, one per channel id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan models.PaymentEvent
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan models.PaymentEvent)}
}

// Subscribe opens a stream for channelID. The returned channel is closed when
// ctx is done.
func (h *Hub) Subscribe(ctx context.Context, channelID string) <-chan models.PaymentEvent {
	clientChan := make(chan models.PaymentEvent, 1)

	h.mu.Lock()
	if old, ok := h.clients[channelID]; ok {
		close(old)
	}
	h.clients[channelID] = clientChan
	h.mu.Unlock()

	// Remove client when context is done
	go func() {
		<-ctx.Done()
		h.remove(channelID, clientChan)
	}()

	return clientChan
}

// Notify hands event to the stream behind channelID without blocking.
// Events for unknown channels or full buffers are dropped.
func (h *Hub) Notify(channelID string, event models.PaymentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientChan, ok := h.clients[channelID]
	if !ok {
		return
	}
	select {
	case clientChan <- event:
	default:
	}
}

func (h *Hub) remove(channelID string, clientChan chan models.PaymentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channelID] == clientChan {
		delete(h.clients, channelID)
		close(clientChan)
	}
}

// ClientCount returns the number of open streams.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
