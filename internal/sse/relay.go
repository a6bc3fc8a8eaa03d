package sse

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-momo/internal/logger"
	"ms-momo/internal/models"

	"github.com/go-redis/redis/v8"
)

// RelayChannel is the Redis pub/sub channel carrying payment events between replicas.
const RelayChannel = "momo:payment-events"

type relayMessage struct {
	ChannelID string              `json:"channel_id"`
	Event     models.PaymentEvent `json:"event"`
}

// Relay fans notifications out to every replica over Redis pub/sub, so the
// replica holding the client's stream delivers it whichever replica got the webhook.
type Relay struct {
	client *redis.Client
	hub    *Hub
	log    *logger.Logger
}

func NewRelay(client *redis.Client, hub *Hub, log *logger.Logger) *Relay {
	return &Relay{client: client, hub: hub, log: log}
}

// Notify publishes the event. On publish failure it falls back to the local hub.
func (r *Relay) Notify(channelID string, event models.PaymentEvent) {
	payload, err := json.Marshal(relayMessage{ChannelID: channelID, Event: event})
	if err != nil {
		r.log.Error("SSE", fmt.Sprintf("Failed to encode relay message: %v", err))
		r.hub.Notify(channelID, event)
		return
	}

	if err := r.client.Publish(context.Background(), RelayChannel, payload).Err(); err != nil {
		r.log.Warn("SSE", fmt.Sprintf("Relay publish failed, delivering locally: %v", err))
		r.hub.Notify(channelID, event)
	}
}

// Run delivers relayed events to the local hub until ctx is done. ready is
// closed once the subscription is active.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.Subscribe(ctx, RelayChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RelayChannel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("SSE", fmt.Sprintf("Subscribed to %s", RelayChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.Warn("SSE", fmt.Sprintf("Dropping malformed relay message: %v", err))
				continue
			}
			r.hub.Notify(m.ChannelID, m.Event)
		}
	}
}
