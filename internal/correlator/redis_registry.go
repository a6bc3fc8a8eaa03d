package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const registrationPrefix = "momo:notify:"

// unregisterScript deletes the key only while it still holds our channel id.
var unregisterScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRegistry shares registrations between replicas. Entries expire after
// TTL so registrations for payments that never resolve do not pile up.
type RedisRegistry struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRegistry{Client: client, TTL: ttl}
}

func registrationKey(paymentID string) string {
	return registrationPrefix + paymentID
}

func (r *RedisRegistry) Register(ctx context.Context, paymentID, channelID string) error {
	if err := r.Client.Set(ctx, registrationKey(paymentID), channelID, r.TTL).Err(); err != nil {
		return fmt.Errorf("failed to register channel for payment %s: %w", paymentID, err)
	}
	return nil
}

func (r *RedisRegistry) Take(ctx context.Context, paymentID string) (string, bool, error) {
	channelID, err := r.Client.GetDel(ctx, registrationKey(paymentID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to take registration for payment %s: %w", paymentID, err)
	}
	return channelID, true, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, paymentID, channelID string) error {
	if err := unregisterScript.Run(ctx, r.Client, []string{registrationKey(paymentID)}, channelID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to unregister channel for payment %s: %w", paymentID, err)
	}
	return nil
}
