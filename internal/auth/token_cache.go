package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// GatewayTokenKey is the Redis key holding the shared gateway token.
const GatewayTokenKey = "momo:gateway_token"

// TokenStore is a second-level token cache shared between replicas.
// GetToken returns nil, nil when nothing is stored.
type TokenStore interface {
	GetToken(ctx context.Context) (*Token, error)
	SetToken(ctx context.Context, token Token) error
	DeleteToken(ctx context.Context) error
}

// RedisTokenStore implements TokenStore using Redis
type RedisTokenStore struct {
	Client *redis.Client
	Key    string
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{
		Client: client,
		Key:    GatewayTokenKey,
	}
}

func (c *RedisTokenStore) GetToken(ctx context.Context) (*Token, error) {
	if c.Client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	tokenJSON, err := c.Client.Get(ctx, c.Key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}

	var token Token
	if err := json.Unmarshal([]byte(tokenJSON), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token cache: %w", err)
	}
	return &token, nil
}

// SetToken stores the token until its expiry. Tokens already past expiry are not stored.
func (c *RedisTokenStore) SetToken(ctx context.Context, token Token) error {
	if c.Client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}

	if err := c.Client.Set(ctx, c.Key, tokenJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}

func (c *RedisTokenStore) DeleteToken(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	if err := c.Client.Del(ctx, c.Key).Err(); err != nil {
		return fmt.Errorf("failed to delete token from Redis: %w", err)
	}
	return nil
}
