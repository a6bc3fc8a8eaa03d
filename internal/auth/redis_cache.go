package auth

import (
	"context"
	"fmt"
	"time"

	"ms-momo/internal/logger"

	"github.com/go-redis/redis/v8"
)

// ConnectRedis opens the Redis client shared by the token store and the
// notification registry, and checks that it answers.
func ConnectRedis(ctx context.Context, addr string, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error("REDIS", fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err))
		client.Close()
		return nil, err
	}

	log.Info("REDIS", fmt.Sprintf("Connected to Redis at %s (DB: %d)", addr, client.Options().DB))
	return client, nil
}
