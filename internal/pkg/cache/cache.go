package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis (or Dragonfly) server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetInt("CACHE_DB", 0),
	})

	if err := Ping(context.Background()); err != nil {
		log.Warnf("[Cache] Could not connect to %s:%s: %v", host, port, err)
	} else {
		log.Infof("[Cache] Connected to %s:%s", host, port)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Ping checks the connection with a short timeout
func Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return GetClient().Ping(ctx).Err()
}

// Close releases the client
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
