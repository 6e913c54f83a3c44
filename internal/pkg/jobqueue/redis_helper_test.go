package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
)

const isolatedJobQueueTestRedisDB = 14

func resolveTestRedis(t *testing.T) (string, string, string) {
	t.Helper()

	hosts := uniqueNonEmpty(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := uniqueNonEmpty(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := []string{env.GetEnv("CACHE_PASSWORD", "")}
	if passwords[0] != "" {
		passwords = append(passwords, "")
	}

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, password := range passwords {
				client := redis.NewClient(&redis.Options{
					Addr:     fmt.Sprintf("%s:%s", host, port),
					Password: password,
					DB:       0,
				})

				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				_, err := client.Ping(ctx).Result()
				cancel()
				_ = client.Close()
				if err == nil {
					return host, port, password
				}
				lastErr = err
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", "", ""
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	host, port, password := resolveTestRedis(t)
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err := client.Ping(ctx).Result()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: isolated DB ping failed (%v)", err)
	}

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}

// waitForCondition polls condition until it holds or timeout passes.
func waitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
