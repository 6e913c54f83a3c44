package oauthstate

import (
	"net"
	"strconv"

	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/POSBridge/internal/pkg/cache"
)

// stateDatabase keeps state tokens apart from the cache (DB 0) and job queue keys.
const stateDatabase = 2

// NewRedisStore returns a Store shared by all processes, reusing the connection
// settings of the cache client.
func NewRedisStore() Store {
	cacheOpts := cache.GetClient().Options()
	host, port := "127.0.0.1", 6379
	if cacheOpts != nil && cacheOpts.Addr != "" {
		if h, p, err := net.SplitHostPort(cacheOpts.Addr); err == nil {
			host = h
			if parsed, e := strconv.Atoi(p); e == nil {
				port = parsed
			}
		} else {
			host = cacheOpts.Addr
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Username: cacheOpts.Username,
		Password: cacheOpts.Password,
		Database: stateDatabase,
		Reset:    false,
	})
}
