package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// APIKeyConfig configures APIKeyAuthMiddleware.
type APIKeyConfig struct {
	// Keys are the accepted operator keys. An empty list disables the check.
	Keys []string
	// Next skips the middleware when it returns true.
	Next func(c *fiber.Ctx) bool
}

// ParseKeys splits a comma separated key list, dropping blanks.
func ParseKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// APIKeyAuthMiddleware authenticates requests carrying an operator API key header.
func APIKeyAuthMiddleware(cfg APIKeyConfig) fiber.Handler {
	hashes := make([][sha256.Size]byte, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		hashes = append(hashes, sha256.Sum256([]byte(k)))
	}
	if len(hashes) == 0 {
		log.Warn("[API] No POS_API_KEYS configured, API key check disabled")
	}

	return func(c *fiber.Ctx) error {
		if len(hashes) == 0 || (cfg.Next != nil && cfg.Next(c)) {
			return c.Next()
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		// compare digests so the comparison length does not depend on the key
		sum := sha256.Sum256([]byte(apiKey))
		for i := range hashes {
			if subtle.ConstantTimeCompare(sum[:], hashes[i][:]) == 1 {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
