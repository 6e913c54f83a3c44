package square

import (
	"strings"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

const (
	productionBaseURL = "https://connect.squareup.com"
	sandboxBaseURL    = "https://connect.squareupsandbox.com"

	// DefaultAPIVersion is sent as the Square-Version header.
	DefaultAPIVersion = "2024-10-17"

	// Square allows roughly 500 requests per minute per application and merchant.
	defaultQuota       = 500
	defaultQuotaWindow = time.Minute
)

// Scopes requested during authorization. All of them are read-only.
var Scopes = []string{
	"MERCHANT_PROFILE_READ",
	"ITEMS_READ",
	"INVENTORY_READ",
	"ORDERS_READ",
}

// Config holds Square application settings.
type Config struct {
	ClientID               string
	ClientSecret           string
	RedirectURI            string
	WebhookSignatureKey    string
	WebhookNotificationURL string
	Environment            string
	// BaseURL overrides the environment derived API host (tests, proxies).
	BaseURL    string
	APIVersion string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	Transform TransformConfig
}

// LoadConfig reads the Square configuration from the environment. It does not
// validate; Initialize reports missing fields as a ConfigError.
func LoadConfig() *Config {
	requests := env.GetInt("SQUARE_RATE_LIMIT_REQUESTS", defaultQuota)
	if requests <= 0 {
		requests = defaultQuota
	}
	window := env.GetDuration("SQUARE_RATE_LIMIT_WINDOW", defaultQuotaWindow)
	if window <= 0 {
		window = defaultQuotaWindow
	}

	return &Config{
		ClientID:               strings.TrimSpace(env.GetEnv("SQUARE_CLIENT_ID", "")),
		ClientSecret:           strings.TrimSpace(env.GetEnv("SQUARE_CLIENT_SECRET", "")),
		RedirectURI:            strings.TrimSpace(env.GetEnv("SQUARE_REDIRECT_URI", "")),
		WebhookSignatureKey:    strings.TrimSpace(env.GetEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", "")),
		WebhookNotificationURL: strings.TrimSpace(env.GetEnv("SQUARE_WEBHOOK_NOTIFICATION_URL", "")),
		Environment:            strings.TrimSpace(env.GetEnv("SQUARE_ENVIRONMENT", "sandbox")),
		BaseURL:                strings.TrimSpace(env.GetEnv("SQUARE_BASE_URL", "")),
		APIVersion:             strings.TrimSpace(env.GetEnv("SQUARE_API_VERSION", DefaultAPIVersion)),
		RateLimitRequests:      requests,
		RateLimitWindow:        window,
		Transform:              DefaultTransformConfig(),
	}
}

// Validate returns a ConfigError naming every missing required setting.
func (c *Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "SQUARE_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "SQUARE_CLIENT_SECRET")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "SQUARE_REDIRECT_URI")
	}
	if c.WebhookSignatureKey == "" {
		missing = append(missing, "SQUARE_WEBHOOK_SIGNATURE_KEY")
	}
	if len(missing) > 0 {
		return &pos.ConfigError{Provider: models.POSProviderSquare, Missing: missing}
	}
	return nil
}

// APIBaseURL returns the API host for the configured environment.
func (c *Config) APIBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if strings.EqualFold(c.Environment, "production") {
		return productionBaseURL
	}
	return sandboxBaseURL
}
