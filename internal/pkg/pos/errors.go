package pos

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/POSBridge/internal/pkg/oauthstate"
	"github.com/ManuelReschke/POSBridge/internal/pkg/vault"
)

var (
	ErrNotInitialized     = errors.New("pos adapter not initialized")
	ErrNotImplemented     = errors.New("pos provider not implemented")
	ErrUnknownProvider    = errors.New("unknown pos provider")
	ErrNoActiveConnection = errors.New("no active pos connection")
	ErrTokenExpired       = errors.New("pos access token expired")
	ErrConnectionNotFound = errors.New("pos connection not found")
	ErrWrongProvider      = errors.New("pos connection belongs to a different provider")
	ErrConnectionInactive = errors.New("pos connection is not active")
)

// ConfigError lists the missing or invalid configuration of a provider.
type ConfigError struct {
	Provider string
	Missing  []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing configuration: %s", e.Provider, strings.Join(e.Missing, ", "))
}

// AuthError is an OAuth failure; the user has to restart the authorization flow.
type AuthError struct {
	Provider string
	Op       string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenError is a failed token refresh. Retryable means the user can fix it by
// reauthorizing, not that the call should be repeated as is.
type TokenError struct {
	Provider     string
	ConnectionID uint
	Retryable    bool
	Err          error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s token refresh for connection %d failed: %v", e.Provider, e.ConnectionID, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// SyncError is a provider failure during ingestion. Partial is set when some
// records were stored before the failure.
type SyncError struct {
	Provider  string
	Op        string
	Retryable bool
	Partial   bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// RateLimitError means the provider throttled a request. The rate limiter absorbs
// it; retry policies see it as retryable with a Retry-After hint.
type RateLimitError struct {
	Provider string
	Wait     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.Wait)
}

func (e *RateLimitError) HTTPStatus() int { return http.StatusTooManyRequests }

func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// UserMessage turns an error into text a restaurant user can act on.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var cfgErr *ConfigError
	var authErr *AuthError
	var tokenErr *TokenError
	var syncErr *SyncError
	var rlErr *RateLimitError

	switch {
	case errors.Is(err, oauthstate.ErrInvalidState):
		return "The authorization link is invalid or has expired. Please reconnect your POS account."
	case errors.As(err, &authErr):
		return "Authorization with your POS provider failed. Please reconnect your POS account."
	case errors.As(err, &tokenErr), errors.Is(err, ErrTokenExpired):
		return "Your POS authorization has expired. Please reauthorize the connection."
	case errors.Is(err, vault.ErrDecryptionFailed):
		return "Stored POS credentials could not be read. Please reconnect your POS account."
	case errors.Is(err, ErrNoActiveConnection), errors.Is(err, ErrConnectionInactive):
		return "No active POS connection was found. Please connect your POS account."
	case errors.Is(err, ErrConnectionNotFound):
		return "The POS connection does not exist."
	case errors.As(err, &rlErr):
		return "Your POS provider is throttling requests. Please retry later."
	case errors.As(err, &syncErr) && syncErr.Retryable:
		return "Your POS provider is temporarily unavailable. Please retry later."
	case errors.As(err, &cfgErr), errors.Is(err, ErrNotInitialized):
		return "This POS integration is not configured."
	case errors.Is(err, ErrNotImplemented), errors.Is(err, ErrUnknownProvider):
		return "This POS provider is not supported yet."
	}
	return "The POS request failed."
}
