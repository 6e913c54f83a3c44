package square

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/metrics/posmetrics"
	"github.com/ManuelReschke/POSBridge/internal/pkg/oauthstate"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ratelimit"
	"github.com/ManuelReschke/POSBridge/internal/pkg/retry"
	"github.com/ManuelReschke/POSBridge/internal/pkg/vault"
)

const provider = models.POSProviderSquare

// Deps are the collaborators an Adapter needs. Limiter and Retry are optional and
// default to the configured quota and retry.DefaultPolicy.
type Deps struct {
	Vault       *vault.Vault
	States      *oauthstate.Manager
	Connections repository.ConnectionRepository
	Raw         repository.RawRecordRepository
	Limiter     *ratelimit.Limiter
	Retry       *retry.Policy
	Archiver    pos.Archiver
	HTTPClient  *http.Client
	TokenBuffer time.Duration
}

// Adapter is the Square implementation of pos.Adapter and pos.Transformer.
type Adapter struct {
	cfg         *Config
	deps        Deps
	client      *Client
	oauth       *oauth2.Config
	limiter     *ratelimit.Limiter
	retry       retry.Policy
	transformer *Transformer
	ready       atomic.Bool
	now         func() time.Time
}

var (
	_ pos.Adapter     = (*Adapter)(nil)
	_ pos.Transformer = (*Adapter)(nil)
)

// New creates an uninitialized adapter.
func New(cfg *Config, deps Deps) *Adapter {
	if cfg == nil {
		cfg = &Config{}
	}
	if deps.TokenBuffer <= 0 {
		deps.TokenBuffer = pos.DefaultTokenBuffer
	}
	return &Adapter{cfg: cfg, deps: deps, now: time.Now}
}

// NewFactory returns a pos.Factory for the registry.
func NewFactory(cfg *Config, deps Deps) pos.Factory {
	return func() (pos.Adapter, error) {
		return New(cfg, deps), nil
	}
}

func (a *Adapter) Provider() string { return provider }

func (a *Adapter) Ready() bool { return a.ready.Load() }

// Initialize validates configuration, builds the API client and marks the adapter ready.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	var missing []string
	if a.deps.Vault == nil {
		missing = append(missing, "credential vault")
	}
	if a.deps.States == nil {
		missing = append(missing, "oauth state manager")
	}
	if a.deps.Connections == nil {
		missing = append(missing, "connection repository")
	}
	if a.deps.Raw == nil {
		missing = append(missing, "raw record repository")
	}
	if len(missing) > 0 {
		return &pos.ConfigError{Provider: provider, Missing: missing}
	}

	base := a.cfg.APIBaseURL()
	a.client = NewClient(base, a.cfg.APIVersion, a.deps.HTTPClient)
	a.oauth = &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		RedirectURL:  a.cfg.RedirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/oauth2/authorize",
			TokenURL: base + "/oauth2/token",
		},
	}

	a.limiter = a.deps.Limiter
	if a.limiter == nil {
		l, err := ratelimit.New(ratelimit.DefaultConfig(a.cfg.RateLimitRequests, a.cfg.RateLimitWindow))
		if err != nil {
			return &pos.ConfigError{Provider: provider, Missing: []string{"SQUARE_RATE_LIMIT_REQUESTS"}}
		}
		a.limiter = l
	}

	a.retry = retry.DefaultPolicy()
	if a.deps.Retry != nil {
		a.retry = *a.deps.Retry
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = func(name string, attempt int, wait time.Duration, err error) {
			posmetrics.RetriesTotal.WithLabelValues(name).Inc()
			log.Warnf("[Square] %s failed (attempt %d), retrying in %s: %v", name, attempt, wait, err)
		}
	}

	a.transformer = NewTransformer(a.cfg.Transform)
	a.ready.Store(true)
	log.Infof("[Square] Adapter initialized (api=%s)", base)
	return nil
}

func (a *Adapter) checkReady() error {
	if !a.Ready() {
		return pos.ErrNotInitialized
	}
	return nil
}

func (a *Adapter) checkConn(conn *models.POSConnection) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if conn == nil {
		return pos.ErrConnectionNotFound
	}
	if conn.Provider != provider {
		return pos.ErrWrongProvider
	}
	return nil
}

func limiterKey(conn *models.POSConnection) string {
	if conn == nil || conn.ID == 0 {
		return provider + ":unbound"
	}
	return fmt.Sprintf("%s:%d", provider, conn.ID)
}

func (a *Adapter) accessToken(conn *models.POSConnection) (string, error) {
	token, err := a.deps.Vault.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("access token for connection %d: %w", conn.ID, err)
	}
	if token == "" {
		return "", fmt.Errorf("connection %d: %w", conn.ID, pos.ErrTokenExpired)
	}
	return token, nil
}

// call performs one rate limited API request through the retry policy. A 429
// pauses the connection's bucket and is retried after the pause.
func (a *Adapter) call(ctx context.Context, conn *models.POSConnection, name, method, path, authorization string, in, out interface{}) ([]byte, error) {
	key := limiterKey(conn)
	return retry.DoValue(ctx, a.retry, "square "+name, func(ctx context.Context) ([]byte, error) {
		start := time.Now()
		if err := a.limiter.Acquire(ctx, key); err != nil {
			return nil, err
		}
		posmetrics.RateLimitWaitSeconds.WithLabelValues(provider).Observe(time.Since(start).Seconds())

		raw, err := a.client.do(ctx, method, path, authorization, in, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
			a.limiter.ReportRateLimited(key, apiErr.RetryAfter())
			posmetrics.RateLimitPausesTotal.WithLabelValues(provider).Inc()
			return nil, &pos.RateLimitError{Provider: provider, Wait: apiErr.RetryAfter()}
		}
		if err == nil {
			posmetrics.PagesFetchedTotal.WithLabelValues(provider, path).Inc()
		}
		return raw, err
	})
}

func (a *Adapter) archive(ctx context.Context, conn *models.POSConnection, endpoint string, page int, body []byte) {
	if a.deps.Archiver == nil {
		return
	}
	err := a.deps.Archiver.ArchivePage(ctx, pos.ArchivedPage{
		Provider:     provider,
		ConnectionID: conn.ID,
		Endpoint:     endpoint,
		Page:         page,
		Body:         body,
		FetchedAt:    a.now().UTC(),
	})
	if err != nil {
		log.Warnf("[Square] Failed to archive %s page %d for connection %d: %v", endpoint, page, conn.ID, err)
	}
}

func (a *Adapter) fetchMerchant(ctx context.Context, conn *models.POSConnection, token string) (*merchant, error) {
	var resp merchantResponse
	if _, err := a.call(ctx, conn, "get merchant", http.MethodGet, "/v2/merchants/me", bearer(token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Merchant, nil
}

// GetLocations lists the merchant's locations.
func (a *Adapter) GetLocations(ctx context.Context, conn *models.POSConnection) ([]pos.Location, error) {
	if err := a.checkConn(conn); err != nil {
		return nil, err
	}
	token, err := a.accessToken(conn)
	if err != nil {
		return nil, err
	}

	var resp locationsResponse
	if _, err := a.call(ctx, conn, "list locations", http.MethodGet, "/v2/locations", bearer(token), nil, &resp); err != nil {
		return nil, &pos.SyncError{Provider: provider, Op: "list locations", Retryable: retry.IsRetryable(err), Err: err}
	}

	out := make([]pos.Location, 0, len(resp.Locations))
	for _, l := range resp.Locations {
		out = append(out, pos.Location{
			ID:      l.ID,
			Name:    l.Name,
			Address: formatAddress(l.Address),
			Active:  strings.EqualFold(l.Status, "ACTIVE"),
		})
	}
	return out, nil
}

func formatAddress(addr address) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{addr.AddressLine1, addr.AddressLine2, addr.Locality, addr.District, addr.PostalCode} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// HealthCheck checks the connection locally first and only calls Square when the
// connection is active with a valid token.
func (a *Adapter) HealthCheck(ctx context.Context, conn *models.POSConnection) (*pos.HealthResult, error) {
	if err := a.checkConn(conn); err != nil {
		return nil, err
	}

	details := map[string]interface{}{
		"connection_id": conn.ID,
		"status":        conn.Status,
	}
	if conn.TokenExpiresAt != nil {
		details["token_expires_at"] = conn.TokenExpiresAt.UTC()
	}
	if conn.LastSyncAt != nil {
		details["last_sync_at"] = conn.LastSyncAt.UTC()
	}

	if !conn.IsActive() {
		return &pos.HealthResult{Healthy: false, Message: "connection is " + conn.Status, Details: details}, nil
	}
	if conn.IsTokenExpired(a.now(), a.deps.TokenBuffer) {
		return &pos.HealthResult{Healthy: false, Message: "access token expired or about to expire", Details: details}, nil
	}
	token, err := a.accessToken(conn)
	if err != nil {
		return &pos.HealthResult{Healthy: false, Message: pos.UserMessage(err), Details: details}, nil
	}

	snap := a.limiter.Snapshot(limiterKey(conn))
	details["rate_limit_tokens"] = snap.Tokens
	if !snap.PausedUntil.IsZero() {
		details["rate_limit_paused_until"] = snap.PausedUntil.UTC()
	}

	m, err := a.fetchMerchant(ctx, conn, token)
	if err != nil {
		details["error"] = err.Error()
		return &pos.HealthResult{Healthy: false, Message: "square API unreachable", Details: details}, nil
	}
	details["merchant_id"] = m.ID
	details["business_name"] = m.BusinessName
	return &pos.HealthResult{Healthy: true, Message: "ok", Details: details}, nil
}

// TransformInventory implements pos.Transformer.
func (a *Adapter) TransformInventory(restaurantID uint, records []models.RawRecord) []pos.InventoryOutcome {
	return a.transformerOrDefault().TransformInventory(restaurantID, records)
}

// TransformSales implements pos.Transformer.
func (a *Adapter) TransformSales(restaurantID uint, records []models.RawRecord) []pos.SalesOutcome {
	return a.transformerOrDefault().TransformSales(restaurantID, records)
}

func (a *Adapter) transformerOrDefault() *Transformer {
	if a.transformer != nil {
		return a.transformer
	}
	return NewTransformer(a.cfg.Transform)
}
