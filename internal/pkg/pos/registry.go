package pos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
)

// DefaultTokenBuffer treats tokens expiring within the hour as expired.
const DefaultTokenBuffer = time.Hour

const healthConcurrency = 4

// InitFailure records one adapter that did not initialize.
type InitFailure struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
	err      error
}

// InitReport is the outcome of InitializeAll.
type InitReport struct {
	Initialized []string      `json:"initialized"`
	Failed      []InitFailure `json:"failed"`
}

// Err combines all initialization failures, or returns nil.
func (r *InitReport) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, fmt.Errorf("%s: %w", f.Provider, f.err))
	}
	return err
}

// Binding is a ready adapter together with the connection it should use.
type Binding struct {
	Adapter    Adapter
	Connection *models.POSConnection
}

// AdapterStatus is the adapter-level part of a health report.
type AdapterStatus struct {
	Provider string `json:"provider"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
}

// ConnectionHealth is the connection-level part of a health report.
type ConnectionHealth struct {
	ConnectionID uint   `json:"connection_id"`
	RestaurantID uint   `json:"restaurant_id"`
	Provider     string `json:"provider"`
	HealthResult
}

// HealthReport aggregates adapter and connection health.
type HealthReport struct {
	Healthy     bool               `json:"healthy"`
	Adapters    []AdapterStatus    `json:"adapters"`
	Connections []ConnectionHealth `json:"connections"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Registry owns the adapters of a process and resolves which adapter and
// connection serve a restaurant. Build one at startup and pass it along.
type Registry struct {
	connections repository.ConnectionRepository
	restaurants repository.RestaurantRepository
	tokenBuffer time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
	initErrs  map[string]error
}

// NewRegistry creates an empty registry. restaurants may be nil, in which case no
// primary provider preference is applied. A negative tokenBuffer uses
// DefaultTokenBuffer; zero disables the buffer.
func NewRegistry(connections repository.ConnectionRepository, restaurants repository.RestaurantRepository, tokenBuffer time.Duration) *Registry {
	if tokenBuffer < 0 {
		tokenBuffer = DefaultTokenBuffer
	}
	return &Registry{
		connections: connections,
		restaurants: restaurants,
		tokenBuffer: tokenBuffer,
		now:         time.Now,
		factories:   make(map[string]Factory),
		adapters:    make(map[string]Adapter),
		initErrs:    make(map[string]error),
	}
}

// TokenBuffer returns the expiry buffer applied to connections.
func (r *Registry) TokenBuffer() time.Duration {
	return r.tokenBuffer
}

// Register adds or replaces the factory for provider.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
	delete(r.adapters, provider)
	delete(r.initErrs, provider)
}

// Providers returns all registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// InitializeAll builds and initializes the given providers, or all registered ones
// when providers is empty. With strict set the first failure aborts the call.
func (r *Registry) InitializeAll(ctx context.Context, providers []string, strict bool) (*InitReport, error) {
	if len(providers) == 0 {
		providers = r.Providers()
	}

	report := &InitReport{Initialized: []string{}, Failed: []InitFailure{}}
	for _, provider := range providers {
		adapter, err := r.initialize(ctx, provider)
		if err != nil {
			log.Errorf("[Registry] Failed to initialize %s adapter: %v", provider, err)
			report.Failed = append(report.Failed, InitFailure{Provider: provider, Error: err.Error(), err: err})
			r.mu.Lock()
			r.initErrs[provider] = err
			r.mu.Unlock()
			if strict {
				return report, fmt.Errorf("initialize %s adapter: %w", provider, err)
			}
			continue
		}

		r.mu.Lock()
		r.adapters[provider] = adapter
		delete(r.initErrs, provider)
		r.mu.Unlock()
		report.Initialized = append(report.Initialized, provider)
		log.Infof("[Registry] %s adapter ready", provider)
	}
	return report, nil
}

func (r *Registry) initialize(ctx context.Context, provider string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownProvider
	}

	adapter, err := factory()
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Get returns the ready adapter for provider, or nil.
func (r *Registry) Get(provider string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok || !a.Ready() {
		return nil
	}
	return a
}

// ForRestaurant resolves the adapter and active connection for a restaurant. The
// restaurant's primary provider wins; otherwise the most recently updated active
// connection is used.
func (r *Registry) ForRestaurant(ctx context.Context, restaurantID uint) (*Binding, error) {
	conns, err := r.connections.ListActiveByRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("restaurant %d: %w", restaurantID, ErrNoActiveConnection)
	}

	chosen := &conns[0]
	if primary := r.primaryProvider(ctx, restaurantID); primary != "" {
		for i := range conns {
			if conns[i].Provider == primary {
				chosen = &conns[i]
				break
			}
		}
	}

	if chosen.IsTokenExpired(r.now(), r.tokenBuffer) {
		return nil, fmt.Errorf("connection %d: %w", chosen.ID, ErrTokenExpired)
	}

	adapter := r.Get(chosen.Provider)
	if adapter == nil {
		return nil, fmt.Errorf("%s: %w", chosen.Provider, ErrNotInitialized)
	}
	return &Binding{Adapter: adapter, Connection: chosen}, nil
}

func (r *Registry) primaryProvider(ctx context.Context, restaurantID uint) string {
	if r.restaurants == nil {
		return ""
	}
	restaurant, err := r.restaurants.GetByID(ctx, restaurantID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warnf("[Registry] Could not load restaurant %d: %v", restaurantID, err)
		}
		return ""
	}
	return restaurant.PrimaryPOSProvider
}

func (r *Registry) adapterStatuses() []AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]string, 0, len(r.factories))
	for p := range r.factories {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	out := make([]AdapterStatus, 0, len(providers))
	for _, p := range providers {
		s := AdapterStatus{Provider: p}
		if a, ok := r.adapters[p]; ok && a.Ready() {
			s.Ready = true
		} else if err, ok := r.initErrs[p]; ok {
			s.Error = err.Error()
		} else {
			s.Error = ErrNotInitialized.Error()
		}
		out = append(out, s)
	}
	return out
}

// HealthCheckAll reports every adapter and every active connection.
func (r *Registry) HealthCheckAll(ctx context.Context) (*HealthReport, error) {
	conns, err := r.connections.ListByStatus(ctx, models.ConnectionStatusActive)
	if err != nil {
		return nil, err
	}
	return r.healthReport(ctx, conns), nil
}

// HealthCheckRestaurant reports the adapters and the restaurant's active connections.
func (r *Registry) HealthCheckRestaurant(ctx context.Context, restaurantID uint) (*HealthReport, error) {
	conns, err := r.connections.ListActiveByRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	return r.healthReport(ctx, conns), nil
}

func (r *Registry) healthReport(ctx context.Context, conns []models.POSConnection) *HealthReport {
	report := &HealthReport{
		Healthy:     true,
		Adapters:    r.adapterStatuses(),
		Connections: make([]ConnectionHealth, len(conns)),
		CheckedAt:   r.now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthConcurrency)
	for i := range conns {
		i := i
		conn := conns[i]
		g.Go(func() error {
			report.Connections[i] = r.checkConnection(gctx, &conn)
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range report.Connections {
		if !c.Healthy {
			report.Healthy = false
		}
	}
	return report
}

func (r *Registry) checkConnection(ctx context.Context, conn *models.POSConnection) ConnectionHealth {
	ch := ConnectionHealth{ConnectionID: conn.ID, RestaurantID: conn.RestaurantID, Provider: conn.Provider}

	adapter := r.Get(conn.Provider)
	if adapter == nil {
		ch.HealthResult = HealthResult{Healthy: false, Message: "adapter not available"}
		return ch
	}
	res, err := adapter.HealthCheck(ctx, conn)
	if err != nil {
		ch.HealthResult = HealthResult{Healthy: false, Message: err.Error()}
		return ch
	}
	ch.HealthResult = *res
	return ch
}
