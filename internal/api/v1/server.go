package apiv1

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// WebhookSalesLookback is the order window synced after a sales webhook.
const WebhookSalesLookback = 24 * time.Hour

// Providers is the adapter registry as seen by the handlers. *pos.Registry implements it.
type Providers interface {
	Get(provider string) pos.Adapter
	Providers() []string
	HealthCheckAll(ctx context.Context) (*pos.HealthReport, error)
	HealthCheckRestaurant(ctx context.Context, restaurantID uint) (*pos.HealthReport, error)
}

// Enqueuer queues background syncs. *jobqueue.Queue implements it.
type Enqueuer interface {
	EnqueueInventorySync(ctx context.Context, p jobqueue.SyncInventoryJobPayload) (*jobqueue.Job, error)
	EnqueueSalesSync(ctx context.Context, p jobqueue.SyncSalesJobPayload) (*jobqueue.Job, error)
}

// APIServer serves the POS integration endpoints
type APIServer struct {
	providers   Providers
	runner      jobqueue.Runner
	jobs        Enqueuer
	connections repository.ConnectionRepository
	validate    *validator.Validate
	now         func() time.Time
}

var _ jobqueue.Runner = (*ingest.Orchestrator)(nil)

// NewAPIServer creates a new API server instance. jobs may be nil, in which
// case async requests and webhook-triggered syncs are rejected.
func NewAPIServer(providers Providers, runner jobqueue.Runner, jobs Enqueuer, connections repository.ConnectionRepository) *APIServer {
	return &APIServer{
		providers:   providers,
		runner:      runner,
		jobs:        jobs,
		connections: connections,
		validate:    validator.New(),
		now:         time.Now,
	}
}
