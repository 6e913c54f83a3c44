package pos

import (
	"context"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
)

// Adapter is implemented once per POS provider. All operations are read-only
// towards the provider. Until Initialize succeeds every other method fails with
// ErrNotInitialized.
type Adapter interface {
	Provider() string
	Initialize(ctx context.Context) error
	Ready() bool

	InitiateOAuth(ctx context.Context, restaurantID uint) (*Authorization, error)
	HandleOAuthCallback(ctx context.Context, code, state string, restaurantID uint) (*models.POSConnection, error)
	RefreshAuth(ctx context.Context, conn *models.POSConnection) (*models.POSConnection, error)
	Disconnect(ctx context.Context, conn *models.POSConnection) error

	GetLocations(ctx context.Context, conn *models.POSConnection) ([]Location, error)
	SyncInventory(ctx context.Context, conn *models.POSConnection, opts InventorySyncOptions) (*InventorySyncResult, error)
	SyncSales(ctx context.Context, conn *models.POSConnection, opts SalesSyncOptions) (*SalesSyncResult, error)
	HealthCheck(ctx context.Context, conn *models.POSConnection) (*HealthResult, error)

	VerifyWebhookSignature(payload []byte, signature string) bool
	ProcessWebhook(ctx context.Context, payload []byte, conn *models.POSConnection) (*WebhookResult, error)
}

// Transformer maps stored raw records to unified records. Implementations must be
// pure: the same input always yields the same output, in the same order.
type Transformer interface {
	TransformInventory(restaurantID uint, records []models.RawRecord) []InventoryOutcome
	TransformSales(restaurantID uint, records []models.RawRecord) []SalesOutcome
}

// Factory builds an uninitialized adapter.
type Factory func() (Adapter, error)

// RawSink receives raw records as pages are fetched.
type RawSink interface {
	UpsertRaw(ctx context.Context, records []models.RawRecord) error
}

// Archiver stores verbatim provider response pages.
type Archiver interface {
	ArchivePage(ctx context.Context, page ArchivedPage) error
}

// ArchivedPage is one provider response body.
type ArchivedPage struct {
	Provider     string
	ConnectionID uint
	Endpoint     string
	Page         int
	Body         []byte
	FetchedAt    time.Time
}

// Authorization is returned by InitiateOAuth.
type Authorization struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// Location is a provider location in normalized form.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// RecordError describes one record that could not be stored or transformed.
type RecordError struct {
	Kind       string `json:"kind"`
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

// InventorySyncOptions controls SyncInventory.
type InventorySyncOptions struct {
	// Since limits the catalog search to objects changed after it.
	Since *time.Time
	// Sink overrides where raw records are written. Nil uses the adapter's store.
	Sink RawSink
	// DryRun suppresses every write outside Sink, including the page archive.
	DryRun bool
}

// SalesSyncOptions controls SyncSales. The range is closed on both ends.
type SalesSyncOptions struct {
	Start  time.Time
	End    time.Time
	Sink   RawSink
	DryRun bool
}

// InventoryCounts tallies stored raw inventory records.
type InventoryCounts struct {
	Categories      int `json:"categories"`
	Items           int `json:"items"`
	Variations      int `json:"variations"`
	InventoryCounts int `json:"inventory_counts"`
}

// Total returns the number of stored records.
func (c InventoryCounts) Total() int {
	return c.Categories + c.Items + c.Variations + c.InventoryCounts
}

// InventorySyncResult is returned by SyncInventory, also alongside an error when
// some pages were stored before the failure.
type InventorySyncResult struct {
	Synced InventoryCounts `json:"synced"`
	Pages  int             `json:"pages"`
	Errors []RecordError   `json:"errors"`
}

// SalesCounts tallies stored raw sales records.
type SalesCounts struct {
	Orders    int `json:"orders"`
	LineItems int `json:"line_items"`
}

// Total returns the number of stored records.
func (c SalesCounts) Total() int {
	return c.Orders + c.LineItems
}

// SalesSyncResult is returned by SyncSales.
type SalesSyncResult struct {
	Synced SalesCounts   `json:"synced"`
	Pages  int           `json:"pages"`
	Errors []RecordError `json:"errors"`
}

// HealthResult describes one connection's health.
type HealthResult struct {
	Healthy bool                   `json:"healthy"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Webhook actions.
const (
	ActionSyncInventory = "sync_inventory"
	ActionSyncSales     = "sync_sales"
	ActionMarkRevoked   = "mark_revoked"
	ActionIgnored       = "ignored"
)

// WebhookResult is the normalized outcome of a provider event.
type WebhookResult struct {
	Processed    bool                   `json:"processed"`
	Action       string                 `json:"action"`
	ConnectionID uint                   `json:"connection_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// InventoryOutcome is the transformation of one raw variation. Item is nil when
// the record maps to no unified row.
type InventoryOutcome struct {
	RawID    uint
	SourceID string
	Item     *models.InventoryItem
	Err      error
}

// SalesOutcome is the transformation of one raw line item.
type SalesOutcome struct {
	RawID       uint
	SourceID    string
	Transaction *models.SalesTransaction
	Err         error
}
