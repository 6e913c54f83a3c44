package pos

import (
	"context"

	"github.com/ManuelReschke/POSBridge/app/models"
)

// Unsupported is a placeholder for a provider without an integration. Every
// operation fails with ErrNotImplemented.
type Unsupported struct {
	provider string
}

// NewUnsupported returns a placeholder adapter for provider.
func NewUnsupported(provider string) *Unsupported {
	return &Unsupported{provider: provider}
}

// UnsupportedFactory returns a Factory for a placeholder adapter.
func UnsupportedFactory(provider string) Factory {
	return func() (Adapter, error) {
		return NewUnsupported(provider), nil
	}
}

func (u *Unsupported) Provider() string { return u.provider }

func (u *Unsupported) Initialize(ctx context.Context) error { return ErrNotImplemented }

func (u *Unsupported) Ready() bool { return false }

func (u *Unsupported) InitiateOAuth(ctx context.Context, restaurantID uint) (*Authorization, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) HandleOAuthCallback(ctx context.Context, code, state string, restaurantID uint) (*models.POSConnection, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) RefreshAuth(ctx context.Context, conn *models.POSConnection) (*models.POSConnection, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) Disconnect(ctx context.Context, conn *models.POSConnection) error {
	return ErrNotImplemented
}

func (u *Unsupported) GetLocations(ctx context.Context, conn *models.POSConnection) ([]Location, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) SyncInventory(ctx context.Context, conn *models.POSConnection, opts InventorySyncOptions) (*InventorySyncResult, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) SyncSales(ctx context.Context, conn *models.POSConnection, opts SalesSyncOptions) (*SalesSyncResult, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) HealthCheck(ctx context.Context, conn *models.POSConnection) (*HealthResult, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) VerifyWebhookSignature(payload []byte, signature string) bool { return false }

func (u *Unsupported) ProcessWebhook(ctx context.Context, payload []byte, conn *models.POSConnection) (*WebhookResult, error) {
	return nil, ErrNotImplemented
}
