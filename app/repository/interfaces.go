package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// ConnectionRepository defines the persistence operations for POS connections
type ConnectionRepository interface {
	GetByID(ctx context.Context, id uint) (*models.POSConnection, error)
	GetByRestaurantAndProvider(ctx context.Context, restaurantID uint, provider string) (*models.POSConnection, error)
	ListActiveByRestaurant(ctx context.Context, restaurantID uint) ([]models.POSConnection, error)
	ListByStatus(ctx context.Context, status string) ([]models.POSConnection, error)
	FindByMerchantID(ctx context.Context, provider, merchantID string) (*models.POSConnection, error)
	// Upsert creates or replaces the connection for (restaurant_id, provider).
	Upsert(ctx context.Context, conn *models.POSConnection) error
	Save(ctx context.Context, conn *models.POSConnection) error
	UpdateStatus(ctx context.Context, id uint, status, lastError string) error
	MarkSynced(ctx context.Context, id uint, at time.Time) error
	// MarkInventorySynced is MarkSynced that also advances the inventory watermark.
	MarkInventorySynced(ctx context.Context, id uint, at time.Time) error
}

// RestaurantRepository exposes the restaurant fields the integration reads.
type RestaurantRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Restaurant, error)
}

// RawQuery scopes a raw record read.
type RawQuery struct {
	ConnectionID uint
	Kinds        []models.RawKind
	// OccurredFrom/OccurredTo bound OccurredAt inclusively when set.
	OccurredFrom *time.Time
	OccurredTo   *time.Time
}

// RawRecordRepository stores tier 1 provider records.
type RawRecordRepository interface {
	// UpsertRaw inserts or updates records by (connection_id, provider, kind, external_id).
	UpsertRaw(ctx context.Context, records []models.RawRecord) error
	ListRaw(ctx context.Context, q RawQuery) ([]models.RawRecord, error)
	CountRaw(ctx context.Context, q RawQuery) (int64, error)
	DeleteRaw(ctx context.Context, connectionID uint, kinds []models.RawKind) (int64, error)
}

// UnifiedRepository stores tier 2 records derived from raw records.
type UnifiedRepository interface {
	UpsertInventoryItem(ctx context.Context, item *models.InventoryItem) error
	UpsertSalesTransaction(ctx context.Context, tx *models.SalesTransaction) error
	InventoryItemIDsBySource(ctx context.Context, restaurantID uint, source string, sourceIDs []string) (map[string]uint, error)
	ListInventoryItems(ctx context.Context, restaurantID uint) ([]models.InventoryItem, error)
	ListSalesTransactions(ctx context.Context, restaurantID uint, from, to time.Time) ([]models.SalesTransaction, error)
}
