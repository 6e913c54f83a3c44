package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ManuelReschke/POSBridge/app/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Restaurant{},
		&models.POSConnection{},
		&models.RawRecord{},
		&models.InventoryItem{},
		&models.SalesTransaction{},
	))
	return db
}

func TestConnectionRepositoryUpsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	conn := &models.POSConnection{
		RestaurantID:   1,
		Provider:       models.POSProviderSquare,
		AccessTokenEnc: "v1:first",
		Status:         models.ConnectionStatusActive,
		MerchantID:     "M1",
	}
	require.NoError(t, repo.Upsert(ctx, conn))
	require.NotZero(t, conn.ID)
	firstID := conn.ID

	again := &models.POSConnection{
		RestaurantID:   1,
		Provider:       models.POSProviderSquare,
		AccessTokenEnc: "v1:second",
		Status:         models.ConnectionStatusActive,
		MerchantID:     "M1",
		Metadata:       datatypes.JSONMap{"business_name": "Cafe"},
	}
	require.NoError(t, repo.Upsert(ctx, again))
	assert.Equal(t, firstID, again.ID)

	got, err := repo.GetByRestaurantAndProvider(ctx, 1, models.POSProviderSquare)
	require.NoError(t, err)
	assert.Equal(t, "v1:second", got.AccessTokenEnc)
	assert.Equal(t, "Cafe", got.MetadataString("business_name"))

	var count int64
	db.Model(&models.POSConnection{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestConnectionRepositoryNotFound(t *testing.T) {
	repo := NewConnectionRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.GetByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.UpdateStatus(ctx, 42, models.ConnectionStatusRevoked, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionRepositoryListActiveByRestaurant(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	older := &models.POSConnection{RestaurantID: 7, Provider: models.POSProviderSquare, Status: models.ConnectionStatusActive}
	newer := &models.POSConnection{RestaurantID: 7, Provider: models.POSProviderClover, Status: models.ConnectionStatusActive}
	revoked := &models.POSConnection{RestaurantID: 7, Provider: models.POSProviderToast, Status: models.ConnectionStatusRevoked}
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newer).Error)
	require.NoError(t, db.Create(revoked).Error)
	require.NoError(t, db.Model(older).UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	conns, err := repo.ListActiveByRestaurant(ctx, 7)
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, models.POSProviderClover, conns[0].Provider)
	assert.Equal(t, models.POSProviderSquare, conns[1].Provider)
}

func TestConnectionRepositoryMarkSynced(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	conn := &models.POSConnection{RestaurantID: 1, Provider: models.POSProviderSquare, Status: models.ConnectionStatusActive, LastError: "boom"}
	require.NoError(t, db.Create(conn).Error)

	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkSynced(ctx, conn.ID, at))

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.InventorySyncedAt)

	later := at.Add(time.Hour)
	require.NoError(t, repo.MarkInventorySynced(ctx, conn.ID, later))
	got, err = repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InventorySyncedAt)
	assert.True(t, got.InventorySyncedAt.Equal(later))
	assert.True(t, got.LastSyncAt.Equal(later))
}

func rawFixture(kind models.RawKind, externalID string, payload string) models.RawRecord {
	return models.RawRecord{
		ConnectionID: 1,
		RestaurantID: 1,
		Provider:     models.POSProviderSquare,
		Kind:         kind,
		ExternalID:   externalID,
		Payload:      datatypes.JSON(payload),
	}
}

func TestRawRecordRepositoryUpsertIsIdempotent(t *testing.T) {
	repo := NewRawRecordRepository(setupTestDB(t))
	ctx := context.Background()

	batch := []models.RawRecord{
		rawFixture(models.RawKindCatalogItem, "ITEM_1", `{"id":"ITEM_1","v":1}`),
		rawFixture(models.RawKindCatalogVariation, "VAR_1", `{"id":"VAR_1"}`),
	}
	require.NoError(t, repo.UpsertRaw(ctx, batch))

	batch[0] = rawFixture(models.RawKindCatalogItem, "ITEM_1", `{"id":"ITEM_1","v":2}`)
	batch[1] = rawFixture(models.RawKindCatalogVariation, "VAR_1", `{"id":"VAR_1"}`)
	require.NoError(t, repo.UpsertRaw(ctx, batch))

	n, err := repo.CountRaw(ctx, RawQuery{ConnectionID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	items, err := repo.ListRaw(ctx, RawQuery{ConnectionID: 1, Kinds: []models.RawKind{models.RawKindCatalogItem}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":"ITEM_1","v":2}`, string(items[0].Payload))
}

func TestRawRecordRepositoryKeepsConnectionsSeparate(t *testing.T) {
	repo := NewRawRecordRepository(setupTestDB(t))
	ctx := context.Background()

	// Two restaurants connected to the same merchant account see the same object ids.
	first := rawFixture(models.RawKindCatalogItem, "ITEM-1", `{"id":"ITEM-1"}`)
	first.ConnectionID, first.RestaurantID = 1, 10
	second := rawFixture(models.RawKindCatalogItem, "ITEM-1", `{"id":"ITEM-1"}`)
	second.ConnectionID, second.RestaurantID = 2, 20

	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{first}))
	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{second}))

	for _, tc := range []struct {
		connectionID uint
		restaurantID uint
	}{{1, 10}, {2, 20}} {
		got, err := repo.ListRaw(ctx, RawQuery{ConnectionID: tc.connectionID})
		require.NoError(t, err)
		require.Len(t, got, 1, "connection %d", tc.connectionID)
		assert.Equal(t, tc.restaurantID, got[0].RestaurantID)
	}

	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{first}))
	n, err := repo.CountRaw(ctx, RawQuery{ConnectionID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mem := NewMemoryRawRecordRepository()
	require.NoError(t, mem.UpsertRaw(ctx, []models.RawRecord{first, second}))
	assert.Equal(t, 2, mem.Len())
}

func TestRawRecordRepositoryDeleteRaw(t *testing.T) {
	repo := NewRawRecordRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{
		rawFixture(models.RawKindCatalogItem, "ITEM_1", `{}`),
		rawFixture(models.RawKindOrder, "ORD_1", `{}`),
	}))

	deleted, err := repo.DeleteRaw(ctx, 1, models.CatalogKinds)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := repo.ListRaw(ctx, RawQuery{ConnectionID: 1})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, models.RawKindOrder, left[0].Kind)
}

func TestMemoryRawRecordRepository(t *testing.T) {
	repo := NewMemoryRawRecordRepository()
	ctx := context.Background()

	closed := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	order := rawFixture(models.RawKindOrder, "ORD_1", `{}`)
	order.OccurredAt = &closed

	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{order, rawFixture(models.RawKindCatalogItem, "ITEM_1", `{}`)}))
	require.NoError(t, repo.UpsertRaw(ctx, []models.RawRecord{order}))
	assert.Equal(t, 2, repo.Len())

	from := closed.Add(-time.Hour)
	to := closed.Add(time.Hour)
	got, err := repo.ListRaw(ctx, RawQuery{ConnectionID: 1, OccurredFrom: &from, OccurredTo: &to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ORD_1", got[0].ExternalID)

	later := closed.Add(2 * time.Hour)
	got, err = repo.ListRaw(ctx, RawQuery{ConnectionID: 1, OccurredFrom: &later})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := repo.DeleteRaw(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, repo.Len())
}

func TestUnifiedRepositoryRespectsManualEdits(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUnifiedRepository(db)
	ctx := context.Background()

	item := &models.InventoryItem{
		RestaurantID: 1, Source: models.POSProviderSquare, SourceID: "VAR_1",
		Name: "Latte", Category: "Coffee", Unit: "each", SKU: "L-1",
		UnitCostCents: 450, Currency: "USD", Quantity: decimal.NewFromInt(10), IsActive: true,
	}
	require.NoError(t, repo.UpsertInventoryItem(ctx, item))
	require.NotZero(t, item.ID)

	require.NoError(t, db.Model(&models.InventoryItem{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
		"name":               "House Latte",
		"is_manually_edited": true,
	}).Error)

	refreshed := &models.InventoryItem{
		RestaurantID: 1, Source: models.POSProviderSquare, SourceID: "VAR_1",
		Name: "Latte (POS)", Category: "Drinks", Unit: "each", SKU: "L-2",
		UnitCostCents: 500, Currency: "USD", Quantity: decimal.NewFromInt(4), IsActive: true,
	}
	require.NoError(t, repo.UpsertInventoryItem(ctx, refreshed))
	assert.Equal(t, item.ID, refreshed.ID)

	items, err := repo.ListInventoryItems(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "House Latte", items[0].Name)
	assert.Equal(t, "Coffee", items[0].Category)
	assert.Equal(t, "L-2", items[0].SKU)
	assert.Equal(t, int64(500), items[0].UnitCostCents)
	assert.True(t, items[0].Quantity.Equal(decimal.NewFromInt(4)))
}

func TestUnifiedRepositorySalesUpsertAndLookup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUnifiedRepository(db)
	ctx := context.Background()

	item := &models.InventoryItem{RestaurantID: 1, Source: models.POSProviderSquare, SourceID: "VAR_1", Name: "Latte", IsActive: true}
	require.NoError(t, repo.UpsertInventoryItem(ctx, item))

	ids, err := repo.InventoryItemIDsBySource(ctx, 1, models.POSProviderSquare, []string{"VAR_1", "VAR_X"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint{"VAR_1": item.ID}, ids)

	at := time.Date(2025, 2, 3, 9, 30, 0, 0, time.UTC)
	st := &models.SalesTransaction{
		RestaurantID: 1, Source: models.POSProviderSquare, SourceOrderID: "ORD_1", SourceLineItemID: "ORD_1:a",
		ItemName: "Latte", Quantity: decimal.NewFromInt(2), UnitPriceCents: 450, TotalCents: 900,
		Currency: "USD", TransactionAt: at,
	}
	require.NoError(t, repo.UpsertSalesTransaction(ctx, st))

	st2 := *st
	st2.ID = 0
	st2.TotalCents = 950
	require.NoError(t, repo.UpsertSalesTransaction(ctx, &st2))

	txs, err := repo.ListSalesTransactions(ctx, 1, at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(950), txs[0].TotalCents)
}

func TestFactoryReturnsSingleton(t *testing.T) {
	f := NewFactory(setupTestDB(t))
	repos := f.GetRepositories()
	require.NotNil(t, repos.Connection)
	require.NotNil(t, repos.Raw)
	assert.Same(t, repos, f.GetRepositories())
}
