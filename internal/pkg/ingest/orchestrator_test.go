package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos/square"
)

// stubAdapter replays fixed raw records into whatever sink it is given and
// transforms them with the Square transformer.
type stubAdapter struct {
	*pos.Unsupported
	*square.Transformer

	inventory  []models.RawRecord
	sales      []models.RawRecord
	recordErrs []pos.RecordError
	syncErr    error
	block      chan struct{}
	calls      int32
	lastSince  *time.Time
	dryRuns    []bool
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		Unsupported: pos.NewUnsupported(models.POSProviderSquare),
		Transformer: square.NewTransformer(square.DefaultTransformConfig()),
	}
}

func (s *stubAdapter) Ready() bool { return true }

func (s *stubAdapter) store(ctx context.Context, conn *models.POSConnection, sink pos.RawSink, records []models.RawRecord) error {
	out := make([]models.RawRecord, len(records))
	for i, rec := range records {
		rec.ConnectionID = conn.ID
		rec.RestaurantID = conn.RestaurantID
		rec.Provider = conn.Provider
		out[i] = rec
	}
	return sink.UpsertRaw(ctx, out)
}

func (s *stubAdapter) SyncInventory(ctx context.Context, conn *models.POSConnection, opts pos.InventorySyncOptions) (*pos.InventorySyncResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.lastSince = opts.Since
	s.dryRuns = append(s.dryRuns, opts.DryRun)
	if s.block != nil {
		<-s.block
	}
	res := &pos.InventorySyncResult{Pages: 1, Errors: s.recordErrs}
	if s.syncErr != nil {
		return res, s.syncErr
	}
	if err := s.store(ctx, conn, opts.Sink, s.inventory); err != nil {
		return res, err
	}
	res.Synced.Variations = len(s.inventory)
	return res, nil
}

func (s *stubAdapter) SyncSales(ctx context.Context, conn *models.POSConnection, opts pos.SalesSyncOptions) (*pos.SalesSyncResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.dryRuns = append(s.dryRuns, opts.DryRun)
	res := &pos.SalesSyncResult{Pages: 1}
	if s.syncErr != nil {
		return res, s.syncErr
	}
	if err := s.store(ctx, conn, opts.Sink, s.sales); err != nil {
		return res, err
	}
	res.Synced.LineItems = len(s.sales)
	return res, nil
}

type stubAdapters struct {
	adapter pos.Adapter
}

func (s stubAdapters) Get(provider string) pos.Adapter {
	if s.adapter == nil || s.adapter.Provider() != provider {
		return nil
	}
	return s.adapter
}

func (s stubAdapters) Providers() []string {
	return []string{models.POSProviderClover, models.POSProviderSquare, models.POSProviderToast}
}

func payload(s string) datatypes.JSON { return datatypes.JSON(s) }

func inventoryRecords() []models.RawRecord {
	return []models.RawRecord{
		{Kind: models.RawKindCatalogCategory, ExternalID: "CAT-1", Payload: payload(`{"type":"CATEGORY","id":"CAT-1","category_data":{"name":"Produce"}}`)},
		{Kind: models.RawKindCatalogItem, ExternalID: "ITEM-1", Payload: payload(`{"type":"ITEM","id":"ITEM-1","item_data":{"name":"Tomatoes","category_id":"CAT-1"}}`)},
		{Kind: models.RawKindCatalogVariation, ExternalID: "VAR-1", ParentExternalID: "ITEM-1", Payload: payload(`{"type":"ITEM_VARIATION","id":"VAR-1","item_variation_data":{"item_id":"ITEM-1","name":"5 lb case","sku":"TOM-5","price_money":{"amount":1299,"currency":"USD"}}}`)},
		{Kind: models.RawKindCatalogVariation, ExternalID: "VAR-2", ParentExternalID: "ITEM-1", Payload: payload(`{"type":"ITEM_VARIATION","id":"VAR-2","item_variation_data":{"item_id":"ITEM-1","name":"Single"}}`)},
		{Kind: models.RawKindCatalogVariation, ExternalID: "VAR-X", ParentExternalID: "ITEM-404", Payload: payload(`{"type":"ITEM_VARIATION","id":"VAR-X","item_variation_data":{"item_id":"ITEM-404"}}`)},
	}
}

func salesRecords() []models.RawRecord {
	closed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	late := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	return []models.RawRecord{
		{Kind: models.RawKindOrder, ExternalID: "O1", OccurredAt: &closed, Payload: payload(`{"id":"O1"}`)},
		{Kind: models.RawKindOrderLineItem, ExternalID: "O1:a", ParentExternalID: "O1", OccurredAt: &closed,
			Payload: payload(`{"order_id":"O1","location_id":"L1","closed_at":"2024-03-01T10:00:00Z","line_item":{"uid":"a","name":"Tomatoes","catalog_object_id":"VAR-1","quantity":"2","base_price_money":{"amount":1299,"currency":"USD"}}}`)},
		{Kind: models.RawKindOrderLineItem, ExternalID: "O9:a", ParentExternalID: "O9", OccurredAt: &late,
			Payload: payload(`{"order_id":"O9","closed_at":"2024-04-01T10:00:00Z","line_item":{"uid":"a","name":"Late","quantity":"1"}}`)},
	}
}

type fixture struct {
	orch    *Orchestrator
	adapter *stubAdapter
	repos   *repository.Repositories
	db      *gorm.DB
	conn    *models.POSConnection
}

func newFixture(t *testing.T) *fixture {
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

	repos := repository.NewRepositories(db)
	expires := time.Now().Add(30 * 24 * time.Hour)
	conn := &models.POSConnection{
		RestaurantID:   3,
		Provider:       models.POSProviderSquare,
		AccessTokenEnc: "v1:opaque",
		TokenExpiresAt: &expires,
		Status:         models.ConnectionStatusActive,
	}
	require.NoError(t, repos.Connection.Upsert(context.Background(), conn))

	adapter := newStubAdapter()
	adapter.inventory = inventoryRecords()
	adapter.sales = salesRecords()

	return &fixture{
		orch:    NewOrchestrator(stubAdapters{adapter: adapter}, repos.Connection, repos.Raw, repos.Unified, time.Hour),
		adapter: adapter,
		repos:   repos,
		db:      db,
		conn:    conn,
	}
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func TestRunInventoryPersistsAndTransforms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, PhaseComplete, res.Phase)
	assert.NotEmpty(t, res.SyncID)
	require.NotNil(t, res.Transform)
	assert.Equal(t, 2, res.Transform.Transformed)
	assert.Equal(t, 1, res.Transform.Errors)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "VAR-X", res.Errors[0].ExternalID)

	assert.Equal(t, int64(5), f.count(t, &models.RawRecord{}))
	items, err := f.repos.Unified.ListInventoryItems(ctx, f.conn.RestaurantID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Tomatoes - 5 lb case", items[0].Name)
	assert.Equal(t, "lb", items[0].Unit)
	assert.NotZero(t, items[0].SourceRawID)

	conn, err := f.repos.Connection.GetByID(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, conn.LastSyncAt)
}

func TestRunInventoryTransformIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)
	first, err := f.repos.Unified.ListInventoryItems(ctx, f.conn.RestaurantID)
	require.NoError(t, err)

	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)
	second, err := f.repos.Unified.ListInventoryItems(ctx, f.conn.RestaurantID)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Name, second[i].Name)
	}
	assert.Equal(t, int64(5), f.count(t, &models.RawRecord{}))
}

func TestRunInventoryKeepsManualEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.InventoryItem{}).
		Where("source_id = ?", "VAR-1").
		Updates(map[string]interface{}{"name": "Roma tomatoes", "is_manually_edited": true}).Error)

	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)

	items, err := f.repos.Unified.ListInventoryItems(ctx, f.conn.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, "Roma tomatoes", items[0].Name)
	assert.Equal(t, "TOM-5", items[0].SKU)
}

func TestRunInventoryDryRunPersistsNothing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.RunInventory(context.Background(), f.conn.ID, InventoryOptions{DryRun: true, Transform: true, ClearBeforeSync: true})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Transform.Transformed)

	assert.Zero(t, f.count(t, &models.RawRecord{}))
	assert.Zero(t, f.count(t, &models.InventoryItem{}))
	conn, err := f.repos.Connection.GetByID(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Nil(t, conn.LastSyncAt)
	assert.Nil(t, conn.InventorySyncedAt)
}

func TestDryRunReachesAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{DryRun: true})
	require.NoError(t, err)
	_, err = f.orch.RunSales(ctx, f.conn.ID, SalesOptions{StartDate: start, EndDate: end, DryRun: true})
	require.NoError(t, err)
	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true, false}, f.adapter.dryRuns)
}

func TestRunInventoryIncrementalUsesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	assert.Nil(t, f.adapter.lastSince)

	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	require.NotNil(t, f.adapter.lastSince)
}

func TestSalesRunDoesNotMoveInventoryWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Now().UTC().Truncate(time.Second)
	f.orch.now = func() time.Time { return clock }

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	inventoryAt := clock

	clock = clock.Add(2 * time.Minute)
	_, err = f.orch.RunSales(ctx, f.conn.ID, SalesOptions{
		StartDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)

	conn, err := f.repos.Connection.GetByID(ctx, f.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastSyncAt)
	assert.True(t, conn.LastSyncAt.Equal(clock))
	require.NotNil(t, conn.InventorySyncedAt)
	assert.True(t, conn.InventorySyncedAt.Equal(inventoryAt))

	clock = clock.Add(2 * time.Minute)
	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	require.NotNil(t, f.adapter.lastSince)
	assert.True(t, f.adapter.lastSince.Equal(inventoryAt), "since %s, want %s", f.adapter.lastSince, inventoryAt)
}

func TestInventoryWatermarkHeldAfterRecordErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.recordErrs = []pos.RecordError{{Kind: "catalog_object", ExternalID: "ITEM-9", Message: "store failed"}}

	res, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Len(t, res.Errors, 1)

	conn, err := f.repos.Connection.GetByID(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, conn.LastSyncAt)
	assert.Nil(t, conn.InventorySyncedAt)

	f.adapter.recordErrs = nil
	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	assert.Nil(t, f.adapter.lastSince)

	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Incremental: true})
	require.NoError(t, err)
	assert.NotNil(t, f.adapter.lastSince)
}

func TestZeroTokenBufferIsHonored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orch := NewOrchestrator(stubAdapters{adapter: f.adapter}, f.repos.Connection, f.repos.Raw, f.repos.Unified, 0)
	assert.Zero(t, orch.tokenBuffer)

	require.NoError(t, f.db.Model(&models.POSConnection{}).Where("id = ?", f.conn.ID).
		UpdateColumn("token_expires_at", time.Now().Add(10*time.Minute)).Error)
	res, err := orch.RunInventory(ctx, f.conn.ID, InventoryOptions{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	assert.Equal(t, pos.DefaultTokenBuffer, NewOrchestrator(stubAdapters{}, nil, nil, nil, -1).tokenBuffer)
}

func TestRunInventoryClearBeforeSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := models.RawRecord{
		ConnectionID: f.conn.ID, RestaurantID: f.conn.RestaurantID, Provider: models.POSProviderSquare,
		Kind: models.RawKindCatalogItem, ExternalID: "ITEM-GONE", Payload: payload(`{}`),
	}
	require.NoError(t, f.repos.Raw.UpsertRaw(ctx, []models.RawRecord{stale}))

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{ClearBeforeSync: true})
	require.NoError(t, err)

	n, err := f.repos.Raw.CountRaw(ctx, repository.RawQuery{ConnectionID: f.conn.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRunInventoryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunInventory(ctx, 999, InventoryOptions{})
	assert.ErrorIs(t, err, pos.ErrConnectionNotFound)

	require.NoError(t, f.repos.Connection.UpdateStatus(ctx, f.conn.ID, models.ConnectionStatusRevoked, ""))
	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{})
	assert.ErrorIs(t, err, pos.ErrConnectionInactive)

	require.NoError(t, f.repos.Connection.UpdateStatus(ctx, f.conn.ID, models.ConnectionStatusActive, ""))
	require.NoError(t, f.db.Model(&models.POSConnection{}).Where("id = ?", f.conn.ID).
		UpdateColumn("token_expires_at", time.Now().Add(10*time.Minute)).Error)
	_, err = f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{})
	assert.ErrorIs(t, err, pos.ErrTokenExpired)

	toast := &models.POSConnection{RestaurantID: 3, Provider: models.POSProviderToast, Status: models.ConnectionStatusActive}
	require.NoError(t, f.repos.Connection.Upsert(ctx, toast))
	_, err = f.orch.RunInventory(ctx, toast.ID, InventoryOptions{})
	assert.ErrorIs(t, err, pos.ErrNotInitialized)

	other := &models.POSConnection{RestaurantID: 3, Provider: "lightspeed", Status: models.ConnectionStatusActive}
	require.NoError(t, f.repos.Connection.Upsert(ctx, other))
	_, err = f.orch.RunInventory(ctx, other.ID, InventoryOptions{})
	assert.ErrorIs(t, err, pos.ErrUnknownProvider)

	assert.Zero(t, atomic.LoadInt32(&f.adapter.calls))
}

func TestRunInventoryAdapterFailureReturnsFailedResult(t *testing.T) {
	f := newFixture(t)
	f.adapter.syncErr = &pos.SyncError{Provider: models.POSProviderSquare, Op: "catalog search", Retryable: true, Err: errors.New("503")}

	res, err := f.orch.RunInventory(context.Background(), f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, PhaseSync, res.Phase)
	assert.Contains(t, res.Message, "retry later")
	assert.Nil(t, res.Transform)

	conn, err := f.repos.Connection.GetByID(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Nil(t, conn.LastSyncAt)
}

func TestRunInventoryRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.adapter.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.orch.RunInventory(context.Background(), f.conn.ID, InventoryOptions{})
	}()

	require.Eventually(t, func() bool { return f.orch.Running(f.conn.ID) }, time.Second, 5*time.Millisecond)
	_, err := f.orch.RunInventory(context.Background(), f.conn.ID, InventoryOptions{})
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(f.adapter.block)
	<-done
	assert.False(t, f.orch.Running(f.conn.ID))
}

func TestRunSalesTransformsWithinRangeAndLinksInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunInventory(ctx, f.conn.ID, InventoryOptions{Transform: true})
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	res, err := f.orch.RunSales(ctx, f.conn.ID, SalesOptions{StartDate: start, EndDate: end, Transform: true})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, 1, res.Transform.Transformed)

	txs, err := f.repos.Unified.ListSalesTransactions(ctx, f.conn.RestaurantID, start, end)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "O1:a", txs[0].SourceLineItemID)
	require.NotNil(t, txs[0].InventoryItemID)

	ids, err := f.repos.Unified.InventoryItemIDsBySource(ctx, f.conn.RestaurantID, models.POSProviderSquare, []string{"VAR-1"})
	require.NoError(t, err)
	assert.Equal(t, ids["VAR-1"], *txs[0].InventoryItemID)
}

func TestRunSalesValidatesRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RunSales(context.Background(), f.conn.ID, SalesOptions{
		StartDate: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Zero(t, atomic.LoadInt32(&f.adapter.calls))
}
