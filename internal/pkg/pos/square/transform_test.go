package square

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/POSBridge/app/models"
)

func fixtureRecord(id uint, kind models.RawKind, externalID, parent, payload string) models.RawRecord {
	return models.RawRecord{
		ID:               id,
		Provider:         models.POSProviderSquare,
		Kind:             kind,
		ExternalID:       externalID,
		ParentExternalID: parent,
		Payload:          datatypes.JSON(payload),
	}
}

func inventoryFixture() []models.RawRecord {
	return []models.RawRecord{
		fixtureRecord(1, models.RawKindCatalogCategory, "CAT-1", "", `{"type":"CATEGORY","id":"CAT-1","category_data":{"name":"Produce"}}`),
		fixtureRecord(2, models.RawKindCatalogItem, "ITEM-1", "", `{"type":"ITEM","id":"ITEM-1","item_data":{"name":"Tomatoes","category_id":"CAT-1"}}`),
		fixtureRecord(3, models.RawKindCatalogItem, "ITEM-2", "", `{"type":"ITEM","id":"ITEM-2","item_data":{"name":"Olive Oil","categories":[{"id":"CAT-MISSING"}]}}`),
		fixtureRecord(4, models.RawKindCatalogVariation, "VAR-2", "ITEM-2", `{"type":"ITEM_VARIATION","id":"VAR-2","item_variation_data":{"item_id":"ITEM-2","name":"Regular","sku":"OIL-1","price_money":{"amount":899,"currency":"USD"}}}`),
		fixtureRecord(5, models.RawKindCatalogVariation, "VAR-1", "ITEM-1", `{"type":"ITEM_VARIATION","id":"VAR-1","item_variation_data":{"item_id":"ITEM-1","name":"5lb case","track_inventory":true,"price_money":{"amount":1299,"currency":"USD"}}}`),
		fixtureRecord(6, models.RawKindInventoryCount, "VAR-1:L1:IN_STOCK", "VAR-1", `{"catalog_object_id":"VAR-1","state":"IN_STOCK","location_id":"L1","quantity":"5"}`),
		fixtureRecord(7, models.RawKindInventoryCount, "VAR-1:L2:IN_STOCK", "VAR-1", `{"catalog_object_id":"VAR-1","state":"IN_STOCK","location_id":"L2","quantity":"2.25"}`),
		fixtureRecord(8, models.RawKindInventoryCount, "VAR-1:L1:WASTE", "VAR-1", `{"catalog_object_id":"VAR-1","state":"WASTE","location_id":"L1","quantity":"9"}`),
		fixtureRecord(9, models.RawKindCatalogVariation, "VAR-3", "ITEM-404", `{"type":"ITEM_VARIATION","id":"VAR-3","item_variation_data":{"item_id":"ITEM-404","name":"Orphan"}}`),
	}
}

func TestTransformInventory(t *testing.T) {
	tr := NewTransformer(DefaultTransformConfig())

	out := tr.TransformInventory(7, inventoryFixture())
	require.Len(t, out, 3)
	assert.Equal(t, []string{"VAR-1", "VAR-2", "VAR-3"}, []string{out[0].SourceID, out[1].SourceID, out[2].SourceID})

	tomato := out[0]
	require.NoError(t, tomato.Err)
	assert.Equal(t, uint(5), tomato.RawID)
	assert.Equal(t, "Tomatoes - 5lb case", tomato.Item.Name)
	assert.Equal(t, "Produce", tomato.Item.Category)
	assert.Equal(t, "lb", tomato.Item.Unit)
	assert.Equal(t, int64(1299), tomato.Item.UnitCostCents)
	assert.True(t, tomato.Item.Quantity.Equal(decimal.RequireFromString("7.25")))
	assert.Equal(t, uint(7), tomato.Item.RestaurantID)
	assert.Equal(t, uint(5), tomato.Item.SourceRawID)
	assert.True(t, tomato.Item.IsActive)

	oil := out[1]
	require.NoError(t, oil.Err)
	assert.Equal(t, "Olive Oil", oil.Item.Name)
	assert.Equal(t, "Uncategorized", oil.Item.Category)
	assert.Equal(t, "each", oil.Item.Unit)
	assert.Equal(t, "OIL-1", oil.Item.SKU)
	assert.True(t, oil.Item.Quantity.IsZero())

	orphan := out[2]
	assert.Error(t, orphan.Err)
	assert.Nil(t, orphan.Item)
}

func TestTransformInventoryIsDeterministic(t *testing.T) {
	tr := NewTransformer(DefaultTransformConfig())
	records := inventoryFixture()

	first := tr.TransformInventory(7, records)

	reversed := make([]models.RawRecord, len(records))
	for i, rec := range records {
		reversed[len(records)-1-i] = rec
	}
	second := tr.TransformInventory(7, reversed)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].SourceID, second[i].SourceID)
		if first[i].Item != nil {
			assert.Equal(t, *first[i].Item, *second[i].Item)
		}
	}
}

func TestTransformInventoryCategoryMapAndDeletion(t *testing.T) {
	cfg := DefaultTransformConfig()
	cfg.CategoryMap = map[string]string{"produce": "Fresh Produce"}
	tr := NewTransformer(cfg)

	records := inventoryFixture()
	records[4].IsDeleted = true

	out := tr.TransformInventory(7, records)
	require.NoError(t, out[0].Err)
	assert.Equal(t, "Fresh Produce", out[0].Item.Category)
	assert.False(t, out[0].Item.IsActive)
}

func TestInferUnit(t *testing.T) {
	tr := NewTransformer(DefaultTransformConfig())

	tests := []struct {
		texts []string
		want  string
	}{
		{[]string{"12oz bottle"}, "oz"},
		{[]string{"Case of 24"}, "case"},
		{[]string{"Regular", "Flour 25 KG"}, "kg"},
		{[]string{"Large", "Burger"}, "each"},
		{[]string{"1.5L"}, "l"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.inferUnit(tt.texts...), tt.texts)
	}
}

func TestTransformSales(t *testing.T) {
	tr := NewTransformer(DefaultTransformConfig())

	records := []models.RawRecord{
		fixtureRecord(11, models.RawKindOrder, "O1", "", `{"id":"O1"}`),
		fixtureRecord(12, models.RawKindOrderLineItem, "O1:b", "O1", `{"order_id":"O1","location_id":"L1","closed_at":"2024-03-01T10:00:00Z","line_item":{"uid":"b","name":"Fries","quantity":"1","base_price_money":{"amount":399,"currency":"USD"},"total_money":{"amount":399,"currency":"USD"}}}`),
		fixtureRecord(13, models.RawKindOrderLineItem, "O1:a", "O1", `{"order_id":"O1","location_id":"L1","closed_at":"2024-03-01T10:00:00Z","line_item":{"uid":"a","name":"Burger","variation_name":"Double","catalog_object_id":"VAR-9","quantity":"2","base_price_money":{"amount":1000,"currency":"USD"},"total_money":{"amount":2000,"currency":"USD"}}}`),
		fixtureRecord(14, models.RawKindOrderLineItem, "O2:a", "O2", `{"order_id":"O2","location_id":"L1","line_item":{"uid":"a","name":"Soda","quantity":"1"}}`),
		fixtureRecord(15, models.RawKindOrderLineItem, "O3:a", "O3", `{"order_id":"O3","closed_at":"2024-03-01T10:00:00Z","line_item":{"uid":"a","name":"Soup","quantity":"lots"}}`),
	}

	out := tr.TransformSales(7, records)
	require.Len(t, out, 4)
	assert.Equal(t, "O1:a", out[0].SourceID)
	assert.Equal(t, "O1:b", out[1].SourceID)

	burger := out[0].Transaction
	require.NoError(t, out[0].Err)
	assert.Equal(t, "Burger - Double", burger.ItemName)
	assert.Equal(t, "O1", burger.SourceOrderID)
	assert.Equal(t, "VAR-9", burger.SourceCatalogID)
	assert.True(t, burger.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(1000), burger.UnitPriceCents)
	assert.Equal(t, int64(2000), burger.TotalCents)
	assert.Equal(t, "USD", burger.Currency)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), burger.TransactionAt)
	assert.Equal(t, uint(13), burger.SourceRawID)

	assert.Error(t, out[2].Err, "missing closed_at")
	assert.Error(t, out[3].Err, "invalid quantity")
}
