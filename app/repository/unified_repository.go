package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type unifiedRepository struct {
	db *gorm.DB
}

// NewUnifiedRepository creates a tier 2 repository backed by GORM.
func NewUnifiedRepository(db *gorm.DB) UnifiedRepository {
	return &unifiedRepository{db: db}
}

// UpsertInventoryItem creates or refreshes an item by (restaurant_id, source, source_id).
// Items flagged as manually edited keep their name, category and unit; only provider-owned
// fields are refreshed.
func (r *unifiedRepository) UpsertInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.InventoryItem
		err := tx.Where("restaurant_id = ? AND source = ? AND source_id = ?", item.RestaurantID, item.Source, item.SourceID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(item).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"source_raw_id":   item.SourceRawID,
			"sku":             item.SKU,
			"unit_cost_cents": item.UnitCostCents,
			"currency":        item.Currency,
			"quantity":        item.Quantity,
			"is_active":       item.IsActive,
			"updated_at":      time.Now(),
		}
		if !existing.IsManuallyEdited {
			updates["name"] = item.Name
			updates["category"] = item.Category
			updates["unit"] = item.Unit
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return err
		}
		item.ID = existing.ID
		item.IsManuallyEdited = existing.IsManuallyEdited
		return nil
	})
}

func (r *unifiedRepository) UpsertSalesTransaction(ctx context.Context, st *models.SalesTransaction) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "restaurant_id"},
			{Name: "source"},
			{Name: "source_line_item_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_order_id",
			"source_raw_id",
			"source_catalog_id",
			"inventory_item_id",
			"item_name",
			"quantity",
			"unit_price_cents",
			"total_cents",
			"currency",
			"location_id",
			"transaction_at",
			"updated_at",
		}),
	}).Create(st).Error
}

func (r *unifiedRepository) InventoryItemIDsBySource(ctx context.Context, restaurantID uint, source string, sourceIDs []string) (map[string]uint, error) {
	out := make(map[string]uint, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ID       uint
		SourceID string
	}
	err := r.db.WithContext(ctx).Model(&models.InventoryItem{}).
		Select("id, source_id").
		Where("restaurant_id = ? AND source = ? AND source_id IN ?", restaurantID, source, sourceIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.SourceID] = row.ID
	}
	return out, nil
}

func (r *unifiedRepository) ListInventoryItems(ctx context.Context, restaurantID uint) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := r.db.WithContext(ctx).Where("restaurant_id = ?", restaurantID).Order("source_id ASC").Find(&items).Error
	return items, err
}

func (r *unifiedRepository) ListSalesTransactions(ctx context.Context, restaurantID uint, from, to time.Time) ([]models.SalesTransaction, error) {
	var out []models.SalesTransaction
	err := r.db.WithContext(ctx).
		Where("restaurant_id = ? AND transaction_at >= ? AND transaction_at <= ?", restaurantID, from, to).
		Order("transaction_at ASC").
		Order("source_line_item_id ASC").
		Find(&out).Error
	return out, err
}
