package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryItem is the platform's normalized inventory item (tier 2), derived from a
// provider catalog variation plus its item, category and stock counts.
type InventoryItem struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	RestaurantID     uint            `gorm:"not null;index:ux_inventory_items_source,unique,priority:1" json:"restaurant_id"`
	Source           string          `gorm:"type:varchar(20);not null;index:ux_inventory_items_source,unique,priority:2" json:"source"`
	SourceID         string          `gorm:"type:varchar(191);not null;index:ux_inventory_items_source,unique,priority:3" json:"source_id"`
	SourceRawID      uint            `gorm:"index" json:"source_raw_id"`
	Name             string          `gorm:"type:varchar(255);not null" json:"name"`
	Category         string          `gorm:"type:varchar(100);default:''" json:"category"`
	Unit             string          `gorm:"type:varchar(20);default:'each'" json:"unit"`
	SKU              string          `gorm:"type:varchar(100);default:''" json:"sku"`
	UnitCostCents    int64           `gorm:"default:0" json:"unit_cost_cents"`
	Currency         string          `gorm:"type:varchar(3);default:''" json:"currency"`
	Quantity         decimal.Decimal `gorm:"type:decimal(14,4);default:0" json:"quantity"`
	IsActive         bool            `gorm:"default:true" json:"is_active"`
	IsManuallyEdited bool            `gorm:"default:false" json:"is_manually_edited"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SalesTransaction is one sold line item normalized from a provider order (tier 2).
type SalesTransaction struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	RestaurantID     uint            `gorm:"not null;index:ux_sales_transactions_source,unique,priority:1;index" json:"restaurant_id"`
	Source           string          `gorm:"type:varchar(20);not null;index:ux_sales_transactions_source,unique,priority:2" json:"source"`
	SourceLineItemID string          `gorm:"type:varchar(191);not null;index:ux_sales_transactions_source,unique,priority:3" json:"source_line_item_id"`
	SourceOrderID    string          `gorm:"type:varchar(191);not null;index" json:"source_order_id"`
	SourceRawID      uint            `gorm:"index" json:"source_raw_id"`
	SourceCatalogID  string          `gorm:"type:varchar(191);default:''" json:"source_catalog_id,omitempty"`
	InventoryItemID  *uint           `gorm:"index" json:"inventory_item_id,omitempty"`
	ItemName         string          `gorm:"type:varchar(255);not null" json:"item_name"`
	Quantity         decimal.Decimal `gorm:"type:decimal(14,4);default:0" json:"quantity"`
	UnitPriceCents   int64           `gorm:"default:0" json:"unit_price_cents"`
	TotalCents       int64           `gorm:"default:0" json:"total_cents"`
	Currency         string          `gorm:"type:varchar(3);default:''" json:"currency"`
	LocationID       string          `gorm:"type:varchar(191);default:''" json:"location_id"`
	TransactionAt    time.Time       `gorm:"type:timestamp;not null;index" json:"transaction_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
