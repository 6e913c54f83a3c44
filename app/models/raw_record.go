package models

import (
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// RawKind identifies the provider object type a raw record holds.
type RawKind string

const (
	RawKindCatalogCategory  RawKind = "catalog_category"
	RawKindCatalogItem      RawKind = "catalog_item"
	RawKindCatalogVariation RawKind = "catalog_item_variation"
	RawKindInventoryCount   RawKind = "inventory_count"
	RawKindOrder            RawKind = "order"
	RawKindOrderLineItem    RawKind = "order_line_item"
)

// CatalogKinds are the raw kinds written by an inventory sync.
var CatalogKinds = []RawKind{
	RawKindCatalogCategory,
	RawKindCatalogItem,
	RawKindCatalogVariation,
	RawKindInventoryCount,
}

// SalesKinds are the raw kinds written by a sales sync.
var SalesKinds = []RawKind{
	RawKindOrder,
	RawKindOrderLineItem,
}

// RawRecord is a verbatim copy of a provider API object (tier 1). It is keyed by
// (connection_id, provider, kind, external_id) so re-ingesting the same object
// updates it in place. Two connections to one merchant account keep separate rows.
type RawRecord struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ConnectionID      uint           `gorm:"not null;index:ux_pos_raw_records_key,unique,priority:1" json:"connection_id"`
	RestaurantID      uint           `gorm:"not null;index" json:"restaurant_id"`
	Provider          string         `gorm:"type:varchar(20);not null;index:ux_pos_raw_records_key,unique,priority:2" json:"provider"`
	Kind              RawKind        `gorm:"type:varchar(40);not null;index:ux_pos_raw_records_key,unique,priority:3;index" json:"kind"`
	ExternalID        string         `gorm:"type:varchar(191);not null;index:ux_pos_raw_records_key,unique,priority:4" json:"external_id"`
	ParentExternalID  string         `gorm:"type:varchar(191);default:'';index" json:"parent_external_id,omitempty"`
	LocationID        string         `gorm:"type:varchar(191);default:''" json:"location_id,omitempty"`
	IsDeleted         bool           `gorm:"default:false" json:"is_deleted"`
	ProviderUpdatedAt *time.Time     `gorm:"type:timestamp;default:null" json:"provider_updated_at,omitempty"`
	OccurredAt        *time.Time     `gorm:"type:timestamp;default:null;index" json:"occurred_at,omitempty"`
	Payload           datatypes.JSON `gorm:"not null" json:"payload"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RawRecord) TableName() string {
	return "pos_raw_records"
}

// Key returns the natural key used for idempotent upserts.
func (r RawRecord) Key() string {
	return strconv.FormatUint(uint64(r.ConnectionID), 10) + "|" + r.Provider + "|" + string(r.Kind) + "|" + r.ExternalID
}
