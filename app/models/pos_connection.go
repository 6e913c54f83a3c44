package models

import (
	"time"

	"gorm.io/datatypes"
)

// POS provider constants. New providers only need a constant and a registered adapter factory.
const (
	POSProviderSquare = "square"
	POSProviderToast  = "toast"
	POSProviderClover = "clover"
)

// Connection status values.
const (
	ConnectionStatusActive  = "active"
	ConnectionStatusExpired = "expired"
	ConnectionStatusRevoked = "revoked"
	ConnectionStatusError   = "error"
)

// POSConnection links a restaurant to one POS provider account. Tokens are only ever stored
// encrypted and are excluded from JSON.
type POSConnection struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	RestaurantID      uint              `gorm:"not null;index:ux_pos_connections_restaurant_provider,unique,priority:1" json:"restaurant_id"`
	Provider          string            `gorm:"type:varchar(20);not null;index:ux_pos_connections_restaurant_provider,unique,priority:2;index" json:"provider"`
	AccessTokenEnc    string            `gorm:"type:text" json:"-"`
	RefreshTokenEnc   string            `gorm:"type:text" json:"-"`
	TokenExpiresAt    *time.Time        `gorm:"type:timestamp;default:null" json:"token_expires_at,omitempty"`
	MerchantID        string            `gorm:"type:varchar(191);default:''" json:"merchant_id"`
	LocationID        string            `gorm:"type:varchar(191);default:''" json:"location_id"`
	Status            string            `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	LastSyncAt        *time.Time        `gorm:"type:timestamp;default:null" json:"last_sync_at,omitempty"`
	// InventorySyncedAt is the incremental catalog watermark. Sales runs never move it.
	InventorySyncedAt *time.Time        `gorm:"type:timestamp;default:null" json:"inventory_synced_at,omitempty"`
	LastError         string            `gorm:"type:text" json:"last_error,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (POSConnection) TableName() string {
	return "pos_connections"
}

// IsActive reports whether the connection is in the active state.
func (c *POSConnection) IsActive() bool {
	return c != nil && c.Status == ConnectionStatusActive
}

// IsTokenExpired reports whether the access token expires within buffer of now.
// A connection without an expiry is treated as non-expiring.
func (c *POSConnection) IsTokenExpired(now time.Time, buffer time.Duration) bool {
	if c == nil || c.TokenExpiresAt == nil {
		return false
	}
	return !now.Add(buffer).Before(*c.TokenExpiresAt)
}

// MetadataString returns a string metadata value or "".
func (c *POSConnection) MetadataString(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	if v, ok := c.Metadata[key].(string); ok {
		return v
	}
	return ""
}
