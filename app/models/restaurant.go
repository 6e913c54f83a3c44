package models

import "time"

// Restaurant is the tenant a POS connection belongs to. Only the fields the integration
// needs are mapped here; the full restaurant schema lives in the platform.
type Restaurant struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Name               string    `gorm:"type:varchar(200);not null" json:"name"`
	PrimaryPOSProvider string    `gorm:"type:varchar(20);default:''" json:"primary_pos_provider"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
