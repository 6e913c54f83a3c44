package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type connectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a connection repository backed by GORM.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

func (r *connectionRepository) GetByID(ctx context.Context, id uint) (*models.POSConnection, error) {
	var conn models.POSConnection
	if err := r.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, translate(err)
	}
	return &conn, nil
}

func (r *connectionRepository) GetByRestaurantAndProvider(ctx context.Context, restaurantID uint, provider string) (*models.POSConnection, error) {
	var conn models.POSConnection
	err := r.db.WithContext(ctx).
		Where("restaurant_id = ? AND provider = ?", restaurantID, provider).
		First(&conn).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conn, nil
}

// ListActiveByRestaurant returns active connections, most recently updated first.
func (r *connectionRepository) ListActiveByRestaurant(ctx context.Context, restaurantID uint) ([]models.POSConnection, error) {
	var conns []models.POSConnection
	err := r.db.WithContext(ctx).
		Where("restaurant_id = ? AND status = ?", restaurantID, models.ConnectionStatusActive).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&conns).Error
	return conns, err
}

func (r *connectionRepository) ListByStatus(ctx context.Context, status string) ([]models.POSConnection, error) {
	var conns []models.POSConnection
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id ASC").Find(&conns).Error
	return conns, err
}

func (r *connectionRepository) FindByMerchantID(ctx context.Context, provider, merchantID string) (*models.POSConnection, error) {
	var conn models.POSConnection
	err := r.db.WithContext(ctx).
		Where("provider = ? AND merchant_id = ?", provider, merchantID).
		Order("updated_at DESC").
		First(&conn).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conn, nil
}

func (r *connectionRepository) Upsert(ctx context.Context, conn *models.POSConnection) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "restaurant_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token_enc",
			"refresh_token_enc",
			"token_expires_at",
			"merchant_id",
			"location_id",
			"status",
			"last_error",
			"metadata",
			"updated_at",
		}),
	}).Create(conn).Error; err != nil {
		return err
	}

	// Re-read so ID and defaults reflect the stored row.
	var stored models.POSConnection
	if err := db.Where("restaurant_id = ? AND provider = ?", conn.RestaurantID, conn.Provider).First(&stored).Error; err != nil {
		return err
	}
	*conn = stored
	return nil
}

func (r *connectionRepository) Save(ctx context.Context, conn *models.POSConnection) error {
	return r.db.WithContext(ctx).Save(conn).Error
}

func (r *connectionRepository) UpdateStatus(ctx context.Context, id uint, status, lastError string) error {
	res := r.db.WithContext(ctx).Model(&models.POSConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"last_error": lastError,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepository) MarkSynced(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.POSConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_sync_at": at,
		"last_error":   "",
	}).Error
}

func (r *connectionRepository) MarkInventorySynced(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.POSConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_sync_at":        at,
		"inventory_synced_at": at,
		"last_error":          "",
	}).Error
}

type restaurantRepository struct {
	db *gorm.DB
}

// NewRestaurantRepository creates a restaurant repository backed by GORM.
func NewRestaurantRepository(db *gorm.DB) RestaurantRepository {
	return &restaurantRepository{db: db}
}

func (r *restaurantRepository) GetByID(ctx context.Context, id uint) (*models.Restaurant, error) {
	var restaurant models.Restaurant
	if err := r.db.WithContext(ctx).First(&restaurant, id).Error; err != nil {
		return nil, translate(err)
	}
	return &restaurant, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
