package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/POSBridge/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rawUpsertBatchSize = 200

type rawRecordRepository struct {
	db *gorm.DB
}

// NewRawRecordRepository creates a tier 1 repository backed by GORM.
func NewRawRecordRepository(db *gorm.DB) RawRecordRepository {
	return &rawRecordRepository{db: db}
}

func (r *rawRecordRepository) UpsertRaw(ctx context.Context, records []models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "connection_id"},
			{Name: "provider"},
			{Name: "kind"},
			{Name: "external_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"restaurant_id",
			"parent_external_id",
			"location_id",
			"is_deleted",
			"provider_updated_at",
			"occurred_at",
			"payload",
			"updated_at",
		}),
	}).CreateInBatches(records, rawUpsertBatchSize).Error
}

func (r *rawRecordRepository) scoped(ctx context.Context, q RawQuery) *gorm.DB {
	db := r.db.WithContext(ctx).Model(&models.RawRecord{}).Where("connection_id = ?", q.ConnectionID)
	if len(q.Kinds) > 0 {
		db = db.Where("kind IN ?", q.Kinds)
	}
	if q.OccurredFrom != nil {
		db = db.Where("occurred_at >= ?", *q.OccurredFrom)
	}
	if q.OccurredTo != nil {
		db = db.Where("occurred_at <= ?", *q.OccurredTo)
	}
	return db
}

func (r *rawRecordRepository) ListRaw(ctx context.Context, q RawQuery) ([]models.RawRecord, error) {
	var records []models.RawRecord
	err := r.scoped(ctx, q).Order("id ASC").Find(&records).Error
	return records, err
}

func (r *rawRecordRepository) CountRaw(ctx context.Context, q RawQuery) (int64, error) {
	var n int64
	err := r.scoped(ctx, q).Count(&n).Error
	return n, err
}

func (r *rawRecordRepository) DeleteRaw(ctx context.Context, connectionID uint, kinds []models.RawKind) (int64, error) {
	db := r.db.WithContext(ctx).Where("connection_id = ?", connectionID)
	if len(kinds) > 0 {
		db = db.Where("kind IN ?", kinds)
	}
	res := db.Delete(&models.RawRecord{})
	return res.RowsAffected, res.Error
}

// MemoryRawRecordRepository keeps raw records in process memory. Dry runs stage provider
// data here so nothing reaches the database.
type MemoryRawRecordRepository struct {
	mu      sync.RWMutex
	nextID  uint
	records map[string]models.RawRecord
}

// NewMemoryRawRecordRepository creates an empty in-memory raw record store.
func NewMemoryRawRecordRepository() *MemoryRawRecordRepository {
	return &MemoryRawRecordRepository{records: make(map[string]models.RawRecord)}
}

func (m *MemoryRawRecordRepository) UpsertRaw(ctx context.Context, records []models.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, rec := range records {
		key := rec.Key()
		if existing, ok := m.records[key]; ok {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		} else {
			m.nextID++
			rec.ID = m.nextID
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		m.records[key] = rec
	}
	return nil
}

func (m *MemoryRawRecordRepository) match(rec models.RawRecord, q RawQuery) bool {
	if rec.ConnectionID != q.ConnectionID {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if rec.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.OccurredFrom != nil && (rec.OccurredAt == nil || rec.OccurredAt.Before(*q.OccurredFrom)) {
		return false
	}
	if q.OccurredTo != nil && (rec.OccurredAt == nil || rec.OccurredAt.After(*q.OccurredTo)) {
		return false
	}
	return true
}

func (m *MemoryRawRecordRepository) ListRaw(ctx context.Context, q RawQuery) ([]models.RawRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RawRecord, 0)
	for _, rec := range m.records {
		if m.match(rec, q) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRawRecordRepository) CountRaw(ctx context.Context, q RawQuery) (int64, error) {
	recs, err := m.ListRaw(ctx, q)
	return int64(len(recs)), err
}

func (m *MemoryRawRecordRepository) DeleteRaw(ctx context.Context, connectionID uint, kinds []models.RawKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := RawQuery{ConnectionID: connectionID, Kinds: kinds}
	var n int64
	for key, rec := range m.records {
		if m.match(rec, q) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (m *MemoryRawRecordRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
