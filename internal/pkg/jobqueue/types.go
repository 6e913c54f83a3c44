package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeSyncInventory JobType = "pos_sync_inventory"
	JobTypeSyncSales     JobType = "pos_sync_sales"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background sync job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	SyncID      string                 `json:"sync_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// SyncInventoryJobPayload contains the payload for inventory sync jobs
type SyncInventoryJobPayload struct {
	ConnectionID    uint `json:"connection_id"`
	Incremental     bool `json:"incremental"`
	Transform       bool `json:"transform"`
	ClearBeforeSync bool `json:"clear_before_sync"`
}

// ToMap converts the payload to a map for storage
func (p SyncInventoryJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"connection_id":     p.ConnectionID,
		"incremental":       p.Incremental,
		"transform":         p.Transform,
		"clear_before_sync": p.ClearBeforeSync,
	}
}

// SyncInventoryJobPayloadFromMap creates a payload from a map
func SyncInventoryJobPayloadFromMap(data map[string]interface{}) (*SyncInventoryJobPayload, error) {
	var payload SyncInventoryJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	if payload.ConnectionID == 0 {
		return nil, fmt.Errorf("inventory sync payload without connection_id")
	}
	return &payload, nil
}

// SyncSalesJobPayload contains the payload for sales sync jobs. Dates are
// RFC3339 strings so the payload survives the JSON round trip through Redis.
type SyncSalesJobPayload struct {
	ConnectionID uint   `json:"connection_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Transform    bool   `json:"transform"`
}

// NewSyncSalesJobPayload builds a sales payload for the given range.
func NewSyncSalesJobPayload(connectionID uint, start, end time.Time, transform bool) SyncSalesJobPayload {
	return SyncSalesJobPayload{
		ConnectionID: connectionID,
		StartDate:    start.UTC().Format(time.RFC3339),
		EndDate:      end.UTC().Format(time.RFC3339),
		Transform:    transform,
	}
}

// ToMap converts the payload to a map for storage
func (p SyncSalesJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"connection_id": p.ConnectionID,
		"start_date":    p.StartDate,
		"end_date":      p.EndDate,
		"transform":     p.Transform,
	}
}

// Range parses the start and end dates.
func (p SyncSalesJobPayload) Range() (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, p.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := time.Parse(time.RFC3339, p.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end_date: %w", err)
	}
	return start, end, nil
}

// SyncSalesJobPayloadFromMap creates a payload from a map
func SyncSalesJobPayloadFromMap(data map[string]interface{}) (*SyncSalesJobPayload, error) {
	var payload SyncSalesJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	if payload.ConnectionID == 0 {
		return nil, fmt.Errorf("sales sync payload without connection_id")
	}
	return &payload, nil
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// ConnectionID extracts the connection a job targets, or 0.
func (j *Job) ConnectionID() uint {
	switch v := j.Payload["connection_id"].(type) {
	case float64:
		return uint(v)
	case uint:
		return v
	case int:
		return uint(v)
	}
	return 0
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
