package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	assert.Equal(t, "pos_sync_inventory", string(JobTypeSyncInventory))
	assert.Equal(t, "pos_sync_sales", string(JobTypeSyncSales))
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Failed", JobStatusFailed, "failed"},
		{"Retrying", JobStatusRetrying, "retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{"Failed job with retries remaining", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"Failed job with no retries remaining", &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"Completed job", &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3}, false},
		{"Pending job", &Job{Status: JobStatusPending, MaxRetries: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: 3}

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)

	job.MarkAsFailed("boom")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
	require.NotNil(t, job.CompletedAt)
}

// roundTrip stores a job the way the queue does and reads it back.
func roundTrip(t *testing.T, job *Job) *Job {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	var out Job
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestSyncInventoryPayloadSurvivesStorage(t *testing.T) {
	in := SyncInventoryJobPayload{ConnectionID: 42, Incremental: true, Transform: true}
	stored := roundTrip(t, &Job{Type: JobTypeSyncInventory, Payload: in.ToMap()})

	assert.Equal(t, uint(42), stored.ConnectionID())
	out, err := SyncInventoryJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestSyncSalesPayloadSurvivesStorage(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	in := NewSyncSalesJobPayload(9, start, end, true)
	stored := roundTrip(t, &Job{Type: JobTypeSyncSales, Payload: in.ToMap()})

	out, err := SyncSalesJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	gotStart, gotEnd, err := out.Range()
	require.NoError(t, err)
	assert.True(t, gotStart.Equal(start))
	assert.True(t, gotEnd.Equal(end))
	assert.True(t, out.Transform)
}

func TestPayloadFromMapRequiresConnection(t *testing.T) {
	_, err := SyncInventoryJobPayloadFromMap(map[string]interface{}{"incremental": true})
	assert.Error(t, err)

	_, err = SyncSalesJobPayloadFromMap(map[string]interface{}{"start_date": "2024-03-01T00:00:00Z"})
	assert.Error(t, err)

	bad := SyncSalesJobPayload{ConnectionID: 1, StartDate: "yesterday", EndDate: "2024-03-01T00:00:00Z"}
	_, _, err = bad.Range()
	assert.Error(t, err)
}

func TestJobConnectionIDMissing(t *testing.T) {
	job := &Job{Payload: map[string]interface{}{}}
	assert.Zero(t, job.ConnectionID())
}
