package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

type fakeRunner struct {
	mu        sync.Mutex
	inventory []ingest.InventoryOptions
	sales     []ingest.SalesOptions
	ids       []uint
	result    *ingest.SyncResult
	err       error
}

func (f *fakeRunner) RunInventory(ctx context.Context, connectionID uint, opts ingest.InventoryOptions) (*ingest.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, connectionID)
	f.inventory = append(f.inventory, opts)
	return f.outcome()
}

func (f *fakeRunner) RunSales(ctx context.Context, connectionID uint, opts ingest.SalesOptions) (*ingest.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, connectionID)
	f.sales = append(f.sales, opts)
	return f.outcome()
}

func (f *fakeRunner) outcome() (*ingest.SyncResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ingest.SyncResult{SyncID: "sync-1", Status: ingest.StatusCompleted, Phase: ingest.PhaseComplete}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, DefaultWorkers},
		{"Negative workers", -1, DefaultWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, &fakeRunner{}, tt.workers)

			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.Equal(t, LockRetryDelay, queue.lockDelay)
			assert.False(t, queue.IsRunning())
		})
	}
}

func TestExecuteDispatchesInventory(t *testing.T) {
	runner := &fakeRunner{}
	q := NewQueue(nil, runner, 1)
	job := roundTrip(t, &Job{
		Type:    JobTypeSyncInventory,
		Payload: SyncInventoryJobPayload{ConnectionID: 4, Incremental: true, ClearBeforeSync: true}.ToMap(),
	})

	result, err := q.execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "sync-1", result.SyncID)
	assert.Equal(t, []uint{4}, runner.ids)
	assert.Equal(t, ingest.InventoryOptions{Incremental: true, ClearBeforeSync: true}, runner.inventory[0])
}

func TestExecuteDispatchesSales(t *testing.T) {
	runner := &fakeRunner{}
	q := NewQueue(nil, runner, 1)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	job := roundTrip(t, &Job{Type: JobTypeSyncSales, Payload: NewSyncSalesJobPayload(8, start, end, true).ToMap()})

	_, err := q.execute(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, runner.sales, 1)
	assert.True(t, runner.sales[0].StartDate.Equal(start))
	assert.True(t, runner.sales[0].EndDate.Equal(end))
	assert.True(t, runner.sales[0].Transform)
	assert.False(t, runner.sales[0].DryRun)
}

func TestExecuteFailedResultIsRetryable(t *testing.T) {
	runner := &fakeRunner{result: &ingest.SyncResult{SyncID: "s-9", Status: ingest.StatusFailed, Phase: ingest.PhaseSync, Error: "square unavailable"}}
	q := NewQueue(nil, runner, 1)
	job := &Job{Type: JobTypeSyncInventory, Payload: SyncInventoryJobPayload{ConnectionID: 1}.ToMap()}

	result, err := q.execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "square unavailable")
	assert.Equal(t, "s-9", result.SyncID)
	assert.False(t, isPermanent(err))
}

func TestExecuteRejectsBadJobs(t *testing.T) {
	q := NewQueue(nil, &fakeRunner{}, 1)

	_, err := q.execute(context.Background(), &Job{Type: "pos_sync_menu", Payload: map[string]interface{}{}})
	assert.True(t, isPermanent(err))

	_, err = q.execute(context.Background(), &Job{Type: JobTypeSyncInventory, Payload: map[string]interface{}{}})
	assert.True(t, isPermanent(err))

	_, err = q.execute(context.Background(), &Job{Type: JobTypeSyncSales, Payload: map[string]interface{}{
		"connection_id": 1, "start_date": "not-a-date", "end_date": "2024-03-01T00:00:00Z",
	}})
	assert.True(t, isPermanent(err))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{pos.ErrConnectionNotFound, true},
		{fmt.Errorf("load: %w", pos.ErrConnectionInactive), true},
		{pos.ErrTokenExpired, true},
		{pos.ErrUnknownProvider, true},
		{fmt.Errorf("%w: start date is after end date", ingest.ErrInvalidRange), true},
		{&pos.SyncError{Op: "search catalog", Retryable: true, Err: errors.New("503")}, false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.permanent, isPermanent(tt.err), tt.err.Error())
	}
}

func TestQueueRunsJobAndCleansUp(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	runner := &fakeRunner{}
	q := NewQueue(client, runner, 1)
	ctx := context.Background()

	job, err := q.EnqueueInventorySync(ctx, SyncInventoryJobPayload{ConnectionID: 12, Transform: true})
	require.NoError(t, err)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	q.Start()
	defer q.Stop()

	require.True(t, waitForCondition(func() bool { return runner.calls() == 1 }, 5*time.Second))
	require.True(t, waitForCondition(func() bool {
		_, err := q.GetJob(ctx, job.ID)
		return errors.Is(err, redis.Nil)
	}, 5*time.Second))

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])

	locked, err := q.SyncLocked(ctx, 12)
	require.NoError(t, err)
	assert.False(t, locked)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestQueueDefersJobWhileConnectionLocked(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	runner := &fakeRunner{}
	q := NewQueue(client, runner, 1)
	q.lockDelay = 50 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, lockKey(5), "other-worker", time.Minute).Err())

	job, err := q.EnqueueInventorySync(ctx, SyncInventoryJobPayload{ConnectionID: 5})
	require.NoError(t, err)

	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, dequeued)
	assert.Zero(t, runner.calls())

	// Back in the pending list once the delay passes
	require.True(t, waitForCondition(func() bool {
		n, _ := q.GetQueueSize(ctx)
		return n == 1
	}, 2*time.Second))

	require.NoError(t, client.Del(ctx, lockKey(5)).Err())
	dequeued, err = q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, dequeued.ID)
	q.processJob(ctx, dequeued)
	assert.Equal(t, 1, runner.calls())
}

func TestQueuePermanentFailureIsNotRetried(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	runner := &fakeRunner{err: pos.ErrTokenExpired}
	q := NewQueue(client, runner, 1)
	ctx := context.Background()

	job, err := q.EnqueueInventorySync(ctx, SyncInventoryJobPayload{ConnectionID: 6})
	require.NoError(t, err)

	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, dequeued)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "expired")

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRecoverStuckRequeuesOldJobs(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, &fakeRunner{}, 1)
	ctx := context.Background()

	job, err := q.EnqueueInventorySync(ctx, SyncInventoryJobPayload{ConnectionID: 3})
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	dequeued.MarkAsProcessing()
	q.updateJob(ctx, dequeued)

	n, err := q.recoverStuck(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.recoverStuck(ctx, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)
}
