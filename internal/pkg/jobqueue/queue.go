package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "pos_job:"
	JobQueueKey      = "pos_job_queue"
	JobProcessingKey = "pos_job_processing"
	JobStatsKey      = "pos_job_stats"
	SyncLockPrefix   = "pos_sync_lock:"

	// Job settings
	DefaultMaxRetries = 3
	DefaultWorkers    = 2
	JobTTL            = 24 * time.Hour

	// SyncLockTTL bounds how long a crashed worker can block a connection.
	SyncLockTTL    = 30 * time.Minute
	LockRetryDelay = 15 * time.Second
)

// releaseLockScript deletes the lock only if this job still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Runner executes sync runs. *ingest.Orchestrator implements it.
type Runner interface {
	RunInventory(ctx context.Context, connectionID uint, opts ingest.InventoryOptions) (*ingest.SyncResult, error)
	RunSales(ctx context.Context, connectionID uint, opts ingest.SalesOptions) (*ingest.SyncResult, error)
}

// errLocked means another worker holds the connection's sync lock.
var errLocked = errors.New("connection sync locked by another worker")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// isPermanent reports whether retrying the job cannot succeed without user action.
func isPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, pos.ErrConnectionNotFound) ||
		errors.Is(err, pos.ErrConnectionInactive) ||
		errors.Is(err, pos.ErrTokenExpired) ||
		errors.Is(err, pos.ErrWrongProvider) ||
		errors.Is(err, pos.ErrUnknownProvider) ||
		errors.Is(err, pos.ErrNotImplemented) ||
		errors.Is(err, ingest.ErrInvalidRange)
}

// Queue manages background sync jobs using Redis
type Queue struct {
	client     *redis.Client
	runner     Runner
	workers    int
	lockDelay  time.Duration
	workerPool chan struct{}
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, runner Runner, workers int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Queue{
		client:     client,
		runner:     runner,
		workers:    workers,
		lockDelay:  LockRetryDelay,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	q.workerPool = make(chan struct{}, q.workers)
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	// Recovers jobs left in processing by crashed workers
	q.wg.Add(1)
	go q.stuckSweeper(ctx, SyncLockTTL+5*time.Minute, time.Minute)
}

// Stop stops the job queue workers and cancels running syncs
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.cancel()
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning returns whether the workers are running
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(ctx context.Context, maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if n, err := q.recoverStuck(ctx, maxAge, time.Now()); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Recovered %d stuck jobs", n)
			}
		}
	}
}

// recoverStuck moves processing jobs older than maxAge back to the pending queue.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not load job %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.ErrorMsg = "recovered by sweeper"
		if err := q.requeueJob(ctx, job); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				}
				q.workerPool <- struct{}{}
				select {
				case <-q.stopCh:
				case <-time.After(time.Second):
				}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s, connection %d)", job.ID, job.Type, job.ConnectionID())
	return job, nil
}

// EnqueueInventorySync queues an inventory sync for a connection.
func (q *Queue) EnqueueInventorySync(ctx context.Context, p SyncInventoryJobPayload) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeSyncInventory, p.ToMap())
}

// EnqueueSalesSync queues a sales sync for a connection.
func (q *Queue) EnqueueSalesSync(ctx context.Context, p SyncSalesJobPayload) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeSyncSales, p.ToMap())
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	return job, nil
}

// processJob runs a single job while holding the connection's sync lock
func (q *Queue) processJob(ctx context.Context, job *Job) {
	connectionID := job.ConnectionID()
	acquired, err := q.acquireLock(ctx, connectionID, job.ID)
	if err != nil {
		log.Errorf("[JobQueue] Could not take sync lock for connection %d: %v", connectionID, err)
	}
	if err != nil || !acquired {
		q.requeueLater(ctx, job, q.lockDelay)
		return
	}
	defer q.releaseLock(context.Background(), connectionID, job.ID)

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	result, err := q.execute(ctx, job)
	if result != nil {
		job.SyncID = result.SyncID
	}

	if errors.Is(err, ingest.ErrSyncInProgress) {
		log.Infof("[JobQueue] Connection %d busy, delaying job %s", connectionID, job.ID)
		q.requeueLater(ctx, job, q.lockDelay)
		return
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if !isPermanent(err) && job.IsRetryable() && ctx.Err() == nil {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			jobID := job.ID
			time.AfterFunc(time.Minute*time.Duration(job.RetryCount), func() {
				q.client.LPush(context.Background(), JobQueueKey, jobID)
			})
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d attempts", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed (sync %s)", job.ID, job.SyncID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job.ID)
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// execute dispatches a job to the runner. A run that returns a failed result
// is reported as an error so the job is retried.
func (q *Queue) execute(ctx context.Context, job *Job) (*ingest.SyncResult, error) {
	var (
		result *ingest.SyncResult
		err    error
	)

	switch job.Type {
	case JobTypeSyncInventory:
		p, perr := SyncInventoryJobPayloadFromMap(job.Payload)
		if perr != nil {
			return nil, &permanentError{perr}
		}
		result, err = q.runner.RunInventory(ctx, p.ConnectionID, ingest.InventoryOptions{
			Incremental:     p.Incremental,
			Transform:       p.Transform,
			ClearBeforeSync: p.ClearBeforeSync,
		})
	case JobTypeSyncSales:
		p, perr := SyncSalesJobPayloadFromMap(job.Payload)
		if perr != nil {
			return nil, &permanentError{perr}
		}
		start, end, perr := p.Range()
		if perr != nil {
			return nil, &permanentError{perr}
		}
		result, err = q.runner.RunSales(ctx, p.ConnectionID, ingest.SalesOptions{
			StartDate: start,
			EndDate:   end,
			Transform: p.Transform,
		})
	default:
		return nil, &permanentError{fmt.Errorf("unknown job type: %s", job.Type)}
	}

	if err != nil {
		return result, err
	}
	if result == nil {
		return nil, fmt.Errorf("sync runner returned no result for job %s", job.ID)
	}
	if !result.Succeeded() {
		return result, fmt.Errorf("sync %s failed in %s phase: %s", result.SyncID, result.Phase, result.Error)
	}
	return result, nil
}

func lockKey(connectionID uint) string {
	return SyncLockPrefix + strconv.FormatUint(uint64(connectionID), 10)
}

// acquireLock takes the per-connection lock across all worker processes.
func (q *Queue) acquireLock(ctx context.Context, connectionID uint, jobID string) (bool, error) {
	if connectionID == 0 {
		return true, nil
	}
	return q.client.SetNX(ctx, lockKey(connectionID), jobID, SyncLockTTL).Result()
}

func (q *Queue) releaseLock(ctx context.Context, connectionID uint, jobID string) {
	if connectionID == 0 {
		return
	}
	if err := releaseLockScript.Run(ctx, q.client, []string{lockKey(connectionID)}, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to release sync lock for connection %d: %v", connectionID, err)
	}
}

// SyncLocked reports whether any worker currently holds the connection's lock.
func (q *Queue) SyncLocked(ctx context.Context, connectionID uint) (bool, error) {
	n, err := q.client.Exists(ctx, lockKey(connectionID)).Result()
	return n > 0, err
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// requeueJob moves a job back to the pending queue and resets its status
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job)
	if err := q.client.LRem(ctx, JobProcessingKey, 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", job.ID, err)
	}
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
		return err
	}
	return nil
}

// requeueLater returns a job to the queue after delay. The job stays in the
// processing list until then so the sweeper can still recover it.
func (q *Queue) requeueLater(ctx context.Context, job *Job, delay time.Duration) {
	job.ErrorMsg = errLocked.Error()
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job)
	time.AfterFunc(delay, func() {
		_ = q.requeueJob(context.Background(), job)
	})
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
