package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/metrics/posmetrics"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// DefaultTransformConcurrency bounds the parallel unified upserts of one run.
const DefaultTransformConcurrency = 4

// ErrSyncInProgress is returned when a sync for the same connection is already running.
var ErrSyncInProgress = errors.New("sync already in progress for connection")

// ErrInvalidRange is returned by RunSales for a missing or inverted date range.
var ErrInvalidRange = errors.New("invalid sales date range")

// Adapters resolves a provider to its initialized adapter. *pos.Registry implements it.
type Adapters interface {
	Get(provider string) pos.Adapter
	Providers() []string
}

// InventoryOptions controls RunInventory.
type InventoryOptions struct {
	// Incremental only fetches catalog objects changed since the inventory watermark.
	Incremental bool
	// DryRun fetches and transforms into memory only.
	DryRun    bool
	Transform bool
	// ClearBeforeSync removes the connection's stored catalog records first.
	ClearBeforeSync bool
}

// SalesOptions controls RunSales. Both dates are inclusive.
type SalesOptions struct {
	StartDate time.Time
	EndDate   time.Time
	DryRun    bool
	Transform bool
}

// Orchestrator runs the two sync phases for one connection: raw ingestion
// through the provider adapter, then the optional transformation into unified records.
type Orchestrator struct {
	adapters    Adapters
	connections repository.ConnectionRepository
	raw         repository.RawRecordRepository
	unified     repository.UnifiedRepository
	tokenBuffer time.Duration
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	running map[uint]struct{}
}

// NewOrchestrator creates an orchestrator. A negative tokenBuffer uses
// pos.DefaultTokenBuffer, the same rule pos.NewRegistry applies.
func NewOrchestrator(adapters Adapters, connections repository.ConnectionRepository, raw repository.RawRecordRepository, unified repository.UnifiedRepository, tokenBuffer time.Duration) *Orchestrator {
	if tokenBuffer < 0 {
		tokenBuffer = pos.DefaultTokenBuffer
	}
	return &Orchestrator{
		adapters:    adapters,
		connections: connections,
		raw:         raw,
		unified:     unified,
		tokenBuffer: tokenBuffer,
		concurrency: DefaultTransformConcurrency,
		now:         time.Now,
		running:     make(map[uint]struct{}),
	}
}

// Running reports whether a sync for the connection is in progress in this process.
func (o *Orchestrator) Running(connectionID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[connectionID]
	return ok
}

func (o *Orchestrator) lock(connectionID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[connectionID]; busy {
		return false
	}
	o.running[connectionID] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(connectionID uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, connectionID)
}

// prepare loads the connection and its adapter and checks that a sync may start.
func (o *Orchestrator) prepare(ctx context.Context, connectionID uint) (*models.POSConnection, pos.Adapter, error) {
	conn, err := o.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("connection %d: %w", connectionID, pos.ErrConnectionNotFound)
		}
		return nil, nil, fmt.Errorf("load connection %d: %w", connectionID, err)
	}

	adapter := o.adapters.Get(conn.Provider)
	if adapter == nil {
		if !o.knownProvider(conn.Provider) {
			return nil, nil, fmt.Errorf("%s: %w", conn.Provider, pos.ErrUnknownProvider)
		}
		return nil, nil, fmt.Errorf("%s: %w", conn.Provider, pos.ErrNotInitialized)
	}
	if adapter.Provider() != conn.Provider {
		return nil, nil, fmt.Errorf("connection %d: %w", conn.ID, pos.ErrWrongProvider)
	}
	if !conn.IsActive() {
		return nil, nil, fmt.Errorf("connection %d is %s: %w", conn.ID, conn.Status, pos.ErrConnectionInactive)
	}
	if conn.IsTokenExpired(o.now(), o.tokenBuffer) {
		return nil, nil, fmt.Errorf("connection %d: %w", conn.ID, pos.ErrTokenExpired)
	}
	return conn, adapter, nil
}

func (o *Orchestrator) knownProvider(provider string) bool {
	for _, p := range o.adapters.Providers() {
		if p == provider {
			return true
		}
	}
	return false
}

// rawStore returns where a run reads and writes raw records. Dry runs get a
// throwaway memory store.
func (o *Orchestrator) rawStore(dryRun bool) repository.RawRecordRepository {
	if dryRun {
		return repository.NewMemoryRawRecordRepository()
	}
	return o.raw
}

// RunInventory syncs the connection's catalog and inventory counts. Validation
// failures are returned as errors before anything runs; failures during the run
// come back as a failed SyncResult.
func (o *Orchestrator) RunInventory(ctx context.Context, connectionID uint, opts InventoryOptions) (*SyncResult, error) {
	conn, adapter, err := o.prepare(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !o.lock(conn.ID) {
		return nil, ErrSyncInProgress
	}
	defer o.unlock(conn.ID)

	result := o.newResult(conn, KindInventory, opts.DryRun)
	store := o.rawStore(opts.DryRun)
	log.Infof("[Sync] %s inventory sync %s started for connection %d (incremental=%t dry_run=%t)",
		conn.Provider, result.SyncID, conn.ID, opts.Incremental, opts.DryRun)

	if opts.ClearBeforeSync && !opts.DryRun {
		deleted, err := o.raw.DeleteRaw(ctx, conn.ID, models.CatalogKinds)
		if err != nil {
			return o.fail(result, fmt.Errorf("clear raw catalog: %w", err)), nil
		}
		log.Infof("[Sync] Cleared %d raw catalog records for connection %d", deleted, conn.ID)
	}

	var since *time.Time
	if opts.Incremental && conn.InventorySyncedAt != nil {
		t := *conn.InventorySyncedAt
		since = &t
	}

	started := o.now()
	syncErrs := 0
	res, err := adapter.SyncInventory(ctx, conn, pos.InventorySyncOptions{Since: since, Sink: store, DryRun: opts.DryRun})
	if res != nil {
		syncErrs = len(res.Errors)
		counts := res.Synced
		result.Sync.Inventory = &counts
		result.Sync.Pages = res.Pages
		result.addErrors(res.Errors)
	}
	if err != nil {
		return o.fail(result, err), nil
	}

	if opts.Transform {
		result.Phase = PhaseTransform
		if err := o.transformInventory(ctx, conn, adapter, store, opts.DryRun, result); err != nil {
			return o.fail(result, err), nil
		}
	}

	if !opts.DryRun {
		// The watermark only moves after a sync phase without record errors.
		mark := o.connections.MarkInventorySynced
		if syncErrs > 0 {
			mark = o.connections.MarkSynced
			log.Warnf("[Sync] Inventory watermark of connection %d kept after %d record errors", conn.ID, syncErrs)
		}
		if err := mark(ctx, conn.ID, started); err != nil {
			return o.fail(result, fmt.Errorf("mark connection synced: %w", err)), nil
		}
	}
	return o.complete(result), nil
}

// RunSales syncs completed orders closed within [StartDate, EndDate].
func (o *Orchestrator) RunSales(ctx context.Context, connectionID uint, opts SalesOptions) (*SyncResult, error) {
	if opts.StartDate.IsZero() || opts.EndDate.IsZero() {
		return nil, fmt.Errorf("%w: start and end date are required", ErrInvalidRange)
	}
	if opts.StartDate.After(opts.EndDate) {
		return nil, fmt.Errorf("%w: start date is after end date", ErrInvalidRange)
	}

	conn, adapter, err := o.prepare(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !o.lock(conn.ID) {
		return nil, ErrSyncInProgress
	}
	defer o.unlock(conn.ID)

	result := o.newResult(conn, KindSales, opts.DryRun)
	store := o.rawStore(opts.DryRun)
	log.Infof("[Sync] %s sales sync %s started for connection %d (%s to %s, dry_run=%t)",
		conn.Provider, result.SyncID, conn.ID, opts.StartDate.Format(time.RFC3339), opts.EndDate.Format(time.RFC3339), opts.DryRun)

	started := o.now()
	res, err := adapter.SyncSales(ctx, conn, pos.SalesSyncOptions{Start: opts.StartDate, End: opts.EndDate, Sink: store, DryRun: opts.DryRun})
	if res != nil {
		counts := res.Synced
		result.Sync.Sales = &counts
		result.Sync.Pages = res.Pages
		result.addErrors(res.Errors)
	}
	if err != nil {
		return o.fail(result, err), nil
	}

	if opts.Transform {
		result.Phase = PhaseTransform
		if err := o.transformSales(ctx, conn, adapter, store, opts, result); err != nil {
			return o.fail(result, err), nil
		}
	}

	if !opts.DryRun {
		if err := o.connections.MarkSynced(ctx, conn.ID, started); err != nil {
			return o.fail(result, fmt.Errorf("mark connection synced: %w", err)), nil
		}
	}
	return o.complete(result), nil
}

func (o *Orchestrator) transformInventory(ctx context.Context, conn *models.POSConnection, adapter pos.Adapter, store repository.RawRecordRepository, dryRun bool, result *SyncResult) error {
	transformer, ok := adapter.(pos.Transformer)
	if !ok {
		return fmt.Errorf("%s: transformation %w", conn.Provider, pos.ErrNotImplemented)
	}
	records, err := store.ListRaw(ctx, repository.RawQuery{ConnectionID: conn.ID, Kinds: models.CatalogKinds})
	if err != nil {
		return fmt.Errorf("load raw catalog: %w", err)
	}

	outcomes := transformer.TransformInventory(conn.RestaurantID, records)
	jobs := make([]transformJob, 0, len(outcomes))
	for _, oc := range outcomes {
		oc := oc
		job := transformJob{kind: string(models.RawKindCatalogVariation), sourceID: oc.SourceID, err: oc.Err, skip: oc.Item == nil}
		if oc.Item != nil && !dryRun {
			job.write = func(ctx context.Context) error {
				return o.unified.UpsertInventoryItem(ctx, oc.Item)
			}
		}
		jobs = append(jobs, job)
	}
	return o.runTransform(ctx, conn, jobs, result)
}

func (o *Orchestrator) transformSales(ctx context.Context, conn *models.POSConnection, adapter pos.Adapter, store repository.RawRecordRepository, opts SalesOptions, result *SyncResult) error {
	transformer, ok := adapter.(pos.Transformer)
	if !ok {
		return fmt.Errorf("%s: transformation %w", conn.Provider, pos.ErrNotImplemented)
	}
	from, to := opts.StartDate, opts.EndDate
	records, err := store.ListRaw(ctx, repository.RawQuery{
		ConnectionID: conn.ID,
		Kinds:        []models.RawKind{models.RawKindOrderLineItem},
		OccurredFrom: &from,
		OccurredTo:   &to,
	})
	if err != nil {
		return fmt.Errorf("load raw sales: %w", err)
	}

	outcomes := transformer.TransformSales(conn.RestaurantID, records)
	itemIDs, err := o.linkInventory(ctx, conn, outcomes)
	if err != nil {
		return err
	}

	jobs := make([]transformJob, 0, len(outcomes))
	for _, oc := range outcomes {
		oc := oc
		job := transformJob{kind: string(models.RawKindOrderLineItem), sourceID: oc.SourceID, err: oc.Err, skip: oc.Transaction == nil}
		if oc.Transaction != nil {
			if id, ok := itemIDs[oc.Transaction.SourceCatalogID]; ok {
				id := id
				oc.Transaction.InventoryItemID = &id
			}
			if !opts.DryRun {
				job.write = func(ctx context.Context) error {
					return o.unified.UpsertSalesTransaction(ctx, oc.Transaction)
				}
			}
		}
		jobs = append(jobs, job)
	}
	return o.runTransform(ctx, conn, jobs, result)
}

// linkInventory resolves the catalog ids sold in outcomes to unified inventory item ids.
func (o *Orchestrator) linkInventory(ctx context.Context, conn *models.POSConnection, outcomes []pos.SalesOutcome) (map[string]uint, error) {
	seen := map[string]struct{}{}
	var ids []string
	for _, oc := range outcomes {
		if oc.Transaction == nil || oc.Transaction.SourceCatalogID == "" {
			continue
		}
		if _, dup := seen[oc.Transaction.SourceCatalogID]; dup {
			continue
		}
		seen[oc.Transaction.SourceCatalogID] = struct{}{}
		ids = append(ids, oc.Transaction.SourceCatalogID)
	}
	if len(ids) == 0 {
		return map[string]uint{}, nil
	}
	sort.Strings(ids)
	found, err := o.unified.InventoryItemIDsBySource(ctx, conn.RestaurantID, conn.Provider, ids)
	if err != nil {
		return nil, fmt.Errorf("link inventory items: %w", err)
	}
	return found, nil
}

func (o *Orchestrator) newResult(conn *models.POSConnection, kind Kind, dryRun bool) *SyncResult {
	return &SyncResult{
		SyncID:       uuid.New().String(),
		ConnectionID: conn.ID,
		RestaurantID: conn.RestaurantID,
		Provider:     conn.Provider,
		Kind:         kind,
		Phase:        PhaseSync,
		DryRun:       dryRun,
		Errors:       []pos.RecordError{},
		StartedAt:    o.now(),
	}
}

func (o *Orchestrator) finish(result *SyncResult) {
	result.FinishedAt = o.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	posmetrics.SyncRunsTotal.WithLabelValues(result.Provider, string(result.Kind), string(result.Status)).Inc()
	posmetrics.SyncDuration.WithLabelValues(result.Provider, string(result.Kind)).Observe(result.Duration.Seconds())
}

func (o *Orchestrator) fail(result *SyncResult, err error) *SyncResult {
	result.Status = StatusFailed
	result.Error = err.Error()
	result.Message = pos.UserMessage(err)
	o.finish(result)
	log.Errorf("[Sync] %s %s sync %s failed for connection %d in phase %s: %v",
		result.Provider, result.Kind, result.SyncID, result.ConnectionID, result.Phase, err)
	return result
}

func (o *Orchestrator) complete(result *SyncResult) *SyncResult {
	result.Phase = PhaseComplete
	result.Status = StatusCompleted
	o.finish(result)
	log.Infof("[Sync] %s %s sync %s completed for connection %d in %s (%d errors)",
		result.Provider, result.Kind, result.SyncID, result.ConnectionID, result.Duration.Round(time.Millisecond), len(result.Errors))
	return result
}
