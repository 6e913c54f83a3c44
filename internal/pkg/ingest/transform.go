package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/metrics/posmetrics"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// transformJob is one transformed record. write is nil for dry runs and for
// records that produced no unified row.
type transformJob struct {
	kind     string
	sourceID string
	err      error
	skip     bool
	write    func(ctx context.Context) error
}

// runTransform upserts every job independently. A failing record is counted and
// recorded but never stops the others; only context cancellation aborts.
func (o *Orchestrator) runTransform(ctx context.Context, conn *models.POSConnection, jobs []transformJob, result *SyncResult) error {
	tally := &TransformTally{}
	result.Transform = tally

	var mu sync.Mutex
	recordErr := func(job transformJob, err error) {
		mu.Lock()
		defer mu.Unlock()
		tally.Errors++
		result.Errors = append(result.Errors, pos.RecordError{Kind: job.kind, ExternalID: job.sourceID, Message: err.Error()})
		posmetrics.TransformErrorsTotal.WithLabelValues(conn.Provider, job.kind).Inc()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, job := range jobs {
		job := job
		switch {
		case job.err != nil:
			recordErr(job, job.err)
			continue
		case job.skip:
			mu.Lock()
			tally.Skipped++
			mu.Unlock()
			continue
		case job.write == nil:
			mu.Lock()
			tally.Transformed++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := job.write(gctx); err != nil {
				recordErr(job, err)
				return nil
			}
			mu.Lock()
			tally.Transformed++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
