package ingest

import (
	"time"

	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// Kind is what a sync run ingests.
type Kind string

const (
	KindInventory Kind = "inventory"
	KindSales     Kind = "sales"
)

// Phase is the last phase a run reached.
type Phase string

const (
	PhaseSync      Phase = "sync"
	PhaseTransform Phase = "transform"
	PhaseComplete  Phase = "complete"
)

// Status is the outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// SyncTally counts what the raw phase stored.
type SyncTally struct {
	Inventory *pos.InventoryCounts `json:"inventory,omitempty"`
	Sales     *pos.SalesCounts     `json:"sales,omitempty"`
	Pages     int                  `json:"pages"`
	Errors    int                  `json:"errors"`
}

// TransformTally counts what the transform phase produced.
type TransformTally struct {
	Transformed int `json:"transformed"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// SyncResult describes one sync run.
type SyncResult struct {
	SyncID       string            `json:"sync_id"`
	ConnectionID uint              `json:"connection_id"`
	RestaurantID uint              `json:"restaurant_id"`
	Provider     string            `json:"provider"`
	Kind         Kind              `json:"kind"`
	Phase        Phase             `json:"phase"`
	Status       Status            `json:"status"`
	DryRun       bool              `json:"dry_run"`
	Sync         SyncTally         `json:"sync"`
	Transform    *TransformTally   `json:"transform,omitempty"`
	Errors       []pos.RecordError `json:"errors"`
	Error        string            `json:"error,omitempty"`
	Message      string            `json:"message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Duration     time.Duration     `json:"duration_ns"`
}

// Succeeded reports whether the run completed.
func (r *SyncResult) Succeeded() bool {
	return r != nil && r.Status == StatusCompleted
}

func (r *SyncResult) addErrors(errs []pos.RecordError) {
	r.Errors = append(r.Errors, errs...)
	r.Sync.Errors += len(errs)
}
