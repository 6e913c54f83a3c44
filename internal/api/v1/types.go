package apiv1

import (
	"fmt"
	"time"
)

// ConnectQuery is the query of GET /pos/:provider/connect
type ConnectQuery struct {
	RestaurantID uint `query:"restaurant_id" validate:"required,gt=0"`
}

// CallbackQuery is the query the provider redirects back with
type CallbackQuery struct {
	Code             string `query:"code" validate:"required"`
	State            string `query:"state" validate:"required"`
	RestaurantID     uint   `query:"restaurant_id" validate:"required,gt=0"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// InventorySyncRequest is the body of POST /pos/connections/:id/sync/inventory
type InventorySyncRequest struct {
	Incremental     bool `json:"incremental"`
	DryRun          bool `json:"dry_run"`
	Transform       bool `json:"transform"`
	ClearBeforeSync bool `json:"clear_before_sync"`
	Async           bool `json:"async"`
}

// SalesSyncRequest is the body of POST /pos/connections/:id/sync/sales. Dates
// accept RFC3339 or YYYY-MM-DD; a date-only end covers the whole day.
type SalesSyncRequest struct {
	StartDate string `json:"start_date" validate:"required"`
	EndDate   string `json:"end_date" validate:"required"`
	DryRun    bool   `json:"dry_run"`
	Transform bool   `json:"transform"`
	Async     bool   `json:"async"`
}

// Range parses both dates.
func (r SalesSyncRequest) Range() (time.Time, time.Time, error) {
	start, _, err := parseDate(r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	end, dateOnly, err := parseDate(r.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
	}
	if dateOnly {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t, true, nil
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JobResponse is returned for accepted async syncs
type JobResponse struct {
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	ConnectionID uint   `json:"connection_id"`
	Status       string `json:"status"`
}
