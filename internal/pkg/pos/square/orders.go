package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

const (
	ordersPageLimit = 500
	// Square accepts at most 10 locations per order search.
	maxOrderLocations = 10
)

// SyncSales stores every completed order closed within [opts.Start, opts.End]
// and each of its line items.
func (a *Adapter) SyncSales(ctx context.Context, conn *models.POSConnection, opts pos.SalesSyncOptions) (*pos.SalesSyncResult, error) {
	if err := a.checkConn(conn); err != nil {
		return nil, err
	}
	if opts.Start.IsZero() || opts.End.IsZero() || opts.Start.After(opts.End) {
		return nil, &pos.SyncError{Provider: provider, Op: "search orders", Err: errors.New("invalid date range")}
	}
	token, err := a.accessToken(conn)
	if err != nil {
		return nil, err
	}

	locations, err := a.orderLocations(ctx, conn)
	if err != nil {
		return nil, err
	}
	sink := a.sinkFor(opts.Sink)
	res := &pos.SalesSyncResult{Errors: []pos.RecordError{}}
	if len(locations) == 0 {
		log.Warnf("[Square] Connection %d has no active locations, nothing to sync", conn.ID)
		return res, nil
	}

	req := ordersSearchRequest{
		LocationIDs: locations,
		Limit:       ordersPageLimit,
		Query: ordersQuery{
			Filter: ordersFilter{
				StateFilter: stateFilter{States: []string{"COMPLETED"}},
				DateTimeFilter: dateTimeFilter{ClosedAt: timeRange{
					StartAt: opts.Start.UTC().Format(time.RFC3339),
					EndAt:   opts.End.UTC().Format(time.RFC3339),
				}},
			},
			Sort: ordersSort{SortField: "CLOSED_AT", SortOrder: "ASC"},
		},
	}

	for page := 1; ; page++ {
		var resp ordersSearchResponse
		raw, err := a.call(ctx, conn, "orders search", http.MethodPost, "/v2/orders/search", bearer(token), req, &resp)
		if err != nil {
			return res, a.syncError("orders search", res.Synced.Total() > 0, err)
		}
		if !opts.DryRun {
			a.archive(ctx, conn, "/v2/orders/search", page, raw)
		}
		res.Pages++

		records, recErrs := a.orderRecords(conn, resp.Orders)
		res.Errors = append(res.Errors, recErrs...)
		stored, storeErrs := a.persist(ctx, sink, records)
		res.Errors = append(res.Errors, storeErrs...)
		for _, rec := range stored {
			switch rec.Kind {
			case models.RawKindOrder:
				res.Synced.Orders++
			case models.RawKindOrderLineItem:
				res.Synced.LineItems++
			}
		}

		if resp.Cursor == "" {
			break
		}
		req.Cursor = resp.Cursor
	}

	log.Infof("[Square] Sales sync for connection %d stored %d orders and %d line items from %d pages (%d errors)",
		conn.ID, res.Synced.Orders, res.Synced.LineItems, res.Pages, len(res.Errors))
	return res, nil
}

// orderLocations returns the connection's pinned location or the merchant's
// active locations.
func (a *Adapter) orderLocations(ctx context.Context, conn *models.POSConnection) ([]string, error) {
	if conn.LocationID != "" {
		return []string{conn.LocationID}, nil
	}
	all, err := a.GetLocations(ctx, conn)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, l := range all {
		if l.Active {
			ids = append(ids, l.ID)
		}
	}
	if len(ids) > maxOrderLocations {
		log.Warnf("[Square] Connection %d has %d locations, only the first %d are synced", conn.ID, len(ids), maxOrderLocations)
		ids = ids[:maxOrderLocations]
	}
	return ids, nil
}

func (a *Adapter) orderRecords(conn *models.POSConnection, orders []json.RawMessage) ([]models.RawRecord, []pos.RecordError) {
	var (
		records []models.RawRecord
		errs    []pos.RecordError
	)
	for _, raw := range orders {
		var o order
		if err := json.Unmarshal(raw, &o); err != nil || o.ID == "" {
			errs = append(errs, pos.RecordError{Kind: string(models.RawKindOrder), Message: decodeMessage(err)})
			continue
		}
		records = append(records, models.RawRecord{
			ConnectionID:      conn.ID,
			RestaurantID:      conn.RestaurantID,
			Provider:          provider,
			Kind:              models.RawKindOrder,
			ExternalID:        o.ID,
			LocationID:        o.LocationID,
			ProviderUpdatedAt: o.UpdatedAt,
			OccurredAt:        o.ClosedAt,
			Payload:           datatypes.JSON(raw),
		})

		for i, liRaw := range o.LineItems {
			var li orderLineItem
			if err := json.Unmarshal(liRaw, &li); err != nil {
				errs = append(errs, pos.RecordError{Kind: string(models.RawKindOrderLineItem), ExternalID: o.ID, Message: decodeMessage(err)})
				continue
			}
			uid := li.UID
			if uid == "" {
				uid = fmt.Sprintf("%d", i)
			}
			envelope, err := json.Marshal(lineItemEnvelope{
				OrderID:    o.ID,
				LocationID: o.LocationID,
				ClosedAt:   o.ClosedAt,
				LineItem:   liRaw,
			})
			if err != nil {
				errs = append(errs, pos.RecordError{Kind: string(models.RawKindOrderLineItem), ExternalID: o.ID + ":" + uid, Message: err.Error()})
				continue
			}
			records = append(records, models.RawRecord{
				ConnectionID:      conn.ID,
				RestaurantID:      conn.RestaurantID,
				Provider:          provider,
				Kind:              models.RawKindOrderLineItem,
				ExternalID:        o.ID + ":" + uid,
				ParentExternalID:  o.ID,
				LocationID:        o.LocationID,
				ProviderUpdatedAt: o.UpdatedAt,
				OccurredAt:        o.ClosedAt,
				Payload:           datatypes.JSON(envelope),
			})
		}
	}
	return records, errs
}
