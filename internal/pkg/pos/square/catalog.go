package square

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/metrics/posmetrics"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
	"github.com/ManuelReschke/POSBridge/internal/pkg/retry"
)

const (
	catalogPageLimit   = 1000
	inventoryBatchSize = 100
)

// SyncInventory pages through the catalog (categories, items and their
// variations) and then the inventory counts of every tracked variation, storing
// each object as a raw record as its page arrives.
func (a *Adapter) SyncInventory(ctx context.Context, conn *models.POSConnection, opts pos.InventorySyncOptions) (*pos.InventorySyncResult, error) {
	if err := a.checkConn(conn); err != nil {
		return nil, err
	}
	token, err := a.accessToken(conn)
	if err != nil {
		return nil, err
	}
	sink := a.sinkFor(opts.Sink)
	res := &pos.InventorySyncResult{Errors: []pos.RecordError{}}

	req := catalogSearchRequest{
		ObjectTypes:           []string{"CATEGORY", "ITEM"},
		IncludeDeletedObjects: true,
		Limit:                 catalogPageLimit,
	}
	if opts.Since != nil {
		req.BeginTime = opts.Since.UTC().Format(time.RFC3339)
	}

	var tracked []string
	for page := 1; ; page++ {
		var resp catalogSearchResponse
		raw, err := a.call(ctx, conn, "catalog search", http.MethodPost, "/v2/catalog/search", bearer(token), req, &resp)
		if err != nil {
			return res, a.syncError("catalog search", res.Synced.Total() > 0, err)
		}
		if !opts.DryRun {
			a.archive(ctx, conn, "/v2/catalog/search", page, raw)
		}
		res.Pages++

		records, ids, recErrs := a.catalogRecords(conn, resp.Objects)
		res.Errors = append(res.Errors, recErrs...)
		tracked = append(tracked, ids...)
		stored, storeErrs := a.persist(ctx, sink, records)
		res.Errors = append(res.Errors, storeErrs...)
		countInventory(&res.Synced, stored)

		if resp.Cursor == "" {
			break
		}
		req.Cursor = resp.Cursor
	}

	var locations []string
	if conn.LocationID != "" {
		locations = []string{conn.LocationID}
	}
	page := 0
	for start := 0; start < len(tracked); start += inventoryBatchSize {
		end := start + inventoryBatchSize
		if end > len(tracked) {
			end = len(tracked)
		}
		countReq := inventoryCountsRequest{CatalogObjectIDs: tracked[start:end], LocationIDs: locations}
		for {
			page++
			var resp inventoryCountsResponse
			raw, err := a.call(ctx, conn, "inventory counts", http.MethodPost, "/v2/inventory/counts/batch-retrieve", bearer(token), countReq, &resp)
			if err != nil {
				return res, a.syncError("inventory counts", res.Synced.Total() > 0, err)
			}
			if !opts.DryRun {
				a.archive(ctx, conn, "/v2/inventory/counts/batch-retrieve", page, raw)
			}
			res.Pages++

			records, recErrs := a.countRecords(conn, resp.Counts)
			res.Errors = append(res.Errors, recErrs...)
			stored, storeErrs := a.persist(ctx, sink, records)
			res.Errors = append(res.Errors, storeErrs...)
			countInventory(&res.Synced, stored)

			if resp.Cursor == "" {
				break
			}
			countReq.Cursor = resp.Cursor
		}
	}

	log.Infof("[Square] Inventory sync for connection %d stored %d records from %d pages (%d errors)",
		conn.ID, res.Synced.Total(), res.Pages, len(res.Errors))
	return res, nil
}

// catalogRecords flattens a page of catalog objects into raw records. Variations
// nested in items become records of their own with the item as parent. The
// returned ids are the variations whose stock is tracked.
func (a *Adapter) catalogRecords(conn *models.POSConnection, objects []json.RawMessage) ([]models.RawRecord, []string, []pos.RecordError) {
	var (
		records []models.RawRecord
		tracked []string
		errs    []pos.RecordError
	)
	for _, raw := range objects {
		var obj catalogObject
		if err := json.Unmarshal(raw, &obj); err != nil || obj.ID == "" {
			errs = append(errs, pos.RecordError{Kind: "catalog_object", Message: decodeMessage(err)})
			continue
		}

		switch obj.Type {
		case "CATEGORY":
			records = append(records, a.rawRecord(conn, models.RawKindCatalogCategory, obj.ID, "", raw, &obj))
		case "ITEM":
			records = append(records, a.rawRecord(conn, models.RawKindCatalogItem, obj.ID, "", raw, &obj))
			if obj.ItemData == nil {
				continue
			}
			for _, vraw := range obj.ItemData.Variations {
				var v catalogObject
				if err := json.Unmarshal(vraw, &v); err != nil || v.ID == "" {
					errs = append(errs, pos.RecordError{Kind: string(models.RawKindCatalogVariation), Message: decodeMessage(err)})
					continue
				}
				if obj.IsDeleted {
					v.IsDeleted = true
				}
				records = append(records, a.rawRecord(conn, models.RawKindCatalogVariation, v.ID, obj.ID, vraw, &v))
				if !v.IsDeleted && v.ItemVariationData != nil && v.ItemVariationData.TrackInventory {
					tracked = append(tracked, v.ID)
				}
			}
		}
	}
	return records, tracked, errs
}

func (a *Adapter) countRecords(conn *models.POSConnection, counts []json.RawMessage) ([]models.RawRecord, []pos.RecordError) {
	var (
		records []models.RawRecord
		errs    []pos.RecordError
	)
	for _, raw := range counts {
		var c inventoryCount
		if err := json.Unmarshal(raw, &c); err != nil || c.CatalogObjectID == "" {
			errs = append(errs, pos.RecordError{Kind: string(models.RawKindInventoryCount), Message: decodeMessage(err)})
			continue
		}
		externalID := fmt.Sprintf("%s:%s:%s", c.CatalogObjectID, c.LocationID, c.State)
		rec := models.RawRecord{
			ConnectionID:      conn.ID,
			RestaurantID:      conn.RestaurantID,
			Provider:          provider,
			Kind:              models.RawKindInventoryCount,
			ExternalID:        externalID,
			ParentExternalID:  c.CatalogObjectID,
			LocationID:        c.LocationID,
			ProviderUpdatedAt: c.CalculatedAt,
			OccurredAt:        c.CalculatedAt,
			Payload:           datatypes.JSON(raw),
		}
		records = append(records, rec)
	}
	return records, errs
}

func (a *Adapter) rawRecord(conn *models.POSConnection, kind models.RawKind, id, parent string, raw json.RawMessage, obj *catalogObject) models.RawRecord {
	return models.RawRecord{
		ConnectionID:      conn.ID,
		RestaurantID:      conn.RestaurantID,
		Provider:          provider,
		Kind:              kind,
		ExternalID:        id,
		ParentExternalID:  parent,
		IsDeleted:         obj.IsDeleted,
		ProviderUpdatedAt: obj.UpdatedAt,
		OccurredAt:        obj.UpdatedAt,
		Payload:           datatypes.JSON(raw),
	}
}

func (a *Adapter) sinkFor(sink pos.RawSink) pos.RawSink {
	if sink != nil {
		return sink
	}
	return a.deps.Raw
}

// persist upserts records as one batch. When the batch fails each record is
// retried alone so a single bad record does not drop the page.
func (a *Adapter) persist(ctx context.Context, sink pos.RawSink, records []models.RawRecord) ([]models.RawRecord, []pos.RecordError) {
	if len(records) == 0 {
		return nil, nil
	}
	err := sink.UpsertRaw(ctx, records)
	if err == nil {
		observeUpserts(records)
		return records, nil
	}
	log.Warnf("[Square] Batch upsert of %d raw records failed, storing one by one: %v", len(records), err)

	var (
		stored []models.RawRecord
		errs   []pos.RecordError
	)
	for _, rec := range records {
		if err := sink.UpsertRaw(ctx, []models.RawRecord{rec}); err != nil {
			errs = append(errs, pos.RecordError{Kind: string(rec.Kind), ExternalID: rec.ExternalID, Message: err.Error()})
			continue
		}
		stored = append(stored, rec)
	}
	observeUpserts(stored)
	return stored, errs
}

func observeUpserts(records []models.RawRecord) {
	for _, rec := range records {
		posmetrics.RawRecordsUpsertedTotal.WithLabelValues(provider, string(rec.Kind)).Inc()
	}
}

func countInventory(c *pos.InventoryCounts, records []models.RawRecord) {
	for _, rec := range records {
		switch rec.Kind {
		case models.RawKindCatalogCategory:
			c.Categories++
		case models.RawKindCatalogItem:
			c.Items++
		case models.RawKindCatalogVariation:
			c.Variations++
		case models.RawKindInventoryCount:
			c.InventoryCounts++
		}
	}
}

func (a *Adapter) syncError(op string, partial bool, err error) error {
	return &pos.SyncError{
		Provider:  provider,
		Op:        op,
		Retryable: retry.IsRetryable(err),
		Partial:   partial,
		Err:       err,
	}
}

func decodeMessage(err error) string {
	if err != nil {
		return "malformed object: " + err.Error()
	}
	return "object has no id"
}
