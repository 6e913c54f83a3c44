package apiv1

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// adapterFor resolves the ready adapter of a provider path parameter.
func (s *APIServer) adapterFor(provider string) (pos.Adapter, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if a := s.providers.Get(provider); a != nil {
		return a, nil
	}
	for _, known := range s.providers.Providers() {
		if known == provider {
			return nil, pos.ErrNotInitialized
		}
	}
	return nil, pos.ErrUnknownProvider
}

// connection loads the :id connection together with its adapter.
func (s *APIServer) connection(c *fiber.Ctx) (*models.POSConnection, pos.Adapter, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return nil, nil, pos.ErrConnectionNotFound
	}
	conn, err := s.connections.GetByID(c.UserContext(), uint(id))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, pos.ErrConnectionNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.adapterFor(conn.Provider)
	if err != nil {
		return nil, nil, err
	}
	return conn, adapter, nil
}

// GetConnect starts the OAuth flow and returns the provider authorization URL
func (s *APIServer) GetConnect(c *fiber.Ctx) error {
	var q ConnectQuery
	if err := c.QueryParser(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	if err := s.validate.Struct(q); err != nil {
		return badRequest(c, validationMessage(err))
	}

	adapter, err := s.adapterFor(c.Params("provider"))
	if err != nil {
		return respondError(c, err)
	}
	auth, err := adapter.InitiateOAuth(c.UserContext(), q.RestaurantID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(auth)
}

// GetCallback completes the OAuth flow and returns the stored connection
func (s *APIServer) GetCallback(c *fiber.Ctx) error {
	var q CallbackQuery
	if err := c.QueryParser(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	if q.Error != "" {
		log.Infof("[API] Authorization declined for %s: %s", c.Params("provider"), q.Error)
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "authorization_declined",
			Message: "Authorization was declined. Please reconnect your POS account to continue.",
		})
	}
	if err := s.validate.Struct(q); err != nil {
		return badRequest(c, validationMessage(err))
	}

	adapter, err := s.adapterFor(c.Params("provider"))
	if err != nil {
		return respondError(c, err)
	}
	conn, err := adapter.HandleOAuthCallback(c.UserContext(), q.Code, q.State, q.RestaurantID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conn)
}

// PostDisconnect revokes a connection
func (s *APIServer) PostDisconnect(c *fiber.Ctx) error {
	conn, adapter, err := s.connection(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := adapter.Disconnect(c.UserContext(), conn); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"connection_id": conn.ID, "status": models.ConnectionStatusRevoked})
}

// PostSyncInventory runs or queues an inventory sync
func (s *APIServer) PostSyncInventory(c *fiber.Ctx) error {
	var req InventorySyncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON body")
		}
	}
	conn, _, err := s.connection(c)
	if err != nil {
		return respondError(c, err)
	}

	if req.Async {
		if req.DryRun {
			return badRequest(c, "dry_run cannot be combined with async")
		}
		if s.jobs == nil {
			return respondError(c, pos.ErrNotInitialized)
		}
		job, err := s.jobs.EnqueueInventorySync(c.UserContext(), jobqueue.SyncInventoryJobPayload{
			ConnectionID:    conn.ID,
			Incremental:     req.Incremental,
			Transform:       req.Transform,
			ClearBeforeSync: req.ClearBeforeSync,
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(jobResponse(job, conn.ID))
	}

	result, err := s.runner.RunInventory(c.UserContext(), conn.ID, ingest.InventoryOptions{
		Incremental:     req.Incremental,
		DryRun:          req.DryRun,
		Transform:       req.Transform,
		ClearBeforeSync: req.ClearBeforeSync,
	})
	return syncResponse(c, result, err)
}

// PostSyncSales runs or queues a sales sync for a date range
func (s *APIServer) PostSyncSales(c *fiber.Ctx) error {
	var req SalesSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}
	start, end, err := req.Range()
	if err != nil {
		return badRequest(c, err.Error())
	}
	if start.After(end) {
		return respondError(c, ingest.ErrInvalidRange)
	}
	conn, _, err := s.connection(c)
	if err != nil {
		return respondError(c, err)
	}

	if req.Async {
		if req.DryRun {
			return badRequest(c, "dry_run cannot be combined with async")
		}
		if s.jobs == nil {
			return respondError(c, pos.ErrNotInitialized)
		}
		job, err := s.jobs.EnqueueSalesSync(c.UserContext(), jobqueue.NewSyncSalesJobPayload(conn.ID, start, end, req.Transform))
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(jobResponse(job, conn.ID))
	}

	result, err := s.runner.RunSales(c.UserContext(), conn.ID, ingest.SalesOptions{
		StartDate: start,
		EndDate:   end,
		DryRun:    req.DryRun,
		Transform: req.Transform,
	})
	return syncResponse(c, result, err)
}

// syncResponse returns 200 for completed runs and 503 for runs that failed in flight.
func syncResponse(c *fiber.Ctx, result *ingest.SyncResult, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	if !result.Succeeded() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(result)
	}
	return c.JSON(result)
}

func jobResponse(job *jobqueue.Job, connectionID uint) JobResponse {
	return JobResponse{
		JobID:        job.ID,
		JobType:      string(job.Type),
		ConnectionID: connectionID,
		Status:       string(job.Status),
	}
}

// PostWebhook verifies and applies a provider event. Sync events are queued.
func (s *APIServer) PostWebhook(c *fiber.Ctx) error {
	adapter, err := s.adapterFor(c.Params("provider"))
	if err != nil {
		return respondError(c, err)
	}

	body := c.Body()
	signature := c.Get(webhookSignatureHeader(adapter.Provider()))
	if !adapter.VerifyWebhookSignature(body, signature) {
		log.Warnf("[API] Rejected %s webhook with invalid signature", adapter.Provider())
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid_signature", Message: "Webhook signature verification failed."})
	}

	result, err := adapter.ProcessWebhook(c.UserContext(), body, nil)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if result.Processed && result.ConnectionID != 0 && s.jobs != nil {
		job, err := s.enqueueForWebhook(c, result)
		if err != nil {
			log.Errorf("[API] Failed to queue %s for connection %d: %v", result.Action, result.ConnectionID, err)
		} else if job != nil {
			if result.Details == nil {
				result.Details = map[string]interface{}{}
			}
			result.Details["job_id"] = job.ID
		}
	}
	return c.JSON(result)
}

func (s *APIServer) enqueueForWebhook(c *fiber.Ctx, result *pos.WebhookResult) (*jobqueue.Job, error) {
	switch result.Action {
	case pos.ActionSyncInventory:
		return s.jobs.EnqueueInventorySync(c.UserContext(), jobqueue.SyncInventoryJobPayload{
			ConnectionID: result.ConnectionID,
			Incremental:  true,
			Transform:    true,
		})
	case pos.ActionSyncSales:
		end := s.now().UTC()
		return s.jobs.EnqueueSalesSync(c.UserContext(), jobqueue.NewSyncSalesJobPayload(result.ConnectionID, end.Add(-WebhookSalesLookback), end, true))
	}
	return nil, nil
}

func webhookSignatureHeader(provider string) string {
	switch provider {
	case models.POSProviderSquare:
		return "X-Square-HmacSha256-Signature"
	case models.POSProviderToast:
		return "Toast-Signature"
	case models.POSProviderClover:
		return "X-Clover-Auth"
	}
	return "X-Signature"
}

// GetHealth reports adapter readiness and the health of every active connection
func (s *APIServer) GetHealth(c *fiber.Ctx) error {
	report, err := s.providers.HealthCheckAll(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return healthResponse(c, report)
}

// GetRestaurantHealth reports the health of one restaurant's connections
func (s *APIServer) GetRestaurantHealth(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid restaurant id")
	}
	report, err := s.providers.HealthCheckRestaurant(c.UserContext(), uint(id))
	if err != nil {
		return respondError(c, err)
	}
	return healthResponse(c, report)
}

func healthResponse(c *fiber.Ctx, report *pos.HealthReport) error {
	status := fiber.StatusOK
	if !report.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}
