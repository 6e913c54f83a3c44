package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "x-square-hmacsha256-signature"

// VerifyWebhookSignature checks the base64 HMAC-SHA256 of the notification URL
// followed by the raw body.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	if a.cfg.WebhookSignatureKey == "" || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, a.webhookMAC(payload))
}

func (a *Adapter) webhookMAC(payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSignatureKey))
	mac.Write([]byte(a.cfg.WebhookNotificationURL))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignWebhook returns the signature Square would send for payload.
func (a *Adapter) SignWebhook(payload []byte) string {
	return base64.StdEncoding.EncodeToString(a.webhookMAC(payload))
}

// webhookAction maps a Square event type to the action it triggers.
func webhookAction(eventType string) string {
	switch {
	case eventType == "catalog.version.updated", eventType == "inventory.count.updated":
		return pos.ActionSyncInventory
	case strings.HasPrefix(eventType, "order."):
		return pos.ActionSyncSales
	case eventType == "oauth.authorization.revoked":
		return pos.ActionMarkRevoked
	}
	return pos.ActionIgnored
}

// ProcessWebhook normalizes a verified event. When conn is nil the connection is
// looked up by merchant id. Revocations are applied here; sync actions are left
// to the caller.
func (a *Adapter) ProcessWebhook(ctx context.Context, payload []byte, conn *models.POSConnection) (*pos.WebhookResult, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode square webhook: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("decode square webhook: event type is missing")
	}

	result := &pos.WebhookResult{
		Action: webhookAction(ev.Type),
		Details: map[string]interface{}{
			"event_id":    ev.EventID,
			"event_type":  ev.Type,
			"merchant_id": ev.MerchantID,
		},
	}
	if result.Action == pos.ActionIgnored {
		return result, nil
	}

	if conn == nil && ev.MerchantID != "" {
		found, err := a.deps.Connections.FindByMerchantID(ctx, provider, ev.MerchantID)
		switch {
		case err == nil:
			conn = found
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("find connection for merchant %s: %w", ev.MerchantID, err)
		}
	}
	if conn == nil {
		result.Details["reason"] = "no connection for merchant"
		log.Warnf("[Square] Webhook %s (%s) for unknown merchant %q", ev.EventID, ev.Type, ev.MerchantID)
		return result, nil
	}
	result.ConnectionID = conn.ID

	if result.Action == pos.ActionMarkRevoked {
		if err := a.deps.Connections.UpdateStatus(ctx, conn.ID, models.ConnectionStatusRevoked, "authorization revoked by merchant"); err != nil {
			return nil, fmt.Errorf("mark connection %d revoked: %w", conn.ID, err)
		}
		conn.Status = models.ConnectionStatusRevoked
		a.limiter.Clear(limiterKey(conn))
		log.Infof("[Square] Connection %d revoked by merchant %s", conn.ID, ev.MerchantID)
	}

	result.Processed = true
	return result, nil
}
