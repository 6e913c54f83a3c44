package apiv1

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/oauthstate"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
	"github.com/ManuelReschke/POSBridge/internal/pkg/vault"
)

// statusFor maps the integration error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var authErr *pos.AuthError
	var tokenErr *pos.TokenError
	var syncErr *pos.SyncError
	var rlErr *pos.RateLimitError
	var cfgErr *pos.ConfigError

	switch {
	case errors.Is(err, oauthstate.ErrInvalidState), errors.As(err, &authErr), errors.Is(err, vault.ErrDecryptionFailed):
		return fiber.StatusBadRequest, "reconnect_required"
	case errors.As(err, &tokenErr), errors.Is(err, pos.ErrTokenExpired):
		return fiber.StatusUnauthorized, "reauthorize_required"
	case errors.Is(err, pos.ErrNoActiveConnection), errors.Is(err, pos.ErrConnectionNotFound), errors.Is(err, repository.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, pos.ErrUnknownProvider), errors.Is(err, pos.ErrWrongProvider):
		return fiber.StatusNotFound, "unknown_provider"
	case errors.Is(err, pos.ErrConnectionInactive), errors.Is(err, ingest.ErrSyncInProgress):
		return fiber.StatusConflict, "conflict"
	case errors.Is(err, ingest.ErrInvalidRange):
		return fiber.StatusBadRequest, "bad_request"
	case errors.As(err, &rlErr):
		return fiber.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &syncErr):
		return fiber.StatusServiceUnavailable, "provider_unavailable"
	case errors.As(err, &cfgErr), errors.Is(err, pos.ErrNotInitialized), errors.Is(err, pos.ErrNotImplemented):
		return fiber.StatusServiceUnavailable, "provider_not_configured"
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func respondError(c *fiber.Ctx, err error) error {
	status, code := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	var rlErr *pos.RateLimitError
	if errors.As(err, &rlErr) && rlErr.Wait > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(rlErr.Wait.Seconds()+0.5)))
	}
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: pos.UserMessage(err)})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "bad_request", Message: message})
}

// validationMessage flattens validator errors into "field: tag" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := "invalid request:"
	for i, fe := range verrs {
		if i > 0 {
			msg += ","
		}
		msg += " " + fe.Field() + " " + fe.Tag()
	}
	return msg
}
