package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
)

// Policy retries transient failures with capped exponential backoff.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the randomization factor in [0, 1). Zero gives the exact
	// min(BaseDelay*2^attempt, MaxDelay) schedule.
	Jitter float64
	// OnRetry runs before each wait. attempt starts at 1.
	OnRetry func(name string, attempt int, wait time.Duration, err error)
}

// DefaultPolicy returns 3 retries, 1s base and a 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

type statusCoder interface {
	HTTPStatus() int
}

type retryable interface {
	Retryable() bool
}

type retryAfterHint interface {
	RetryAfter() time.Duration
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable classifies err. Context cancellation is always terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return IsRetryableStatus(sc.HTTPStatus())
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func retryAfterOf(err error) time.Duration {
	var h retryAfterHint
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// BackOff returns the schedule this policy waits on, without a retry bound.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// hinted stretches the next wait to a provider supplied Retry-After, capped at max.
type hinted struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (h *hinted) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
		if h.max > 0 && d > h.max {
			d = h.max
		}
	}
	h.hint = 0
	return d
}

// Do runs op until it succeeds, fails terminally, or retries are exhausted. The
// error op returned last is passed back unchanged.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	h := &hinted{BackOff: p.BackOff(), max: p.MaxDelay}
	b := backoff.WithContext(backoff.WithMaxRetries(h, uint64(p.MaxRetries)), ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		h.hint = retryAfterOf(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		attempt++
		if p.OnRetry != nil {
			p.OnRetry(name, attempt, wait, err)
			return
		}
		log.Warnf("[Retry] %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, p.MaxRetries, wait, err)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && lastErr != nil && ctx.Err() == nil {
		return lastErr
	}
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
