package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"
)

// Config describes the provider quota a bucket enforces.
type Config struct {
	// MaxRequests is the bucket capacity: requests allowed per Window.
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig returns 80% of a provider quota of quota requests per window.
func DefaultConfig(quota int, window time.Duration) Config {
	capacity := quota * 8 / 10
	if capacity < 1 {
		capacity = 1
	}
	return Config{MaxRequests: capacity, Window: window}
}

func (c Config) validate() error {
	if c.MaxRequests <= 0 {
		return errors.New("ratelimit: MaxRequests must be positive")
	}
	if c.Window <= 0 {
		return errors.New("ratelimit: Window must be positive")
	}
	return nil
}

// Snapshot is a point-in-time view of one bucket.
type Snapshot struct {
	Key         string    `json:"key"`
	Capacity    int       `json:"capacity"`
	Tokens      float64   `json:"tokens"`
	PausedUntil time.Time `json:"paused_until,omitempty"`
}

// Observer receives limiter events. Any field may be nil.
type Observer struct {
	OnWait   func(key string, d time.Duration)
	OnPaused func(key string, d time.Duration)
}

type bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// Limiter keeps one token bucket per key (connection id). Refill is continuous at
// MaxRequests/Window and computed lazily on access.
type Limiter struct {
	cfg      Config
	every    rate.Limit
	observer Observer

	mu      sync.Mutex
	buckets map[string]*bucket

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter. It returns an error for a non-positive capacity or window.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds()),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// WithObserver sets the event hooks and returns the limiter.
func (l *Limiter) WithObserver(o Observer) *Limiter {
	l.observer = o
	return l
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: l.newRateLimiter()}
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) newRateLimiter() *rate.Limiter {
	return rate.NewLimiter(l.every, l.cfg.MaxRequests)
}

// Acquire blocks until key's bucket is not paused and has a token, then consumes
// it. It returns ctx.Err() if the context ends first; no token is spent then.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucketFor(key)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := l.now()
		if now.Before(b.pausedUntil) {
			wait := b.pausedUntil.Sub(now)
			b.mu.Unlock()
			l.notifyWait(key, wait)
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		r := b.limiter.ReserveN(now, 1)
		if !r.OK() {
			b.mu.Unlock()
			return errors.New("ratelimit: request exceeds bucket capacity")
		}
		wait := r.DelayFrom(now)
		if wait <= 0 {
			b.mu.Unlock()
			return nil
		}
		// Give the token back and sleep; a pause reported meanwhile must be honoured.
		r.CancelAt(now)
		b.mu.Unlock()

		l.notifyWait(key, wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ReportRateLimited empties key's bucket and pauses it for retryAfter. A zero or
// negative retryAfter pauses for one full window.
func (l *Limiter) ReportRateLimited(key string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = l.cfg.Window
	}
	b := l.bucketFor(key)

	b.mu.Lock()
	now := l.now()
	until := now.Add(retryAfter)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	fresh := l.newRateLimiter()
	fresh.AllowN(b.pausedUntil, l.cfg.MaxRequests)
	b.limiter = fresh
	b.mu.Unlock()

	log.Warnf("[RateLimit] provider throttled %s, pausing for %s", key, retryAfter)
	if l.observer.OnPaused != nil {
		l.observer.OnPaused(key, retryAfter)
	}
}

// Clear drops key's bucket; the next Acquire starts with a full bucket.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Reset drops all buckets.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
}

// Snapshot reports the current state of key's bucket. Unknown keys report a full bucket.
func (l *Limiter) Snapshot(key string) Snapshot {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()

	s := Snapshot{Key: key, Capacity: l.cfg.MaxRequests, Tokens: float64(l.cfg.MaxRequests)}
	if !ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := l.now()
	s.Tokens = b.limiter.TokensAt(now)
	if s.Tokens < 0 {
		s.Tokens = 0
	}
	if now.Before(b.pausedUntil) {
		s.PausedUntil = b.pausedUntil
	}
	return s
}

func (l *Limiter) notifyWait(key string, d time.Duration) {
	if l.observer.OnWait != nil {
		l.observer.OnWait(key, d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
