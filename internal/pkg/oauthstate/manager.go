package oauthstate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long an issued state token stays valid.
	DefaultTTL = 10 * time.Minute

	tokenBytes = 32
	keyPrefix  = "oauth_state:"
)

// ErrInvalidState means the state token was missing, expired, already used or did
// not match. It must abort the OAuth attempt.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// Session identifies who started an authorization flow.
type Session struct {
	RestaurantID uint   `json:"restaurant_id"`
	Provider     string `json:"provider"`
}

// Key returns the store key the state is held under.
func (s Session) Key() string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, s.RestaurantID, s.Provider)
}

// Payload is what gets stored for an issued token.
type Payload struct {
	Session
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// Manager issues and verifies single-use CSRF state tokens.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a manager over store. A ttl <= 0 uses DefaultTTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue stores a new random token for the session and returns it. Issuing again for
// the same session replaces the previous token.
func (m *Manager) Issue(ctx context.Context, s Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	raw, err := json.Marshal(Payload{Session: s, Token: token, IssuedAt: m.now().UTC()})
	if err != nil {
		return "", err
	}
	if err := m.store.Set(s.Key(), raw, m.ttl); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	return token, nil
}

// VerifyAndConsume deletes the stored state for the session and then compares it
// with token in constant time. The entry is gone after the first call whatever
// the outcome.
func (m *Manager) VerifyAndConsume(ctx context.Context, s Session, token string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.Key()
	raw, err := m.store.Get(key)
	if delErr := m.store.Delete(key); delErr != nil && err == nil {
		err = delErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if len(raw) == 0 || token == "" {
		return nil, ErrInvalidState
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidState
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) != 1 {
		return nil, ErrInvalidState
	}
	if p.RestaurantID != s.RestaurantID || p.Provider != s.Provider {
		return nil, ErrInvalidState
	}
	if !p.IssuedAt.IsZero() && m.now().Sub(p.IssuedAt) > m.ttl {
		return nil, ErrInvalidState
	}
	return &p, nil
}
