package square

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/oauthstate"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// InitiateOAuth issues a state token bound to the restaurant and returns the
// Square authorization URL.
func (a *Adapter) InitiateOAuth(ctx context.Context, restaurantID uint) (*pos.Authorization, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	if restaurantID == 0 {
		return nil, &pos.AuthError{Provider: provider, Op: "initiate oauth", Err: errors.New("restaurant id is required")}
	}

	state, err := a.deps.States.Issue(ctx, oauthstate.Session{RestaurantID: restaurantID, Provider: provider})
	if err != nil {
		return nil, &pos.AuthError{Provider: provider, Op: "initiate oauth", Err: err}
	}

	// session=false forces the seller login screen instead of reusing a browser session.
	url := a.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("session", "false"))
	return &pos.Authorization{URL: url, State: state}, nil
}

// HandleOAuthCallback verifies and consumes the state, exchanges the code and
// stores the encrypted tokens as the restaurant's active Square connection.
func (a *Adapter) HandleOAuthCallback(ctx context.Context, code, state string, restaurantID uint) (*models.POSConnection, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}

	session := oauthstate.Session{RestaurantID: restaurantID, Provider: provider}
	if _, err := a.deps.States.VerifyAndConsume(ctx, session, state); err != nil {
		log.Warnf("[Square] OAuth state rejected for restaurant %d", restaurantID)
		return nil, &pos.AuthError{Provider: provider, Op: "verify state", Err: err}
	}
	if strings.TrimSpace(code) == "" {
		return nil, &pos.AuthError{Provider: provider, Op: "exchange code", Err: errors.New("authorization code is missing")}
	}

	// Authorization codes are single use, so the exchange is never retried.
	var tok tokenResponse
	_, err := a.client.do(ctx, http.MethodPost, "/oauth2/token", "", tokenRequest{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  a.cfg.RedirectURI,
	}, &tok)
	if err != nil {
		return nil, &pos.AuthError{Provider: provider, Op: "exchange code", Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &pos.AuthError{Provider: provider, Op: "exchange code", Err: errors.New("token response has no access token")}
	}

	m, err := a.fetchMerchant(ctx, nil, tok.AccessToken)
	if err != nil {
		return nil, &pos.AuthError{Provider: provider, Op: "fetch merchant", Err: err}
	}

	conn := &models.POSConnection{
		RestaurantID: restaurantID,
		Provider:     provider,
		MerchantID:   firstNonEmpty(m.ID, tok.MerchantID),
		LocationID:   m.MainLocationID,
		Status:       models.ConnectionStatusActive,
		Metadata: map[string]interface{}{
			"business_name": m.BusinessName,
			"country":       m.Country,
			"currency":      m.Currency,
			"scopes":        strings.Join(Scopes, " "),
			"connected_at":  a.now().UTC().Format(time.RFC3339),
		},
	}
	if err := a.applyTokens(conn, tok); err != nil {
		return nil, &pos.AuthError{Provider: provider, Op: "store tokens", Err: err}
	}

	if err := a.deps.Connections.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("save square connection: %w", err)
	}
	a.limiter.Clear(limiterKey(conn))

	log.Infof("[Square] Restaurant %d connected merchant %s (connection %d)", restaurantID, conn.MerchantID, conn.ID)
	return conn, nil
}

// RefreshAuth exchanges the stored refresh token for a new access token. A
// rotated refresh token replaces the stored one. On failure the connection is
// marked as errored and the user has to reauthorize.
func (a *Adapter) RefreshAuth(ctx context.Context, conn *models.POSConnection) (*models.POSConnection, error) {
	if err := a.checkConn(conn); err != nil {
		return nil, err
	}

	fail := func(err error) (*models.POSConnection, error) {
		if uerr := a.deps.Connections.UpdateStatus(ctx, conn.ID, models.ConnectionStatusError, err.Error()); uerr != nil {
			log.Errorf("[Square] Failed to mark connection %d as errored: %v", conn.ID, uerr)
		}
		conn.Status = models.ConnectionStatusError
		conn.LastError = err.Error()
		return nil, &pos.TokenError{Provider: provider, ConnectionID: conn.ID, Retryable: true, Err: err}
	}

	refresh, err := a.deps.Vault.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return fail(err)
	}
	if refresh == "" {
		return fail(errors.New("no refresh token stored"))
	}

	var tok tokenResponse
	_, err = a.client.do(ctx, http.MethodPost, "/oauth2/token", "", tokenRequest{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refresh,
	}, &tok)
	if err != nil {
		return fail(err)
	}
	if tok.AccessToken == "" {
		return fail(errors.New("token response has no access token"))
	}

	if err := a.applyTokens(conn, tok); err != nil {
		return fail(err)
	}
	conn.Status = models.ConnectionStatusActive
	conn.LastError = ""
	if err := a.deps.Connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save refreshed square connection: %w", err)
	}

	log.Infof("[Square] Refreshed token for connection %d", conn.ID)
	return conn, nil
}

// Disconnect revokes the token at Square on a best effort basis, then always
// clears the stored tokens and marks the connection revoked.
func (a *Adapter) Disconnect(ctx context.Context, conn *models.POSConnection) error {
	if err := a.checkConn(conn); err != nil {
		return err
	}

	token, err := a.deps.Vault.Decrypt(conn.AccessTokenEnc)
	switch {
	case err != nil:
		log.Warnf("[Square] Skipping revoke for connection %d: %v", conn.ID, err)
	case token != "":
		_, rerr := a.client.do(ctx, http.MethodPost, "/oauth2/revoke", "Client "+a.cfg.ClientSecret, revokeRequest{
			ClientID:    a.cfg.ClientID,
			AccessToken: token,
		}, nil)
		if rerr != nil {
			log.Warnf("[Square] Token revoke for connection %d failed, revoking locally: %v", conn.ID, rerr)
		}
	}

	conn.Status = models.ConnectionStatusRevoked
	conn.AccessTokenEnc = ""
	conn.RefreshTokenEnc = ""
	conn.TokenExpiresAt = nil
	conn.LastError = ""
	if err := a.deps.Connections.Save(ctx, conn); err != nil {
		return fmt.Errorf("save revoked square connection: %w", err)
	}
	a.limiter.Clear(limiterKey(conn))

	log.Infof("[Square] Connection %d disconnected", conn.ID)
	return nil
}

// applyTokens encrypts the tokens of tok into conn. An empty refresh token keeps
// the stored one.
func (a *Adapter) applyTokens(conn *models.POSConnection, tok tokenResponse) error {
	access, err := a.deps.Vault.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	conn.AccessTokenEnc = access

	if tok.RefreshToken != "" {
		refresh, err := a.deps.Vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return err
		}
		conn.RefreshTokenEnc = refresh
	}

	conn.TokenExpiresAt = nil
	if tok.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, tok.ExpiresAt)
		if err != nil {
			return fmt.Errorf("parse token expiry %q: %w", tok.ExpiresAt, err)
		}
		t = t.UTC()
		conn.TokenExpiresAt = &t
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
