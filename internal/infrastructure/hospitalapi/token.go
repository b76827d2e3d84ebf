package hospitalapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrNoRefresh is returned when the session cannot be renewed
var ErrNoRefresh = errors.New("no refresh token configured")

// RefreshFunc exchanges a refresh token for a new access/refresh pair
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// TokenSource hands out the bearer token for remote calls and renews it
// shortly before its exp claim, or on demand after a 401.
type TokenSource struct {
	refresher RefreshFunc
	skew      time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time
}

// NewTokenSource creates a token source seeded with the configured tokens
func NewTokenSource(access, refresh string, refresher RefreshFunc, logger *zap.Logger) *TokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSource{
		refresher: refresher,
		skew:      30 * time.Second,
		logger:    logger,
		now:       time.Now,
		access:    access,
		refresh:   refresh,
		expiry:    expiryOf(access),
	}
}

// expiryOf reads exp without verifying the signature; the token is only
// forwarded, never trusted locally. Opaque tokens have no expiry.
func expiryOf(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Token returns a usable access token, renewing it first when it expires
// within the skew window.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.expiry.IsZero() || t.now().Add(t.skew).Before(t.expiry) {
		return t.access, nil
	}
	if err := t.renewLocked(ctx); err != nil {
		// the remote decides; a 401 will trigger one more attempt
		t.logger.Warn("proactive token refresh failed", zap.Error(err))
		return t.access, nil
	}
	return t.access, nil
}

// Refresh renews the token after stale was rejected. Callers that lost the
// race get the token renewed by the winner without a second exchange.
func (t *TokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.access != stale {
		return t.access, nil
	}
	if err := t.renewLocked(ctx); err != nil {
		return "", err
	}
	return t.access, nil
}

func (t *TokenSource) renewLocked(ctx context.Context) error {
	if t.refresher == nil || t.refresh == "" {
		return ErrNoRefresh
	}
	access, refresh, err := t.refresher(ctx, t.refresh)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	t.access = access
	if refresh != "" {
		t.refresh = refresh
	}
	t.expiry = expiryOf(access)
	t.logger.Info("session refreshed", zap.Time("expires_at", t.expiry))
	return nil
}
