package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/logging"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTokenRefresh     = errors.New("token refresh failed")
)

// TokenStore persists the provider token.
type TokenStore interface {
	GetToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, token *oauth2.Token) error
	DeleteToken(ctx context.Context) error
}

// TokenManager hands out a valid access token for calendar requests,
// refreshing and persisting it when it expires.
type TokenManager struct {
	config *oauth2.Config
	store  TokenStore
	static string
	mu     sync.Mutex
}

// NewTokenManager returns a manager backed by store. config may be nil, in
// which case stored tokens are used until they expire.
func NewTokenManager(config *oauth2.Config, store TokenStore) *TokenManager {
	return &TokenManager{config: config, store: store}
}

// NewStaticTokenManager returns a manager that always yields token.
func NewStaticTokenManager(token string) *TokenManager {
	return &TokenManager{static: token}
}

// Token returns a valid access token.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if m.static != "" {
		return m.static, nil
	}
	if m.store == nil {
		return "", ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.GetToken(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", err
	}

	if current.Valid() {
		return current.AccessToken, nil
	}
	if m.config == nil || current.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired", ErrNotAuthenticated)
	}

	fresh, err := m.config.TokenSource(ctx, current).Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}
	if err := m.store.SaveToken(ctx, fresh); err != nil {
		logging.For("auth").WithError(err).Warn("Failed to persist refreshed token")
	} else {
		logging.For("auth").WithField("expiry", fresh.Expiry).Debug("Refreshed access token")
	}

	return fresh.AccessToken, nil
}

// Store saves a token obtained from the code flow.
func (m *TokenManager) Store(ctx context.Context, token *oauth2.Token) error {
	if m.store == nil {
		return ErrNotAuthenticated
	}
	return m.store.SaveToken(ctx, token)
}

// Forget removes the stored token.
func (m *TokenManager) Forget(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.DeleteToken(ctx)
}
