package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/store"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRenewalSkew    = 30 * time.Second
	DefaultRenewalTimeout = 10 * time.Second
)

// Renewer exchanges a token for a fresh one. The API client implements it
// against POST /refresh-token.
type Renewer interface {
	RefreshToken(ctx context.Context, token string) (string, error)
}

// Source hands out credentials that are valid right now. Everything that
// talks to the server reads its credential through a Source.
type Source interface {
	ValidCredential(ctx context.Context) (Credential, error)
}

type ManagerConfig struct {
	// Renewer performs the refresh round trip. Required.
	Renewer Renewer
	// Store persists the token between runs. Optional.
	Store store.Store
	// Skew renews a credential this long before it actually expires.
	Skew time.Duration
	// RenewalTimeout bounds one renewal round trip.
	RenewalTimeout time.Duration
	Logger         *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns the current credential. It is safe for concurrent use, and
// callers racing on an expired credential share a single renewal.
type Manager struct {
	renewer        Renewer
	store          store.Store
	skew           time.Duration
	renewalTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	current *Credential

	renewals singleflight.Group
}

var _ Source = (*Manager)(nil)

// NewManager creates a Manager and restores a previously stored token, if any.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Renewer == nil {
		return nil, errors.New("auth: Renewer is required")
	}
	m := &Manager{
		renewer:        cfg.Renewer,
		store:          cfg.Store,
		skew:           cfg.Skew,
		renewalTimeout: cfg.RenewalTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if m.skew <= 0 {
		m.skew = DefaultRenewalSkew
	}
	if m.renewalTimeout <= 0 {
		m.renewalTimeout = DefaultRenewalTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}

	if m.store != nil {
		token, err := m.store.LoadToken()
		switch {
		case err == nil:
			cred, parseErr := ParseCredential(token)
			if parseErr != nil {
				m.logger.Warn("discarding unreadable stored credential", "error", parseErr)
				m.clearStore()
				break
			}
			m.current = &cred
		case errors.Is(err, store.ErrNoCredential):
		default:
			return nil, fmt.Errorf("auth: load stored credential: %w", err)
		}
	}
	return m, nil
}

// SetToken installs a freshly issued login token.
func (m *Manager) SetToken(token string) (Credential, error) {
	cred, err := ParseCredential(token)
	if err != nil {
		return Credential{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &cred
	if m.store != nil {
		if err := m.store.SaveToken(token); err != nil {
			return cred, fmt.Errorf("auth: persist credential: %w", err)
		}
	}
	return cred, nil
}

// Current returns the stored credential without checking or renewing it.
func (m *Manager) Current() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Credential{}, false
	}
	return *m.current, true
}

// Clear forgets the credential, in memory and in the store.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.clearStore()
}

// ValidCredential returns a credential that is not about to expire, renewing
// it when needed. It returns ErrUnauthenticated when there is no credential or
// renewal failed; in the latter case the credential has been cleared.
func (m *Manager) ValidCredential(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.mu.Unlock()
		return Credential{}, ErrUnauthenticated
	}
	if !cur.Expired(m.now(), m.skew) {
		m.mu.Unlock()
		return *cur, nil
	}
	// Joining under mu: a finished renewal has already replaced current
	// before its key is forgotten, so an expired token here always shares
	// the flight that is renewing it.
	old := cur.Token
	result := m.renewals.DoChan(old, func() (any, error) {
		return m.renew(old)
	})
	m.mu.Unlock()

	select {
	case res := <-result:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// renew runs detached from any one caller's context so a cancelled caller
// does not fail the renewal for everyone sharing it.
func (m *Manager) renew(old string) (Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.renewalTimeout)
	defer cancel()

	token, err := m.renewer.RefreshToken(ctx, old)
	var cred Credential
	if err == nil {
		cred, err = ParseCredential(token)
	}
	if err == nil && !cred.ExpiresAt.After(m.now()) {
		err = fmt.Errorf("%w: renewed token already expired", ErrMalformedToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Token != old {
		// Logged in or out while the renewal was in flight; that wins.
		if m.current == nil {
			return Credential{}, ErrUnauthenticated
		}
		return *m.current, nil
	}

	if err != nil {
		m.logger.Warn("credential renewal failed, logging out", "error", err)
		m.current = nil
		m.clearStore()
		return Credential{}, fmt.Errorf("%w: renewal failed: %v", ErrUnauthenticated, err)
	}

	m.current = &cred
	if m.store != nil {
		if err := m.store.SaveToken(cred.Token); err != nil {
			m.logger.Error("failed to persist renewed credential", "error", err)
		}
	}
	m.logger.Debug("credential renewed", "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (m *Manager) clearStore() {
	if m.store == nil {
		return
	}
	if err := m.store.ClearToken(); err != nil {
		m.logger.Error("failed to clear stored credential", "error", err)
	}
}
