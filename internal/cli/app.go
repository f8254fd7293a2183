package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/AmirhsFar/Chat-Service/internal/api"
	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/config"
	"github.com/AmirhsFar/Chat-Service/internal/store/sqlstore"
)

const shutdownTimeout = 5 * time.Second

// errNotLoggedIn replaces auth.ErrUnauthenticated in command output.
var errNotLoggedIn = errors.New("not logged in, run 'chatty login' first")

// app is the wiring shared by every command: config, credential store,
// HTTP client and credential manager.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *sqlstore.SQLStore
	client  *api.Client
	manager *auth.Manager
}

func openApp(opts *RootOptions) (*app, error) {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	st, err := sqlstore.New("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.ServerURL,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeout)},
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	manager, err := auth.NewManager(auth.ManagerConfig{
		Renewer:        client,
		Store:          st,
		Skew:           time.Duration(cfg.RenewalSkew),
		RenewalTimeout: time.Duration(cfg.RequestTimeout),
		Logger:         logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, client: client, manager: manager}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) session() *api.Session {
	return a.client.Session(a.manager)
}

// userError rewrites errors a user can act on.
func userError(err error) error {
	if api.IsNotOwner(err) {
		return err
	}
	if errors.Is(err, auth.ErrUnauthenticated) || api.IsUnauthorized(err) {
		return errNotLoggedIn
	}
	return err
}

// untilSignal returns a context that is cancelled once a termination signal
// has been received and ops have run.
func untilSignal(parent context.Context, logger *slog.Logger, ops map[string]gfshutdown.Operation) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if ops == nil {
		ops = map[string]gfshutdown.Operation{}
	}
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, ops)
	go func() {
		select {
		case code := <-wait:
			logger.Debug("shutdown complete", "exit_code", code)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
