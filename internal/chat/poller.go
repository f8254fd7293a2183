package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AmirhsFar/Chat-Service/internal/api"
	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
)

// Directory lists rooms and online users. *api.Session implements it.
type Directory interface {
	SubmittedChatRooms(ctx context.Context, isGroup bool) ([]models.RoomSummary, error)
	PrivateOnlineUsers(ctx context.Context) ([]string, error)
}

var _ Directory = (*api.Session)(nil)

// Rooms is one poll result. Err is set, wrapping ErrRequestFailed, when a
// request failed; the lists are then left empty.
type Rooms struct {
	Group       []models.RoomSummary
	Private     []models.RoomSummary
	OnlineUsers []string
	At          time.Time
	Err         error
}

type RoomPollerConfig struct {
	Directory Directory
	// OnLogout is called once when a poll finds the credential gone.
	OnLogout func()
	Logger   *slog.Logger
}

// RoomPoller periodically refreshes the room lists shown outside a room.
type RoomPoller struct {
	dir      Directory
	onLogout func()
	logger   *slog.Logger
}

func NewRoomPoller(cfg RoomPollerConfig) (*RoomPoller, error) {
	if cfg.Directory == nil {
		return nil, errors.New("chat: Directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomPoller{dir: cfg.Directory, onLogout: cfg.OnLogout, logger: logger}, nil
}

// Poller builds a poller that reports logout through the controller.
func (c *Controller) Poller(dir Directory) (*RoomPoller, error) {
	return NewRoomPoller(RoomPollerConfig{Directory: dir, OnLogout: c.logout, Logger: c.logger})
}

// Refresh fetches group rooms, private rooms and private online users
// concurrently.
func (p *RoomPoller) Refresh(ctx context.Context) Rooms {
	var r Rooms
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		r.Group, err = p.dir.SubmittedChatRooms(gctx, true)
		return err
	})
	g.Go(func() (err error) {
		r.Private, err = p.dir.SubmittedChatRooms(gctx, false)
		return err
	})
	g.Go(func() (err error) {
		r.OnlineUsers, err = p.dir.PrivateOnlineUsers(gctx)
		return err
	})
	r.At = time.Now()
	if err := g.Wait(); err != nil {
		return Rooms{At: r.At, Err: fmt.Errorf("%w: %w", ErrRequestFailed, err)}
	}
	return r
}

// Poll refreshes immediately and then every interval, delivering results on
// the returned channel. Failed requests are reported and retried on the
// next tick. The channel is closed when ctx is done or the credential is
// lost.
func (p *RoomPoller) Poll(ctx context.Context, interval time.Duration) <-chan Rooms {
	out := make(chan Rooms, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			r := p.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			unauthenticated := errors.Is(r.Err, auth.ErrUnauthenticated) || api.IsUnauthorized(r.Err)
			if r.Err != nil && !unauthenticated {
				p.logger.Warn("room refresh failed", "error", r.Err)
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			if unauthenticated {
				p.logger.Warn("credential lost, stopping room refresh")
				if p.onLogout != nil {
					p.onLogout()
				}
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
