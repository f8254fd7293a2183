// Package chat is the entry point a user interface drives: it owns the
// current room session, validates outgoing messages and turns credential
// loss into a single logout signal.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/AmirhsFar/Chat-Service/internal/session"
	"github.com/AmirhsFar/Chat-Service/internal/ws"
)

// Credentials is the credential store the controller reads from and clears
// on forced logout. *auth.Manager implements it.
type Credentials interface {
	auth.Source
	Clear()
}

type ControllerConfig struct {
	Credentials Credentials
	Dial        session.Dialer

	// RefreshInterval is passed to every session. Zero uses the session
	// default.
	RefreshInterval time.Duration

	Logger *slog.Logger
}

// Outgoing is a message the user wants to send to the current room.
type Outgoing struct {
	Kind     models.Kind
	Content  string
	FileName string
	File     []byte
}

type Controller struct {
	creds    Credentials
	dial     session.Dialer
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current *session.Session
	// loggedOut is replaced once a fresh credential follows a logout.
	loggedOut chan struct{}
	signalled bool

	updates chan struct{}
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("chat: Credentials is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("chat: Dial is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		creds:     cfg.Credentials,
		dial:      cfg.Dial,
		interval:  cfg.RefreshInterval,
		logger:    logger,
		updates:   make(chan struct{}, 1),
		loggedOut: make(chan struct{}),
	}, nil
}

// Updates receives a value whenever something visible may have changed.
// Notifications are coalesced; receivers should re-read the views.
func (c *Controller) Updates() <-chan struct{} { return c.updates }

// LoggedOut is closed once the credential has been lost. The credential
// store has already been cleared when it fires. After a later EnterRoom
// succeeds with a new credential, LoggedOut returns a fresh channel.
func (c *Controller) LoggedOut() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// EnterRoom leaves the current room, if any, and opens a session for
// roomID. Without a valid credential nothing is opened and logout is
// signalled.
func (c *Controller) EnterRoom(ctx context.Context, roomID string) error {
	if _, err := c.creds.ValidCredential(ctx); err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			c.logout()
		}
		return err
	}
	c.rearm()
	c.ExitRoom()

	s, err := session.New(session.Config{
		RoomID:          roomID,
		Credentials:     c.creds,
		Dial:            c.dial,
		RefreshInterval: c.interval,
		Notify:          c.notify,
		Logger:          c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	go c.watch(s)

	if err := s.Open(ctx); err != nil {
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.mu.Unlock()
		s.Close()
		return fmt.Errorf("chat: enter room %s: %w", roomID, err)
	}
	c.logger.Info("entered room", "room_id", roomID)
	return nil
}

// watch forwards a session's forced logout and forgets the session once it
// has closed.
func (c *Controller) watch(s *session.Session) {
	select {
	case <-s.LoggedOut():
		c.logout()
	case <-s.Done():
		select {
		case <-s.LoggedOut():
			c.logout()
		default:
		}
	}
	<-s.Done()
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	c.notify()
}

// ExitRoom closes the current session. It is a no-op outside a room.
func (c *Controller) ExitRoom() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Close()
	c.logger.Info("left room", "room_id", s.RoomID())
	c.notify()
}

// SendMessage validates m and emits it to the current room. The message is
// not added to the local log; it appears when the server echoes it.
func (c *Controller) SendMessage(ctx context.Context, m Outgoing) error {
	if m.Kind == "" {
		m.Kind = models.KindText
	}
	if err := validate(m); err != nil {
		return err
	}
	s := c.session()
	if s == nil {
		return session.ErrNotActive
	}
	return s.Send(ctx, ws.ChatPayload{
		Content:  m.Content,
		Kind:     m.Kind,
		FileName: m.FileName,
		File:     m.File,
	})
}

// RequestOlderMessages asks for the page before the oldest loaded message.
// It reports whether a request was sent.
func (c *Controller) RequestOlderMessages(ctx context.Context) (bool, error) {
	s := c.session()
	if s == nil {
		return false, session.ErrNotActive
	}
	return s.RequestOlder(ctx)
}

// View returns a copy of the current room's state. Outside a room it
// returns an Idle view.
func (c *Controller) View(ctx context.Context) (session.View, error) {
	s := c.session()
	if s == nil {
		return session.View{State: session.Idle}, nil
	}
	return s.View(ctx)
}

func (c *Controller) Messages(ctx context.Context) ([]models.Message, error) {
	v, err := c.View(ctx)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, len(v.Messages))
	for i, e := range v.Messages {
		msgs[i] = e.Message
	}
	return msgs, nil
}

func (c *Controller) OnlineUsers(ctx context.Context) ([]string, error) {
	v, err := c.View(ctx)
	if err != nil {
		return nil, err
	}
	return v.Online, nil
}

func (c *Controller) State() session.State {
	if s := c.session(); s != nil {
		return s.State()
	}
	return session.Idle
}

func (c *Controller) RoomID() string {
	if s := c.session(); s != nil {
		return s.RoomID()
	}
	return ""
}

// Logout drops the credential and leaves the current room.
func (c *Controller) Logout() {
	c.ExitRoom()
	c.logout()
}

func (c *Controller) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) logout() {
	c.mu.Lock()
	if c.signalled {
		c.mu.Unlock()
		return
	}
	c.signalled = true
	c.logger.Warn("credential lost, logging out")
	c.creds.Clear()
	close(c.loggedOut)
	c.mu.Unlock()
	c.notify()
}

// rearm gives a new login its own logout signal.
func (c *Controller) rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalled {
		c.loggedOut = make(chan struct{})
		c.signalled = false
	}
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
