// Package session binds a renewable credential to one live room channel.
//
// Each Session runs a single goroutine that owns the room's message log and
// presence set. Channel events, credential checks and caller commands are
// all serialized through it, so none of that state needs a lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/AmirhsFar/Chat-Service/internal/presence"
	"github.com/AmirhsFar/Chat-Service/internal/timeline"
	"github.com/AmirhsFar/Chat-Service/internal/ws"
)

const DefaultRefreshInterval = 5 * time.Minute

// Channel is the live connection a session drives. *ws.Conn implements it.
type Channel interface {
	Events() <-chan ws.Event
	Emit(ctx context.Context, event string, data any) error
	Close() error
}

// Dialer opens the channel for a room. It returns once the handshake has
// completed.
type Dialer func(ctx context.Context, roomID string, token ws.TokenFunc) (Channel, error)

// WSDialer dials rooms with ws.Dial using base for everything but the room
// and token.
func WSDialer(base ws.Config) Dialer {
	return func(ctx context.Context, roomID string, token ws.TokenFunc) (Channel, error) {
		cfg := base
		cfg.RoomID = roomID
		cfg.Token = token
		return ws.Dial(ctx, cfg)
	}
}

type Config struct {
	RoomID      string
	Credentials auth.Source
	Dial        Dialer

	// RefreshInterval is how often the credential is checked while the
	// session is open.
	RefreshInterval time.Duration

	// Notify, if set, is called from the session goroutine after every
	// change to state, messages or presence. It must not block.
	Notify func()

	Logger *slog.Logger
}

// View is a point-in-time copy of the session's state.
type View struct {
	RoomID       string
	State        State
	Messages     []timeline.Entry
	Online       []string
	LoadingOlder bool
	Exhausted    bool
}

type Session struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	// lifeMu orders Open's publish step against Close.
	lifeMu  sync.Mutex
	opening bool
	started atomic.Bool

	// ctx is cancelled by Close. It bounds the dial and renewals.
	ctx    context.Context
	cancel context.CancelFunc

	cmds      chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once

	loggedOut  chan struct{}
	logoutOnce sync.Once

	errMu sync.Mutex
	err   error

	// Owned by the run goroutine once started.
	ch       Channel
	cred     auth.Credential
	log      *timeline.Log
	presence *presence.Set
	pending  []models.Message
}

func New(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("session: RoomID is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("session: Credentials is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("session: Dial is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("room_id", cfg.RoomID),
		cmds:      make(chan func()),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		loggedOut: make(chan struct{}),
		log:       timeline.New(),
		presence:  presence.New(),
	}
	return s, nil
}

func (s *Session) RoomID() string { return s.cfg.RoomID }

func (s *Session) State() State { return State(s.state.Load()) }

// LoggedOut is closed when the session ends because the credential could
// not be renewed or the server rejected it.
func (s *Session) LoggedOut() <-chan struct{} { return s.loggedOut }

// Done is closed once the session has reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Open obtains a credential, dials the room and starts the session
// goroutine. Without a valid credential the session stays Idle, forced
// logout is signalled and the auth error is returned. A failed handshake
// leaves the session Closed. Close cancels an Open that is still dialing.
func (s *Session) Open(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.opening || s.started.Load() || s.State() != Idle {
		s.lifeMu.Unlock()
		return fmt.Errorf("session: open in state %s", s.State())
	}
	if s.isClosing() {
		s.lifeMu.Unlock()
		return ErrClosed
	}
	s.opening = true
	s.lifeMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	cred, err := s.cfg.Credentials.ValidCredential(ctx)
	if err != nil {
		if s.abandon() {
			return ErrClosed
		}
		if errors.Is(err, auth.ErrUnauthenticated) {
			s.forceLogout()
		}
		return err
	}
	s.cred = cred
	s.setState(Connecting)

	ch, err := s.cfg.Dial(ctx, s.cfg.RoomID, s.token)
	if err != nil {
		if s.isClosing() {
			s.abandon()
			return ErrClosed
		}
		s.setState(Error)
		s.logger.Error("channel handshake failed", "error", err)
		if errors.Is(err, auth.ErrUnauthenticated) || errors.Is(err, ws.ErrHandshakeRejected) {
			s.forceLogout()
		}
		s.lifeMu.Lock()
		s.opening = false
		s.lifeMu.Unlock()
		s.finish(err)
		return err
	}

	s.lifeMu.Lock()
	if s.isClosing() {
		s.lifeMu.Unlock()
		ch.Close()
		s.abandon()
		return ErrClosed
	}
	s.ch = ch
	s.started.Store(true)
	s.opening = false
	s.lifeMu.Unlock()

	s.setState(Authenticated)
	go s.run()
	return nil
}

// abandon ends an Open that will not start the session goroutine. It
// reports whether Close was called, in which case the session is finished
// here since Close is waiting for it.
func (s *Session) abandon() bool {
	s.lifeMu.Lock()
	s.opening = false
	closing := s.isClosing()
	s.lifeMu.Unlock()
	if closing {
		s.finish(nil)
	}
	return closing
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// token is handed to the transport for every handshake.
func (s *Session) token(ctx context.Context) (string, error) {
	cred, err := s.cfg.Credentials.ValidCredential(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Close shuts the session down and waits until it is Closed. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
	})
	s.lifeMu.Lock()
	wait := s.opening || s.started.Load()
	s.lifeMu.Unlock()
	if !wait {
		s.finish(nil)
	}
	<-s.done
	return nil
}

// Send emits a chat message. The sender fields are filled from the
// session's credential. It fails with ErrNotActive until the initial
// snapshot has been applied.
func (s *Session) Send(ctx context.Context, payload ws.ChatPayload) error {
	var emitErr error
	err := s.do(ctx, func() {
		if s.State() != Active {
			emitErr = ErrNotActive
			return
		}
		payload.ChatRoomID = s.cfg.RoomID
		payload.UserEmail = s.cred.Email
		payload.Username = s.cred.Username
		emitErr = s.ch.Emit(ctx, ws.EventChat, payload)
	})
	if err != nil {
		return err
	}
	return emitErr
}

// RequestOlder asks for the page before the oldest loaded message. It
// reports false without emitting when a request is already outstanding,
// the log holds no message or history is exhausted.
func (s *Session) RequestOlder(ctx context.Context) (bool, error) {
	var (
		sent    bool
		emitErr error
	)
	err := s.do(ctx, func() {
		if s.State() != Active {
			emitErr = ErrNotActive
			return
		}
		cursor, ok := s.log.BeginOlder()
		if !ok {
			return
		}
		emitErr = s.ch.Emit(ctx, ws.EventGetMoreMessages, ws.MoreMessagesRequest{
			OldestMessageID: cursor,
			ChatRoomID:      s.cfg.RoomID,
		})
		if emitErr != nil {
			s.log.CancelOlder()
			return
		}
		sent = true
		s.notify()
	})
	if err != nil {
		return false, err
	}
	return sent, emitErr
}

// View returns a copy of the messages and presence.
func (s *Session) View(ctx context.Context) (View, error) {
	if !s.started.Load() {
		if s.State() == Idle {
			return View{RoomID: s.cfg.RoomID, State: Idle}, nil
		}
		return View{}, ErrClosed
	}
	var v View
	err := s.do(ctx, func() {
		_, outstanding := s.log.Outstanding()
		v = View{
			RoomID:       s.cfg.RoomID,
			State:        s.State(),
			Messages:     s.log.Entries(),
			Online:       s.presence.Members(),
			LoadingOlder: outstanding,
			Exhausted:    s.log.Exhausted(),
		}
	})
	return v, err
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		if s.State() == Idle {
			return ErrNotActive
		}
		return ErrClosed
	}
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	type renewal struct {
		cred auth.Credential
		err  error
	}
	renewed := make(chan renewal, 1)
	renewing := false

	events := s.ch.Events()
	for {
		select {
		case <-s.closing:
			s.shutdown(nil)
			return

		case ev, ok := <-events:
			if !ok {
				s.shutdown(&ws.TransportError{Op: "read", Err: errors.New("event stream ended")})
				return
			}
			if s.apply(ev) {
				return
			}

		case <-ticker.C:
			if renewing {
				continue
			}
			renewing = true
			go func() {
				cred, err := s.cfg.Credentials.ValidCredential(s.ctx)
				renewed <- renewal{cred: cred, err: err}
			}()

		case r := <-renewed:
			renewing = false
			switch {
			case errors.Is(r.err, auth.ErrUnauthenticated):
				s.logger.Warn("credential could not be renewed, closing session", "error", r.err)
				s.forceLogout()
				s.shutdown(r.err)
				return
			case r.err != nil:
				s.logger.Warn("credential check failed, retrying next tick", "error", r.err)
			default:
				s.cred = r.cred
			}

		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// apply handles one channel event and reports whether the session ended.
func (s *Session) apply(ev ws.Event) bool {
	switch e := ev.(type) {
	case ws.Connect:
		if s.State() == Connecting {
			s.logger.Info("channel reconnected, awaiting snapshot")
			s.setState(Authenticated)
		}

	case ws.Disconnect:
		s.logger.Warn("channel disconnected", "error", e.Err)
		s.log.CancelOlder()
		s.pending = nil
		s.setState(Connecting)

	case ws.Closed:
		if e.Err != nil && (errors.Is(e.Err, ws.ErrHandshakeRejected) || errors.Is(e.Err, auth.ErrUnauthenticated)) {
			s.forceLogout()
		}
		s.shutdown(e.Err)
		return true

	case ws.InitialMessages:
		s.log.Seed(e.Messages)
		for _, m := range s.pending {
			s.log.AppendLive(m)
		}
		s.pending = nil
		if s.State() != Active {
			s.logger.Debug("snapshot applied", "messages", s.log.Len())
		}
		s.setState(Active)

	case ws.Chat:
		s.appendLive(e.Message)

	case ws.Join:
		s.presence.Apply(e.Username, presence.Join)
		s.appendLive(models.JoinNotice(s.cfg.RoomID, e.Username, time.Now()))

	case ws.Leave:
		s.presence.Apply(e.Username, presence.Leave)

	case ws.OnlineUsers:
		s.presence.Replace(e.Usernames)

	case ws.MoreMessages:
		cursor := e.Cursor
		if cursor == "" {
			cursor, _ = s.log.Outstanding()
		}
		n, err := s.log.PrependOlder(cursor, e.Messages)
		if err != nil {
			s.logger.Debug("dropping stale page", "cursor", cursor, "error", err)
			return false
		}
		s.logger.Debug("older messages loaded", "count", n, "exhausted", s.log.Exhausted())

	default:
		s.logger.Warn("ignoring unexpected event", "type", fmt.Sprintf("%T", ev))
		return false
	}
	s.notify()
	return false
}

// appendLive buffers live messages until the snapshot has been applied.
func (s *Session) appendLive(m models.Message) {
	if s.State() != Active {
		s.pending = append(s.pending, m)
		return
	}
	s.log.AppendLive(m)
}

// shutdown runs on the session goroutine: it closes the channel before
// dropping the log and presence.
func (s *Session) shutdown(cause error) {
	if cause != nil && !errors.Is(cause, auth.ErrUnauthenticated) {
		s.setState(Error)
	}
	s.setState(Closing)
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("channel close", "error", err)
	}
	s.log = timeline.New()
	s.presence = presence.New()
	s.pending = nil
	s.finish(cause)
}

func (s *Session) finish(cause error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.errMu.Unlock()

	s.doneOnce.Do(func() {
		s.setState(Closed)
		s.logger.Info("session closed", "error", cause)
		close(s.done)
	})
}

// setState moves to st unless the session is already Closed.
func (s *Session) setState(st State) {
	for {
		prev := State(s.state.Load())
		if prev == st || prev == Closed {
			return
		}
		if s.state.CompareAndSwap(int32(prev), int32(st)) {
			s.logger.Debug("session state", "from", prev.String(), "to", st.String())
			s.notify()
			return
		}
	}
}

func (s *Session) forceLogout() {
	s.logoutOnce.Do(func() { close(s.loggedOut) })
}

func (s *Session) notify() {
	if s.cfg.Notify != nil {
		s.cfg.Notify()
	}
}
