// Package ws is the client side of the chat channel: one WebSocket per room,
// authenticated by a connect frame, delivering typed inbound events in order
// and reconnecting on its own after transient failures.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBufferSize  = 64
	eventBufferSize = 256
)

const (
	DefaultReconnectMin     = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// TokenFunc supplies the bearer token for each handshake. An error from it
// is terminal for the connection.
type TokenFunc func(ctx context.Context) (string, error)

type Config struct {
	// URL of the channel endpoint, e.g. "ws://localhost:8000/ws".
	URL    string
	RoomID string
	Token  TokenFunc

	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer

	PageOrder        PageOrder
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Conn is a live channel. Events are read from Events until it is closed;
// the last event is always Closed.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	events chan Event
	send   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn

	live atomic.Bool
}

// Dial connects and completes the handshake before returning. Later
// reconnects happen in the background.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws: URL is required")
	}
	if cfg.Token == nil {
		return nil, errors.New("ws: Token is required")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		cfg.Dialer = &d
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		cfg:      cfg,
		logger:   logger.With("room_id", cfg.RoomID),
		events:   make(chan Event, eventBufferSize),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ws, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}

	go c.run(ws)
	return c, nil
}

// Events delivers inbound events in channel order.
func (c *Conn) Events() <-chan Event { return c.events }

// Emit queues an outbound event. It fails with ErrNotConnected while the
// transport is reconnecting; frames are never held across connections.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.live.Load() {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection and waits for the background goroutines to
// stop. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		ws := c.conn
		c.mu.Unlock()
		if ws != nil {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			ws.Close()
		}
	})
	<-c.finished
	return nil
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// track records the socket being set up or served so Close can interrupt it.
func (c *Conn) track(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws != nil && c.closed() {
		return false
	}
	c.conn = ws
	return true
}

// connect dials and performs the handshake.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, &TransportError{Op: "token", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if !c.track(ws) {
		ws.Close()
		return nil, ErrClosed
	}

	if err := c.handshake(ctx, ws, token); err != nil {
		c.track(nil)
		ws.Close()
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	return ws, nil
}

func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn, token string) error {
	request, err := Encode(EventConnect, ConnectRequest{Token: token, ChatRoomID: c.cfg.RoomID})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, request); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) &&
			(closeErr.Code == CloseUnauthorized || closeErr.Code == CloseForbidden) {
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, closeErr.Text)
		}
		return err
	}
	ev, err := Decode(data, c.cfg.PageOrder)
	if err != nil {
		return err
	}
	if _, ok := ev.(Connect); !ok {
		return fmt.Errorf("unexpected first event %T", ev)
	}
	ws.SetReadDeadline(time.Time{})
	return nil
}

func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.finished)
	defer close(c.events)

	c.deliver(Connect{})
	for {
		err := c.serve(ws)
		if c.closed() {
			c.final(Closed{})
			return
		}
		c.logger.Warn("channel connection lost", "error", err)
		c.deliver(Disconnect{Err: err})

		ws, err = c.reconnect()
		if err != nil {
			if c.closed() {
				c.final(Closed{})
			} else {
				c.logger.Error("channel closed", "error", err)
				c.final(Closed{Err: err})
			}
			return
		}
		c.deliver(Connect{})
	}
}

// serve pumps one socket until it fails or the Conn is closed.
func (c *Conn) serve(ws *websocket.Conn) error {
	stop := make(chan struct{})
	writeDone := make(chan struct{})

	c.live.Store(true)
	go func() {
		defer close(writeDone)
		c.writePump(ws, stop)
	}()

	err := c.readPump(ws)

	c.live.Store(false)
	close(stop)
	ws.Close()
	<-writeDone
	c.track(nil)

	if n := c.drainSend(); n > 0 {
		c.logger.Debug("dropped unsent frames", "count", n)
	}
	return err
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		ev, err := Decode(data, c.cfg.PageOrder)
		if err != nil {
			c.logger.Warn("dropping inbound frame", "error", err)
			continue
		}
		switch ev.(type) {
		case Connect:
			continue
		case Disconnect:
			return &TransportError{Op: "read", Err: errors.New("server ended the session")}
		}
		c.deliver(ev)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case message := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", "error", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}

// reconnect retries with exponential backoff until a handshake succeeds,
// a terminal error occurs or the Conn is closed.
func (c *Conn) reconnect() (*websocket.Conn, error) {
	delay := c.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		ws, err := c.connect(c.ctx)
		if err == nil {
			c.logger.Info("channel reconnected", "attempt", attempt)
			return ws, nil
		}
		if c.closed() || IsTerminal(err) {
			return nil, err
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "delay", delay, "error", err)

		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Conn) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// final delivers the terminal event without blocking once the Conn is
// closed, since nobody may be reading any more.
func (c *Conn) final(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Conn) drainSend() int {
	n := 0
	for {
		select {
		case <-c.send:
			n++
		default:
			return n
		}
	}
}
