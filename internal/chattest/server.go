// Package chattest runs an in-process stand-in for the chat server: the
// REST endpoints the client consumes and the room channel over WebSocket.
// It mirrors the real server's wire format, including "_id" room keys,
// zoneless timestamps and newest-first history.
package chattest

import (
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	// Secret signs access tokens. Defaults to a fixed test secret.
	Secret []byte

	// TokenTTL is the lifetime of issued tokens. Defaults to 30 minutes.
	TokenTTL time.Duration

	// RefreshLeeway lets /refresh-token accept tokens this long past expiry.
	RefreshLeeway time.Duration

	// PageSize bounds initial_messages and more_messages. Defaults to 50.
	PageSize int

	// EchoCursor makes more_messages carry {"messages", "cursor"} instead
	// of a bare list.
	EchoCursor bool

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	db     *db
	hub    *hub
	http   *httptest.Server

	refreshes        atomic.Int32
	handshakes       atomic.Int32
	refreshStatus    atomic.Int32
	rejectHandshakes atomic.Bool

	mu       sync.Mutex
	received map[string]int
	uploads  map[string][]byte
}

// NewServer starts a server on a loopback port. Call Close when done.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("chattest-secret")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d, err := openDB()
	if err != nil {
		return nil, fmt.Errorf("chattest: open db: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       d,
		hub:      newHub(d, cfg.PageSize),
		received: make(map[string]int),
		uploads:  make(map[string][]byte),
	}
	go s.hub.run()
	s.http = httptest.NewServer(s.routes())
	return s, nil
}

func (s *Server) Close() {
	close(s.hub.quit)
	s.http.Close()
	s.db.Close()
}

// URL is the HTTP base URL.
func (s *Server) URL() string { return s.http.URL }

// WSURL is the channel endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *Server) AddUser(email, username, password string) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return models.User{}, err
	}
	return s.db.createUser(email, username, string(hash))
}

// AddRoom creates a room owned by ownerID (may be empty) with the given
// members and returns its id.
func (s *Server) AddRoom(name string, isGroup bool, ownerID string, memberIDs ...string) (string, error) {
	return s.db.createRoom(name, isGroup, ownerID, memberIDs...)
}

// AddMessage stores a text message in a room's history without pushing it
// to connected clients.
func (s *Server) AddMessage(roomID string, from models.User, content string) (models.Message, error) {
	return s.db.saveMessage(models.Message{
		ChatRoomID: roomID,
		SenderID:   from.ID,
		Username:   from.Username,
		Kind:       models.KindText,
		Content:    content,
	})
}

// Post stores a text message and pushes it to the room as a chat event.
func (s *Server) Post(roomID string, from models.User, content string) (models.Message, error) {
	m, err := s.AddMessage(roomID, from, content)
	if err != nil {
		return models.Message{}, err
	}
	s.publish(roomID, encodeFrame("chat", map[string]any{"message": wireMessage(m)}))
	return m, nil
}

// PushRaw sends an arbitrary frame to every client in a room.
func (s *Server) PushRaw(roomID string, frame []byte) {
	s.publish(roomID, frame)
}

// IssueToken signs a token for user that expires after ttl (negative ttl
// yields an already expired token).
func (s *Server) IssueToken(user models.User, ttl time.Duration) (string, error) {
	return s.issueToken(user, ttl)
}

// DropConnections closes every channel socket without a close frame, as a
// network failure would.
func (s *Server) DropConnections() {
	select {
	case s.hub.drop <- struct{}{}:
	case <-s.hub.quit:
	}
}

// RejectHandshakes makes every new channel handshake fail with 4401.
func (s *Server) RejectHandshakes(reject bool) { s.rejectHandshakes.Store(reject) }

// FailRefresh makes /refresh-token answer with status; 0 restores normal
// behaviour.
func (s *Server) FailRefresh(status int) { s.refreshStatus.Store(int32(status)) }

func (s *Server) RefreshCount() int   { return int(s.refreshes.Load()) }
func (s *Server) HandshakeCount() int { return int(s.handshakes.Load()) }

// Received counts the inbound channel frames seen for an event name.
func (s *Server) Received(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[event]
}

// Upload returns the bytes received for a file path.
func (s *Server) Upload(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[path]
	return b, ok
}

func (s *Server) record(event string) {
	s.mu.Lock()
	s.received[event]++
	s.mu.Unlock()
}

func (s *Server) storeUpload(path string, data []byte) {
	s.mu.Lock()
	s.uploads[path] = data
	s.mu.Unlock()
}

func (s *Server) publish(roomID string, frame []byte) {
	select {
	case s.hub.broadcast <- roomFrame{roomID: roomID, frame: frame}:
	case <-s.hub.quit:
	}
}

type messageJSON struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	ChatRoomID  string  `json:"chat_room_id"`
	Username    string  `json:"username"`
	Content     string  `json:"content"`
	Timestamp   string  `json:"timestamp"`
	MessageType string  `json:"message_type"`
	FileName    *string `json:"file_name"`
	FilePath    *string `json:"file_path"`
}

func wireMessage(m models.Message) messageJSON {
	out := messageJSON{
		ID:          m.ID,
		UserID:      m.SenderID,
		ChatRoomID:  m.ChatRoomID,
		Username:    m.Username,
		Content:     m.Content,
		Timestamp:   m.Timestamp.UTC().Format(isoLayout),
		MessageType: string(m.Kind),
	}
	if m.FileName != "" {
		out.FileName = &m.FileName
	}
	if m.FilePath != "" {
		out.FilePath = &m.FilePath
	}
	return out
}

func wireMessages(msgs []models.Message) []messageJSON {
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage(m)
	}
	return out
}

type roomJSON struct {
	ID           string       `json:"_id"`
	Name         string       `json:"name"`
	IsGroup      bool         `json:"is_group"`
	CreatedAt    string       `json:"created_at"`
	LastActivity *string      `json:"last_activity"`
	Owner        *models.User `json:"owner,omitempty"`
}

func mongoRoom(r models.RoomSummary) roomJSON {
	out := roomJSON{
		ID:        r.ID,
		Name:      r.Name,
		IsGroup:   r.IsGroup,
		CreatedAt: r.CreatedAt.UTC().Format(isoLayout),
		Owner:     r.Owner,
	}
	if r.LastActivity != nil {
		la := r.LastActivity.UTC().Format(isoLayout)
		out.LastActivity = &la
	}
	return out
}

type joinRequestJSON struct {
	ID       string          `json:"_id"`
	Message  *string         `json:"message"`
	Approved *bool           `json:"approved"`
	User     *models.User    `json:"user"`
	ChatRoom *models.RoomRef `json:"chat_room"`
}

func mongoJoinRequest(j models.JoinRequest) joinRequestJSON {
	out := joinRequestJSON{ID: j.ID, Approved: j.Approved, User: j.User, ChatRoom: j.ChatRoom}
	if j.Message != "" {
		out.Message = &j.Message
	}
	return out
}
