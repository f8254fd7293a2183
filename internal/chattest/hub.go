package chattest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	maxMessageSize = 1 << 20

	closeUnauthorized = 4401
	closeForbidden    = 4403
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) []byte {
	f := frame{Event: event}
	if data != nil {
		f.Data, _ = json.Marshal(data)
	}
	b, _ := json.Marshal(f)
	return b
}

// client is one connected channel.
type client struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan []byte
	user   models.User
	roomID string
}

type roomFrame struct {
	roomID string
	frame  []byte
}

type clientFrame struct {
	client *client
	frame  []byte
}

type hub struct {
	// Registered clients.
	clients map[*client]bool

	// Frames for every client in a room.
	broadcast chan roomFrame

	// Frames for a single client.
	unicast chan clientFrame

	// Register requests from the clients.
	register chan *client

	// Unregister requests from clients.
	unregister chan *client

	// Drop every connection without a close frame.
	drop chan struct{}

	quit chan struct{}
	db   *db
	page int
}

func newHub(d *db, pageSize int) *hub {
	return &hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan roomFrame),
		unicast:    make(chan clientFrame),
		register:   make(chan *client),
		unregister: make(chan *client),
		drop:       make(chan struct{}),
		quit:       make(chan struct{}),
		db:         d,
		page:       pageSize,
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.db.setOnline(c.user.ID, true)
			h.toRoom(c.roomID, encodeFrame("join", map[string]string{
				"username": c.user.Username,
				"email":    c.user.Email,
			}))
			h.toClient(c, encodeFrame("online_users", h.onlineUsers(c)))

			recent, err := h.db.recentMessages(c.roomID, "", h.page)
			if err != nil {
				recent = nil
			}
			h.toClient(c, encodeFrame("initial_messages", wireMessages(recent)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.db.setOnline(c.user.ID, h.connected(c.user.ID))
				h.toRoom(c.roomID, encodeFrame("leave", map[string]string{"username": c.user.Username}))
			}
		case rf := <-h.broadcast:
			h.toRoom(rf.roomID, rf.frame)
		case cf := <-h.unicast:
			if h.clients[cf.client] {
				h.toClient(cf.client, cf.frame)
			}
		case <-h.drop:
			for c := range h.clients {
				c.conn.Close()
			}
		case <-h.quit:
			for c := range h.clients {
				c.conn.Close()
			}
			return
		}
	}
}

func (h *hub) toRoom(roomID string, frame []byte) {
	for c := range h.clients {
		if c.roomID == roomID {
			h.toClient(c, frame)
		}
	}
}

func (h *hub) toClient(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		close(c.send)
		delete(h.clients, c)
	}
}

// onlineUsers lists the other users connected to c's room.
func (h *hub) onlineUsers(c *client) []string {
	seen := map[string]bool{}
	users := []string{}
	for other := range h.clients {
		if other.roomID != c.roomID || other.user.ID == c.user.ID || seen[other.user.Username] {
			continue
		}
		seen[other.user.Username] = true
		users = append(users, other.user.Username)
	}
	return users
}

func (h *hub) connected(userID string) bool {
	for c := range h.clients {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	s.handshakes.Add(1)

	user, roomID, code, reason := s.acceptHandshake(conn)
	if code != 0 {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, encodeFrame("connect", nil)); err != nil {
		conn.Close()
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 256), user: user, roomID: roomID}
	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(s)
}

// acceptHandshake reads the connect frame and returns a close code when
// the connection must be refused.
func (s *Server) acceptHandshake(conn *websocket.Conn) (models.User, string, int, string) {
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return models.User{}, "", websocket.CloseProtocolError, "no connect frame"
	}
	conn.SetReadDeadline(time.Time{})

	var f frame
	var req struct {
		Token      string `json:"token"`
		ChatRoomID string `json:"chat_room_id"`
	}
	if json.Unmarshal(data, &f) != nil || f.Event != "connect" || json.Unmarshal(f.Data, &req) != nil {
		return models.User{}, "", websocket.CloseProtocolError, "expected connect frame"
	}
	if s.rejectHandshakes.Load() {
		return models.User{}, "", closeUnauthorized, "Could not validate credentials"
	}
	user, err := s.verifyToken(req.Token, 0)
	if err != nil {
		return models.User{}, "", closeUnauthorized, "Could not validate credentials"
	}
	if _, err := s.db.room(req.ChatRoomID); err != nil {
		return models.User{}, "", closeForbidden, "Chat room not found"
	}
	if err := s.db.addMember(req.ChatRoomID, user.ID); err != nil {
		return models.User{}, "", websocket.CloseInternalServerErr, err.Error()
	}
	return user, req.ChatRoomID, 0, ""
}

func (c *client) readPump(s *Server) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.record(f.Event)

		switch f.Event {
		case "chat":
			c.handleChat(s, f.Data)
		case "get_more_messages":
			c.handleMoreMessages(s, f.Data)
		}
	}
}

func (c *client) handleChat(s *Server, data json.RawMessage) {
	var req struct {
		Content  string      `json:"content"`
		Kind     models.Kind `json:"message_type"`
		FileName string      `json:"file_name"`
		File     []byte      `json:"file"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !req.Kind.Valid() {
		return
	}
	m := models.Message{
		ChatRoomID: c.roomID,
		SenderID:   c.user.ID,
		Username:   c.user.Username,
		Kind:       req.Kind,
		Content:    req.Content,
		FileName:   req.FileName,
	}
	if req.Kind != models.KindText {
		m.FilePath = "uploads/" + req.FileName
		s.storeUpload(m.FilePath, req.File)
	}
	saved, err := s.db.saveMessage(m)
	if err != nil {
		s.logger.Error("save message", "error", err)
		return
	}
	s.publish(c.roomID, encodeFrame("chat", map[string]any{"message": wireMessage(saved)}))
}

func (c *client) handleMoreMessages(s *Server, data json.RawMessage) {
	var req struct {
		OldestMessageID string `json:"oldest_message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.OldestMessageID == "" {
		return
	}
	older, err := s.db.recentMessages(c.roomID, req.OldestMessageID, s.cfg.PageSize)
	if err != nil {
		s.logger.Error("load older messages", "error", err)
		return
	}
	var payload any = wireMessages(older)
	if s.cfg.EchoCursor {
		payload = map[string]any{"messages": payload, "cursor": req.OldestMessageID}
	}
	select {
	case c.hub.unicast <- clientFrame{client: c, frame: encodeFrame("more_messages", payload)}:
	case <-c.hub.quit:
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
