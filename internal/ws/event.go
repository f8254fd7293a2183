package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AmirhsFar/Chat-Service/internal/models"
)

// Event names used on the wire.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventJoin            = "join"
	EventLeave           = "leave"
	EventChat            = "chat"
	EventInitialMessages = "initial_messages"
	EventMoreMessages    = "more_messages"
	EventOnlineUsers     = "online_users"
	EventGetMoreMessages = "get_more_messages"
)

// ErrUnknownEvent is returned by Decode for event names it does not model.
var ErrUnknownEvent = errors.New("ws: unknown event")

// Frame is the JSON envelope of every text frame in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of inbound events. Consumers switch on the
// concrete type.
type Event interface {
	isEvent()
}

// Connect reports a completed handshake, on first dial and after every
// reconnect.
type Connect struct{}

// Disconnect reports that the connection was lost and the transport is
// about to reconnect.
type Disconnect struct {
	Err error
}

// Closed is the last event on a Conn. Err is nil after an explicit Close.
type Closed struct {
	Err error
}

type Join struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type Leave struct {
	Username string `json:"username"`
}

type Chat struct {
	Message models.Message `json:"message"`
}

// InitialMessages is the snapshot the server sends after every handshake,
// normalised to oldest-first.
type InitialMessages struct {
	Messages []models.Message
}

// MoreMessages is a page of older history, normalised to oldest-first.
// Cursor is set only when the server echoes the request's cursor.
type MoreMessages struct {
	Messages []models.Message
	Cursor   string
}

type OnlineUsers struct {
	Usernames []string
}

func (Connect) isEvent()         {}
func (Disconnect) isEvent()      {}
func (Closed) isEvent()          {}
func (Join) isEvent()            {}
func (Leave) isEvent()           {}
func (Chat) isEvent()            {}
func (InitialMessages) isEvent() {}
func (MoreMessages) isEvent()    {}
func (OnlineUsers) isEvent()     {}

// PageOrder is the order in which the server lists messages in snapshots
// and pages.
type PageOrder int

const (
	OldestFirst PageOrder = iota
	NewestFirst
)

func ParsePageOrder(s string) (PageOrder, error) {
	switch s {
	case "", "oldest_first":
		return OldestFirst, nil
	case "newest_first":
		return NewestFirst, nil
	}
	return OldestFirst, fmt.Errorf("ws: unknown page order %q", s)
}

func (o PageOrder) String() string {
	if o == NewestFirst {
		return "newest_first"
	}
	return "oldest_first"
}

// Decode parses one inbound frame. Message lists are returned oldest-first.
func Decode(data []byte, order PageOrder) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ws: malformed frame: %w", err)
	}

	switch f.Event {
	case EventConnect:
		return Connect{}, nil
	case EventDisconnect:
		return Disconnect{}, nil
	case EventJoin:
		var ev Join
		if err := decodeData(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventLeave:
		var ev Leave
		if err := decodeData(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventChat:
		var ev Chat
		if err := decodeData(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventInitialMessages:
		var msgs []models.Message
		if err := decodeData(f, &msgs); err != nil {
			return nil, err
		}
		return InitialMessages{Messages: ordered(msgs, order)}, nil
	case EventMoreMessages:
		return decodeMoreMessages(f, order)
	case EventOnlineUsers:
		var users []string
		if err := decodeData(f, &users); err != nil {
			return nil, err
		}
		return OnlineUsers{Usernames: users}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownEvent, f.Event)
}

// decodeMoreMessages accepts a bare list or {"messages": [...], "cursor": id}.
func decodeMoreMessages(f Frame, order PageOrder) (Event, error) {
	trimmed := bytes.TrimSpace(f.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Messages []models.Message `json:"messages"`
			Cursor   string           `json:"cursor"`
		}
		if err := decodeData(f, &page); err != nil {
			return nil, err
		}
		return MoreMessages{Messages: ordered(page.Messages, order), Cursor: page.Cursor}, nil
	}
	var msgs []models.Message
	if err := decodeData(f, &msgs); err != nil {
		return nil, err
	}
	return MoreMessages{Messages: ordered(msgs, order)}, nil
}

func decodeData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("ws: %s: missing data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("ws: %s: %w", f.Event, err)
	}
	return nil
}

func ordered(msgs []models.Message, order PageOrder) []models.Message {
	if order != NewestFirst {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// ConnectRequest is the client's first frame on every connection.
type ConnectRequest struct {
	Token      string `json:"token"`
	ChatRoomID string `json:"chat_room_id"`
}

// ChatPayload is an outbound chat message. File is base64 encoded by
// encoding/json.
type ChatPayload struct {
	Content    string      `json:"content"`
	Kind       models.Kind `json:"message_type"`
	UserEmail  string      `json:"user_email"`
	Username   string      `json:"username"`
	ChatRoomID string      `json:"chat_room_id"`
	FileName   string      `json:"file_name,omitempty"`
	File       []byte      `json:"file,omitempty"`
}

// MoreMessagesRequest asks for the page before OldestMessageID.
type MoreMessagesRequest struct {
	OldestMessageID string `json:"oldest_message_id"`
	ChatRoomID      string `json:"chat_room_id"`
}

// Encode builds a frame for an outbound event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
