package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// UnmarshalJSON accepts both "id" and the Mongo-style "_id" key.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	if u.ID == "" {
		u.ID = aux.MongoID
	}
	return nil
}

// RoomSummary is the read-only projection of a chat room used by room listings.
type RoomSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IsGroup      bool       `json:"is_group"`
	CreatedAt    Timestamp  `json:"created_at"`
	LastActivity *Timestamp `json:"last_activity,omitempty"`
	Owner        *User      `json:"owner,omitempty"`
}

// UnmarshalJSON accepts both "id" and the Mongo-style "_id" key.
func (r *RoomSummary) UnmarshalJSON(data []byte) error {
	type plain RoomSummary
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = RoomSummary(aux.plain)
	if r.ID == "" {
		r.ID = aux.MongoID
	}
	return nil
}

// JoinRequest asks a group room's owner to admit a user. Approved is nil
// until the owner has answered.
type JoinRequest struct {
	ID       string `json:"id"`
	Message  string `json:"message,omitempty"`
	Approved *bool  `json:"approved"`
	User     *User    `json:"user,omitempty"`
	ChatRoom *RoomRef `json:"chat_room,omitempty"`
}

// RoomRef is the short room description embedded in a join request.
type RoomRef struct {
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}

func (j *JoinRequest) UnmarshalJSON(data []byte) error {
	type plain JoinRequest
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*j = JoinRequest(aux.plain)
	if j.ID == "" {
		j.ID = aux.MongoID
	}
	return nil
}

// Status is "pending", "approved" or "rejected".
func (j JoinRequest) Status() string {
	switch {
	case j.Approved == nil:
		return "pending"
	case *j.Approved:
		return "approved"
	}
	return "rejected"
}

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// Origin records which producer inserted a message into a log.
type Origin string

const (
	OriginSnapshot Origin = "snapshot"
	OriginLive     Origin = "live"
	OriginPage     Origin = "page"
	OriginJoin     Origin = "join"
)

type Message struct {
	ID         string    `json:"id"`
	ChatRoomID string    `json:"chat_room_id"`
	SenderID   string    `json:"user_id"`
	Username   string    `json:"username"`
	Kind       Kind      `json:"message_type"`
	Content    string    `json:"content"`
	FileName   string    `json:"file_name,omitempty"`
	FilePath   string    `json:"file_path,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
	Origin     Origin    `json:"-"`
}

// JoinNotice builds the synthetic entry shown when a user joins a room.
// It has no id and is never deduplicated against real messages.
func JoinNotice(roomID, username string, at time.Time) Message {
	return Message{
		ChatRoomID: roomID,
		Username:   username,
		Kind:       KindText,
		Content:    username + " joined the chat",
		Timestamp:  Timestamp{at.UTC()},
		Origin:     OriginJoin,
	}
}

// Timestamp decodes ISO-8601 instants with or without a zone offset.
// Zoneless values are taken as UTC, which is what the server emits.
type Timestamp struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func ParseTimestamp(s string) (Timestamp, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{t.UTC()}, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
