package ws

import (
	"encoding/json"
	"testing"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		order   PageOrder
		want    Event
		wantErr bool
	}{
		{name: "connect", frame: `{"event":"connect"}`, want: Connect{}},
		{name: "disconnect", frame: `{"event":"disconnect"}`, want: Disconnect{}},
		{
			name:  "join",
			frame: `{"event":"join","data":{"username":"bob","email":"bob@example.com"}}`,
			want:  Join{Username: "bob", Email: "bob@example.com"},
		},
		{name: "leave", frame: `{"event":"leave","data":{"username":"bob"}}`, want: Leave{Username: "bob"}},
		{
			name:  "online users",
			frame: `{"event":"online_users","data":["a","b"]}`,
			want:  OnlineUsers{Usernames: []string{"a", "b"}},
		},
		{name: "unknown event", frame: `{"event":"typing","data":{}}`, wantErr: true},
		{name: "not json", frame: `hello`, wantErr: true},
		{name: "join without data", frame: `{"event":"join"}`, wantErr: true},
		{name: "wrong payload type", frame: `{"event":"online_users","data":{"a":1}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame), tt.order)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeChat(t *testing.T) {
	frame := `{"event":"chat","data":{"message":{
		"id":"m1","user_id":"u1","chat_room_id":"r1","username":"alice",
		"content":"hi","timestamp":"2024-05-01T10:00:00.123456",
		"message_type":"text","file_name":null,"file_path":null}}}`

	ev, err := Decode([]byte(frame), OldestFirst)
	require.NoError(t, err)
	chat, ok := ev.(Chat)
	require.True(t, ok)
	assert.Equal(t, "m1", chat.Message.ID)
	assert.Equal(t, "u1", chat.Message.SenderID)
	assert.Equal(t, models.KindText, chat.Message.Kind)
	assert.Equal(t, 123456000, chat.Message.Timestamp.Nanosecond())
}

func TestDecodeMessageLists(t *testing.T) {
	list := `[{"id":"m3"},{"id":"m2"},{"id":"m1"}]`

	tests := []struct {
		name       string
		frame      string
		order      PageOrder
		wantIDs    []string
		wantCursor string
	}{
		{
			name:    "initial newest first",
			frame:   `{"event":"initial_messages","data":` + list + `}`,
			order:   NewestFirst,
			wantIDs: []string{"m1", "m2", "m3"},
		},
		{
			name:    "initial oldest first untouched",
			frame:   `{"event":"initial_messages","data":` + list + `}`,
			order:   OldestFirst,
			wantIDs: []string{"m3", "m2", "m1"},
		},
		{
			name:    "bare page",
			frame:   `{"event":"more_messages","data":` + list + `}`,
			order:   NewestFirst,
			wantIDs: []string{"m1", "m2", "m3"},
		},
		{
			name:       "page with cursor",
			frame:      `{"event":"more_messages","data":{"messages":` + list + `,"cursor":"m4"}}`,
			order:      NewestFirst,
			wantIDs:    []string{"m1", "m2", "m3"},
			wantCursor: "m4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame), tt.order)
			require.NoError(t, err)

			var msgs []models.Message
			switch e := ev.(type) {
			case InitialMessages:
				msgs = e.Messages
			case MoreMessages:
				msgs = e.Messages
				assert.Equal(t, tt.wantCursor, e.Cursor)
			default:
				t.Fatalf("unexpected event %T", ev)
			}
			var ids []string
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestEncodeChatPayload(t *testing.T) {
	data, err := Encode(EventChat, ChatPayload{
		Content:    "see attached",
		Kind:       models.KindFile,
		UserEmail:  "alice@example.com",
		Username:   "alice",
		ChatRoomID: "r1",
		FileName:   "a.txt",
		File:       []byte("hello"),
	})
	require.NoError(t, err)

	var f struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, "chat", f.Event)
	assert.Equal(t, "file", f.Data["message_type"])
	assert.Equal(t, "aGVsbG8=", f.Data["file"])
	assert.Equal(t, "alice@example.com", f.Data["user_email"])
}

func TestEncodeTextOmitsFile(t *testing.T) {
	data, err := Encode(EventChat, ChatPayload{Content: "hi", Kind: models.KindText})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "file")
}

func TestParsePageOrder(t *testing.T) {
	order, err := ParsePageOrder("newest_first")
	require.NoError(t, err)
	assert.Equal(t, NewestFirst, order)

	order, err = ParsePageOrder("")
	require.NoError(t, err)
	assert.Equal(t, OldestFirst, order)

	_, err = ParsePageOrder("sideways")
	assert.Error(t, err)
}
