package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
)

// Session performs authenticated requests. Each request fetches its bearer
// token from the auth.Source; an auth.ErrUnauthenticated from the source is
// returned as is and no request is sent.
type Session struct {
	client *Client
	source auth.Source
}

func (s *Session) get(ctx context.Context, path string, out any) error {
	return s.call(ctx, http.MethodGet, path, nil, out)
}

func (s *Session) post(ctx context.Context, path string, in, out any) error {
	return s.call(ctx, http.MethodPost, path, in, out)
}

func (s *Session) put(ctx context.Context, path string, in, out any) error {
	return s.call(ctx, http.MethodPut, path, in, out)
}

func (s *Session) delete(ctx context.Context, path string) error {
	return s.call(ctx, http.MethodDelete, path, nil, nil)
}

func (s *Session) call(ctx context.Context, method, path string, in, out any) error {
	cred, err := s.source.ValidCredential(ctx)
	if err != nil {
		return err
	}
	body, err := s.client.doJSON(ctx, method, path, cred.Token, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}

func (s *Session) CurrentUser(ctx context.Context) (models.User, error) {
	var user models.User
	err := s.get(ctx, "/users/me", &user)
	return user, err
}

func (s *Session) ChatRoom(ctx context.Context, roomID string) (models.RoomSummary, error) {
	var room models.RoomSummary
	err := s.get(ctx, "/chat-room/"+url.PathEscape(roomID), &room)
	return room, err
}

// SubmittedChatRooms lists the rooms the user belongs to, either group rooms
// or private ones.
func (s *Session) SubmittedChatRooms(ctx context.Context, isGroup bool) ([]models.RoomSummary, error) {
	request := struct {
		IsGroup bool `json:"is_group"`
	}{IsGroup: isGroup}

	var rooms []models.RoomSummary
	if err := s.post(ctx, "/user/submitted-chat-rooms", request, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// PrivateOnlineUsers returns the usernames of online users the caller shares
// a private room with.
func (s *Session) PrivateOnlineUsers(ctx context.Context) ([]string, error) {
	var users []string
	if err := s.get(ctx, "/pv-online-users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreatePrivateRoom opens a private room with another user and returns its id.
func (s *Session) CreatePrivateRoom(ctx context.Context, userID string) (string, error) {
	request := struct {
		AddressedUsersID string `json:"addressed_users_id"`
	}{AddressedUsersID: userID}

	var response struct {
		ChatRoom struct {
			ID      string `json:"id"`
			MongoID string `json:"_id"`
		} `json:"chat_room"`
	}
	if err := s.post(ctx, "/pv-chat-room", request, &response); err != nil {
		return "", err
	}
	id := response.ChatRoom.ID
	if id == "" {
		id = response.ChatRoom.MongoID
	}
	if id == "" {
		return "", fmt.Errorf("%w: /pv-chat-room: missing chat_room id", ErrMalformedResponse)
	}
	return id, nil
}

// CreateGroupRoom creates a group room owned by the caller.
func (s *Session) CreateGroupRoom(ctx context.Context, name string) (models.RoomSummary, error) {
	request := struct {
		Name string `json:"name"`
	}{Name: name}

	var room models.RoomSummary
	if err := s.post(ctx, "/chat-rooms", request, &room); err != nil {
		return models.RoomSummary{}, err
	}
	if room.ID == "" {
		return models.RoomSummary{}, fmt.Errorf("%w: /chat-rooms: missing room id", ErrMalformedResponse)
	}
	return room, nil
}

// RequestToJoin asks the owner of a group room to admit the caller.
func (s *Session) RequestToJoin(ctx context.Context, roomID, message string) (models.JoinRequest, error) {
	request := struct {
		Message    *string `json:"message"`
		ChatRoomID string  `json:"chat_room_id"`
	}{ChatRoomID: roomID}
	if message != "" {
		request.Message = &message
	}

	var jr models.JoinRequest
	err := s.post(ctx, "/join-request", request, &jr)
	return jr, err
}

// RoomDetails is an owned room together with the join requests sent to it.
type RoomDetails struct {
	Room         models.RoomSummary
	OwnerID      string
	JoinRequests []models.JoinRequest
}

// ChatRoomDetails fetches a room the caller owns and its join requests.
func (s *Session) ChatRoomDetails(ctx context.Context, roomID string) (RoomDetails, error) {
	var response struct {
		Room struct {
			ID           string            `json:"id"`
			MongoID      string            `json:"_id"`
			Name         string            `json:"name"`
			IsGroup      bool              `json:"is_group"`
			CreatedAt    models.Timestamp  `json:"created_at"`
			LastActivity *models.Timestamp `json:"last_activity"`
			Owner        string            `json:"owner"`
		} `json:"chat_room_details"`
		JoinRequests []models.JoinRequest `json:"chat_room_join_requests"`
	}
	path := "/chat-room-details?" + url.Values{"chat_room_id": {roomID}}.Encode()
	if err := s.get(ctx, path, &response); err != nil {
		return RoomDetails{}, err
	}

	r := response.Room
	id := r.ID
	if id == "" {
		id = r.MongoID
	}
	return RoomDetails{
		Room: models.RoomSummary{
			ID:           id,
			Name:         r.Name,
			IsGroup:      r.IsGroup,
			CreatedAt:    r.CreatedAt,
			LastActivity: r.LastActivity,
		},
		OwnerID:      r.Owner,
		JoinRequests: response.JoinRequests,
	}, nil
}

// AnswerJoinRequest approves or rejects a join request for a room the
// caller owns and returns the server's status message. A request can only
// be answered once.
func (s *Session) AnswerJoinRequest(ctx context.Context, requestID string, approve bool) (string, error) {
	request := struct {
		JoinRequestID  string `json:"join_request_id"`
		ApprovalStatus bool   `json:"approval_status"`
	}{JoinRequestID: requestID, ApprovalStatus: approve}

	var response struct {
		Status string `json:"status"`
	}
	if err := s.post(ctx, "/handle-join-request", request, &response); err != nil {
		return "", err
	}
	return response.Status, nil
}

// DeleteChatRoom deletes a room the caller owns, with its history and
// join requests.
func (s *Session) DeleteChatRoom(ctx context.Context, roomID string) error {
	return s.delete(ctx, "/delete-chat-room?"+url.Values{"chat_room_id": {roomID}}.Encode())
}

// SetOnlineStatus marks the caller online or offline.
func (s *Session) SetOnlineStatus(ctx context.Context, online bool) error {
	request := struct {
		IsOnline bool `json:"is_online"`
	}{IsOnline: online}
	return s.put(ctx, "/user/online-status", request, nil)
}
