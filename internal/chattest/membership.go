package chattest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		!strings.Contains(req.Email, "@") || req.Username == "" || req.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "email, username and password are required")
		return
	}
	for _, check := range []struct{ column, value, detail string }{
		{"email", req.Email, "User with this email already exists"},
		{"username", req.Username, "User with this username already exists"},
	} {
		exists, err := s.db.userExists(check.column, check.value)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		if exists {
			writeDetail(w, http.StatusBadRequest, check.detail)
			return
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	user, err := s.db.createUser(req.Email, req.Username, string(hash))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("new user created", "email", user.Email)
	writeJSON(w, http.StatusCreated, map[string]any{
		"_id":       user.ID,
		"email":     user.Email,
		"username":  user.Username,
		"is_online": false,
		"is_admin":  false,
	})
}

func (s *Server) createGroupRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	id, err := s.db.createRoom(req.Name, true, userFrom(r).ID)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	room, err := s.db.room(id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mongoRoom(room))
}

func (s *Server) submitJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message    string `json:"message"`
		ChatRoomID string `json:"chat_room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatRoomID == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "chat_room_id is required")
		return
	}
	user := userFrom(r)
	owner, err := s.db.roomOwner(req.ChatRoomID)
	if errors.Is(err, errNotFound) {
		writeDetail(w, http.StatusBadRequest, "Invalid chat room ID")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if owner == user.ID {
		writeDetail(w, http.StatusBadRequest, "You cannot submit a request to join your own chat room!")
		return
	}

	id, err := s.db.createJoinRequest(req.ChatRoomID, user.ID, req.Message)
	if errors.Is(err, errDuplicate) {
		writeDetail(w, http.StatusBadRequest, "You have submitted your request before")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	jr, err := s.db.joinRequest(id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mongoJoinRequest(jr.JoinRequest))
}

// ownedRoom checks that the caller owns chat_room_id and writes the
// server's error response when not.
func (s *Server) ownedRoom(w http.ResponseWriter, r *http.Request, notAllowed string) (string, bool) {
	roomID := r.URL.Query().Get("chat_room_id")
	owner, err := s.db.roomOwner(roomID)
	switch {
	case errors.Is(err, errNotFound):
		writeDetail(w, http.StatusNotFound, "Chat room not found")
		return "", false
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return "", false
	case owner != userFrom(r).ID:
		writeDetail(w, http.StatusUnauthorized, notAllowed)
		return "", false
	}
	return roomID, true
}

func (s *Server) chatRoomDetails(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.ownedRoom(w, r, "You are not allowed to see other users' chat rooms")
	if !ok {
		return
	}
	room, err := s.db.room(roomID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	requests, err := s.db.roomJoinRequests(roomID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]joinRequestJSON, len(requests))
	for i, jr := range requests {
		out[i] = mongoJoinRequest(jr.JoinRequest)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_room_details": struct {
			roomJSON
			Owner string `json:"owner"`
		}{roomJSON: mongoRoom(room), Owner: room.Owner.ID},
		"chat_room_join_requests": out,
	})
}

func (s *Server) handleJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JoinRequestID  string `json:"join_request_id"`
		ApprovalStatus *bool  `json:"approval_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JoinRequestID == "" || req.ApprovalStatus == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "join_request_id and approval_status are required")
		return
	}
	jr, err := s.db.joinRequest(req.JoinRequestID)
	if errors.Is(err, errNotFound) {
		writeDetail(w, http.StatusNotFound, "Join request not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jr.OwnerID != userFrom(r).ID {
		writeDetail(w, http.StatusUnauthorized,
			"You are not allowed to approve the join requests submitted for other users' chat rooms")
		return
	}
	if jr.Approved != nil {
		writeDetail(w, http.StatusBadRequest, "This join request is handled already")
		return
	}

	approve := *req.ApprovalStatus
	if err := s.db.answerJoinRequest(jr.ID, approve); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !approve {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "Join request disapproved successfully.",
			"session": "No session made",
		})
		return
	}
	if err := s.db.addMember(jr.RoomID, jr.UserID); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "Join request approved successfully.",
		"session": map[string]string{"user_id": jr.UserID, "chat_room_id": jr.RoomID},
	})
}

func (s *Server) deleteChatRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.ownedRoom(w, r, "You are not allowed to delete other users' chat rooms")
	if !ok {
		return
	}
	if err := s.db.deleteRoom(roomID); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateOnlineStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsOnline *bool `json:"is_online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsOnline == nil {
		writeDetail(w, http.StatusBadRequest, "Invalid user online status")
		return
	}
	if err := s.db.setOnline(userFrom(r).ID, *req.IsOnline); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User online status updated successfully"})
}
