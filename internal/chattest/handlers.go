package chattest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/signup", s.signup).Methods(http.MethodPost)
	r.HandleFunc("/token", s.login).Methods(http.MethodPost)
	r.Handle("/refresh-token", s.requireUserWithLeeway(s.cfg.RefreshLeeway, http.HandlerFunc(s.refresh))).
		Methods(http.MethodPost)
	r.Handle("/users/me", s.requireUser(http.HandlerFunc(s.me))).Methods(http.MethodGet)
	r.Handle("/chat-room/{id}", s.requireUser(http.HandlerFunc(s.chatRoom))).Methods(http.MethodGet)
	r.Handle("/user/submitted-chat-rooms", s.requireUser(http.HandlerFunc(s.submittedRooms))).
		Methods(http.MethodPost)
	r.Handle("/pv-online-users", s.requireUser(http.HandlerFunc(s.privateOnlineUsers))).
		Methods(http.MethodGet)
	r.Handle("/pv-chat-room", s.requireUser(http.HandlerFunc(s.createPrivateRoom))).
		Methods(http.MethodPost)
	r.Handle("/chat-rooms", s.requireUser(http.HandlerFunc(s.createGroupRoom))).Methods(http.MethodPost)
	r.Handle("/join-request", s.requireUser(http.HandlerFunc(s.submitJoinRequest))).Methods(http.MethodPost)
	r.Handle("/chat-room-details", s.requireUser(http.HandlerFunc(s.chatRoomDetails))).Methods(http.MethodGet)
	r.Handle("/handle-join-request", s.requireUser(http.HandlerFunc(s.handleJoinRequest))).
		Methods(http.MethodPost)
	r.Handle("/delete-chat-room", s.requireUser(http.HandlerFunc(s.deleteChatRoom))).Methods(http.MethodDelete)
	r.Handle("/user/online-status", s.requireUser(http.HandlerFunc(s.updateOnlineStatus))).
		Methods(http.MethodPut)
	r.HandleFunc("/ws", s.serveWS)
	return r
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.db.userByLogin(r.PostFormValue("username"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username/email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(r.PostFormValue("password"))); err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username/email or password")
		return
	}

	token, err := s.issueToken(user.User, s.cfg.TokenTTL)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes.Add(1)
	if status := int(s.refreshStatus.Load()); status != 0 {
		writeDetail(w, status, "Refresh refused")
		return
	}
	token, err := s.issueToken(userFrom(r), s.cfg.TokenTTL)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r))
}

func (s *Server) chatRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.room(mux.Vars(r)["id"])
	if errors.Is(err, errNotFound) {
		writeDetail(w, http.StatusNotFound, "Chat room not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mongoRoom(room))
}

func (s *Server) submittedRooms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsGroup *bool `json:"is_group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsGroup == nil {
		writeDetail(w, http.StatusBadRequest, "Invalid is_group status")
		return
	}
	rooms, err := s.db.userRooms(userFrom(r).ID, *req.IsGroup)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]any, len(rooms))
	for i, room := range rooms {
		out[i] = mongoRoom(room)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) privateOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.privateOnlineUsers(userFrom(r).ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) createPrivateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AddressedUsersID string `json:"addressed_users_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AddressedUsersID == "" {
		writeDetail(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	requester := userFrom(r)
	id, err := s.db.createRoom(requester.Username+" PV Chat", false, requester.ID, req.AddressedUsersID)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_room": map[string]any{"id": id},
	})
}
