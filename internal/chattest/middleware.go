package chattest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userKey contextKey = "user"

type tokenClaims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(user models.User, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		Email:    user.Email,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
}

// verifyToken checks the signature and expiry, allowing leeway past exp,
// and resolves the user the token names.
func (s *Server) verifyToken(token string, leeway time.Duration) (models.User, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(leeway))
	if err != nil {
		return models.User{}, err
	}
	if claims.Email == "" || claims.Username == "" {
		return models.User{}, errors.New("token missing email or username")
	}
	return s.db.userByEmail(claims.Email)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// requireUser rejects requests without a valid bearer token and stores the
// caller in the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return s.requireUserWithLeeway(0, next)
}

func (s *Server) requireUserWithLeeway(leeway time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.verifyToken(bearerToken(r), leeway)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) models.User {
	user, _ := r.Context().Value(userKey).(models.User)
	return user
}
