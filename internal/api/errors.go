package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RequestError is a non-2xx response from the chat server. The server
// reports failures as {"detail": ...}; Detail holds the string form, or the
// raw JSON when the detail is a validation list.
//
//	var reqErr *RequestError
//	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound { ... }
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %s %s: unexpected %d response", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s (%d): %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsUnauthorized reports whether err is a RequestError carrying 401.
func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized)
}

// IsNotOwner reports whether err is the 401 the server returns when a valid
// user acts on a room or join request belonging to someone else. The
// credential is still good in that case.
func IsNotOwner(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == http.StatusUnauthorized && strings.HasPrefix(reqErr.Detail, "You are not allowed")
	}
	return false
}

// IsStatus reports whether err is a RequestError with the given status code.
func IsStatus(err error, code int) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == code
	}
	return false
}

func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return string(body)
	}
	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}
	return string(envelope.Detail)
}
