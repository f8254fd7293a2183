// Package api is a typed HTTP client for the chat server's REST endpoints.
//
// The unauthenticated Client handles signup, login and token renewal. Endpoints that
// need a bearer token go through a Session, which asks an auth.Source for a
// valid credential before every request so that all callers share the same
// coalesced renewal path.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
)

const maxResponseSize = 4 << 20

// ErrMalformedResponse is returned when a 2xx body cannot be decoded into
// the expected shape.
var ErrMalformedResponse = errors.New("api: malformed response")

type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:8000".
	BaseURL string

	// HTTPClient defaults to a client with a 15 second timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ auth.Renewer = (*Client)(nil)

func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges a username (or email) and password for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	body, err := c.do(ctx, http.MethodPost, "/token", "",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	return decodeToken(body)
}

// Signup creates an account. It needs no credential.
func (c *Client) Signup(ctx context.Context, email, username, password string) (models.User, error) {
	request := struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}{Email: email, Username: username, Password: password}

	body, err := c.doJSON(ctx, http.MethodPost, "/signup", "", request)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return models.User{}, fmt.Errorf("%w: /signup: %v", ErrMalformedResponse, err)
	}
	return user, nil
}

// RefreshToken trades a token, possibly already expired, for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/refresh-token", token, "", nil)
	if err != nil {
		return "", err
	}
	return decodeToken(body)
}

func decodeToken(body []byte) (string, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: missing access_token", ErrMalformedResponse)
	}
	return resp.AccessToken, nil
}

// Session returns an authenticated view of the client.
func (c *Client) Session(source auth.Source) *Session {
	return &Session{client: c, source: source}
}

// doJSON encodes requestBody (if any) as JSON and performs the request.
func (c *Client) doJSON(ctx context.Context, method, path, token string, requestBody any) ([]byte, error) {
	var (
		bodyReader  io.Reader
		contentType string
	)
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("api: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, token, contentType, bodyReader)
}

func (c *Client) do(ctx context.Context, method, path, token, contentType string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("api: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response body: %w", err)
	}

	c.logger.Debug("api request",
		"method", method,
		"path", path,
		"status", response.StatusCode,
		"duration", time.Since(start),
	)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, &RequestError{
		Method:     method,
		Path:       path,
		StatusCode: response.StatusCode,
		Detail:     parseDetail(responseBody),
	}
}
