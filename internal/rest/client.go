// Package rest is the request/response fallback to the chat backend: session
// listing, history fetch, multipart message delivery, and the membership
// actions. It is also the seed path on startup, before the push channel is up.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pvictorino/marketchat/internal/wire"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a 401/403 rejection.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// Upload carries attachment bytes for a multipart send.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// Client talks to the marketplace chat REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client for the given base URL and bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Me fetches the current user's identity.
func (c *Client) Me(ctx context.Context) (*wire.UserPayload, error) {
	var out wire.UserPayload
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsers returns the addressable users for starting new chats.
func (c *Client) ListUsers(ctx context.Context) ([]wire.UserPayload, error) {
	var out []wire.UserPayload
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions returns the current user's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]wire.SessionPayload, error) {
	var out []wire.SessionPayload
	if err := c.do(ctx, http.MethodGet, "/api/chat/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the full message history of a session (point-in-time).
func (c *Client) History(ctx context.Context, sessionID string) ([]wire.MessagePayload, error) {
	var out []wire.MessagePayload
	if err := c.do(ctx, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage delivers a message over the fallback path as a multipart
// request carrying text and attachment bytes. The response is the confirmed
// message, echoing clientMsgID.
func (c *Client) SendMessage(ctx context.Context, sessionID, clientMsgID, text string, attachments []Upload) (*wire.MessagePayload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("clientMsgId", clientMsgID); err != nil {
		return nil, fmt.Errorf("write field: %w", err)
	}
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return nil, fmt.Errorf("write field: %w", err)
		}
	}
	for _, a := range attachments {
		part, err := w.CreateFormFile("files", a.Name)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, fmt.Errorf("write attachment %q: %w", a.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat/sessions/"+sessionID+"/messages", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out wire.MessagePayload
	if err := c.roundTrip(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession starts a new direct or group session.
func (c *Client) CreateSession(ctx context.Context, userIDs []string, groupName string) (*wire.SessionPayload, error) {
	body := map[string]any{"userIds": userIDs}
	if groupName != "" {
		body["groupName"] = groupName
	}
	var out wire.SessionPayload
	if err := c.do(ctx, http.MethodPost, "/api/chat/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameGroup renames a group session; returns the updated session.
func (c *Client) RenameGroup(ctx context.Context, sessionID, name string) (*wire.SessionPayload, error) {
	var out wire.SessionPayload
	err := c.do(ctx, http.MethodPatch, "/api/chat/sessions/"+sessionID+"/name",
		map[string]string{"name": name}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddParticipants adds users to a group session; returns the updated session.
func (c *Client) AddParticipants(ctx context.Context, sessionID string, userIDs []string) (*wire.SessionPayload, error) {
	var out wire.SessionPayload
	err := c.do(ctx, http.MethodPost, "/api/chat/sessions/"+sessionID+"/participants",
		map[string]any{"userIds": userIDs}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveParticipant removes a user from a group session; returns the updated
// session, or nil when the server answers with no content.
func (c *Client) RemoveParticipant(ctx context.Context, sessionID, userID string) (*wire.SessionPayload, error) {
	var out wire.SessionPayload
	err := c.do(ctx, http.MethodDelete, "/api/chat/sessions/"+sessionID+"/participants/"+userID, nil, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// PromoteToAdmin grants the admin role to a participant; returns the updated
// session.
func (c *Client) PromoteToAdmin(ctx context.Context, sessionID, userID string) (*wire.SessionPayload, error) {
	var out wire.SessionPayload
	err := c.do(ctx, http.MethodPost, "/api/chat/sessions/"+sessionID+"/admins/"+userID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
