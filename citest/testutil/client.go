package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opencode-ai/conductor/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorResponse is the error envelope returned by the API.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is returned by typed helpers for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Put performs HTTP PUT request with JSON body
func (c *TestClient) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *TestClient) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// decodeInto checks the status and decodes a successful body into v.
func decodeInto(resp *Response, v any) error {
	if !resp.IsSuccess() {
		var e ErrorResponse
		_ = resp.JSON(&e)
		return &APIError{StatusCode: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if v == nil {
		return nil
	}
	return resp.JSON(v)
}

func sessionPath(sessionID, suffix string) string {
	return "/session/" + url.PathEscape(sessionID) + suffix
}

// OpenSession opens a session bound to a worktree.
func (c *TestClient) OpenSession(ctx context.Context, sessionID, worktreeID string) (*types.SessionView, error) {
	resp, err := c.Post(ctx, "/session", map[string]string{"sessionID": sessionID, "worktreeID": worktreeID})
	if err != nil {
		return nil, err
	}
	var view types.SessionView
	return &view, decodeInto(resp, &view)
}

// GetSession returns the current view of a session.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*types.SessionView, error) {
	resp, err := c.Get(ctx, sessionPath(sessionID, ""))
	if err != nil {
		return nil, err
	}
	var view types.SessionView
	return &view, decodeInto(resp, &view)
}

// CloseSession closes a session.
func (c *TestClient) CloseSession(ctx context.Context, sessionID string) error {
	resp, err := c.Delete(ctx, sessionPath(sessionID, ""))
	if err != nil {
		return err
	}
	return decodeInto(resp, nil)
}

// SendMessage starts a turn with text.
func (c *TestClient) SendMessage(ctx context.Context, sessionID, text string) error {
	resp, err := c.Post(ctx, sessionPath(sessionID, "/message"), map[string]any{"text": text})
	if err != nil {
		return err
	}
	return decodeInto(resp, nil)
}

// Enqueue queues text behind the running turn.
func (c *TestClient) Enqueue(ctx context.Context, sessionID, text string) (*types.QueuedMessage, error) {
	resp, err := c.Post(ctx, sessionPath(sessionID, "/queue"), map[string]any{"text": text})
	if err != nil {
		return nil, err
	}
	var msg types.QueuedMessage
	return &msg, decodeInto(resp, &msg)
}

// GetQueue returns the queued messages of a session.
func (c *TestClient) GetQueue(ctx context.Context, sessionID string) ([]types.QueuedMessage, error) {
	resp, err := c.Get(ctx, sessionPath(sessionID, "/queue"))
	if err != nil {
		return nil, err
	}
	var items []types.QueuedMessage
	return items, decodeInto(resp, &items)
}

// GetMessages returns the cached conversation of a session.
func (c *TestClient) GetMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	resp, err := c.Get(ctx, sessionPath(sessionID, "/message"))
	if err != nil {
		return nil, err
	}
	var msgs []types.Message
	return msgs, decodeInto(resp, &msgs)
}

// Answer responds to a blocking tool call.
func (c *TestClient) Answer(ctx context.Context, sessionID, toolCallID, response string) error {
	resp, err := c.Post(ctx, sessionPath(sessionID, "/answer/"+url.PathEscape(toolCallID)), map[string]string{"response": response})
	if err != nil {
		return err
	}
	return decodeInto(resp, nil)
}

// View marks a session as the one on screen.
func (c *TestClient) View(ctx context.Context, sessionID string) error {
	resp, err := c.Post(ctx, sessionPath(sessionID, "/view"), nil)
	if err != nil {
		return err
	}
	return decodeInto(resp, nil)
}

// GetDraft returns the compose-box text of a session.
func (c *TestClient) GetDraft(ctx context.Context, sessionID string) (string, error) {
	resp, err := c.Get(ctx, sessionPath(sessionID, "/draft"))
	if err != nil {
		return "", err
	}
	var d struct {
		Text string `json:"text"`
	}
	return d.Text, decodeInto(resp, &d)
}
