// Package client provides an HTTP client for the generation backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Client is an HTTP client for the conversation and generation endpoints.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sets the key sent in the X-API-Key header
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithWebSocketURL overrides the push endpoint base, which otherwise is
// derived from the HTTP base URL.
func WithWebSocketURL(u string) Option {
	return func(c *Client) { c.wsURL = strings.TrimSuffix(u, "/") }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new backend client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from the backend
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend error (%d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Detail extracts the server-provided message from err, if any
func Detail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

// errorResponse covers both {"error": "..."} and {"detail": "..."} bodies
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// CreateConversation calls POST /api/conversations.
func (c *Client) CreateConversation(ctx context.Context, req *domain.CreateConversationRequest) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conv, nil
}

// Submit calls POST /api/conversations/:id/messages and returns the
// server-assigned generation id.
func (c *Client) Submit(ctx context.Context, req *domain.GenerationRequest) (*domain.SubmitResponse, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", domain.ErrInvalidRequest)
	}

	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(req.ConversationID))
	var resp domain.SubmitResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit generation: %w", err)
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("failed to submit generation: response has no message id")
	}
	return &resp, nil
}

// Status calls GET /api/conversations/:id/messages/:message_id/status.
func (c *Client) Status(ctx context.Context, conversationID, generationID string) (*domain.StatusResponse, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages/%s/status",
		url.PathEscape(conversationID), url.PathEscape(generationID))

	var resp domain.StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	return &resp, nil
}

// Messages calls GET /api/conversations/:id/messages.
func (c *Client) Messages(ctx context.Context, conversationID string, skip, limit int) ([]*domain.Message, error) {
	q := url.Values{}
	q.Set("skip", fmt.Sprint(skip))
	q.Set("limit", fmt.Sprint(limit))
	path := fmt.Sprintf("/api/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())

	var msgs []*domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// StreamURL returns the push endpoint for a generation
func (c *Client) StreamURL(conversationID, generationID string) (string, error) {
	base := c.wsURL
	if base == "" {
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return "", fmt.Errorf("invalid base url: %w", err)
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		base = strings.TrimSuffix(u.String(), "/")
	}

	q := url.Values{}
	q.Set("conversation_id", conversationID)
	return fmt.Sprintf("%s/ws/messages/%s/stream?%s", base, url.PathEscape(generationID), q.Encode()), nil
}

// StreamHeader returns the headers used when dialing the push endpoint
func (c *Client) StreamHeader() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Detail = errResp.Error
			if apiErr.Detail == "" {
				apiErr.Detail = errResp.Detail
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
