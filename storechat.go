// Package storechat is the Go client SDK for the storefront's direct
// messaging service. It combines a REST messaging client with a real-time
// connection, an optimistic per-conversation message timeline, conversation
// and unread-count bookkeeping, and typing/read-receipt propagation.
//
// Example:
//
//	client := storechat.NewClient(token)
//	conn := storechat.NewConn("https://api.sub000.shop")
//	sess := storechat.NewSession(storechat.UserSnapshot{ID: 7, Name: "Ha"}, client, conn)
//
//	conn.Connect(ctx, token)
//	sess.OpenConversation(ctx, 42)
//	sess.Send(ctx, "Hello!")
package storechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.sub000.shop"
	DefaultTimeout = 30 * time.Second

	// DefaultHistoryLimit is how many recent messages a conversation open
	// fetches as its baseline.
	DefaultHistoryLimit = 50
)

// Sentinel errors shared across the SDK.
var (
	ErrNoToken          = errors.New("storechat: no auth token")
	ErrNotConnected     = errors.New("storechat: not connected")
	ErrEmptyContent     = errors.New("storechat: message content is empty")
	ErrNoConversation   = errors.New("storechat: no open conversation")
	ErrPendingDuplicate = errors.New("storechat: identical send already pending")
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST messaging client. It is the fallback delivery path when
// the real-time connection is down and the source of truth for history,
// conversation lists, and unread aggregates.
type Client struct {
	token          string
	baseURL        string
	httpClient     *http.Client
	logger         *log.Logger
	onUnauthorized func()
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithUnauthorizedHandler registers the session-expiry hook. It fires once
// per 401-class response; credential teardown and redirect live with the
// caller, not here.
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a REST messaging client authenticated by a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, &APIError{Code: "UNAUTHORIZED", Message: "session expired or invalid token"}
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeError turns an error response body into an APIError. The server
// wraps errors as {"error": {"code", "message"}}, but older endpoints return
// a bare {"message"}.
func decodeError(status int, data []byte) error {
	var wrapped struct {
		Error   *APIError `json:"error"`
		Message string    `json:"message"`
	}
	if json.Unmarshal(data, &wrapped) == nil {
		if wrapped.Error != nil && wrapped.Error.Message != "" {
			return wrapped.Error
		}
		if wrapped.Message != "" {
			return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: wrapped.Message}
		}
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messaging endpoints
// ============================================================================

// SendMessage delivers a message over REST. This is the fallback path when
// the socket is down; the returned message carries the durable server id.
func (c *Client) SendMessage(ctx context.Context, toUserID int64, content string) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	data, err := c.doRequest(ctx, "POST", "/messages", map[string]any{
		"toUserId": toUserID,
		"content":  content,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Conversations fetches a page of the conversation directory, ordered by
// most recent activity. search is an optional server-side filter on the peer
// display name.
func (c *Client) Conversations(ctx context.Context, page, limit int, search string) (*ConversationPage, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	if search != "" {
		query["search"] = search
	}
	data, err := c.doRequest(ctx, "GET", "/messages/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// ConversationHistory fetches a page of messages exchanged with userID,
// sorted by the server.
func (c *Client) ConversationHistory(ctx context.Context, userID int64, page, limit int) (*MessagePage, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	data, err := c.doRequest(ctx, "GET", "/messages/conversation/"+strconv.FormatInt(userID, 10), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// UnreadCount returns the server-side unread aggregate across all
// conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	result, err := decodeJSON[struct {
		UnreadCount int `json:"unreadCount"`
	}](data)
	if err != nil {
		return 0, err
	}
	return result.UnreadCount, nil
}

// MarkAsRead acknowledges all messages from fromUserID. Idempotent
// server-side; callers never need to check local state first.
func (c *Client) MarkAsRead(ctx context.Context, fromUserID int64) error {
	_, err := c.doRequest(ctx, "PUT", "/messages/mark-as-read", map[string]any{
		"fromUserId": fromUserID,
	}, nil)
	return err
}

// MarkConversationAsRead zeroes the unread counter for the conversation with
// fromUserID. Idempotent server-side.
func (c *Client) MarkConversationAsRead(ctx context.Context, fromUserID int64) error {
	_, err := c.doRequest(ctx, "PUT", "/messages/mark-conversation-as-read/"+strconv.FormatInt(fromUserID, 10), nil, nil)
	return err
}
