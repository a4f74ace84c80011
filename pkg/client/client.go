// Package client is the official Go SDK for EchoDrop.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Drop a voice message into the queue
//	res, err := c.Submit(ctx, audioBytes, "audio/ogg", "")
//
//	// Listen for pairings on the live channel
//	s, err := c.Dial(ctx)
//	s.JoinQueue(nil)
//	for ev := range s.Events() {
//	    if ev.Type == client.EventMessageReceived {
//	        audio, _, _ := c.Download(ctx, ev.URL)
//	        play(audio)
//	    }
//	}
//
// # Error handling
//
// All REST methods return an *APIError when the server responds with a
// non-2xx status code. Check errors.As(err, &client.APIError{}) to inspect
// the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client
// internally so connections are reused across goroutines.
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
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the EchoDrop server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("echodrop: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsQueueFull reports whether the error is a 503 from the server, meaning the
// pending message queue is at capacity.
func IsQueueFull(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EchoDrop API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the EchoDrop server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://echodrop.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// SubmitResult is returned when a voice message is accepted.
type SubmitResult struct {
	// MessageID is the ULID assigned at submission time.
	MessageID string
	// QueuePosition is the number of messages pending after this one was
	// enqueued (1 = delivered next).
	QueuePosition int
}

// ReplyResult is returned when a reply is accepted.
type ReplyResult struct {
	ReplyID string
	// Delivered reports whether the original sender was still waiting for a
	// reply when this one arrived.
	Delivered bool
}

// MessageInfo describes a stored message and how to fetch its audio.
type MessageInfo struct {
	MessageID   string
	URL         string // signed path, valid until ExpiresAt
	ContentType string
	SizeBytes   int64
	ExpiresAt   time.Time
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status            string
	Uptime            time.Duration
	ActiveConnections int
	QueueLength       int
	PendingReplies    int
}

// ─── Operations ───────────────────────────────────────────────────────────────

// Submit uploads a voice message. senderID ties the message to the caller's
// live-channel connection id so the server never pairs the caller with their
// own message; pass "" for fully anonymous drops.
func (c *Client) Submit(ctx context.Context, audio []byte, contentType, senderID string) (*SubmitResult, error) {
	path := "/messages"
	if senderID != "" {
		path += "?sender_id=" + url.QueryEscape(senderID)
	}

	var resp struct {
		MessageID     string `json:"message_id"`
		QueuePosition int    `json:"queue_position"`
	}
	if err := c.doAudio(ctx, path, audio, contentType, &resp); err != nil {
		return nil, err
	}
	return &SubmitResult{MessageID: resp.MessageID, QueuePosition: resp.QueuePosition}, nil
}

// Reply uploads a reply to the message with the given id. The result's
// Delivered field reports whether anyone was still waiting for it.
func (c *Client) Reply(ctx context.Context, originalMessageID string, audio []byte, contentType string) (*ReplyResult, error) {
	path := "/messages/" + url.PathEscape(originalMessageID) + "/reply"

	var resp struct {
		ReplyID   string `json:"reply_id"`
		Delivered bool   `json:"delivered"`
	}
	if err := c.doAudio(ctx, path, audio, contentType, &resp); err != nil {
		return nil, err
	}
	return &ReplyResult{ReplyID: resp.ReplyID, Delivered: resp.Delivered}, nil
}

// Message fetches metadata and a fresh signed download URL for a stored
// message. Returns a 404 *APIError (see IsNotFound) when the message's audio
// has been reclaimed.
func (c *Client) Message(ctx context.Context, messageID string) (*MessageInfo, error) {
	var resp struct {
		MessageID   string `json:"message_id"`
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		SizeBytes   int64  `json:"size_bytes"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID), &resp); err != nil {
		return nil, err
	}
	return &MessageInfo{
		MessageID:   resp.MessageID,
		URL:         resp.URL,
		ContentType: resp.ContentType,
		SizeBytes:   resp.SizeBytes,
		ExpiresAt:   time.UnixMilli(resp.ExpiresAt).UTC(),
	}, nil
}

// Download retrieves audio bytes from a signed path previously obtained from
// Message or a message-received event. It returns the bytes and their
// content type.
func (c *Client) Download(ctx context.Context, signedPath string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+signedPath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("echodrop: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("echodrop: download: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("echodrop: read download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", apiErrorFrom(resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Health returns the server's health snapshot.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status            string `json:"status"`
		UptimeSeconds     int64  `json:"uptime_seconds"`
		ActiveConnections int    `json:"active_connections"`
		QueueLength       int    `json:"queue_length"`
		PendingReplies    int    `json:"pending_replies"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:            resp.Status,
		Uptime:            time.Duration(resp.UptimeSeconds) * time.Second,
		ActiveConnections: resp.ActiveConnections,
		QueueLength:       resp.QueueLength,
		PendingReplies:    resp.PendingReplies,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// doAudio POSTs raw audio bytes and decodes the JSON response into out.
func (c *Client) doAudio(ctx context.Context, path string, audio []byte, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("echodrop: build request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	return c.send(req, out)
}

// doJSON performs a bodyless request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("echodrop: build request: %w", err)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("echodrop: request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("echodrop: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFrom(resp.StatusCode, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("echodrop: decode response: %w", err)
		}
	}
	return nil
}

func apiErrorFrom(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
