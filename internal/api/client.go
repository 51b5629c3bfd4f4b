// Package api is the request/response side of the relay: message history,
// notification listing, acknowledgement and publishing over plain HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fitmatch/realtime/internal/protocol"
)

// HistoryLimit is the number of messages requested when a room opens.
const HistoryLimit = 100

// Client calls the relay's HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for a relay base URL such as http://localhost:8080.
// A nil httpClient uses a client with a 10 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// HistoryResponse is the body of GET /rooms/{id}/messages.
type HistoryResponse struct {
	Messages []protocol.Message `json:"messages"`
}

// NotificationsResponse is the body of GET /users/{id}/notifications.
type NotificationsResponse struct {
	Notifications []protocol.Notification `json:"notifications"`
}

// PublishRequest is the body of POST /users/{id}/notifications.
type PublishRequest struct {
	Category string          `json:"category"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ReportRequest is the body of POST /rooms/{id}/reports. The reported user
// is the other participant of the room.
type ReportRequest struct {
	ReporterID string `json:"reporter_id"`
	Reason     string `json:"reason"`
	Details    string `json:"details,omitempty"`
}

// ReportResponse is the body returned for a filed report.
type ReportResponse struct {
	ID         int64  `json:"id"`
	ReportedID string `json:"reported_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoadHistory returns the most recent messages of a room, oldest first.
func (c *Client) LoadHistory(ctx context.Context, roomID string) ([]protocol.Message, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/messages?limit=" + strconv.Itoa(HistoryLimit)
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ListNotifications returns a user's stored notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, userID string, limit int) ([]protocol.Notification, error) {
	path := "/users/" + url.PathEscape(userID) + "/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp NotificationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// Acknowledge marks a notification read.
func (c *Client) Acknowledge(ctx context.Context, userID, notificationID string) error {
	path := "/users/" + url.PathEscape(userID) + "/notifications/" + url.PathEscape(notificationID) + "/ack"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Publish stores a notification for userID and pushes it to their live
// connections.
func (c *Client) Publish(ctx context.Context, userID string, req PublishRequest) (protocol.Notification, error) {
	path := "/users/" + url.PathEscape(userID) + "/notifications"
	var n protocol.Notification
	if err := c.do(ctx, http.MethodPost, path, req, &n); err != nil {
		return protocol.Notification{}, err
	}
	return n, nil
}

// Report files an abuse report against the other participant of roomID.
func (c *Client) Report(ctx context.Context, roomID string, req ReportRequest) (ReportResponse, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/reports"
	var resp ReportResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return ReportResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}
