// Package client talks to the chatsql API and keeps a reconcile.Store in
// step with a session's stream.
package client

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

	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/query"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
	"github.com/chatsql/chatsql/internal/task"
)

type Options struct {
	BaseURL string
	APIKey  string
	// Identity is sent as headers when no API key is set; the server only
	// honours them with auth disabled.
	Identity   auth.Identity
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL  string
	apiKey   string
	identity auth.Identity
	http     *http.Client
	// streams has no timeout; a stream stays open for as long as it is read.
	streams *http.Client
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	streams := &http.Client{Transport: httpClient.Transport}
	return &Client{
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(opts.APIKey),
		identity: opts.Identity,
		http:     httpClient,
		streams:  streams,
	}
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	TraceID    string `json:"trace_id"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Turn = nl2sql.Turn

type ConversationRequest struct {
	SessionID             string `json:"sessionId,omitempty"`
	Title                 string `json:"title,omitempty"`
	DatabaseConnectionRef string `json:"databaseConnectionRef,omitempty"`
	ModelConnectionRef    string `json:"modelConnectionRef,omitempty"`
	Message               string `json:"message"`
	History               []Turn `json:"history,omitempty"`
	Hint                  string `json:"hint,omitempty"`
	Wait                  bool   `json:"wait,omitempty"`
}

type ConversationResponse struct {
	Session     session.Session `json:"session"`
	Task        session.Task    `json:"task"`
	UserMessage session.Message `json:"userMessage"`
}

type SessionSummary struct {
	ID                    string         `json:"id"`
	Title                 string         `json:"title"`
	OwnerID               string         `json:"ownerId"`
	DatabaseConnectionRef string         `json:"databaseConnectionRef"`
	Status                session.Status `json:"status"`
	ActiveTaskID          string         `json:"activeTaskId,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

func (c *Client) Converse(ctx context.Context, request ConversationRequest) (ConversationResponse, error) {
	var out ConversationResponse
	err := c.do(ctx, http.MethodPost, "/v1/conversations", request, &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (session.Session, error) {
	var out session.Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	path := "/v1/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Sessions, err
}

func (c *Client) Status(ctx context.Context, sessionID string) (task.StatusView, error) {
	var out task.StatusView
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/status", nil, &out)
	return out, err
}

func (c *Client) Task(ctx context.Context, taskID string) (session.Task, error) {
	var out session.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

func (c *Client) Archive(ctx context.Context, taskID string) (query.Result, error) {
	var out query.Result
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID)+"/archive?format=json", nil, &out)
	return out, err
}

func (c *Client) Truncate(ctx context.Context, sessionID, messageID string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID) + "/truncate"
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Removed, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// EventStream is an open NDJSON session stream.
type EventStream struct {
	body    io.ReadCloser
	decoder *stream.Decoder
}

// Next returns the next event, or io.EOF when the server closed the stream.
func (s *EventStream) Next() (stream.Event, error) {
	return s.decoder.Decode()
}

func (s *EventStream) Close() error {
	return s.body.Close()
}

func (c *Client) Stream(ctx context.Context, sessionID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", stream.ContentType)
	resp, err := c.streams.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return &EventStream{body: resp.Body, decoder: stream.NewDecoder(resp.Body)}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
		return req, nil
	}
	if c.identity.OrganizationID != "" {
		req.Header.Set(auth.HeaderOrganizationID, c.identity.OrganizationID)
	}
	if c.identity.UserID != "" {
		req.Header.Set(auth.HeaderUserID, c.identity.UserID)
	}
	if c.identity.Role != "" {
		req.Header.Set(auth.HeaderRole, c.identity.Role)
	}
	return req, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
