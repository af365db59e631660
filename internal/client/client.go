package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
)

// Client talks to a running recall server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL uses RECALL_URL,
// falling back to the default local address.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("RECALL_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// StatusError is returned for any 4xx/5xx reply.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// Turn mirrors the server's turn representation.
type Turn struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Seq            int64  `json:"seq"`
	UserText       string `json:"user_text"`
	ResponseText   string `json:"response_text"`
	UserTokens     int    `json:"user_tokens"`
	ResponseTokens int    `json:"response_tokens"`
	CreatedAt      string `json:"created_at"`
	Tier           string `json:"tier"`
	Important      bool   `json:"important"`
	SummaryID      string `json:"summary_id,omitempty"`
	OriginID       string `json:"origin_id,omitempty"`
}

// Session mirrors the server's session representation.
type Session struct {
	ID         string `json:"session_id"`
	UserID     string `json:"user_id"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	TokenTotal int    `json:"token_total"`
	Active     bool   `json:"active"`
}

// TurnInput is the body of a record call.
type TurnInput struct {
	UserID       string `json:"user_id,omitempty"`
	UserText     string `json:"user_text"`
	ResponseText string `json:"response_text"`
	Important    bool   `json:"important,omitempty"`
}

// ContextQuery selects what GetContext asks for.
type ContextQuery struct {
	Query     string
	Scope     string
	MaxTokens int
	Markdown  bool
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// StartSession opens a session. An empty id lets the server pick one.
func (c *Client) StartSession(ctx context.Context, id, userID string) (*Session, error) {
	var out Session
	body := map[string]string{"session_id": id, "user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/init", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordTurn appends a turn and returns its ID.
func (c *Client) RecordTurn(ctx context.Context, sessionID string, in TurnInput) (string, error) {
	var out struct {
		TurnID string `json:"turn_id"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "turns"), in, &out); err != nil {
		return "", err
	}
	return out.TurnID, nil
}

// Turns lists a session's turns, optionally restricted to tiers
// (comma separated).
func (c *Client) Turns(ctx context.Context, sessionID, tiers string) ([]Turn, error) {
	path := sessionPath(sessionID, "turns")
	if tiers != "" {
		path += "?tier=" + url.QueryEscape(tiers)
	}
	var out struct {
		Turns []Turn `json:"turns"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

// Context fetches a packed context. With q.Markdown set the result
// holds a "context" string; otherwise the full item list.
func (c *Client) Context(ctx context.Context, sessionID string, q ContextQuery) (map[string]any, error) {
	v := url.Values{}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Scope != "" {
		v.Set("scope", q.Scope)
	}
	if q.MaxTokens > 0 {
		v.Set("max_tokens", strconv.Itoa(q.MaxTokens))
	}
	if q.Markdown {
		v.Set("format", "markdown")
	}
	path := sessionPath(sessionID, "context")
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CloseSession ends a session; compression runs server-side.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "close"), nil, nil)
}

// Compress runs compression for a closed session and returns the report.
func (c *Client) Compress(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "compress"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resurface copies a turn into the given active session.
func (c *Client) Resurface(ctx context.Context, turnID, sessionID string) (string, error) {
	var out struct {
		TurnID string `json:"turn_id"`
	}
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, http.MethodPost, "/api/turns/"+url.PathEscape(turnID)+"/resurface", body, &out); err != nil {
		return "", err
	}
	return out.TurnID, nil
}

// Stats returns the server's store and index counters.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		msg := string(bytes.TrimSpace(data))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + "/" + suffix
}
