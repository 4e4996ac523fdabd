// Package client talks to the ptyhub daemon over HTTP and websocket.
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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptyhub/ptyhub/internal/config"
	configstore "github.com/ptyhub/ptyhub/internal/config/store"
	"github.com/ptyhub/ptyhub/internal/server"
	"github.com/ptyhub/ptyhub/internal/session"
)

const (
	defaultHTTPTimeout        = 30 * time.Second
	websocketHandshakeTimeout = 10 * time.Second
)

// Client communicates with the daemon using HTTP and WebSocket transports.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// New builds a client bound to the default instance. The daemon address
// comes from PTYHUB_BASE_URL, falling back to the configured listen address
// in the instance store, then to the built-in default.
func New() (*Client, error) {
	if base := strings.TrimSpace(os.Getenv("PTYHUB_BASE_URL")); base != "" {
		return NewWithBaseURL(base), nil
	}

	addr := server.DefaultListenAddr
	store, err := configstore.Open(configstore.Options{
		InstanceName: config.DefaultInstance,
		ReadOnly:     true,
	})
	if err == nil {
		if value, err := store.GetSetting(context.Background(), configstore.SettingListenAddr); err == nil && value != "" {
			addr = value
		}
		store.Close()
	}

	return NewWithBaseURL("http://" + addr), nil
}

// NewWithBaseURL builds a client for an explicit daemon address.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: websocketHandshakeTimeout,
		},
	}
}

// StartOptions carries parameters for StartSession.
type StartOptions struct {
	ProjectPath string
	Kind        session.TerminalKind
	Cols        uint16
	Rows        uint16
	Env         map[string]string
}

// StatusResult mirrors the daemon's status response.
type StatusResult struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
	PID     int    `json:"pid"`
	Kind    string `json:"terminalKind"`
}

type startResponse struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartSession starts the terminal process for a session and returns its
// PID.
func (c *Client) StartSession(ctx context.Context, sessionID string, opts StartOptions) (int, error) {
	body := map[string]any{
		"projectPath": opts.ProjectPath,
		"config": map[string]any{
			"cols": opts.Cols,
			"rows": opts.Rows,
			"env":  opts.Env,
		},
	}
	if opts.Kind != "" && opts.Kind != session.KindShell {
		body["terminalKind"] = string(opts.Kind)
	}

	var resp startResponse
	if err := c.postJSON(ctx, c.sessionPath(sessionID, opts.Kind, "start"), body, &resp); err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// StopSession stops the terminal process for a session.
func (c *Client) StopSession(ctx context.Context, sessionID string, kind session.TerminalKind, force bool) error {
	return c.postJSON(ctx, c.sessionPath(sessionID, kind, "stop"), map[string]bool{"force": force}, nil)
}

// SessionStatus reports the lifecycle state for a session's terminal slot.
func (c *Client) SessionStatus(ctx context.Context, sessionID string, kind session.TerminalKind) (StatusResult, error) {
	var result StatusResult
	err := c.getJSON(ctx, c.sessionPath(sessionID, kind, "status"), &result)
	return result, err
}

// ListSessions returns all live terminal handles.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	var infos []session.Info
	err := c.getJSON(ctx, "/sessions", &infos)
	return infos, err
}

// DialTerminal opens a terminal-channel websocket for a session.
func (c *Client) DialTerminal(ctx context.Context, sessionID string, kind session.TerminalKind) (*websocket.Conn, error) {
	wsURL, err := c.websocketURL("/ws/terminal", url.Values{
		"sessionId":    []string{sessionID},
		"terminalKind": []string{string(kind)},
	})
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// sessionPath builds the control-plane path for one session operation. The
// shell kind has dedicated routes; other kinds take the plain route with an
// explicit terminalKind where needed.
func (c *Client) sessionPath(sessionID string, kind session.TerminalKind, op string) string {
	if kind == session.KindShell {
		return fmt.Sprintf("/sessions/%s/shell/%s", sessionID, op)
	}
	path := fmt.Sprintf("/sessions/%s/%s", sessionID, op)
	if kind != "" && kind != session.KindAgent {
		path += "?terminalKind=" + url.QueryEscape(string(kind))
	}
	return path
}

func (c *Client) websocketURL(path string, query url.Values) (string, error) {
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
