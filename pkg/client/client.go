// Package client is a Go client for the craftvisor daemon API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8520/api"

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// CACert verifies a daemon using a self-signed certificate.
	CACert   string
	Insecure bool // skip TLS verification
}

// Client talks to a running craftvisor daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure || cfg.CACert != "" {
		tc, err := clientTLS(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func clientTLS(cfg Config) (*tls.Config, error) {
	// #nosec G402 opt-in via --api-insecure
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.Insecure}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA file")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// BaseURL returns the API root, without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Statuses(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, serverID int64) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodGet, serverPath(serverID, ""), nil, &out)
	return out, err
}

// Console returns the buffered console lines, oldest first. Lines are HTML
// escaped with highlight spans.
// CreateServer registers a new server. It is left stopped.
func (c *Client) CreateServer(ctx context.Context, s NewServer) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodPost, "/servers", s, &out)
	return out, err
}

// DeleteServer stops a server and deletes it with its commands and schedules.
func (c *Client) DeleteServer(ctx context.Context, serverID int64) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+strconv.FormatInt(serverID, 10), nil, nil)
}

func (c *Client) Console(ctx context.Context, serverID int64) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, serverPath(serverID, "/console"), nil, &out)
	return out.Lines, err
}

// Enqueue queues a command and returns its queue id. The dispatcher runs it
// on its next poll.
func (c *Client) Enqueue(ctx context.Context, serverID int64, req CommandRequest) (int64, error) {
	c.logger.Debug("enqueue command", "server_id", serverID, "command", req.Command)
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, serverPath(serverID, "/commands"), req, &out)
	return out.ID, err
}

func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

func (c *Client) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := c.do(ctx, http.MethodGet, "/schedules/entries", nil, &out)
	return out, err
}

func (c *Client) CreateSchedule(ctx context.Context, s Schedule) (Schedule, error) {
	var out Schedule
	err := c.do(ctx, http.MethodPost, "/schedules", s, &out)
	return out, err
}

func (c *Client) UpdateSchedule(ctx context.Context, s Schedule) error {
	return c.do(ctx, http.MethodPut, "/schedules/"+strconv.FormatInt(s.ID, 10), s, nil)
}

func (c *Client) DeleteSchedule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/schedules/"+strconv.FormatInt(id, 10), nil, nil)
}

func serverPath(id int64, suffix string) string {
	return "/servers/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var errorResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
