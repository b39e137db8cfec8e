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
	"net/url"
	"os"
	"time"
)

// ErrNotFound is returned when the daemon does not know the server name.
var ErrNotFound = errors.New("unknown server")

// Client talks to a craftvisor daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted in addition to the system pool
	Insecure bool   // skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. TLS settings only matter for https base URLs.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 opt-in for self-signed daemons
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate %s", config.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.List(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// List returns registered server names. A non-empty pattern filters them
// with '*' wildcards.
func (c *Client) List(ctx context.Context, pattern ...string) ([]string, error) {
	p := "/servers"
	if len(pattern) > 0 && pattern[0] != "" {
		p += "?match=" + url.QueryEscape(pattern[0])
	}
	var names []string
	err := c.do(ctx, http.MethodGet, p, nil, &names)
	return names, err
}

// Add registers a server. Added is false when the name already existed.
func (c *Client) Add(ctx context.Context, req AddRequest) (AddResponse, error) {
	var out AddResponse
	err := c.do(ctx, http.MethodPost, "/servers", req, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, serverPath(name, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "start"), nil, nil)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "stop"), nil, nil)
}

func (c *Client) Kill(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "kill"), nil, nil)
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "restart"), nil, nil)
}

// Send writes a console command to the server's stdin.
func (c *Client) Send(ctx context.Context, name, command string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "command"), commandRequest{Command: command}, nil)
}

func (c *Client) Status(ctx context.Context, name string) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodGet, serverPath(name, "status"), nil, &out)
	return out, err
}

func (c *Client) Players(ctx context.Context, name string) ([]string, error) {
	var out playersResponse
	err := c.do(ctx, http.MethodGet, serverPath(name, "players"), nil, &out)
	return out.Players, err
}

// Tasks lists the scheduled tasks of a server ordered by next run.
func (c *Client) Tasks(ctx context.Context, name string) ([]Task, error) {
	var out tasksResponse
	if err := c.do(ctx, http.MethodGet, serverPath(name, "tasks"), nil, &out); err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(out.Tasks))
	for _, e := range out.Tasks {
		t := e.Task
		t.Next, t.Prev = e.Next, e.Prev
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *Client) Metrics(ctx context.Context, name string) (ServerMetrics, error) {
	var out ServerMetrics
	err := c.do(ctx, http.MethodGet, serverPath(name, "metrics"), nil, &out)
	return out, err
}

func (c *Client) AllMetrics(ctx context.Context) ([]ServerMetrics, error) {
	var out []ServerMetrics
	err := c.do(ctx, http.MethodGet, "/metrics/servers", nil, &out)
	return out, err
}

func serverPath(name, action string) string {
	p := "/servers/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do performs one API call. body is JSON-encoded when non-nil; a 2xx
// response is decoded into out when out is non-nil.
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
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
