// Package remote is the HTTP client for the remote optimization service:
// job submission and polling, the training gate, and catalog reads.
//
// Every request carries the active company from the context as the
// "Environment" header and is signed with X-HMAC-Signature over the exact
// request body.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/internal/jobtracker"
	"github.com/ChuLiYu/shiftplan/internal/metrics"
)

// ErrNoBaseURL is returned by New when Config.BaseURL is empty.
var ErrNoBaseURL = errors.New("remote: base url is required")

// Config holds the remote service endpoint and the polling policy.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration

	// Secrets maps environment to HMAC secret; DefaultSecret is used for
	// environments not listed.
	Secrets       map[string]string
	DefaultSecret string

	PollInterval    time.Duration // job status interval, default 2s
	MaxPollAttempts int           // default 600 (20 minutes at 2s)

	TrainingPollInterval time.Duration // default 1s
	TrainingMaxAttempts  int           // default 180
	TrainingMinPolls     int           // polls before a non-running status is trusted, default 2
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 45 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 600
	}
	if c.TrainingPollInterval <= 0 {
		c.TrainingPollInterval = time.Second
	}
	if c.TrainingMaxAttempts <= 0 {
		c.TrainingMaxAttempts = 180
	}
	if c.TrainingMinPolls <= 0 {
		c.TrainingMinPolls = 2
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records job and training activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracker records submitted jobs and every poll observation on t.
func WithTracker(t *jobtracker.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// Client talks to the remote optimization service.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	signer  *Signer
	logger  *slog.Logger
	metrics *metrics.Collector
	tracker *jobtracker.Tracker
}

// New builds a Client. The base URL must be absolute.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: base url %q is not absolute", cfg.BaseURL)
	}

	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		base:   base,
		signer: NewSigner(cfg.DefaultSecret, cfg.Secrets),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Config returns the effective configuration (defaults applied).
func (c *Client) Config() Config {
	return c.cfg
}

// send performs one signed JSON request and returns the raw response body.
// Non-2xx responses are returned as *HTTPError together with the body.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()
	env := company.FromContext(ctx)

	var bs []byte
	if body != nil {
		var err error
		bs, err = json.Marshal(body)
		if err != nil {
			c.logger.Error("remote.http.encode_error", "req_id", reqID, "error", err)
			return nil, fmt.Errorf("encode json: %w", err)
		}
	}

	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(bs))
	if err != nil {
		c.logger.Error("remote.http.build_request_error", "req_id", reqID, "error", err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if env != "" {
		req.Header.Set("Environment", env)
	}
	req.Header.Set("X-HMAC-Signature", c.signer.Sign(env, bs))

	c.logger.Debug("remote.http.request",
		"req_id", reqID,
		"method", method,
		"path", path,
		"environment", env,
		"content_length", len(bs),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("remote.http.send_error", "req_id", reqID, "path", path, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("remote.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("remote.http.response",
		"req_id", reqID,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, &HTTPError{StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// getJSON issues a GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	raw, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
