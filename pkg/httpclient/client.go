// Package httpclient is the single HTTP funnel for every reporting API the
// pipeline talks to. It layers retry with exponential backoff, Retry-After
// handling, and an optional per-client request pacing gate over a pooled
// http.Client, so per-network adapters only describe requests.
package httpclient

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
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/lootfox/revmatch/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultTimeout     = 60 * time.Second
	defaultUserAgent   = "revmatch/1.0"
)

// Config configures a Client.
type Config struct {
	Logger *slog.Logger

	// Name labels this client's log lines and metrics, typically the
	// canonical network it serves.
	Name string

	// MaxAttempts is the total number of tries per request.
	MaxAttempts int

	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MinInterval imposes a minimum spacing between requests when the
	// upstream declares a QPS cap. Zero means unpaced.
	MinInterval time.Duration

	// Timeout bounds each attempt unless the request overrides it.
	Timeout time.Duration

	UserAgent string

	// Transport overrides the underlying round tripper, for tests.
	Transport http.RoundTripper

	// Clock is the time source, defaulting to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Request describes one HTTP exchange. Query is appended to any query
// already present in URL; Timeout overrides the client default when set.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Query   url.Values
	Body    []byte
	Timeout time.Duration
}

// Response is a fully drained HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// JSON unmarshals the response body.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w (body: %s)", err, truncate(r.Body, 256))
	}
	return nil
}

// Client retries transient failures and paces requests. Safe for use from
// parallel goroutines; pacing and connection pooling are shared per Client.
type Client struct {
	log     *slog.Logger
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	clock   clockwork.Clock
}

// New builds a Client from the config.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid httpclient config: %w", err)
	}
	var limiter *rate.Limiter
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		http:    &http.Client{Transport: cfg.Transport},
		limiter: limiter,
		clock:   cfg.Clock,
	}, nil
}

// Do executes the request with retries. Non-2xx responses return both the
// drained Response and a *StatusError so callers can inspect the payload.
// Retryable failures (transport errors, timeouts, 429, 5xx) are re-attempted
// up to MaxAttempts with exponential backoff; a Retry-After header takes
// precedence over the computed delay.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var (
		lastResp *Response
		lastErr  error
	)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt-2)
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > 0 {
				delay = statusErr.RetryAfter
			}
			c.log.Warn("httpclient: retrying request",
				"name", c.cfg.Name, "attempt", attempt, "delay", delay, "error", lastErr)
			metrics.HTTPRetriesTotal.WithLabelValues(c.cfg.Name).Inc()
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-c.clock.After(delay):
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			metrics.HTTPRequestsTotal.WithLabelValues(c.cfg.Name, "success").Inc()
			return resp, nil
		}
		lastResp, lastErr = resp, err
		metrics.HTTPRequestsTotal.WithLabelValues(c.cfg.Name, "error").Inc()

		if !isRetryable(ctx, err) {
			return lastResp, lastErr
		}
	}

	return lastResp, fmt.Errorf("failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.log.Debug("httpclient: request",
		"name", c.cfg.Name, "method", req.Method, "host", u.Host, "path", u.Path)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s://%s%s: %w", req.Method, u.Scheme, u.Host, u.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Header:     httpResp.Header,
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, &StatusError{
			Code:       httpResp.StatusCode,
			Body:       respBody,
			RetryAfter: retryAfterDelay(httpResp.Header, c.clock.Now()),
		}
	}
	return resp, nil
}

// Get issues a GET with optional query and headers.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Query: query, Header: header})
}

// PostJSON issues a POST with a JSON-encoded payload.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any, header http.Header) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	h := http.Header{}
	for k, vs := range header {
		h[k] = vs
	}
	h.Set("Content-Type", "application/json")
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: body})
}

// PostForm issues a POST with a form-encoded payload.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*Response, error) {
	h := http.Header{}
	for k, vs := range header {
		h[k] = vs
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: []byte(form.Encode())})
}
