// Package autoapi holds the HTTP plumbing shared by marketplace feeds hosted
// on auto-api.com: api_key authentication, a per-call timeout, a token-bucket
// rate limiter, and status classification into the source error taxonomy.
package autoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/njoerd114/listingrelay/internal/source"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 5
	defaultBurst     = 5
	maxBodyBytes     = 32 << 20
	userAgent        = "listingrelay/1"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the feed root, e.g. https://api1.auto-api.com/api/v2/dongchedi.
	BaseURL string

	// APIKey is sent as the api_key query parameter, and as the x-api-key
	// header on POST lookups.
	APIKey string

	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration

	// RateLimit is the sustained request rate per second. Defaults to 5.
	RateLimit float64

	// Burst is the limiter bucket size. Defaults to 5.
	Burst int

	// HTTPClient overrides the transport. Tests inject httptest clients here.
	HTTPClient *http.Client
}

// StatusError is returned for 4xx responses the client does not classify
// itself. Adapters map it to the error that fits the endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Client issues authenticated JSON requests against one feed.
type Client struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    base,
		apiKey:  opts.APIKey,
		timeout: opts.Timeout,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
	}, nil
}

// BaseURL returns the feed root the client was built with.
func (c *Client) BaseURL() string { return c.base.String() }

// Get issues GET {base}{path}?{params}&api_key=... and decodes the JSON
// response into out.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()
	return c.do(ctx, http.MethodGet, u.String(), nil, out)
}

// Post issues a JSON POST to an absolute URL on the same host family,
// authenticated with the x-api-key header.
func (c *Client) Post(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawURL, payload, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", source.ErrUpstreamUnavailable, method, redact(rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: reading response: %v", source.ErrUpstreamUnavailable, err)
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", source.ErrUpstreamUnavailable, err)
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return source.ErrNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: status %d", source.ErrUpstreamUnavailable, status)
	default:
		return &StatusError{Status: status, Body: snippet(body)}
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// redact strips the api_key query parameter so URLs are safe to log.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
