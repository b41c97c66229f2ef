// Package download fetches remote content over http, https and file URLs
// with the retry, authentication and throttling rules remotes need.
package download

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for a silenced status code, or a missing file.
	ErrNotFound = errors.New("remote resource not found")
	// ErrRateLimited is returned when retries on HTTP 429 are exhausted.
	ErrRateLimited = errors.New("rate limited by remote")
	// ErrUnauthorized is returned when authentication is refused.
	ErrUnauthorized = errors.New("unauthorized by remote")
	// ErrUnsupportedScheme is returned for URLs other than http, https and file.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// StatusError is an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Config holds process-wide downloader settings.
type Config struct {
	TmpDir          string
	UserAgent       string
	RequestTimeout  time.Duration
	MaxConnsPerHost int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// DefaultConfig returns the defaults used by the server and workers.
func DefaultConfig() Config {
	return Config{
		TmpDir:          os.TempDir(),
		UserAgent:       "galaxy-content-repository",
		RequestTimeout:  5 * time.Minute,
		MaxConnsPerHost: 10,
		MaxRetries:      10,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      30 * time.Second,
	}
}

// Options configure the client for one remote.
type Options struct {
	// Token is a galaxy API token, or a refresh token when AuthURL is set.
	Token    string
	AuthURL  string
	Username string
	Password string
	ProxyURL string
	// RateLimit caps requests per second; zero disables throttling.
	RateLimit int
	// Concurrency bounds connections per host; zero uses the factory default.
	Concurrency int
	// TotalTimeout bounds each request in seconds; zero uses the default.
	TotalTimeout int
}

// Factory builds per-remote clients that share a connection pool and
// bearer token cache.
type Factory struct {
	cfg       Config
	transport *http.Transport
	tokens    *TokenRefresher
	logger    *slog.Logger
}

// NewFactory returns a Factory. tokens may be nil.
func NewFactory(cfg Config, tokens *TokenRefresher, logger *slog.Logger) *Factory {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = def.TmpDir
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewTokenRefresher(nil, nil)
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = cfg.MaxConnsPerHost
	t.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	return &Factory{cfg: cfg, transport: t, tokens: tokens, logger: logger}
}

// Client returns a client configured for one remote.
func (f *Factory) Client(opts Options) (*Client, error) {
	transport := f.transport
	if opts.ProxyURL != "" || opts.Concurrency > 0 {
		transport = f.transport.Clone()
		if opts.ProxyURL != "" {
			proxy, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
		}
		if opts.Concurrency > 0 {
			transport.MaxConnsPerHost = opts.Concurrency
			transport.MaxIdleConnsPerHost = opts.Concurrency
		}
	}
	timeout := f.cfg.RequestTimeout
	if opts.TotalTimeout > 0 {
		timeout = time.Duration(opts.TotalTimeout) * time.Second
	}
	c := &Client{
		factory: f,
		opts:    opts,
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}
	return c, nil
}

// Client downloads from one remote.
type Client struct {
	factory  *Factory
	opts     Options
	http     *http.Client
	limiter  *rate.Limiter
	silenced []int
}

// Silence returns a copy of the client that reports the given status codes
// as ErrNotFound. Throttling and connections stay shared.
func (c *Client) Silence(codes ...int) *Client {
	cp := *c
	cp.silenced = append(slices.Clone(c.silenced), codes...)
	return &cp
}

// Result is a completed download.
type Result struct {
	Path    string
	Digests artifact.Digests
	Header  http.Header
}

// Remove deletes the downloaded file.
func (r *Result) Remove() {
	if r != nil && r.Path != "" {
		_ = os.Remove(r.Path)
	}
}

// Download fetches rawURL into a temporary file, verifying it against
// expected. The caller removes the file.
func (c *Client) Download(ctx context.Context, rawURL string, expected artifact.Expected) (*Result, error) {
	body, header, err := c.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.factory.cfg.TmpDir, "download-*")
	if err != nil {
		return nil, err
	}
	hasher := artifact.NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	digests := hasher.Digests()
	if err := digests.Verify(expected); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	return &Result{Path: tmp.Name(), Digests: digests, Header: header}, nil
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, _, err := c.open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
		}
		if err != nil {
			return nil, nil, err
		}
		return f, http.Header{}, nil
	case "http", "https":
		resp, err := c.get(ctx, rawURL)
		if err != nil {
			return nil, nil, err
		}
		return resp.Body, resp.Header, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// get performs a GET with authentication and the retry rules: HTTP 429 is
// retried with exponential backoff, HTTP 401 once after a token refresh.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	refreshed := false
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.factory.cfg.UserAgent)
		bearer, err := c.authorize(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("GET %s timed out: %w", rawURL, err)
			}
			return nil, fmt.Errorf("GET %s: %w", rawURL, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized && bearer != "" && !refreshed:
			drain(resp)
			refreshed = true
			if err := c.factory.tokens.Invalidate(ctx, c.opts.AuthURL, c.opts.Token, bearer); err != nil {
				return nil, err
			}
			c.factory.logger.Debug("bearer token rejected, refreshing", "url", rawURL)
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			return nil, fmt.Errorf("%w: GET %s", ErrUnauthorized, rawURL)
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := c.backoff(attempt, resp.Header.Get("Retry-After"))
			drain(resp)
			if attempt+1 >= c.factory.cfg.MaxRetries {
				return nil, fmt.Errorf("%w: GET %s after %d attempts", ErrRateLimited, rawURL, attempt+1)
			}
			c.factory.logger.Debug("rate limited by remote", "url", rawURL, "attempt", attempt+1, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case slices.Contains(c.silenced, resp.StatusCode):
			drain(resp)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
		default:
			drain(resp)
			return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}
	}
}

// authorize sets credentials on req and returns the bearer token used, if any.
func (c *Client) authorize(ctx context.Context, req *http.Request) (string, error) {
	switch {
	case c.opts.Token != "" && c.opts.AuthURL != "":
		tok, err := c.factory.tokens.Token(ctx, c.opts.AuthURL, c.opts.Token)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return tok, nil
	case c.opts.Token != "":
		req.Header.Set("Authorization", "Token "+c.opts.Token)
	case c.opts.Username != "":
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}
	return "", nil
}

func (c *Client) backoff(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, c.factory.cfg.BackoffMax)
	}
	d := c.factory.cfg.BackoffBase << attempt
	if d <= 0 || d > c.factory.cfg.BackoffMax {
		d = c.factory.cfg.BackoffMax
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(d/4)+1)); err == nil {
		d += time.Duration(n.Int64())
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
