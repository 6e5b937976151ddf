package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reelvault/reelvault/internal/logctx"
)

const (
	requestTimeout = 10 * time.Second
	triesPerHost   = 3
)

// Endpoint is one upstream API base URL with its failover priority.
// Lower rank means tried first. The list is fixed at construction and is
// never reordered at runtime.
type Endpoint struct {
	BaseURL string
	Rank    int
}

// Response is a well-formed success answer from a gateway endpoint.
type Response struct {
	StatusCode int
	Body       []byte
	Endpoint   Endpoint
}

// ProbeInfo describes a media source URL before the download starts.
type ProbeInfo struct {
	TotalBytes    int64
	SupportsRange bool
	ETag          string
}

// AttemptObserver is notified of every attempt, success or failure.
// Used by telemetry; a nil observer is fine.
type AttemptObserver func(endpoint string, rank, attempt int, latency time.Duration, err error)

// MediaSource is the part of the gateway the download pipeline consumes.
type MediaSource interface {
	Probe(ctx context.Context, rawURL string) (*ProbeInfo, error)
	OpenStream(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error)
}

// Client resolves logical API calls against an ordered endpoint list with
// per-endpoint retries and failover. It keeps no health state between
// calls: every call starts again at the top-priority endpoint.
type Client struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	observe     AttemptObserver
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryDelays replaces the backoff table. Intended for tests.
func WithRetryDelays(delays []time.Duration) Option {
	return func(c *Client) { c.retryDelays = delays }
}

// WithAttemptObserver installs a per-attempt callback.
func WithAttemptObserver(fn AttemptObserver) Option {
	return func(c *Client) { c.observe = fn }
}

// NewClient builds a Client from base URLs in priority order.
func NewClient(baseURLs []string, opts ...Option) (*Client, error) {
	if len(baseURLs) == 0 {
		return nil, fmt.Errorf("at least one gateway URL is required")
	}

	endpoints := make([]Endpoint, 0, len(baseURLs))

	for i, raw := range baseURLs {
		u, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid gateway URL %q", raw)
		}

		endpoints = append(endpoints, Endpoint{BaseURL: u.String(), Rank: i})
	}

	c := &Client{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: requestTimeout},
		retryDelays: defaultRetryDelays,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Endpoints returns a copy of the fixed priority list.
func (c *Client) Endpoints() []Endpoint {
	out := make([]Endpoint, len(c.endpoints))
	copy(out, c.endpoints)

	return out
}

// Do resolves a logical API call. Each endpoint gets up to three tries with
// backoff before the next endpoint is attempted; the first well-formed 2xx
// response wins and no further endpoints are tried.
func (c *Client) Do(ctx context.Context, path string, query url.Values) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx)
	lastErrors := make(map[string]error, len(c.endpoints))

	for _, ep := range c.endpoints {
		for attempt := 1; attempt <= triesPerHost; attempt++ {
			start := time.Now()

			resp, err := c.attempt(ctx, ep, path, query)
			latency := time.Since(start)

			if c.observe != nil {
				c.observe(ep.BaseURL, ep.Rank, attempt, latency, err)
			}

			if err == nil {
				logger.Debug("gateway request succeeded",
					"endpoint", ep.BaseURL, "attempt", attempt, "latency_ms", latency.Milliseconds())

				return resp, nil
			}

			logger.Warn("gateway request failed",
				"endpoint", ep.BaseURL, "attempt", attempt, "latency_ms", latency.Milliseconds(), "err", err)

			lastErrors[ep.BaseURL] = err

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if attempt < triesPerHost {
				if err := sleepCtx(ctx, backoffDelay(c.retryDelays, attempt)); err != nil {
					return nil, err
				}
			}
		}
	}

	return nil, &AllGatewaysError{LastErrors: lastErrors}
}

func (c *Client) attempt(ctx context.Context, ep Endpoint, path string, query url.Values) (*Response, error) {
	reqURL := ep.BaseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		return nil, &BadStatusError{Endpoint: ep.BaseURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if !json.Valid(body) {
		return nil, &MalformedResponseError{Endpoint: ep.BaseURL, Err: fmt.Errorf("body is not valid JSON")}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body, Endpoint: ep}, nil
}

// Probe issues a HEAD request against an absolute media URL to learn its
// size, Range support and validator. Upstreams that reject HEAD get a
// one-byte ranged GET instead.
func (c *Client) Probe(ctx context.Context, rawURL string) (*ProbeInfo, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= triesPerHost; attempt++ {
		start := time.Now()

		info, err := c.probeOnce(ctx, rawURL)
		latency := time.Since(start)

		if c.observe != nil {
			c.observe(rawURL, -1, attempt, latency, err)
		}

		if err == nil {
			return info, nil
		}

		logger.Warn("source probe failed", "url", rawURL, "attempt", attempt, "err", err)

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < triesPerHost {
			if err := sleepCtx(ctx, backoffDelay(c.retryDelays, attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to probe source: %w", lastErr)
}

func (c *Client) probeOnce(ctx context.Context, rawURL string) (*ProbeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return c.probeByRangedGet(ctx, rawURL)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &BadStatusError{Endpoint: rawURL, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength < 0 {
		return nil, &MalformedResponseError{Endpoint: rawURL, Err: fmt.Errorf("missing Content-Length")}
	}

	return &ProbeInfo{
		TotalBytes:    resp.ContentLength,
		SupportsRange: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:          resp.Header.Get("ETag"),
	}, nil
}

func (c *Client) probeByRangedGet(ctx context.Context, rawURL string) (*ProbeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, &MalformedResponseError{Endpoint: rawURL, Err: err}
		}

		return &ProbeInfo{
			TotalBytes:    total,
			SupportsRange: true,
			ETag:          resp.Header.Get("ETag"),
		}, nil
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return nil, &MalformedResponseError{Endpoint: rawURL, Err: fmt.Errorf("missing Content-Length")}
		}

		return &ProbeInfo{
			TotalBytes:    resp.ContentLength,
			SupportsRange: false,
			ETag:          resp.Header.Get("ETag"),
		}, nil
	default:
		return nil, &BadStatusError{Endpoint: rawURL, StatusCode: resp.StatusCode}
	}
}

// parseContentRangeTotal extracts the total size from "bytes 0-0/1234".
func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	return total, nil
}

// OpenStream opens the media body at the given byte offset. Offset zero is
// a plain GET; a positive offset issues a ranged GET and requires a 206.
// A stream interruption is not failed over here: resuming a partial
// download is the caller's concern.
func (c *Client) OpenStream(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	// The stream outlives the per-request timeout, so use the transport
	// without the client-level deadline.
	streamClient := &http.Client{Transport: c.httpClient.Transport}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}

	wantStatus := http.StatusOK
	if offset > 0 {
		wantStatus = http.StatusPartialContent
	}

	if resp.StatusCode != wantStatus {
		resp.Body.Close()

		return nil, &BadStatusError{Endpoint: rawURL, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}
