// Package http fetches image payloads from resolved (typically signed) URLs.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"time"
)

const (
	// DefaultTimeout bounds a whole fetch when no client is supplied.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps the size of a fetched payload.
	DefaultMaxBytes int64 = 32 << 20 // 32 MB
)

var (
	// ErrStatus is returned when the server answers with a non-2xx status.
	ErrStatus = errors.New("unexpected http status")

	// ErrTooLarge is returned when a payload exceeds the configured limit.
	ErrTooLarge = errors.New("payload too large")
)

// Fetcher performs a single GET per call. It never retries.
type Fetcher struct {
	client   *nethttp.Client
	headers  nethttp.Header
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header on each request.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithMaxBytes caps the payload size. Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &nethttp.Client{Timeout: DefaultTimeout}
	}
	return f
}

// Fetch downloads the body at url.
//
// Transport failures are returned as-is (wrapped). Non-2xx responses yield
// ErrStatus and oversized bodies yield ErrTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := f.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}

func (f *Fetcher) newRequest(ctx context.Context, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "image/webp, image/jpeg, image/png, image/gif, */*;q=0.5")
	}
	return req, nil
}
