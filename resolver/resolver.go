// Package resolver turns opaque remote paths into fetchable URLs.
//
// The storage backend owns the resolver. URLs it returns are typically
// signed and short-lived; the cache only needs them to stay valid for one
// fetch, so they are never cached.
package resolver

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Resolver converts a remote path into a URL usable for one GET.
//
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, remotePath string) (string, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, remotePath string) (string, error)

// Resolve calls f.
func (f Func) Resolve(ctx context.Context, remotePath string) (string, error) {
	return f(ctx, remotePath)
}

// Static resolves paths against a fixed public base URL, for buckets that
// need no signature.
type Static struct {
	BaseURL string
}

// Resolve joins the base URL and the escaped path segments.
func (s Static) Resolve(_ context.Context, remotePath string) (string, error) {
	if s.BaseURL == "" {
		return "", errors.New("static resolver: base URL is empty")
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	segments := strings.Split(strings.TrimPrefix(remotePath, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return base.JoinPath(segments...).String(), nil
}
