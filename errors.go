package imagecache

import (
	"context"
	"errors"
)

var (
	// ErrResolve is returned when the resolver cannot produce a URL for a path.
	ErrResolve = errors.New("resolve image url")

	// ErrTransport is returned when downloading the image fails, including
	// non-2xx responses and oversized payloads.
	ErrTransport = errors.New("fetch image")

	// ErrDecode is returned when the downloaded payload is not a usable image.
	ErrDecode = errors.New("decode image")

	// ErrClosed is returned by operations on a closed Cache.
	ErrClosed = errors.New("image cache is closed")
)

// Failure causes reported to logs and metrics.
const (
	causeResolve   = "resolve"
	causeTransport = "transport"
	causeDecode    = "decode"
	causeCanceled  = "canceled"
)

// failureCause maps a load error to its metrics label.
func failureCause(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return causeCanceled
	case errors.Is(err, ErrResolve):
		return causeResolve
	case errors.Is(err, ErrDecode):
		return causeDecode
	default:
		return causeTransport
	}
}
