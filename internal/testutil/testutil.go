package testutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// PNG returns a w x h gradient image encoded as PNG.
func PNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(w, h)); err != nil {
		tb.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// JPEG returns a w x h gradient image encoded as JPEG.
func JPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 90}); err != nil {
		tb.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// PNGHeader returns a PNG stream whose header claims a w x h RGBA canvas but
// carries no pixel data. Only the image header is well formed.
func PNGHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // color type RGBA
	writeChunk(&buf, "IHDR", ihdr)
	writeChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data))) //nolint:gosec // chunk data is tiny
	buf.Write(n[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	buf.WriteString(typ)
	buf.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	buf.Write(n[:])
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(1, w-1)), //nolint:gosec // bounded by 255
				G: uint8(y * 255 / max(1, h-1)), //nolint:gosec // bounded by 255
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// ImageServer serves fixed payloads by URL path and counts requests.
type ImageServer struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[string][]byte
	status   map[string]int
	hits     map[string]int
}

// NewImageServer starts a server that serves payloads keyed by URL path
// (without the leading slash). Unknown paths return 404.
func NewImageServer(tb testing.TB, payloads map[string][]byte) *ImageServer {
	tb.Helper()
	s := &ImageServer{
		payloads: make(map[string][]byte, len(payloads)),
		status:   make(map[string]int),
		hits:     make(map[string]int),
	}
	for k, v := range payloads {
		s.payloads[k] = v
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	tb.Cleanup(s.Close)
	return s
}

func (s *ImageServer) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	s.mu.Lock()
	s.hits[name]++
	data, ok := s.payloads[name]
	status := s.status[name]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// SetStatus forces the server to answer name with the given status code.
func (s *ImageServer) SetStatus(name string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = code
}

// Hits returns the number of requests received for name.
func (s *ImageServer) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[name]
}

// Resolver resolves paths against a base URL and counts invocations.
// An optional gate blocks every call until it is closed.
type Resolver struct {
	BaseURL string
	Err     error
	Gate    chan struct{}

	calls atomic.Int64
	mu    sync.Mutex
	paths map[string]int
}

// Resolve implements resolver.Resolver.
func (r *Resolver) Resolve(ctx context.Context, path string) (string, error) {
	r.calls.Add(1)
	r.mu.Lock()
	if r.paths == nil {
		r.paths = make(map[string]int)
	}
	r.paths[path]++
	r.mu.Unlock()

	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.Err != nil {
		return "", r.Err
	}
	return strings.TrimSuffix(r.BaseURL, "/") + "/" + path, nil
}

// Calls returns the total number of Resolve invocations.
func (r *Resolver) Calls() int {
	return int(r.calls.Load())
}

// CallsFor returns the number of Resolve invocations for path.
func (r *Resolver) CallsFor(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[path]
}
