package imagecache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imagecache/cache"
	"github.com/meigma/imagecache/cache/disk"
	"github.com/meigma/imagecache/internal/testutil"
	"github.com/meigma/imagecache/metrics"
	"github.com/meigma/imagecache/raster"
	"github.com/meigma/imagecache/resolver"
)

// fixture bundles a cache with its fake remote.
type fixture struct {
	cache    *Cache
	resolver *testutil.Resolver
	server   *testutil.ImageServer
	dir      string
}

func newFixture(t *testing.T, payloads map[string][]byte, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		server: testutil.NewImageServer(t, payloads),
		dir:    t.TempDir(),
	}
	f.resolver = &testutil.Resolver{BaseURL: f.server.URL}
	f.cache = f.reopen(t, opts...)
	return f
}

// reopen builds a new Cache over the same disk directory and remote, with a
// fresh resolver so call counts start at zero.
func (f *fixture) reopen(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	if f.cache != nil {
		f.resolver = &testutil.Resolver{BaseURL: f.server.URL}
	}
	c, err := New(f.resolver, append([]Option{WithDiskDir(f.dir)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) diskPath(t *testing.T, remotePath string) string {
	t.Helper()
	d, err := disk.New(f.dir)
	require.NoError(t, err)
	p, err := d.Path(cache.Canonicalize(remotePath))
	require.NoError(t, err)
	return p
}

func TestGetImageFallsThroughAndPopulatesTiers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 32, 24)})
	ctx := context.Background()

	img, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 32, img.Width)
	assert.Equal(t, 24, img.Height)
	assert.Equal(t, 1, f.resolver.Calls())

	stats := f.cache.Stats()
	assert.Equal(t, 1, stats.MemoryEntries)
	assert.Equal(t, int64(1), stats.RemoteLoads)

	data, err := os.ReadFile(f.diskPath(t, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, img.Data, data)
	assert.Equal(t, int64(len(data)), f.cache.DiskUsageBytes())

	again, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, img, again)
	assert.Equal(t, 1, f.resolver.Calls(), "memory hit must not resolve")
	assert.Equal(t, int64(1), f.cache.Stats().MemoryHits)
}

func TestGetImageServesDiskAfterRestart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 20, 10)})
	ctx := context.Background()

	first, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)

	c := f.reopen(t)
	img, ok := c.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, first.Data, img.Data)
	assert.Equal(t, 20, img.Width)
	assert.Equal(t, 10, img.Height)
	assert.Equal(t, 0, f.resolver.Calls())
	assert.Equal(t, 1, f.server.Hits("a.jpg"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DiskHits)
	assert.Equal(t, 1, stats.MemoryEntries, "disk hit promotes into memory")
}

func TestClearEmptiesBothTiers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{
		"a.jpg": testutil.JPEG(t, 16, 16),
		"b.png": testutil.PNG(t, 8, 8),
	})
	ctx := context.Background()

	for _, p := range []string{"a.jpg", "b.png"} {
		_, ok := f.cache.GetImage(ctx, p)
		require.True(t, ok)
	}
	require.Positive(t, f.cache.DiskUsageBytes())

	require.NoError(t, f.cache.Clear())
	assert.Equal(t, int64(0), f.cache.DiskUsageBytes())
	assert.Equal(t, 0, f.cache.Stats().MemoryEntries)

	_, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 3, f.resolver.Calls())
	assert.Equal(t, 2, f.server.Hits("a.jpg"))
}

func TestClearOnEmptyCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.cache.Clear())
	assert.Equal(t, int64(0), f.cache.DiskUsageBytes())
}

func TestCorruptDiskEntryIsRefetched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 48, 48)})
	ctx := context.Background()

	_, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)

	path := f.diskPath(t, "a.jpg")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))

	c := f.reopen(t)
	img, ok := c.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 1, f.resolver.Calls())

	healed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img.Data, healed)
	require.NoError(t, raster.Validate(healed))
}

func TestFetchFailuresLeaveNoEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		resolverErr error
		status      int
		wantErr     error
		wantCause   string
	}{
		{
			name:        "resolver failure",
			path:        "a.jpg",
			resolverErr: errors.New("signing service down"),
			wantErr:     ErrResolve,
			wantCause:   causeResolve,
		},
		{
			name:      "server error",
			path:      "a.jpg",
			status:    http.StatusInternalServerError,
			wantErr:   ErrTransport,
			wantCause: causeTransport,
		},
		{
			name:      "not found",
			path:      "missing.jpg",
			wantErr:   ErrTransport,
			wantCause: causeTransport,
		},
		{
			name:      "undecodable payload",
			path:      "notes.txt",
			wantErr:   ErrDecode,
			wantCause: causeDecode,
		},
		{
			name:      "oversized canvas",
			path:      "huge.png",
			wantErr:   ErrDecode,
			wantCause: causeDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			f := newFixture(t, map[string][]byte{
				"a.jpg":     testutil.JPEG(t, 8, 8),
				"notes.txt": []byte("definitely not an image"),
				"huge.png":  testutil.PNGHeader(20000, 20000),
			}, WithMetrics(m))
			f.resolver.Err = tt.resolverErr
			if tt.status != 0 {
				f.server.SetStatus(tt.path, tt.status)
			}

			_, err := f.cache.Fetch(context.Background(), tt.path)
			require.ErrorIs(t, err, tt.wantErr)

			_, ok := f.cache.GetImage(context.Background(), tt.path)
			assert.False(t, ok)

			assert.Equal(t, int64(0), f.cache.DiskUsageBytes())
			stats := f.cache.Stats()
			assert.Equal(t, 0, stats.MemoryEntries)
			assert.Equal(t, int64(2), stats.Failures)
			assert.InDelta(t, 2, promtest.ToFloat64(m.FailuresTotal.WithLabelValues(tt.wantCause)), 0)
			assert.InDelta(t, 2, promtest.ToFloat64(m.LookupsTotal.WithLabelValues(metrics.ResultMiss)), 0)
		})
	}
}

func TestEmptyResolvedURLIsResolveFailure(t *testing.T) {
	t.Parallel()

	c, err := New(resolver.Func(func(context.Context, string) (string, error) {
		return "", nil
	}), WithDiskDir(t.TempDir()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Fetch(context.Background(), "a.jpg")
	require.ErrorIs(t, err, ErrResolve)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)})
	f.resolver.Gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := range callers {
		wg.Go(func() {
			_, results[i] = f.cache.GetImage(context.Background(), "a.jpg")
		})
	}

	require.Eventually(t, func() bool { return f.resolver.Calls() >= 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.resolver.Gate)
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "caller %d", i)
	}
	assert.Equal(t, 1, f.resolver.Calls())
	assert.Equal(t, 1, f.server.Hits("a.jpg"))
	assert.Equal(t, 1, f.cache.Stats().MemoryEntries)
}

func TestConcurrentMissesWithoutCoalescing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)}, WithCoalescing(false))
	f.resolver.Gate = make(chan struct{})

	var wg sync.WaitGroup
	var okA, okB bool
	wg.Go(func() { _, okA = f.cache.GetImage(context.Background(), "a.jpg") })
	wg.Go(func() { _, okB = f.cache.GetImage(context.Background(), "a.jpg") })

	require.Eventually(t, func() bool { return f.resolver.Calls() >= 1 }, 5*time.Second, time.Millisecond)
	close(f.resolver.Gate)
	wg.Wait()

	assert.True(t, okA)
	assert.True(t, okB)
	assert.GreaterOrEqual(t, f.resolver.Calls(), 1)
	assert.LessOrEqual(t, f.resolver.Calls(), 2)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "concurrent writes of one key leave a single entry")
}

func TestWaiterCancellationDoesNotFailSharedLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)})
	f.resolver.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.cache.Fetch(ctx, "a.jpg")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.resolver.Calls() == 1 }, 5*time.Second, time.Millisecond)

	done := make(chan bool, 1)
	go func() {
		_, ok := f.cache.GetImage(context.Background(), "a.jpg")
		done <- ok
	}()

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(f.resolver.Gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, f.resolver.Calls())
}

func TestClearDuringInFlightLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)})
	f.resolver.Gate = make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := f.cache.GetImage(context.Background(), "a.jpg")
		done <- ok
	}()
	require.Eventually(t, func() bool { return f.resolver.Calls() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, f.cache.Clear())
	close(f.resolver.Gate)
	require.True(t, <-done)

	// The load finished after Clear and repopulated its key.
	assert.Positive(t, f.cache.DiskUsageBytes())
	assert.Equal(t, 1, f.cache.Stats().MemoryEntries)
}

func TestDiskWriteFailureStillServesImage(t *testing.T) {
	t.Parallel()

	srv := testutil.NewImageServer(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)})
	r := &testutil.Resolver{BaseURL: srv.URL}
	c, err := New(r, WithDiskCache(brokenDisk{}))
	require.NoError(t, err)
	defer c.Close()

	img, ok := c.GetImage(context.Background(), "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 1, c.Stats().MemoryEntries)
	assert.Equal(t, int64(0), c.DiskUsageBytes())
	require.Error(t, c.Clear())
}

func TestMemoryLimitsEvictOldest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := newFixture(t, map[string][]byte{
		"a.jpg": testutil.JPEG(t, 8, 8),
		"b.jpg": testutil.JPEG(t, 8, 8),
		"c.jpg": testutil.JPEG(t, 8, 8),
	}, WithMemoryLimits(2, 0), WithMetrics(m))
	ctx := context.Background()

	for _, p := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		_, ok := f.cache.GetImage(ctx, p)
		require.True(t, ok)
	}
	assert.Equal(t, 2, f.cache.Stats().MemoryEntries)
	assert.InDelta(t, 1, promtest.ToFloat64(m.MemoryEvictionsTotal), 0)
	assert.InDelta(t, 2, promtest.ToFloat64(m.MemoryEntries), 0)

	// The evicted entry comes back from disk.
	_, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 3, f.resolver.Calls())
	assert.Equal(t, int64(1), f.cache.Stats().DiskHits)
}

func TestNormalizationOptions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"wide.png": testutil.PNG(t, 64, 32)},
		WithMaxDimension(16), WithJPEGQuality(60))

	img, ok := f.cache.GetImage(context.Background(), "wide.png")
	require.True(t, ok)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 8, img.Height)
}

func TestMaxPixelsRejectsLargeImages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{
		"small.png": testutil.PNG(t, 10, 10),
		"large.png": testutil.PNG(t, 20, 10),
	}, WithMaxPixels(100))

	_, ok := f.cache.GetImage(context.Background(), "small.png")
	require.True(t, ok)

	_, err := f.cache.Fetch(context.Background(), "large.png")
	require.ErrorIs(t, err, ErrDecode)
	_, statErr := os.Stat(f.diskPath(t, "large.png"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestOversizedDiskEntryIsRefetched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.png": testutil.PNG(t, 8, 8)})
	path := f.diskPath(t, "a.png")
	require.NoError(t, os.MkdirAll(f.dir, 0o700))
	require.NoError(t, os.WriteFile(path, testutil.PNGHeader(20000, 20000), 0o600))

	img, ok := f.cache.GetImage(context.Background(), "a.png")
	require.True(t, ok)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 1, f.resolver.Calls())
	assert.Equal(t, int64(0), f.cache.Stats().DiskHits)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img.Data, stored)
}

func TestReturnedDataIsCallerOwned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 16, 16)})
	ctx := context.Background()

	img, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	want := append([]byte(nil), img.Data...)
	for i := range img.Data {
		img.Data[i] = 0
	}

	again, ok := f.cache.GetImage(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, want, again.Data)
	assert.Equal(t, int64(1), f.cache.Stats().MemoryHits)

	stored, err := os.ReadFile(f.diskPath(t, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestBoundedDiskRefetchesPrunedEntries(t *testing.T) {
	t.Parallel()

	payload := testutil.JPEG(t, 16, 16)
	stored, err := raster.Normalize(payload, raster.Options{})
	require.NoError(t, err)
	server := testutil.NewImageServer(t, map[string][]byte{"a.jpg": payload, "b.jpg": payload})
	dir := t.TempDir()
	limit := int64(len(stored.Data)) + int64(len(stored.Data))/2

	open := func(r *testutil.Resolver) *Cache {
		d, err := disk.New(dir, disk.WithMaxBytes(limit))
		require.NoError(t, err)
		c, err := New(r, WithDiskCache(d))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	c := open(&testutil.Resolver{BaseURL: server.URL})
	for _, p := range []string{"a.jpg", "b.jpg"} {
		_, ok := c.GetImage(context.Background(), p)
		require.True(t, ok)
	}

	// Only one entry fits on disk: writing b.jpg pruned a.jpg.
	r := &testutil.Resolver{BaseURL: server.URL}
	restarted := open(r)
	for _, p := range []string{"b.jpg", "a.jpg"} {
		_, ok := restarted.GetImage(context.Background(), p)
		require.True(t, ok)
	}
	assert.Equal(t, 1, r.Calls())
	assert.Equal(t, int64(1), restarted.Stats().DiskHits)
}

func TestKeysIgnoreSignedURL(t *testing.T) {
	t.Parallel()

	payload := testutil.JPEG(t, 8, 8)
	srv := testutil.NewImageServer(t, map[string][]byte{"a.jpg": payload})
	dir := t.TempDir()

	signed := 0
	rotating := resolver.Func(func(_ context.Context, p string) (string, error) {
		signed++
		return srv.URL + "/" + p + "?sig=" + time.Now().Format(time.RFC3339Nano), nil
	})

	c1, err := New(rotating, WithDiskDir(dir))
	require.NoError(t, err)
	_, ok := c1.GetImage(context.Background(), "a.jpg")
	require.True(t, ok)
	require.NoError(t, c1.Close())

	c2, err := New(rotating, WithDiskDir(dir))
	require.NoError(t, err)
	defer c2.Close()
	_, ok = c2.GetImage(context.Background(), "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 1, signed)
}

func TestCloseStopsLookups(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a.jpg": testutil.JPEG(t, 8, 8)})
	_, ok := f.cache.GetImage(context.Background(), "a.jpg")
	require.True(t, ok)

	require.NoError(t, f.cache.Close())
	require.NoError(t, f.cache.Close())

	_, err := f.cache.Fetch(context.Background(), "a.jpg")
	require.ErrorIs(t, err, ErrClosed)
	_, ok = f.cache.GetImage(context.Background(), "a.jpg")
	assert.False(t, ok)

	// Entries survive Close.
	c := f.reopen(t)
	_, ok = c.GetImage(context.Background(), "a.jpg")
	require.True(t, ok)
	assert.Equal(t, 0, f.resolver.Calls())
}

func TestNewOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{name: "defaults with dir", opts: []Option{WithDiskDir(t.TempDir())}},
		{name: "empty disk dir", opts: []Option{WithDiskDir("")}, wantErr: "cache dir is empty"},
		{name: "nil disk", opts: []Option{WithDiskCache(nil)}, wantErr: "disk cache is nil"},
		{name: "nil memory", opts: []Option{WithMemoryCache(nil)}, wantErr: "memory cache is nil"},
		{name: "nil fetcher", opts: []Option{WithFetcher(nil)}, wantErr: "fetcher is nil"},
		{name: "nil http client", opts: []Option{WithHTTPClient(nil)}, wantErr: "http client is nil"},
		{name: "negative memory limits", opts: []Option{WithMemoryLimits(-1, 0)}, wantErr: "non-negative"},
		{name: "quality too low", opts: []Option{WithJPEGQuality(0)}, wantErr: "jpeg quality"},
		{name: "quality too high", opts: []Option{WithJPEGQuality(101)}, wantErr: "jpeg quality"},
		{name: "negative max dimension", opts: []Option{WithMaxDimension(-1)}, wantErr: "max dimension"},
		{name: "zero preload concurrency", opts: []Option{WithPreloadConcurrency(0)}, wantErr: "preload concurrency"},
		{name: "zero max pixels", opts: []Option{WithMaxPixels(0)}, wantErr: "max pixels"},
		{name: "max pixels above default", opts: []Option{WithMaxPixels(raster.DefaultMaxPixels + 1)}, wantErr: "max pixels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(&testutil.Resolver{}, tt.opts...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NoError(t, c.Close())
		})
	}
}

func TestNewRequiresResolver(t *testing.T) {
	t.Parallel()

	_, err := New(nil, WithDiskDir(t.TempDir()))
	require.Error(t, err)
}

func TestCustomFetcher(t *testing.T) {
	t.Parallel()

	payload := testutil.PNG(t, 4, 4)
	var urls []string
	fetch := fetcherFunc(func(_ context.Context, url string) ([]byte, error) {
		urls = append(urls, url)
		return payload, nil
	})
	c, err := New(&testutil.Resolver{BaseURL: "https://images.example.com"},
		WithDiskDir(t.TempDir()), WithFetcher(fetch))
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.GetImage(context.Background(), "x/y.png")
	require.True(t, ok)
	assert.Equal(t, []string{"https://images.example.com/x/y.png"}, urls)
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// brokenDisk fails every write and clear.
type brokenDisk struct{}

func (brokenDisk) Get(cache.Key) ([]byte, bool) { return nil, false }
func (brokenDisk) Put(cache.Key, []byte) error  { return errors.New("disk full") }
func (brokenDisk) RemoveAll() error             { return errors.New("read-only file system") }
func (brokenDisk) SizeBytes() (int64, error)    { return 0, nil }
