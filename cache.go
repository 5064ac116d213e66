package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/imagecache/cache"
	"github.com/meigma/imagecache/metrics"
	"github.com/meigma/imagecache/raster"
	"github.com/meigma/imagecache/resolver"
)

// Fetcher downloads the bytes behind a resolved URL.
//
// [github.com/meigma/imagecache/http.Fetcher] is the default implementation.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Cache is a two-tier image cache in front of a remote image store.
//
// Lookups consult the memory tier, then the disk tier, then the remote
// through the resolver and fetcher. Every tier that misses is populated
// when a lower tier or the remote supplies the image, so a fetched image
// lands in both memory and disk. Failures never leave partial entries.
//
// A Cache is safe for concurrent use.
type Cache struct {
	resolver resolver.Resolver
	fetcher  Fetcher
	memory   cache.Memory
	disk     cache.Disk

	// Construction-time settings for the default tiers.
	memMaxEntries int
	memMaxBytes   int64
	httpClient    *http.Client

	normalize      raster.Options
	coalesce       bool
	preloadWorkers int
	logger         *slog.Logger
	metrics        *metrics.Metrics

	flights singleflight.Group

	// Lifetime: background preloads and shared loads derive from ctx.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup

	memoryHits  atomic.Int64
	diskHits    atomic.Int64
	remoteLoads atomic.Int64
	failures    atomic.Int64
}

// Stats is a snapshot of cache activity since construction.
type Stats struct {
	// MemoryEntries and MemoryBytes describe the memory tier, when it
	// reports its occupancy. Both are zero otherwise.
	MemoryEntries int
	MemoryBytes   int64

	MemoryHits  int64
	DiskHits    int64
	RemoteLoads int64
	Failures    int64
}

// occupancy is implemented by memory tiers that can report their size.
type occupancy interface {
	Len() int
	Cost() int64
}

// New creates a Cache that resolves remote paths with r.
//
// Without options the memory tier holds up to 100 images or 50 MiB of
// decoded pixels, and the disk tier lives under the per-user cache directory.
func New(r resolver.Resolver, opts ...Option) (*Cache, error) {
	if r == nil {
		return nil, errors.New("resolver is nil")
	}
	c := &Cache{
		resolver:       r,
		memMaxEntries:  DefaultMemoryMaxEntries,
		memMaxBytes:    DefaultMemoryMaxBytes,
		coalesce:       true,
		preloadWorkers: 1,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// GetImage returns the image for remotePath, or false when it cannot be
// obtained from any tier. Failures are logged and counted, never returned.
// The returned Data is the caller's own copy.
func (c *Cache) GetImage(ctx context.Context, remotePath string) (raster.Image, bool) {
	img, err := c.Fetch(ctx, remotePath)
	if err != nil {
		return raster.Image{}, false
	}
	return img, true
}

// Fetch is GetImage with the failure reason. Errors wrap ErrResolve,
// ErrTransport, ErrDecode, or ErrClosed, or carry the context error when ctx
// ends first.
func (c *Cache) Fetch(ctx context.Context, remotePath string) (raster.Image, error) {
	img, err := c.lookup(ctx, remotePath)
	if err != nil {
		return raster.Image{}, err
	}
	// The memory tier keeps the original; callers may modify their copy.
	return img.Clone(), nil
}

func (c *Cache) lookup(ctx context.Context, remotePath string) (raster.Image, error) {
	if c.isClosed() {
		return raster.Image{}, ErrClosed
	}
	key := cache.Canonicalize(remotePath)

	if img, ok := c.memory.Get(key); ok {
		c.memoryHits.Add(1)
		c.metrics.RecordLookup(metrics.ResultMemoryHit)
		return img, nil
	}
	if img, ok := c.loadDisk(key); ok {
		c.diskHits.Add(1)
		c.metrics.RecordLookup(metrics.ResultDiskHit)
		return img, nil
	}

	var (
		img raster.Image
		err error
	)
	if c.coalesce {
		img, err = c.loadShared(ctx, remotePath, key)
	} else {
		img, err = c.loadRemote(ctx, remotePath, key)
	}
	if err != nil {
		c.metrics.RecordLookup(metrics.ResultMiss)
		return raster.Image{}, err
	}
	c.metrics.RecordLookup(metrics.ResultFetched)
	return img, nil
}

// loadDisk returns the disk entry for key, promoting it into memory.
func (c *Cache) loadDisk(key cache.Key) (raster.Image, bool) {
	data, ok := c.disk.Get(key)
	if !ok {
		return raster.Image{}, false
	}
	img, err := raster.Inspect(data)
	if err != nil {
		c.logger.Warn("unreadable disk entry", slog.String("key", key.String()), slog.Any("error", err))
		return raster.Image{}, false
	}
	c.setMemory(key, img)
	return img, true
}

// loadShared performs one remote load per key for all concurrent callers.
//
// The shared load is not bound to any single caller: it runs until it
// finishes or the Cache is closed. Each caller stops waiting when its own
// ctx ends.
func (c *Cache) loadShared(ctx context.Context, remotePath string, key cache.Key) (raster.Image, error) {
	ch := c.flights.DoChan(string(key), func() (any, error) {
		// Double-check memory: a load for this key may have finished
		// between our miss and joining the flight.
		if img, ok := c.memory.Get(key); ok {
			return img, nil
		}

		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		return c.loadRemote(flightCtx, remotePath, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return raster.Image{}, res.Err
		}
		img, _ := res.Val.(raster.Image) //nolint:errcheck // type assertion always succeeds when err is nil
		return img, nil
	case <-ctx.Done():
		return raster.Image{}, ctx.Err()
	}
}

// loadRemote resolves, downloads, and normalizes remotePath, then writes the
// result to disk and memory. Nothing is stored on failure.
func (c *Cache) loadRemote(ctx context.Context, remotePath string, key cache.Key) (raster.Image, error) {
	start := time.Now()

	img, size, err := c.download(ctx, remotePath)
	if err != nil {
		cause := failureCause(err)
		c.failures.Add(1)
		c.metrics.RecordFailure(cause)
		c.logger.Warn("image load failed",
			slog.String("path", remotePath),
			slog.String("cause", cause),
			slog.Any("error", err))
		return raster.Image{}, err
	}

	if err := c.disk.Put(key, img.Data); err != nil {
		c.logger.Warn("disk cache write failed",
			slog.String("path", remotePath),
			slog.Any("error", err))
	}
	c.setMemory(key, img)

	elapsed := time.Since(start)
	c.remoteLoads.Add(1)
	c.metrics.RecordFetch(elapsed.Seconds(), size)
	c.logger.Debug("image loaded",
		slog.String("path", remotePath),
		slog.Int("width", img.Width),
		slog.Int("height", img.Height),
		slog.Duration("elapsed", elapsed))
	return img, nil
}

// download returns the normalized image and the downloaded payload size.
func (c *Cache) download(ctx context.Context, remotePath string) (raster.Image, int, error) {
	url, err := c.resolver.Resolve(ctx, remotePath)
	if err != nil {
		return raster.Image{}, 0, fmt.Errorf("%w %q: %w", ErrResolve, remotePath, err)
	}
	if url == "" {
		return raster.Image{}, 0, fmt.Errorf("%w %q: empty url", ErrResolve, remotePath)
	}

	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return raster.Image{}, 0, fmt.Errorf("%w %q: %w", ErrTransport, remotePath, err)
	}

	img, err := raster.Normalize(data, c.normalize)
	if err != nil {
		return raster.Image{}, 0, fmt.Errorf("%w %q: %w", ErrDecode, remotePath, err)
	}
	return img, len(data), nil
}

func (c *Cache) setMemory(key cache.Key, img raster.Image) {
	c.memory.Set(key, img, img.Cost())
	if occ, ok := c.memory.(occupancy); ok {
		c.metrics.SetMemory(occ.Len(), occ.Cost())
	}
}

// Clear empties both tiers.
//
// Loads already in flight when Clear is called may repopulate their keys
// after it returns.
func (c *Cache) Clear() error {
	c.memory.Purge()
	c.metrics.SetMemory(0, 0)
	if err := c.disk.RemoveAll(); err != nil {
		c.logger.Warn("disk cache clear failed", slog.Any("error", err))
		return fmt.Errorf("clear disk cache: %w", err)
	}
	c.logger.Info("image cache cleared")
	return nil
}

// DiskUsageBytes returns the total size of the disk tier, or 0 when it
// cannot be determined.
func (c *Cache) DiskUsageBytes() int64 {
	n, err := c.disk.SizeBytes()
	if err != nil {
		c.logger.Warn("disk usage scan failed", slog.Any("error", err))
		return 0
	}
	return n
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	s := Stats{
		MemoryHits:  c.memoryHits.Load(),
		DiskHits:    c.diskHits.Load(),
		RemoteLoads: c.remoteLoads.Load(),
		Failures:    c.failures.Load(),
	}
	if occ, ok := c.memory.(occupancy); ok {
		s.MemoryEntries = occ.Len()
		s.MemoryBytes = occ.Cost()
	}
	return s
}

// Close cancels background preloads and shared loads and waits for the
// preloads to stop. Afterwards Fetch returns ErrClosed and GetImage misses.
// Stored entries are kept. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.tasks.Wait()
	return nil
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
