package imagecache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/meigma/imagecache/cache"
	"github.com/meigma/imagecache/cache/disk"
	"github.com/meigma/imagecache/cache/memory"
	imghttp "github.com/meigma/imagecache/http"
	"github.com/meigma/imagecache/metrics"
	"github.com/meigma/imagecache/raster"
)

// Option configures a Cache.
type Option func(*Cache) error

// Default memory tier limits.
const (
	DefaultMemoryMaxEntries       = memory.DefaultMaxEntries
	DefaultMemoryMaxBytes   int64 = memory.DefaultMaxCost
)

// --- Tier Options ---

// WithDiskDir stores disk entries in dir instead of the per-user default.
// The directory is created on the first write.
func WithDiskDir(dir string) Option {
	return func(c *Cache) error {
		d, err := disk.New(dir)
		if err != nil {
			return err
		}
		c.disk = d
		return nil
	}
}

// WithDiskCache replaces the disk tier.
func WithDiskCache(d cache.Disk) Option {
	return func(c *Cache) error {
		if d == nil {
			return errors.New("disk cache is nil")
		}
		c.disk = d
		return nil
	}
}

// WithMemoryLimits sets the memory tier bounds. Zero disables a bound.
// It has no effect when combined with WithMemoryCache.
func WithMemoryLimits(maxEntries int, maxBytes int64) Option {
	return func(c *Cache) error {
		if maxEntries < 0 || maxBytes < 0 {
			return errors.New("memory limits must be non-negative")
		}
		c.memMaxEntries = maxEntries
		c.memMaxBytes = maxBytes
		return nil
	}
}

// WithMemoryCache replaces the memory tier.
func WithMemoryCache(m cache.Memory) Option {
	return func(c *Cache) error {
		if m == nil {
			return errors.New("memory cache is nil")
		}
		c.memory = m
		return nil
	}
}

// --- Transport Options ---

// WithFetcher replaces the HTTP downloader.
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) error {
		if f == nil {
			return errors.New("fetcher is nil")
		}
		c.fetcher = f
		return nil
	}
}

// WithHTTPClient downloads images with client. Ignored when WithFetcher is
// also given.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) error {
		if client == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = client
		return nil
	}
}

// --- Normalization Options ---

// WithJPEGQuality sets the quality used when re-encoding fetched images.
func WithJPEGQuality(quality int) Option {
	return func(c *Cache) error {
		if quality < 1 || quality > 100 {
			return fmt.Errorf("jpeg quality must be in [1, 100], got %d", quality)
		}
		c.normalize.Quality = quality
		return nil
	}
}

// WithMaxDimension scales fetched images down so their longer edge is at
// most n pixels. Zero disables scaling.
func WithMaxDimension(n int) Option {
	return func(c *Cache) error {
		if n < 0 {
			return errors.New("max dimension must be non-negative")
		}
		c.normalize.MaxDimension = n
		return nil
	}
}

// WithMaxPixels lowers the largest source canvas, as width*height, that
// fetched payloads may declare. Larger images are rejected with ErrDecode
// before any pixel data is decoded. The default and upper bound is
// raster.DefaultMaxPixels, which the disk tier also enforces on read.
func WithMaxPixels(n int64) Option {
	return func(c *Cache) error {
		if n <= 0 || n > raster.DefaultMaxPixels {
			return fmt.Errorf("max pixels must be in [1, %d], got %d", raster.DefaultMaxPixels, n)
		}
		c.normalize.MaxPixels = n
		return nil
	}
}

// --- Loading Options ---

// WithCoalescing controls whether concurrent misses for the same path share
// one remote load. Enabled by default.
func WithCoalescing(enabled bool) Option {
	return func(c *Cache) error {
		c.coalesce = enabled
		return nil
	}
}

// WithPreloadConcurrency sets how many paths a preload loads at once.
// The default of 1 loads paths in input order.
func WithPreloadConcurrency(n int) Option {
	return func(c *Cache) error {
		if n < 1 {
			return errors.New("preload concurrency must be at least 1")
		}
		c.preloadWorkers = n
		return nil
	}
}

// --- Observability Options ---

// WithLogger sets the logger for cache diagnostics.
// By default, logging is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records cache activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) error {
		c.metrics = m
		return nil
	}
}

// applyDefaults fills in tiers and transport not provided by options.
func (c *Cache) applyDefaults() error {
	if c.disk == nil {
		dir, err := disk.DefaultDir()
		if err != nil {
			return err
		}
		d, err := disk.New(dir)
		if err != nil {
			return err
		}
		c.disk = d
	}
	if c.memory == nil {
		c.memory = memory.New(
			memory.WithMaxEntries(c.memMaxEntries),
			memory.WithMaxCost(c.memMaxBytes),
			memory.WithOnEvict(func(cache.Key, int64) {
				c.metrics.RecordEviction()
			}),
		)
	}
	if c.fetcher == nil {
		var opts []imghttp.Option
		if c.httpClient != nil {
			opts = append(opts, imghttp.WithClient(c.httpClient))
		}
		c.fetcher = imghttp.NewFetcher(opts...)
	}
	if c.normalize.Quality == 0 {
		c.normalize.Quality = raster.DefaultQuality
	}
	return nil
}
