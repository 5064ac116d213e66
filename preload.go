package imagecache

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PreloadResult summarizes a finished preload.
type PreloadResult struct {
	// Total is the number of distinct paths requested.
	Total int

	// Loaded and Failed count completed paths by outcome.
	Loaded int
	Failed int

	// Canceled reports that the preload stopped before completing every path.
	Canceled bool
}

// Preload warms the cache for paths, reporting progress to fn (which may be
// nil) after each path completes.
//
// Duplicate paths are loaded once and Total counts distinct paths. With the
// default concurrency paths load one at a time in input order. Events
// report strictly increasing Done values and the last one has Done == Total.
// An empty preload emits a single event with Total == 0. Individual failures
// are counted and do not stop the preload; canceling ctx does, and no events
// follow the cancellation.
func (c *Cache) Preload(ctx context.Context, paths []string, fn ProgressFunc) PreloadResult {
	unique := dedupe(paths)
	t := &tracker{total: len(unique), fn: fn, metrics: c.metricsProgress}

	if len(unique) == 0 {
		t.emit(ProgressEvent{})
		return PreloadResult{}
	}

	c.logger.Debug("preload started",
		slog.Int("paths", len(unique)),
		slog.Int("concurrency", c.preloadWorkers))

	load := func(path string) {
		if ctx.Err() != nil {
			return
		}
		_, err := c.lookup(ctx, path)
		if ctx.Err() != nil {
			// The fetch may have been cut short; no event after cancel.
			return
		}
		t.complete(path, err == nil)
	}

	if c.preloadWorkers <= 1 {
		for _, path := range unique {
			if ctx.Err() != nil {
				break
			}
			load(path)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(c.preloadWorkers)
		for _, path := range unique {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				load(path)
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers never return errors
	}

	res := t.result()
	c.logger.Debug("preload finished",
		slog.Int("loaded", res.Loaded),
		slog.Int("failed", res.Failed),
		slog.Bool("canceled", res.Canceled))
	return res
}

func (c *Cache) metricsProgress(fraction float64) {
	c.metrics.SetPreloadProgress(fraction)
}

// PreloadTask is a preload running in the background.
type PreloadTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	result PreloadResult

	progress atomic.Uint64 // math.Float64bits of the latest fraction
}

// StartPreload runs Preload on a new goroutine. The task stops when ctx
// ends, when Cancel is called, or when the Cache is closed.
func (c *Cache) StartPreload(ctx context.Context, paths []string, fn ProgressFunc) *PreloadTask {
	ctx, cancel := context.WithCancel(ctx)
	task := &PreloadTask{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		task.result = PreloadResult{Total: len(dedupe(paths)), Canceled: true}
		close(task.done)
		return task
	}
	c.tasks.Add(1)
	c.mu.Unlock()

	stop := context.AfterFunc(c.ctx, cancel)
	go func() {
		defer c.tasks.Done()
		defer close(task.done)
		defer stop()
		defer cancel()

		task.result = c.Preload(ctx, paths, func(e ProgressEvent) {
			task.progress.Store(math.Float64bits(e.Fraction()))
			if fn != nil {
				fn(e)
			}
		})
	}()
	return task
}

// Done is closed when the task finishes.
func (t *PreloadTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its result.
func (t *PreloadTask) Wait() PreloadResult {
	<-t.done
	return t.result
}

// Cancel stops the task. Paths already loaded stay cached.
func (t *PreloadTask) Cancel() {
	t.cancel()
}

// Progress returns the completion fraction reported by the latest event.
func (t *PreloadTask) Progress() float64 {
	return math.Float64frombits(t.progress.Load())
}

// tracker serializes progress accounting for one preload.
type tracker struct {
	total   int
	fn      ProgressFunc
	metrics func(float64)

	mu     sync.Mutex
	done   int
	loaded int
}

func (t *tracker) complete(path string, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	if found {
		t.loaded++
	}
	t.emitLocked(ProgressEvent{Path: path, Done: t.done, Total: t.total, Found: found})
}

func (t *tracker) emit(e ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(e)
}

// emitLocked runs under mu so events reach fn in Done order.
func (t *tracker) emitLocked(e ProgressEvent) {
	t.metrics(e.Fraction())
	if t.fn != nil {
		t.fn(e)
	}
}

func (t *tracker) result() PreloadResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return PreloadResult{
		Total:    t.total,
		Loaded:   t.loaded,
		Failed:   t.done - t.loaded,
		Canceled: t.done < t.total,
	}
}

// dedupe returns paths without repeats, keeping first occurrences in order.
func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
