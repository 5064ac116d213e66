package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/meigma/imagecache"
	"github.com/meigma/imagecache/internal/config"
	"github.com/meigma/imagecache/metrics"
	"github.com/meigma/imagecache/resolver"
	"github.com/meigma/imagecache/resolver/s3"
)

var errNoRemote = errors.New("no remote configured: set IMAGECACHE_BASE_URL or IMAGECACHE_S3_BUCKET")

type rootOpts struct {
	dir      string
	logLevel string

	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	cache    *imagecache.Cache
}

var rootLongHelp = strings.TrimSpace(`
imagecache keeps remote images in a bounded memory tier and a persistent disk
tier, fetching misses through short-lived signed URLs.

Configuration is read from IMAGECACHE_* environment variables; flags override.

Examples:
  imagecache get catalog/user-1/item-7.jpg -o item.jpg
  imagecache preload -f paths.txt
  imagecache du
  imagecache serve --addr :8080
`)

func newRootCommand() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:                "imagecache",
		Short:              "Two-tier image cache for signed-URL image stores",
		Long:               rootLongHelp,
		SilenceUsage:       true,
		PersistentPreRunE:  opts.setup,
		PersistentPostRunE: opts.teardown,
	}
	cmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "disk cache directory (overrides IMAGECACHE_DIR)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides IMAGECACHE_LOG_LEVEL)")

	cmd.AddCommand(
		newGetCommand(opts),
		newPreloadCommand(opts),
		newClearCommand(opts),
		newDUCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

func (opts *rootOpts) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("dir") {
		cfg.Dir = opts.dir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	opts.cfg = cfg
	opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	r, err := newResolver(cfg)
	if err != nil {
		return err
	}

	opts.registry = prometheus.NewRegistry()
	opts.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cacheOpts := []imagecache.Option{
		imagecache.WithMemoryLimits(cfg.MemoryMaxEntries, cfg.MemoryMaxBytes),
		imagecache.WithJPEGQuality(cfg.JPEGQuality),
		imagecache.WithMaxDimension(cfg.MaxDimension),
		imagecache.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		imagecache.WithCoalescing(cfg.Coalesce),
		imagecache.WithPreloadConcurrency(cfg.PreloadConcurrency),
		imagecache.WithLogger(opts.logger),
		imagecache.WithMetrics(metrics.New(opts.registry)),
	}
	if cfg.Dir != "" {
		cacheOpts = append(cacheOpts, imagecache.WithDiskDir(cfg.Dir))
	}
	opts.cache, err = imagecache.New(r, cacheOpts...)
	return err
}

func (opts *rootOpts) teardown(*cobra.Command, []string) error {
	if opts.cache == nil {
		return nil
	}
	return opts.cache.Close()
}

// newResolver picks S3 presigning when a bucket is configured, then a static
// base URL. Without either, every lookup fails to resolve so that local
// commands like du and clear still work.
func newResolver(cfg config.Config) (resolver.Resolver, error) {
	if cfg.S3.Enabled() {
		p, err := s3.New(s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
			Prefix:    cfg.S3.Prefix,
			Expiry:    cfg.S3.URLExpiry,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if cfg.BaseURL != "" {
		return resolver.Static{BaseURL: cfg.BaseURL}, nil
	}
	return resolver.Func(func(context.Context, string) (string, error) {
		return "", errNoRemote
	}), nil
}
