package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meigma/imagecache"
)

const shutdownTimeout = 10 * time.Second

type serveOpts struct {
	*rootOpts
	addr    string
	profile bool
}

func newServeCommand(parent *rootOpts) *cobra.Command {
	opts := &serveOpts{rootOpts: parent}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cached images and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE:  opts.run,
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&opts.profile, "profile", false, "expose a wall-clock profiler at /debug/fgprof")
	return cmd
}

func (opts *serveOpts) run(cmd *cobra.Command, _ []string) error {
	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           newHandler(opts.cache, opts.registry, opts.logger, opts.profile),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		opts.logger.Info("listening", slog.String("addr", opts.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHandler routes /images/{path...} to the cache and /metrics to reg.
func newHandler(c *imagecache.Cache, reg *prometheus.Registry, logger *slog.Logger, profile bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /images/{path...}", func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")
		img, ok := c.GetImage(r.Context(), path)
		if !ok {
			logger.Debug("image miss", slog.String("path", path))
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
		w.Header().Set("X-Image-Width", strconv.Itoa(img.Width))
		w.Header().Set("X-Image-Height", strconv.Itoa(img.Height))
		_, _ = w.Write(img.Data) //nolint:errcheck // client went away
	})
	if profile {
		mux.Handle("GET /debug/fgprof", fgprof.Handler())
	}
	return mux
}
