package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"exprcore/internal/adapters/httpapi"
	"exprcore/internal/search"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), nil)
		},
	}
}

// serve runs the API until ctx is cancelled. ready, when non-nil, receives
// the bound listener address once the server accepts connections.
func (c *cli) serve(ctx context.Context, ready chan<- string) error {
	rt, err := openRuntime(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Error("close store", "error", err)
		}
	}()
	cfg := c.cfg

	worker := rt.worker()
	index := search.NewIndex(rt.svc, search.WithIndexLogger(rt.logger))
	scheduler, err := search.NewScheduler(index, cfg.Search.Schedule, search.WithSchedulerLogger(rt.logger))
	if err != nil {
		return err
	}

	auth := httpapi.DisabledAuthenticator()
	if !cfg.Auth.Disabled {
		if auth, err = httpapi.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer); err != nil {
			return err
		}
	} else {
		rt.logger.Warn("authentication disabled; every request runs as admin")
	}
	opts := []httpapi.Option{
		httpapi.WithBlobStore(rt.blobs),
		httpapi.WithTaskWorker(worker),
		httpapi.WithSearch(index, scheduler),
		httpapi.WithGEO(rt.fetcher(), rt.importer()),
		httpapi.WithAuthenticator(auth),
		httpapi.WithLogger(rt.logger),
	}
	if cfg.HTTP.Metrics {
		m, err := httpapi.NewHTTPMetrics(rt.registry)
		if err != nil {
			return fmt.Errorf("register http metrics: %w", err)
		}
		opts = append(opts, httpapi.WithMetrics(m, rt.registry))
	}
	if cfg.HTTP.Expvar {
		opts = append(opts, httpapi.WithExpvar())
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:           httpapi.New(rt.svc, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	worker.Start()
	scheduler.Start()
	if cfg.Search.RebuildOnStart {
		scheduler.Trigger()
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	rt.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("http shutdown", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		rt.logger.Error("scheduler stop", "error", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		rt.logger.Error("worker stop", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
