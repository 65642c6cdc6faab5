package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"exprcore/internal/blob"
	"exprcore/internal/config"
	"exprcore/internal/core"
	"exprcore/internal/geo"
	"exprcore/internal/tasks"
)

// runtime holds the collaborators every command builds from configuration.
type runtime struct {
	cfg        config.Config
	logger     *core.SlogLogger
	registry   *prometheus.Registry
	svc        *core.Service
	blobs      blob.Store
	closeStore func() error
}

func openRuntime(ctx context.Context, cfg config.Config, logOut io.Writer) (*runtime, error) {
	logger := core.NewSlogLogger(logOut, cfg.Log.Level)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, fmt.Errorf("register service metrics: %w", err)
	}
	var metrics core.MetricsRecorder = prom
	if cfg.HTTP.Expvar {
		metrics = core.MultiMetricsRecorder{prom, core.NewExpvarMetricsRecorder("")}
	}

	store, closeStore, err := core.OpenPersistentStore(ctx, cfg.CoreStorage(), core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	blobs, err := blob.Open(ctx, cfg.BlobStore())
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("open %s blob store: %w", cfg.Blob.Driver, err)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithAuditRecorder(core.LoggerAuditRecorder{Logger: logger}),
		core.WithAccessPolicy(core.RoleBasedAccess()),
	}
	if cfg.Log.Trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(logOut)))
	}
	svc := core.NewService(store, opts...)
	logger.Info("runtime opened", "storage", cfg.Storage.Driver, "blob", string(blobs.Driver()))
	return &runtime{cfg: cfg, logger: logger, registry: reg, svc: svc, blobs: blobs, closeStore: closeStore}, nil
}

func (rt *runtime) Close() error { return rt.closeStore() }

func (rt *runtime) worker() *tasks.Worker {
	opts := []tasks.Option{
		tasks.WithLogger(rt.logger),
		tasks.WithAuditRecorder(core.LoggerAuditRecorder{Logger: rt.logger}),
		tasks.WithAnalysisOptions(rt.cfg.AnalysisOptions()),
	}
	if rt.cfg.Analysis.QueueSize > 0 {
		opts = append(opts, tasks.WithQueueSize(rt.cfg.Analysis.QueueSize))
	}
	return tasks.NewWorker(rt.svc, rt.blobs, opts...)
}

func (rt *runtime) fetcher() *geo.Fetcher {
	g := rt.cfg.GEO
	return geo.NewFetcher(rt.blobs,
		geo.WithHTTPClient(&http.Client{Timeout: g.Timeout}),
		geo.WithBaseURL(g.BaseURL),
		geo.WithRateLimit(g.RequestsPerSecond, g.Burst),
		geo.WithFetchLogger(rt.logger),
	)
}

func (rt *runtime) importer() *geo.Importer {
	return geo.NewImporter(rt.svc, rt.blobs, geo.WithImportLogger(rt.logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
