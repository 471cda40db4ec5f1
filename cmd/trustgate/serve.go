package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustgate/internal/adapter/httpapi"
	"trustgate/internal/infra/config"
	"trustgate/internal/infra/logger"
	"trustgate/internal/infra/tracer"
	"trustgate/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("serve")
	cfgPath := fs.String("config", defaultConfigPath(), "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}

	c, err := buildComponents(ctx, cfg, log, buildOptions{})
	if err != nil {
		return err
	}

	results, err := c.Gateway.LoadAll(ctx, cfg.Gateway.PluginDirs)
	if err != nil {
		log.Warn("plugin discovery incomplete", "error", err)
	}
	loaded := 0
	for _, r := range results {
		if r.Err != nil {
			logger.PluginError(ctx, log.With("archive", r.Archive), r.PluginID, "plugin not loaded", r.Err)
			continue
		}
		loaded++
	}
	log.Info("plugins loaded", "loaded", loaded, "failed", len(results)-loaded)

	applyStrategies(ctx, c, cfg, log)
	startHelpers(ctx, c, cfg, log)
	c.Gateway.StartMonitor(ctx)

	reg := metrics.NewRegistry(cfg.Metrics.Namespace, c.Metrics)

	var api *httpapi.Server
	if cfg.API.Addr != "" {
		tokens := make(map[string]string, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens[t.Token] = t.Name
		}
		if len(tokens) == 0 {
			log.Warn("operator API has no tokens; every request is accepted", "addr", cfg.API.Addr)
		}
		api = httpapi.New(ctx, httpapi.Config{
			Addr:           cfg.API.Addr,
			Tokens:         tokens,
			RequestsPerMin: cfg.API.RequestsPerMin,
			Burst:          cfg.API.Burst,
			TrustedProxies: cfg.API.TrustedProxies,
		}, c.Gateway, logger.Component(log, "api"),
			httpapi.WithAlerts(c.Alerts),
			httpapi.WithEventBus(c.Bus),
			httpapi.WithGatherer(reg),
		)
		if err := api.Start(ctx); err != nil {
			c.Close(context.WithoutCancel(ctx))
			return err
		}
	}

	var promSrv *http.Server
	if cfg.Metrics.PrometheusAddr != "" {
		promSrv = startPrometheus(cfg.Metrics.PrometheusAddr, reg, log)
	}

	fmt.Fprintf(stdout, "trustgate serving: %d plugins, %d trusted keys\n", loaded, len(c.Gateway.TrustedKeys()))
	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if api != nil {
		errs = errors.Join(errs, api.Shutdown(sctx))
	}
	if promSrv != nil {
		errs = errors.Join(errs, promSrv.Shutdown(sctx))
	}
	errs = errors.Join(errs, c.Close(sctx), shutdownTracer(sctx))
	return errs
}

func startPrometheus(addr string, g prometheus.Gatherer, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus listener failed", "addr", addr, "error", err)
		}
	}()
	log.Info("prometheus metrics listening", "addr", addr)
	return srv
}
