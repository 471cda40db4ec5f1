// Package httpapi serves the operator HTTP API: plugin inventory and
// lifecycle control, recovery decisions, alerts, Prometheus metrics and a
// websocket event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustgate/internal/alert"
	"trustgate/internal/domain"
	"trustgate/internal/gateway"
	"trustgate/internal/infra/middleware"
)

// Alerts is the alert history the API exposes.
type Alerts interface {
	Unresolved(ctx context.Context) ([]domain.Alert, error)
	PluginAlerts(ctx context.Context, pluginID string) ([]domain.Alert, error)
	Resolve(ctx context.Context, id, resolution, actor string) error
	Report(ctx context.Context, window time.Duration) (alert.Report, error)
}

// Config holds listener and access settings.
type Config struct {
	Addr           string
	Tokens         map[string]string // token -> operator name
	RequestsPerMin int
	Burst          int
	TrustedProxies []string
}

// Server is the operator API.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	alerts   Alerts
	bus      domain.EventBus
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	handler  http.Handler

	httpSrv   *http.Server
	boundAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithAlerts exposes alert history under /v1/alerts.
func WithAlerts(a Alerts) Option { return func(s *Server) { s.alerts = a } }

// WithEventBus streams events on /v1/events.
func WithEventBus(b domain.EventBus) Option { return func(s *Server) { s.bus = b } }

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New builds the API handler. ctx bounds the rate limiter's sweeper.
func New(ctx context.Context, cfg Config, gw *gateway.Gateway, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, gw: gw, logger: logger}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = middleware.Chain(mux,
		middleware.AccessLog(logger),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: cfg.RequestsPerMin,
			BurstSize:      cfg.Burst,
			TrustedProxies: cfg.TrustedProxies,
		}),
		middleware.BearerAuth(cfg.Tokens, "/healthz", "/metrics"),
	)
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.health)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/plugins", s.listPlugins)
	mux.HandleFunc("POST /v1/plugins", s.loadPlugin)
	mux.HandleFunc("GET /v1/plugins/{id}", s.getPlugin)
	mux.HandleFunc("DELETE /v1/plugins/{id}", s.unloadPlugin)
	mux.HandleFunc("POST /v1/plugins/{id}/execute", s.execute)
	mux.HandleFunc("POST /v1/plugins/{id}/enable", s.enable)
	mux.HandleFunc("POST /v1/plugins/{id}/resolve", s.resolve)
	mux.HandleFunc("GET /v1/plugins/{id}/metrics", s.pluginMetrics)
	mux.HandleFunc("GET /v1/plugins/{id}/crashes", s.crashes)
	mux.HandleFunc("PUT /v1/plugins/{id}/strategy", s.setStrategy)
	mux.HandleFunc("POST /v1/plugins/{id}/recovery/reset", s.resetRecovery)

	mux.HandleFunc("GET /v1/metrics", s.allMetrics)
	mux.HandleFunc("GET /v1/recovery/stats", s.recoveryStats)
	mux.HandleFunc("GET /v1/keys", s.listKeys)
	mux.HandleFunc("POST /v1/keys", s.addKey)

	if s.alerts != nil {
		mux.HandleFunc("GET /v1/alerts", s.listAlerts)
		mux.HandleFunc("GET /v1/alerts/report", s.alertReport)
		mux.HandleFunc("POST /v1/alerts/{id}/resolve", s.resolveAlert)
		mux.HandleFunc("GET /v1/plugins/{id}/alerts", s.pluginAlerts)
	}
	if s.bus != nil {
		mux.HandleFunc("GET /v1/events", s.events)
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on cfg.Addr and serves until ctx is done or Shutdown is
// called. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.boundAddr = ln.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("api listening", "addr", s.boundAddr, "auth", len(s.cfg.Tokens) > 0)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr is the listening address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
