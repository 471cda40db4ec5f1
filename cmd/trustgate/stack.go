package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"trustgate/internal/alert"
	"trustgate/internal/domain"
	"trustgate/internal/eventbus"
	"trustgate/internal/gateway"
	"trustgate/internal/infra/config"
	"trustgate/internal/infra/logger"
	"trustgate/internal/metrics"
	"trustgate/internal/plugin"
	"trustgate/internal/plugin/wasm"
	"trustgate/internal/process"
	"trustgate/internal/recovery"
	"trustgate/internal/sandbox"
	"trustgate/internal/security"
	"trustgate/internal/services"
	"trustgate/internal/storage"
)

// Components is the wired gateway and everything it shares state with.
type Components struct {
	Gateway *gateway.Gateway
	Bus     *eventbus.Bus
	Alerts  *alert.Service
	Metrics *metrics.Collector
	Keys    *security.TrustedKeySet

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

func (c *Components) onClose(fn func(context.Context) error) { c.closers = append(c.closers, fn) }

// Close shuts the gateway down, then releases storage, audit and the bus.
func (c *Components) Close(ctx context.Context) error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, c.closers[i](ctx))
	}
	c.closers = nil
	return err
}

type buildOptions struct {
	prompter domain.UserPrompter
	keyPaths []string // extra trusted key files on top of gateway.trusted_keys
}

// buildComponents wires the full runtime from cfg. On error everything
// already opened is closed.
func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger, opts buildOptions) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close(context.WithoutCancel(ctx))
		}
	}()

	c.Bus = eventbus.New(logger.Component(log, "eventbus"))
	c.onClose(func(context.Context) error { c.Bus.Close(); return nil })

	for _, p := range []string{cfg.Storage.Path, cfg.Audit.Path} {
		if p != "" && p != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
				return nil, err
			}
		}
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	c.onClose(func(context.Context) error { return db.Close() })

	var enc *security.BlobEncryptor
	if cfg.Storage.Passphrase != "" {
		salt, err := db.Salt(ctx)
		if err != nil {
			return nil, err
		}
		if enc, err = security.NewBlobEncryptor(cfg.Storage.Passphrase, salt); err != nil {
			return nil, fmt.Errorf("storage encryption: %w", err)
		}
	}

	var audit domain.AuditLogger = security.NopAuditLogger{}
	if cfg.Audit.Enabled {
		fa, err := security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		c.onClose(func(context.Context) error { return fa.Close() })
		audit = fa
	}

	minSev, err := domain.ParseSeverity(cfg.Alert.MinSeverity)
	if err != nil {
		return nil, err
	}
	alertOpts := []alert.Option{
		alert.WithMinSeverity(minSev),
		alert.WithEventBus(c.Bus),
		alert.WithAuditLogger(audit),
	}
	if cfg.Alert.SlackWebhookURL != "" {
		alertOpts = append(alertOpts, alert.WithNotifier(alert.NewSlackNotifier(cfg.Alert.SlackWebhookURL)))
	}
	c.Alerts = alert.NewService(storage.NewAlertStore(db), logger.Component(log, "alerts"), alertOpts...)

	quotas := sandbox.NewQuotaManager(cfg.Quota.Defaults)
	c.Metrics = metrics.NewCollector()
	perms := plugin.NewPermissionService(audit, logger.Component(log, "permissions"))

	store := services.NewStorage(storage.NewKVStore(db, enc), quotas, logger.Component(log, "storage"))
	network := services.NewNetwork(services.NetworkConfig{
		RequestTimeout:  cfg.Network.RequestTimeout,
		MaxResponseSize: cfg.Network.MaxResponseSize,
		AllowedHosts:    cfg.Network.AllowedHosts,
		RatePerSecond:   cfg.Network.RatePerSecond,
		Burst:           cfg.Network.Burst,
		MaxFailures:     cfg.Network.CircuitBreaker.MaxFailures,
		BreakerInterval: cfg.Network.CircuitBreaker.Interval,
		BreakerTimeout:  cfg.Network.CircuitBreaker.Timeout,
	}, quotas, logger.Component(log, "network"), services.WithMetrics(c.Metrics))

	host := services.NewHost(perms, logger.Component(log, "host"),
		services.WithStorage(store),
		services.WithNetwork(network),
		services.WithSystemInfo(services.NewSystemInfo(cfg.Metrics.MonitorInterval)),
		services.WithEventBus(c.Bus),
		services.WithViolationReporter(c.Alerts),
	)
	supervisor := process.New(process.Config{}, c.Bus, logger.Component(log, "process"))

	c.Keys = security.NewTrustedKeySet()
	for _, p := range append(append([]string{}, cfg.Gateway.TrustedKeys...), opts.keyPaths...) {
		pub, err := security.LoadPublicKeyFile(p)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", p, err)
		}
		if _, _, err := c.Keys.Add(pub); err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", p, err)
		}
	}

	strategy, err := domain.ParseRecoveryStrategy(cfg.Recovery.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	rec := recovery.DefaultConfig()
	rec.DefaultStrategy = strategy
	rec.AutoRestartDelay = cfg.Recovery.AutoRestartDelay
	rec.MaxCrashes = cfg.Thresholds.MaxCrashes

	gwOpts := []gateway.Option{
		gateway.WithEngine(wasm.NewEngine(host, logger.Component(log, "wasm"))),
		gateway.WithTrustedKeys(c.Keys),
		gateway.WithQuotaManager(quotas),
		gateway.WithMetrics(c.Metrics),
		gateway.WithPermissionService(perms),
		gateway.WithAlerter(c.Alerts),
		gateway.WithAuditLogger(audit),
		gateway.WithEventBus(c.Bus),
		gateway.WithStorage(store),
		gateway.WithNetwork(network),
		gateway.WithSupervisor(supervisor),
	}
	if opts.prompter != nil {
		gwOpts = append(gwOpts, gateway.WithPrompter(opts.prompter))
	}
	c.Gateway = gateway.New(gateway.Config{
		HostVersion:       cfg.Gateway.HostVersion,
		PayloadExtensions: cfg.Gateway.PayloadExtensions,
		AllowPermissions:  cfg.Gateway.AllowPermissions,
		DenyPermissions:   cfg.Gateway.DenyPermissions,
		WorkerPoolSize:    cfg.Gateway.WorkerPoolSize,
		EscapeOutput:      cfg.Gateway.EscapeOutput,
		QuotaDefaults:     cfg.Quota.Defaults,
		QuotaMaximum:      cfg.Quota.Maximum,
		QuotaOverrides:    cfg.Quota.Overrides,
		Thresholds:        cfg.Thresholds,
		Recovery:          rec,
		MonitorInterval:   cfg.Metrics.MonitorInterval,
	}, log, gwOpts...)
	c.onClose(c.Gateway.Shutdown)

	return c, nil
}

// applyStrategies sets the per-plugin recovery strategies from config.
// Plugins that are not loaded are skipped.
func applyStrategies(ctx context.Context, c *Components, cfg *config.Config, log *slog.Logger) {
	for id, name := range cfg.Recovery.Strategies {
		s, err := domain.ParseRecoveryStrategy(name)
		if err != nil {
			log.Warn("bad recovery strategy", "plugin_id", id, "error", err)
			continue
		}
		if _, err := c.Gateway.Info(id); err != nil {
			continue
		}
		if err := c.Gateway.SetRecoveryStrategy(ctx, id, s); err != nil {
			log.Warn("set recovery strategy failed", "plugin_id", id, "error", err)
		}
	}
}

// startHelpers launches the "plugin-id=/path/to/binary [args...]" helpers
// of loaded plugins.
func startHelpers(ctx context.Context, c *Components, cfg *config.Config, log *slog.Logger) {
	for _, entry := range cfg.Gateway.Helpers {
		id, cmdline, ok := strings.Cut(entry, "=")
		fields := strings.Fields(cmdline)
		if !ok || id == "" || len(fields) == 0 {
			log.Warn("bad helper entry", "entry", entry)
			continue
		}
		if _, err := c.Gateway.Info(id); err != nil {
			log.Warn("helper for unknown plugin", "plugin_id", id)
			continue
		}
		sess, err := c.Gateway.StartHelper(ctx, id, fields[0], fields[1:])
		if err != nil {
			logger.PluginError(ctx, log, id, "start helper failed", err)
			continue
		}
		log.Info("helper started", "plugin_id", id, "session", sess.ID, "pid", sess.PID)
	}
}
