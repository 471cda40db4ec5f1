// Package gateway sequences plugin verification, admission, sandboxed
// execution and crash recovery. It is the only writer of lifecycle state.
package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"trustgate/internal/domain"
	"trustgate/internal/infra/logger"
	"trustgate/internal/metrics"
	"trustgate/internal/plugin"
	"trustgate/internal/process"
	"trustgate/internal/recovery"
	"trustgate/internal/sandbox"
	"trustgate/internal/security"
	"trustgate/internal/services"
	"trustgate/internal/shard"
)

// Config holds gateway policy.
type Config struct {
	HostVersion       string
	PayloadExtensions []string
	AllowPermissions  []string
	DenyPermissions   []string
	WorkerPoolSize    int
	EscapeOutput      bool

	QuotaDefaults  domain.ResourceQuota
	QuotaMaximum   domain.ResourceQuota
	QuotaOverrides map[string]domain.ResourceQuota

	Thresholds      domain.Thresholds
	Recovery        recovery.Config
	MonitorInterval time.Duration
}

// entry is the gateway's record of one plugin. Fields below mu are guarded
// by it.
type entry struct {
	info     domain.PluginInfo
	archive  string
	payload  []byte
	quota    domain.ResourceQuota
	loadedAt time.Time

	// life is cancelled by Unload and bounds every run and recovery.
	life context.Context
	kill context.CancelFunc
	runs sync.WaitGroup
	// turn admits one run of the plugin at a time. It is taken before a
	// worker slot so a run that yields its slot while blocked on the host
	// never waits behind a sibling holding that slot.
	turn chan struct{}

	mu         sync.Mutex
	state      domain.LifecycleState
	running    int
	reason     string
	lastMemory uint64
}

// Gateway owns every loaded plugin.
type Gateway struct {
	cfg Config

	keys     *security.TrustedKeySet
	verifier *security.Verifier
	engine   domain.ExecutionEngine
	quotas   *sandbox.QuotaManager
	sandbox  *sandbox.Sandbox
	metrics  *metrics.Collector
	monitor  *metrics.Monitor
	recovery *recovery.Manager
	perms    *plugin.PermissionService

	alerter    domain.Alerter
	audit      domain.AuditLogger
	bus        domain.EventBus
	storage    *services.Storage
	network    *services.Network
	supervisor *process.Supervisor
	prompter   domain.UserPrompter

	pool    *semaphore.Weighted
	plugins *shard.Map[*entry]
	logger  *slog.Logger
	now     func() time.Time

	closeOnce sync.Once
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEngine sets the engine plugin payloads run on. Without one, executions
// echo the sanitized request.
func WithEngine(e domain.ExecutionEngine) Option { return func(g *Gateway) { g.engine = e } }

// WithTrustedKeys shares a key set with the caller.
func WithTrustedKeys(k *security.TrustedKeySet) Option { return func(g *Gateway) { g.keys = k } }

// WithQuotaManager shares a quota manager with the capability services.
func WithQuotaManager(q *sandbox.QuotaManager) Option { return func(g *Gateway) { g.quotas = q } }

// WithMetrics shares a collector with the capability services and exporter.
func WithMetrics(c *metrics.Collector) Option { return func(g *Gateway) { g.metrics = c } }

// WithPermissionService shares the runtime grant table with the host.
func WithPermissionService(p *plugin.PermissionService) Option {
	return func(g *Gateway) { g.perms = p }
}

// WithAlerter routes security, crash and threshold alerts.
func WithAlerter(a domain.Alerter) Option { return func(g *Gateway) { g.alerter = a } }

// WithAuditLogger records administrative and admission decisions.
func WithAuditLogger(a domain.AuditLogger) Option { return func(g *Gateway) { g.audit = a } }

// WithEventBus publishes lifecycle events.
func WithEventBus(b domain.EventBus) Option { return func(g *Gateway) { g.bus = b } }

// WithStorage syncs persisted storage footprints on load.
func WithStorage(s *services.Storage) Option { return func(g *Gateway) { g.storage = s } }

// WithNetwork forgets per-plugin network state on unload.
func WithNetwork(n *services.Network) Option { return func(g *Gateway) { g.network = n } }

// WithSupervisor lets plugins own helper processes.
func WithSupervisor(s *process.Supervisor) Option { return func(g *Gateway) { g.supervisor = s } }

// WithPrompter asks an operator what to do with crashed AskUser plugins.
func WithPrompter(p domain.UserPrompter) Option { return func(g *Gateway) { g.prompter = p } }

// New creates a gateway.
func New(cfg Config, log *slog.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.HostVersion == "" {
		cfg.HostVersion = "1.0.0"
	}
	if cfg.Thresholds == (domain.Thresholds{}) {
		cfg.Thresholds = domain.DefaultThresholds()
	}
	if cfg.Recovery.MaxCrashes <= 0 {
		cfg.Recovery.MaxCrashes = cfg.Thresholds.MaxCrashes
	}

	g := &Gateway{
		cfg:     cfg,
		audit:   security.NopAuditLogger{},
		pool:    semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		plugins: shard.New[*entry](),
		logger:  logger.Component(log, "gateway"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}

	if g.keys == nil {
		g.keys = security.NewTrustedKeySet()
	}
	verifierOpts := []security.VerifierOption{security.WithLogger(logger.Component(log, "verifier"))}
	if len(cfg.PayloadExtensions) > 0 {
		verifierOpts = append(verifierOpts, security.WithPayloadExtensions(cfg.PayloadExtensions...))
	}
	g.verifier = security.NewVerifier(g.keys, verifierOpts...)

	if g.quotas == nil {
		g.quotas = sandbox.NewQuotaManager(cfg.QuotaDefaults)
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}
	if g.perms == nil {
		g.perms = plugin.NewPermissionService(g.audit, logger.Component(log, "permissions"))
	}
	sbOpts := []sandbox.Option{sandbox.WithOutputEscaping(cfg.EscapeOutput)}
	if g.engine != nil {
		sbOpts = append(sbOpts, sandbox.WithEngine(g.engine))
	}
	g.sandbox = sandbox.New(g.quotas, logger.Component(log, "sandbox"), sbOpts...)

	recOpts := []recovery.Option{recovery.WithActions(g), recovery.WithAuditLogger(g.audit)}
	if g.prompter != nil {
		recOpts = append(recOpts, recovery.WithPrompter(g.prompter))
	}
	if g.alerter != nil {
		recOpts = append(recOpts, recovery.WithAlerter(g.alerter))
	}
	g.recovery = recovery.NewManager(cfg.Recovery, logger.Component(log, "recovery"), recOpts...)

	g.monitor = metrics.NewMonitor(g.metrics, cfg.Thresholds, logger.Component(log, "monitor"),
		metrics.WithInterval(cfg.MonitorInterval),
		metrics.WithSampler(g.sample),
		metrics.WithWarningHandler(g.onWarning),
	)
	return g
}

// Quotas returns the quota manager shared with the capability services.
func (g *Gateway) Quotas() *sandbox.QuotaManager { return g.quotas }

// Metrics returns the collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }

// Permissions returns the runtime grant table.
func (g *Gateway) Permissions() *plugin.PermissionService { return g.perms }

// Recovery returns the recovery manager.
func (g *Gateway) Recovery() *recovery.Manager { return g.recovery }

// AddTrustedKey registers pub for signature verification. Keys are never
// removed. It is audited.
func (g *Gateway) AddTrustedKey(ctx context.Context, pub *rsa.PublicKey, actor string) (string, error) {
	fp, added, err := g.keys.Add(pub)
	if err != nil {
		return "", err
	}
	if !added {
		g.logger.Debug("trusted key already registered", "fingerprint", fp)
		return fp, nil
	}
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditTrustedKeyAdded,
		Actor:    actor,
		Resource: fp,
		Action:   "add_trusted_key",
		Outcome:  "success",
	})
	g.emit(ctx, domain.EventTrustedKeyAdded, "", map[string]string{"fingerprint": fp})
	g.logger.Info("trusted key added", "fingerprint", fp, "actor", actor, "keys", g.keys.Len())
	return fp, nil
}

// TrustedKeys returns the fingerprints of every registered key.
func (g *Gateway) TrustedKeys() []string { return g.keys.Fingerprints() }

func (g *Gateway) get(pluginID string) (*entry, error) {
	e, ok := g.plugins.Get(pluginID)
	if !ok {
		return nil, domain.NewPluginError(pluginID, "Gateway", domain.ErrPluginNotFound, "")
	}
	return e, nil
}

// State returns the lifecycle state of pluginID.
func (g *Gateway) State(pluginID string) (domain.LifecycleState, error) {
	e, err := g.get(pluginID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

func (e *entry) view() domain.LoadedPlugin {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.LoadedPlugin{
		Info:     e.info,
		State:    e.state,
		Quota:    e.quota,
		Archive:  e.archive,
		LoadedAt: e.loadedAt,
	}
}

// Info returns the tracked view of pluginID.
func (g *Gateway) Info(pluginID string) (domain.LoadedPlugin, error) {
	e, err := g.get(pluginID)
	if err != nil {
		return domain.LoadedPlugin{}, err
	}
	return e.view(), nil
}

// List returns every loaded plugin ordered by id.
func (g *Gateway) List() []domain.LoadedPlugin {
	snap := g.plugins.Snapshot()
	out := make([]domain.LoadedPlugin, 0, len(snap))
	for _, e := range snap {
		if v := e.view(); v.State != domain.StateManifestValidated {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// GetMetrics returns pluginID's telemetry.
func (g *Gateway) GetMetrics(pluginID string) (domain.PluginMetrics, bool) {
	return g.metrics.Get(pluginID)
}

// GetAllMetrics returns every plugin's telemetry ordered by id.
func (g *Gateway) GetAllMetrics() []domain.PluginMetrics { return g.metrics.All() }

// GetPerformanceSummary returns the dashboard view of pluginID.
func (g *Gateway) GetPerformanceSummary(pluginID string) (domain.PerformanceSummary, bool) {
	return g.metrics.Summary(pluginID)
}

// GetCrashHistory returns pluginID's crash records, oldest first.
func (g *Gateway) GetCrashHistory(pluginID string) []domain.CrashRecord {
	return g.recovery.CrashHistory(pluginID)
}

// GetRecoveryStats aggregates recovery outcomes.
func (g *Gateway) GetRecoveryStats() domain.RecoveryStats { return g.recovery.Stats() }

// SetRecoveryStrategy changes how pluginID's crashes are handled.
func (g *Gateway) SetRecoveryStrategy(ctx context.Context, pluginID string, s domain.RecoveryStrategy) error {
	return g.recovery.SetStrategy(ctx, pluginID, s)
}

// ResetRecovery clears pluginID's crash history and strategy.
func (g *Gateway) ResetRecovery(ctx context.Context, pluginID, actor string) {
	g.recovery.Reset(ctx, pluginID, actor)
}

// ResetCrashHistory clears pluginID's crash history and keeps its strategy.
func (g *Gateway) ResetCrashHistory(ctx context.Context, pluginID, actor string) {
	g.recovery.ResetHistory(ctx, pluginID, actor)
}

// Usage returns pluginID's live quota usage.
func (g *Gateway) Usage(pluginID string) (domain.ResourceUsage, bool) {
	return g.quotas.Usage(pluginID)
}

// transition moves e to one of the target states, in order, validating each
// step. It must be called with e.mu held and publishes after the caller
// unlocks via the returned changes.
func (e *entry) transition(to ...domain.LifecycleState) ([]domain.StateChange, error) {
	var changes []domain.StateChange
	for _, next := range to {
		if err := domain.ValidateTransition(e.state, next); err != nil {
			return changes, domain.NewPluginError(e.info.ID, "Gateway.transition", err, "")
		}
		changes = append(changes, domain.StateChange{From: e.state, To: next})
		e.state = next
	}
	return changes, nil
}

func (g *Gateway) publishChanges(ctx context.Context, pluginID string, changes []domain.StateChange) {
	for _, c := range changes {
		g.logger.Debug("plugin state changed", "plugin", pluginID, "from", string(c.From), "to", string(c.To))
		g.emit(ctx, domain.EventPluginStateChanged, pluginID, c)
	}
}

func (g *Gateway) emit(ctx context.Context, typ domain.EventType, pluginID string, payload any) {
	if g.bus == nil {
		return
	}
	ev := domain.Event{Type: typ, PluginID: pluginID, Timestamp: g.now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			g.logger.Warn("event payload marshal failed", "type", string(typ), "error", err)
		} else {
			ev.Payload = data
		}
	}
	g.bus.Publish(ctx, ev)
}

func (g *Gateway) logAudit(ctx context.Context, ev domain.AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	if err := g.audit.Log(ctx, ev); err != nil {
		g.logger.Warn("audit write failed", "type", string(ev.Type), "error", err)
	}
}

func (g *Gateway) raise(ctx context.Context, a domain.Alert) {
	if g.alerter == nil {
		return
	}
	if err := g.alerter.Raise(ctx, a); err != nil {
		g.logger.Warn("raising alert failed", "plugin", a.PluginID, "type", string(a.Type), "error", err)
	}
}

// securityFailure logs err at critical severity and raises an alert.
func (g *Gateway) securityFailure(ctx context.Context, pluginID, archive string, err error) {
	logger.PluginError(ctx, g.logger, pluginID, "security check failed", err)
	g.raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertSecurityViolation,
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("security check failed: %v", err),
		Context:  map[string]string{"archive": archive, "code": string(domain.ErrorCodeOf(err))},
	})
}
