// Package recovery records plugin crashes and decides, then carries out,
// what happens to a crashed plugin.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"trustgate/internal/domain"
	"trustgate/internal/infra/tracer"
	"trustgate/internal/shard"
)

// Config holds recovery policy settings.
type Config struct {
	// MaxCrashes is the crash count above which a plugin is always disabled.
	MaxCrashes       int
	AutoRestartDelay time.Duration
	DefaultStrategy  domain.RecoveryStrategy
	// PromptTimeout bounds how long a user prompt may stay unanswered.
	PromptTimeout time.Duration
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() Config {
	return Config{
		MaxCrashes:       domain.DefaultThresholds().MaxCrashes,
		AutoRestartDelay: 5 * time.Second,
		DefaultStrategy:  domain.StrategyAskUser,
		PromptTimeout:    10 * time.Minute,
	}
}

// Actions are the lifecycle side effects the manager asks its owner to apply.
type Actions interface {
	Restart(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID, reason string) error
}

// Manager holds per-plugin strategies and crash histories.
type Manager struct {
	cfg        Config
	history    *shard.Map[[]domain.CrashRecord]
	strategies *shard.Map[domain.RecoveryStrategy]

	actions  Actions
	prompter domain.UserPrompter
	alerter  domain.Alerter
	audit    domain.AuditLogger
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithActions sets the owner that restarts and disables plugins.
func WithActions(a Actions) Option { return func(m *Manager) { m.actions = a } }

// WithPrompter sets the collaborator asked about AskUser crashes.
func WithPrompter(p domain.UserPrompter) Option { return func(m *Manager) { m.prompter = p } }

// WithAlerter sets the collaborator that raises AlertAndWait alerts.
func WithAlerter(a domain.Alerter) Option { return func(m *Manager) { m.alerter = a } }

// WithAuditLogger records strategy changes and resets.
func WithAuditLogger(a domain.AuditLogger) Option { return func(m *Manager) { m.audit = a } }

// NewManager creates a manager. Zero config fields take DefaultConfig values.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = def.MaxCrashes
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = def.PromptTimeout
	}
	m := &Manager{
		cfg:        cfg,
		history:    shard.New[[]domain.CrashRecord](),
		strategies: shard.New[domain.RecoveryStrategy](),
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// HandleCrash records a crash and returns the action to take. Above
// MaxCrashes the answer is always Disable, whatever the strategy.
func (m *Manager) HandleCrash(ctx context.Context, pluginID string, cause error) domain.RecoveryAction {
	strategy := m.Strategy(pluginID)
	action := strategy.Action()

	var count int
	_ = m.history.Update(pluginID, func(records *[]domain.CrashRecord, _ bool) error {
		count = len(*records) + 1
		if count > m.cfg.MaxCrashes {
			action = domain.ActionDisable
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		*records = append(*records, domain.CrashRecord{
			ID:        newID(),
			Timestamp: m.now(),
			Error:     msg,
			Action:    action,
		})
		return nil
	})

	m.logger.Log(ctx, slog.LevelWarn, "plugin crash recorded",
		"plugin", pluginID,
		"crash_count", count,
		"strategy", string(strategy),
		"action", string(action),
		"error", cause,
	)
	return action
}

// Execute carries out action and records the outcome on the latest crash.
func (m *Manager) Execute(ctx context.Context, pluginID string, action domain.RecoveryAction) domain.RecoveryResult {
	ctx, span := tracer.StartPluginSpan(ctx, "recovery.execute", pluginID)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("recovery.action", string(action)))

	result := m.execute(ctx, pluginID, action)
	m.markLast(pluginID, action, result.Succeeded())
	if action == domain.ActionPromptUser && m.prompter != nil {
		m.prompt(ctx, pluginID)
	}

	if result.Succeeded() {
		tracer.SetOK(span)
		m.logger.Info("recovery action applied", "plugin", pluginID, "action", string(action), "outcome", string(result.Outcome))
	} else {
		tracer.RecordError(span, fmt.Errorf("%w: %s", domain.ErrCrashed, result.Reason))
		m.logger.Error("recovery action failed", "plugin", pluginID, "action", string(action), "reason", result.Reason)
	}
	return result
}

func (m *Manager) execute(ctx context.Context, pluginID string, action domain.RecoveryAction) domain.RecoveryResult {
	switch action {
	case domain.ActionPromptUser:
		return domain.RecoveryResult{Outcome: domain.OutcomeUserPrompted}

	case domain.ActionRestart:
		if m.actions == nil {
			return failed("no restart handler configured")
		}
		if err := m.sleep(ctx, m.cfg.AutoRestartDelay); err != nil {
			return failed(fmt.Sprintf("restart delay interrupted: %v", err))
		}
		if err := m.actions.Restart(ctx, pluginID); err != nil {
			return failed(err.Error())
		}
		return domain.RecoveryResult{Outcome: domain.OutcomeRestarted}

	case domain.ActionDisable:
		if m.actions != nil {
			reason := fmt.Sprintf("disabled after %d crashes", m.CrashCount(pluginID))
			if err := m.actions.Disable(ctx, pluginID, reason); err != nil {
				return failed(err.Error())
			}
		}
		return domain.RecoveryResult{Outcome: domain.OutcomeDisabled}

	case domain.ActionAlert:
		if m.alerter == nil {
			m.logger.Error("plugin crashed, awaiting operator", "plugin", pluginID)
			return domain.RecoveryResult{Outcome: domain.OutcomeAlerted}
		}
		last, _ := m.lastCrash(pluginID)
		err := m.alerter.Raise(ctx, domain.Alert{
			PluginID: pluginID,
			Type:     domain.AlertPluginCrash,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("plugin %s crashed: %s", pluginID, last.Error),
			Context:  map[string]string{"crash_id": last.ID, "crash_count": fmt.Sprint(m.CrashCount(pluginID))},
		})
		if err != nil {
			return failed(fmt.Sprintf("raise alert: %v", err))
		}
		return domain.RecoveryResult{Outcome: domain.OutcomeAlerted}
	}
	return failed(fmt.Sprintf("unknown recovery action %q", action))
}

// prompt asks the user in the background. A yes restarts the plugin, a no
// disables it. Without an answer the plugin stays where the owner left it.
func (m *Manager) prompt(ctx context.Context, pluginID string) {
	crash, _ := m.lastCrash(pluginID)
	promptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PromptTimeout)
	go func() {
		defer cancel()
		restart, err := m.prompter.PromptRecovery(promptCtx, pluginID, crash)
		if err != nil {
			m.logger.Warn("recovery prompt failed", "plugin", pluginID, "error", err)
			return
		}
		if m.actions == nil {
			return
		}
		action := domain.ActionDisable
		if restart {
			action = domain.ActionRestart
			err = m.actions.Restart(promptCtx, pluginID)
		} else {
			err = m.actions.Disable(promptCtx, pluginID, "disabled by user")
		}
		m.markLast(pluginID, action, err == nil)
		if err != nil {
			m.logger.Warn("applying prompt answer failed", "plugin", pluginID, "restart", restart, "error", err)
		}
	}()
}

func failed(reason string) domain.RecoveryResult {
	return domain.RecoveryResult{Outcome: domain.OutcomeFailed, Reason: reason}
}

func (m *Manager) markLast(pluginID string, action domain.RecoveryAction, success bool) {
	_ = m.history.Update(pluginID, func(records *[]domain.CrashRecord, ok bool) error {
		if !ok || len(*records) == 0 {
			return errNoHistory
		}
		last := &(*records)[len(*records)-1]
		last.Action = action
		last.Success = success
		return nil
	})
}

var errNoHistory = fmt.Errorf("no crash history: %w", domain.ErrNotFound)

func (m *Manager) lastCrash(pluginID string) (domain.CrashRecord, bool) {
	records, ok := m.history.Get(pluginID)
	if !ok || len(records) == 0 {
		return domain.CrashRecord{}, false
	}
	return records[len(records)-1], true
}

// SetStrategy changes the strategy for pluginID.
func (m *Manager) SetStrategy(ctx context.Context, pluginID string, s domain.RecoveryStrategy) error {
	parsed, err := domain.ParseRecoveryStrategy(string(s))
	if err != nil {
		return domain.NewPluginError(pluginID, "Recovery.SetStrategy", err, "")
	}
	prev := m.Strategy(pluginID)
	m.strategies.Set(pluginID, parsed)
	m.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditStrategyChanged,
		Resource: pluginID,
		Action:   "set_strategy",
		Outcome:  "success",
		Detail:   map[string]string{"from": string(prev), "to": string(parsed)},
	})
	return nil
}

// Strategy returns the strategy for pluginID, or the default.
func (m *Manager) Strategy(pluginID string) domain.RecoveryStrategy {
	if s, ok := m.strategies.Get(pluginID); ok {
		return s
	}
	return m.cfg.DefaultStrategy
}

// CrashHistory returns a copy of pluginID's crash records, oldest first.
func (m *Manager) CrashHistory(pluginID string) []domain.CrashRecord {
	records, _ := m.history.Get(pluginID)
	out := make([]domain.CrashRecord, len(records))
	copy(out, records)
	return out
}

// CrashCount returns how many crashes are on record for pluginID.
func (m *Manager) CrashCount(pluginID string) int {
	records, _ := m.history.Get(pluginID)
	return len(records)
}

// OverThreshold reports whether pluginID has crashed more than MaxCrashes times.
func (m *Manager) OverThreshold(pluginID string) bool {
	return m.CrashCount(pluginID) > m.cfg.MaxCrashes
}

// Stats aggregates outcomes across every plugin's history.
func (m *Manager) Stats() domain.RecoveryStats {
	var s domain.RecoveryStats
	for _, records := range m.history.Snapshot() {
		s.TotalCrashes += len(records)
		for _, r := range records {
			if r.Success {
				s.SuccessfulRecoveries++
			} else {
				s.FailedRecoveries++
			}
			if r.Action == domain.ActionDisable {
				s.DisabledPlugins++
			}
		}
	}
	return s
}

// Reset clears pluginID's crash history and strategy. It is an audited,
// operator-initiated action.
func (m *Manager) Reset(ctx context.Context, pluginID, actor string) {
	m.reset(ctx, pluginID, actor, true)
}

// ResetHistory clears pluginID's crash history and keeps its strategy.
func (m *Manager) ResetHistory(ctx context.Context, pluginID, actor string) {
	m.reset(ctx, pluginID, actor, false)
}

func (m *Manager) reset(ctx context.Context, pluginID, actor string, strategy bool) {
	cleared := m.CrashCount(pluginID)
	m.history.Delete(pluginID)
	action := "reset_history"
	if strategy {
		m.strategies.Delete(pluginID)
		action = "reset_recovery"
	}
	m.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditRecoveryReset,
		Actor:    actor,
		Resource: pluginID,
		Action:   action,
		Outcome:  "success",
		Detail:   map[string]string{"cleared_crashes": fmt.Sprint(cleared)},
	})
	m.logger.Info("recovery state reset", "plugin", pluginID, "actor", actor,
		"cleared_crashes", cleared, "strategy_reset", strategy)
}

func (m *Manager) logAudit(ctx context.Context, ev domain.AuditEvent) {
	if m.audit == nil {
		return
	}
	ev.Timestamp = m.now()
	if err := m.audit.Log(ctx, ev); err != nil {
		m.logger.Warn("audit write failed", "type", string(ev.Type), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
