package gateway

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"trustgate/internal/domain"
	"trustgate/internal/metrics"
	"trustgate/internal/recovery"
)

var _ recovery.Actions = (*Gateway)(nil)

// Restart re-instantiates a crashed plugin and resets its live usage. The
// plugin must be Recovering or AwaitingUser.
func (g *Gateway) Restart(ctx context.Context, pluginID string) error {
	const op = "Gateway.Restart"
	e, err := g.get(pluginID)
	if err != nil {
		return err
	}
	if g.recovery.OverThreshold(pluginID) {
		return domain.NewPluginError(pluginID, op, domain.ErrPluginDisabled,
			fmt.Sprintf("more than %d crashes", g.recovery.Config().MaxCrashes))
	}

	e.mu.Lock()
	from := e.state
	e.mu.Unlock()
	if from != domain.StateRecovering && from != domain.StateAwaitingUser {
		return domain.NewPluginError(pluginID, op, domain.ErrInvalidTransition,
			fmt.Sprintf("cannot restart from %s", from))
	}

	if err := g.reinstantiate(ctx, e); err != nil {
		return err
	}
	g.quotas.ResetUsage(pluginID)

	e.mu.Lock()
	changes, err := e.transition(domain.StateRestarted)
	if err == nil {
		e.reason = ""
	}
	e.mu.Unlock()
	if err != nil {
		// Unloaded while the module was rebuilt.
		g.unloadEngine(ctx, pluginID)
		return err
	}

	g.publishChanges(ctx, pluginID, changes)
	g.emit(ctx, domain.EventPluginRecovered, pluginID, nil)
	g.logger.Info("plugin restarted", "plugin", pluginID, "crashes", len(g.recovery.CrashHistory(pluginID)))
	return nil
}

func (g *Gateway) reinstantiate(ctx context.Context, e *entry) error {
	if g.engine == nil {
		return nil
	}
	id := e.info.ID
	g.unloadEngine(ctx, id)
	if err := g.engine.Instantiate(ctx, e.info, e.payload, e.quota); err != nil {
		if !errors.Is(err, domain.ErrInitializationFailed) {
			err = domain.NewPluginError(id, "Gateway.Restart", domain.ErrInitializationFailed, err.Error())
		}
		return err
	}
	return nil
}

func (g *Gateway) unloadEngine(ctx context.Context, pluginID string) {
	if g.engine == nil {
		return
	}
	if err := g.engine.Unload(ctx, pluginID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		g.logger.Warn("engine unload failed", "plugin", pluginID, "error", err)
	}
}

// Disable stops a crashed plugin from executing. Disabling an already
// disabled plugin is a no-op.
func (g *Gateway) Disable(ctx context.Context, pluginID, reason string) error {
	e, err := g.get(pluginID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == domain.StateDisabled {
		e.mu.Unlock()
		return nil
	}
	changes, err := e.transition(domain.StateDisabled)
	if err == nil {
		e.reason = reason
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	g.publishChanges(ctx, pluginID, changes)
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditPluginDisabled,
		Actor:    "gateway",
		Resource: pluginID,
		Action:   "disable",
		Outcome:  "success",
		Detail:   map[string]string{"reason": reason},
	})
	g.emit(ctx, domain.EventPluginDisabled, pluginID, map[string]string{"reason": reason})
	g.logger.Warn("plugin disabled", "plugin", pluginID, "reason", reason)
	return nil
}

// Enable returns a Disabled plugin to Idle. It refuses while the crash count
// is over the threshold; ResetRecovery clears it.
func (g *Gateway) Enable(ctx context.Context, pluginID, actor string) error {
	const op = "Gateway.Enable"
	e, err := g.get(pluginID)
	if err != nil {
		return err
	}
	if g.recovery.OverThreshold(pluginID) {
		return domain.NewPluginError(pluginID, op, domain.ErrPluginDisabled,
			"crash count over threshold; reset recovery first")
	}

	e.mu.Lock()
	from := e.state
	e.mu.Unlock()
	if from != domain.StateDisabled {
		return domain.NewPluginError(pluginID, op, domain.ErrInvalidTransition,
			fmt.Sprintf("cannot enable from %s", from))
	}
	if err := g.reinstantiate(ctx, e); err != nil {
		return err
	}
	g.quotas.ResetUsage(pluginID)

	e.mu.Lock()
	changes, err := e.transition(domain.StateIdle)
	if err == nil {
		e.reason = ""
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	g.publishChanges(ctx, pluginID, changes)
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditPluginEnabled,
		Actor:    actor,
		Resource: pluginID,
		Action:   "enable",
		Outcome:  "success",
	})
	g.logger.Info("plugin enabled", "plugin", pluginID, "actor", actor)
	return nil
}

// ResolveRecovery answers for a plugin AwaitingUser: restart it or keep it
// disabled.
func (g *Gateway) ResolveRecovery(ctx context.Context, pluginID string, restart bool, actor string) error {
	const op = "Gateway.ResolveRecovery"
	e, err := g.get(pluginID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	from := e.state
	e.mu.Unlock()
	if from != domain.StateAwaitingUser {
		return domain.NewPluginError(pluginID, op, domain.ErrInvalidTransition,
			fmt.Sprintf("%s is not awaiting a decision", from))
	}
	if restart {
		err = g.Restart(ctx, pluginID)
	} else {
		err = g.Disable(ctx, pluginID, "disabled by "+actor)
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditRecoveryResolved,
		Actor:    actor,
		Resource: pluginID,
		Action:   "resolve_recovery",
		Outcome:  outcome,
		Detail:   map[string]string{"restart": fmt.Sprint(restart)},
	})
	return err
}

// Unload terminates pluginID. In-flight runs are cancelled and waited for
// until ctx is done. Grants, helpers and the engine module go at once; quota,
// metrics and the entry itself are dropped when the last run has returned, so
// a run that outlives ctx cannot leave usage behind. Until then the id stays
// Terminated and cannot be loaded again. Crash history is kept.
func (g *Gateway) Unload(ctx context.Context, pluginID string) error {
	e, err := g.get(pluginID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changes, err := e.transition(domain.StateTerminated)
	e.mu.Unlock()
	if err != nil {
		return domain.NewPluginError(pluginID, "Gateway.Unload", domain.ErrPluginNotFound, "already terminated")
	}
	e.kill()
	g.publishChanges(ctx, pluginID, changes)

	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for in-flight executions of %s: %w", pluginID, ctx.Err())
		g.logger.Warn("unload gave up waiting for executions", "plugin", pluginID, "error", ctx.Err())
	}

	cleanup := context.WithoutCancel(ctx)
	g.unloadEngine(cleanup, pluginID)
	if g.supervisor != nil {
		if n := g.supervisor.Terminate(cleanup, pluginID); n > 0 {
			g.logger.Info("terminated plugin helpers", "plugin", pluginID, "count", n)
		}
	}
	if g.network != nil {
		g.network.Forget(pluginID)
	}
	g.perms.Remove(pluginID)

	if waitErr == nil {
		g.forget(pluginID)
	} else {
		go func() {
			<-done
			g.forget(pluginID)
			g.logger.Info("late executions drained", "plugin", pluginID)
		}()
	}

	g.logAudit(cleanup, domain.AuditEvent{
		Type:     domain.AuditPluginUnloaded,
		Actor:    "gateway",
		Resource: pluginID,
		Action:   "unload",
		Outcome:  "success",
	})
	g.emit(cleanup, domain.EventPluginUnloaded, pluginID, nil)
	g.logger.Info("plugin unloaded", "plugin", pluginID)
	return waitErr
}

// forget drops the per-plugin accounting of an unloaded plugin.
func (g *Gateway) forget(pluginID string) {
	g.quotas.Remove(pluginID)
	g.metrics.Remove(pluginID)
	g.plugins.Delete(pluginID)
}

// StartMonitor begins periodic threshold checks.
func (g *Gateway) StartMonitor(ctx context.Context) { g.monitor.Start(ctx) }

// sample refreshes helper process usage before each monitor tick.
func (g *Gateway) sample(ctx context.Context) {
	if g.supervisor == nil {
		return
	}
	for _, id := range g.supervisor.Plugins() {
		e, ok := g.plugins.Get(id)
		if !ok {
			continue
		}
		u := g.supervisor.Usage(ctx, id)
		if u.Processes == 0 {
			continue
		}
		e.mu.Lock()
		mem := e.lastMemory + u.RSSBytes
		e.mu.Unlock()
		g.quotas.UpdateCPU(id, u.CPUPercent)
		g.metrics.RecordCPU(id, u.CPUPercent)
		g.metrics.RecordMemory(id, mem)
	}
}

// onWarning turns a monitor warning into an alert and an event.
func (g *Gateway) onWarning(ctx context.Context, w metrics.Warning) {
	sev := domain.SeverityMedium
	if w.Kind == metrics.WarnCrashes {
		sev = domain.SeverityHigh
	}
	g.raise(ctx, domain.Alert{
		PluginID: w.PluginID,
		Type:     domain.AlertPerformanceAnomaly,
		Severity: sev,
		Message:  w.String(),
		Context: map[string]string{
			"kind":      string(w.Kind),
			"value":     fmt.Sprint(w.Value),
			"threshold": fmt.Sprint(w.Threshold),
		},
	})
	g.emit(ctx, domain.EventResourceWarning, w.PluginID, map[string]any{
		"kind":      string(w.Kind),
		"value":     w.Value,
		"threshold": w.Threshold,
	})
}

// StartHelper launches a native helper process owned by pluginID. The helper
// is terminated when the plugin is unloaded.
func (g *Gateway) StartHelper(ctx context.Context, pluginID, command string, args []string) (*domain.ProcessSession, error) {
	const op = "Gateway.StartHelper"
	if g.supervisor == nil {
		return nil, domain.NewPluginError(pluginID, op, domain.ErrDisabled, "no process supervisor")
	}
	e, err := g.get(pluginID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	err = e.executableLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.supervisor.Start(ctx, pluginID, command, args)
}

// Helpers lists pluginID's helper processes.
func (g *Gateway) Helpers(pluginID string) []domain.ProcessSession {
	if g.supervisor == nil {
		return nil
	}
	return g.supervisor.List(pluginID)
}

// Shutdown stops the monitor, unloads every plugin in parallel and closes the
// supervisor and engine. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.monitor.Stop()

		var eg errgroup.Group
		for _, id := range g.plugins.Keys() {
			eg.Go(func() error {
				if uerr := g.Unload(ctx, id); uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
					return uerr
				}
				return nil
			})
		}
		err = eg.Wait()

		if g.supervisor != nil {
			g.supervisor.Close(ctx)
		}
		if g.engine != nil {
			if cerr := g.engine.Close(ctx); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close engine: %w", cerr))
			}
		}
		g.logger.Info("gateway shut down")
	})
	return err
}
