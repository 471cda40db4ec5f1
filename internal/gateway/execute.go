package gateway

import (
	"context"
	"errors"
	"fmt"

	"trustgate/internal/domain"
	"trustgate/internal/infra/logger"
	"trustgate/internal/infra/tracer"
	"trustgate/internal/services"
)

// poolSlot adapts the worker pool to services.WorkerSlot.
type poolSlot struct{ g *Gateway }

func (s poolSlot) Release()                          { s.g.pool.Release(1) }
func (s poolSlot) Acquire(ctx context.Context) error { return s.g.pool.Acquire(ctx, 1) }

// Execute runs command on pluginID through the sandbox and returns its
// output. A failing execution crashes the plugin and hands it to recovery;
// the original error is returned either way.
func (g *Gateway) Execute(ctx context.Context, pluginID, command string, args map[string]string) (string, error) {
	out, err := g.ExecuteOutcome(ctx, pluginID, command, args)
	return out.Output, err
}

// ExecuteOutcome is Execute returning the engine's full report.
func (g *Gateway) ExecuteOutcome(ctx context.Context, pluginID, command string, args map[string]string) (out domain.ExecutionOutcome, err error) {
	const op = "Gateway.Execute"
	ctx, span := tracer.StartPluginSpan(ctx, "gateway.execute", pluginID)
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()
	span.SetAttributes(tracer.StringAttr("plugin.command", command))

	e, err := g.get(pluginID)
	if err != nil {
		return out, err
	}
	if g.recovery.OverThreshold(pluginID) {
		return out, domain.NewPluginError(pluginID, op, domain.ErrPluginDisabled,
			fmt.Sprintf("more than %d crashes", g.recovery.Config().MaxCrashes))
	}
	if err := e.enter(); err != nil {
		return out, err
	}
	defer e.runs.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.life, cancel)
	defer stop()

	select {
	case e.turn <- struct{}{}:
	case <-runCtx.Done():
		return out, domain.NewPluginError(pluginID, op, domain.ErrExecutionFailed, "waiting for a previous run: "+runCtx.Err().Error())
	}
	defer func() { <-e.turn }()

	if err := g.pool.Acquire(runCtx, 1); err != nil {
		return out, domain.NewPluginError(pluginID, op, domain.ErrExecutionFailed, "waiting for a worker: "+err.Error())
	}
	changes, err := e.begin()
	if err != nil {
		g.pool.Release(1)
		return out, err
	}
	g.publishChanges(ctx, pluginID, changes)

	limit := e.quota.MaxExecutionTime
	if limit > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, limit)
		defer cancelTimeout()
	}
	out, err = g.sandbox.Execute(services.WithWorkerSlot(runCtx, poolSlot{g}), pluginID, command, args)
	g.pool.Release(1)

	if out.Duration > 0 {
		g.metrics.RecordExecution(pluginID, out.Duration)
	}
	if out.MemoryUsed > 0 {
		e.mu.Lock()
		e.lastMemory = out.MemoryUsed
		e.mu.Unlock()
		g.metrics.RecordMemory(pluginID, out.MemoryUsed)
	}

	if err == nil {
		g.publishChanges(ctx, pluginID, e.finish())
		g.emit(ctx, domain.EventPluginExecuted, pluginID, map[string]any{
			"command":     command,
			"duration_ms": out.Duration.Milliseconds(),
		})
		return out, nil
	}

	g.metrics.RecordError(pluginID)
	switch {
	case errors.Is(err, context.Canceled) && e.life.Err() != nil:
		// Unloaded mid-run.
		return out, err
	case domain.IsSecurity(err):
		g.securityFailure(ctx, pluginID, e.archive, err)
		g.crashAndDisable(ctx, e, err.Error())
		return out, err
	case !crashes(err):
		logger.PluginError(ctx, g.logger, pluginID, "execution failed", err)
		g.publishChanges(ctx, pluginID, e.finish())
		return out, err
	}

	g.crash(ctx, e, err)
	return out, err
}

// crashes reports whether err takes the plugin down. Refused requests and
// caller cancellation leave it usable.
func crashes(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrCommandNotFound),
		errors.Is(err, domain.ErrInvalidArguments),
		errors.Is(err, domain.ErrStorageQuotaExceeded),
		errors.Is(err, domain.ErrNetworkQuotaExceeded),
		errors.Is(err, domain.ErrCircuitOpen):
		return false
	}
	return true
}

// enter registers a run with Unload before waiting for a worker. Runs are
// only added while the plugin is not Terminated, so Unload's wait sees them.
func (e *entry) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.executableLocked(); err != nil {
		return err
	}
	e.runs.Add(1)
	return nil
}

func (e *entry) executableLocked() error {
	const op = "Gateway.Execute"
	switch {
	case e.state == domain.StateRunning, e.state.Executable():
		return nil
	case e.state == domain.StateTerminated, e.state == domain.StateManifestValidated:
		return domain.NewPluginError(e.info.ID, op, domain.ErrPluginNotFound, string(e.state))
	default:
		detail := string(e.state)
		if e.reason != "" {
			detail += ": " + e.reason
		}
		return domain.NewPluginError(e.info.ID, op, domain.ErrPluginDisabled, detail)
	}
}

// begin counts a run in and moves the plugin to Running.
func (e *entry) begin() ([]domain.StateChange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.executableLocked(); err != nil {
		return nil, err
	}
	e.running++
	if e.state == domain.StateRunning {
		return nil, nil
	}
	return e.transition(domain.StateRunning)
}

// finish counts a run out. The last run leaves Running for Idle.
func (e *entry) finish() []domain.StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running > 0 {
		e.running--
	}
	if e.running > 0 || e.state != domain.StateRunning {
		return nil
	}
	changes, _ := e.transition(domain.StateIdle)
	return changes
}

// fail counts a run out and moves a Running plugin to Recovering. It reports
// false when another run already crashed it or it was unloaded.
func (e *entry) fail(reason string) ([]domain.StateChange, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running > 0 {
		e.running--
	}
	if e.state != domain.StateRunning {
		return nil, false
	}
	e.reason = reason
	changes, err := e.transition(domain.StateCrashed, domain.StateRecovering)
	return changes, err == nil
}

// crash records err against the plugin and applies the recovery action.
func (g *Gateway) crash(ctx context.Context, e *entry, cause error) {
	id := e.info.ID
	changes, ok := e.fail(cause.Error())
	g.publishChanges(ctx, id, changes)
	if !ok {
		return
	}

	logger.PluginError(ctx, g.logger, id, "plugin crashed", cause)
	g.metrics.RecordCrash(id)
	g.emit(ctx, domain.EventPluginCrashed, id, map[string]string{
		"error": cause.Error(),
		"code":  string(domain.ErrorCodeOf(cause)),
	})

	// Recovery outlives the caller but not the plugin.
	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(e.life, cancel)
	defer stop()

	action := g.recovery.HandleCrash(recCtx, id, cause)
	if action == domain.ActionPromptUser || action == domain.ActionAlert {
		g.publishChanges(ctx, id, g.setState(e, domain.StateAwaitingUser, ""))
	}
	result := g.recovery.Execute(recCtx, id, action)
	if result.Succeeded() {
		return
	}

	e.mu.Lock()
	stuck := e.state == domain.StateRecovering
	e.mu.Unlock()
	if stuck {
		if err := g.Disable(recCtx, id, "recovery failed: "+result.Reason); err != nil {
			g.logger.Error("disabling after failed recovery", "plugin", id, "error", err)
		}
	}
}

// crashAndDisable takes a Running plugin straight to Disabled.
func (g *Gateway) crashAndDisable(ctx context.Context, e *entry, reason string) {
	id := e.info.ID
	changes, ok := e.fail(reason)
	g.publishChanges(ctx, id, changes)
	if !ok {
		return
	}
	g.metrics.RecordCrash(id)
	if err := g.Disable(ctx, id, reason); err != nil {
		g.logger.Error("disabling after security violation", "plugin", id, "error", err)
	}
}

// setState applies a single validated transition. Illegal steps are logged
// and ignored.
func (g *Gateway) setState(e *entry, to domain.LifecycleState, reason string) []domain.StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	changes, err := e.transition(to)
	if err != nil {
		g.logger.Warn("ignoring lifecycle transition", "plugin", e.info.ID, "error", err)
		return nil
	}
	if reason != "" {
		e.reason = reason
	}
	return changes
}
