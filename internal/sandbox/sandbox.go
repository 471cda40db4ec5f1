// Package sandbox enforces per-plugin resource quotas and sanitizes what
// crosses the boundary between plugin and host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/infra/tracer"
)

// Sandbox runs plugin commands under quota and sanitization.
type Sandbox struct {
	quotas       *QuotaManager
	sanitizer    *Sanitizer
	engine       domain.ExecutionEngine
	logger       *slog.Logger
	escapeOutput bool
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithEngine attaches the engine that actually runs plugin payloads.
func WithEngine(e domain.ExecutionEngine) Option {
	return func(s *Sandbox) { s.engine = e }
}

// WithOutputEscaping escapes markup in engine output before returning it.
func WithOutputEscaping(on bool) Option {
	return func(s *Sandbox) { s.escapeOutput = on }
}

// New creates a sandbox over quotas.
func New(quotas *QuotaManager, logger *slog.Logger, opts ...Option) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sandbox{
		quotas:    quotas,
		sanitizer: NewSanitizer(logger),
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Quotas returns the quota manager backing the sandbox.
func (s *Sandbox) Quotas() *QuotaManager { return s.quotas }

// Sanitizer returns the sandbox's input sanitizer.
func (s *Sandbox) Sanitizer() *Sanitizer { return s.sanitizer }

// Execute checks quotas, sanitizes the command and its arguments, and runs
// the command on the engine. A panic anywhere below is converted to
// ErrCrashed. Without an engine the sanitized request is echoed back.
func (s *Sandbox) Execute(ctx context.Context, pluginID, command string, args map[string]string) (out domain.ExecutionOutcome, err error) {
	ctx, span := tracer.StartPluginSpan(ctx, "sandbox.execute", pluginID)
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("plugin execution panicked",
				"plugin", pluginID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = domain.ExecutionOutcome{}
			err = domain.NewPluginError(pluginID, "Sandbox.Execute", domain.ErrCrashed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := s.quotas.CheckAndEnforce(pluginID); err != nil {
		return domain.ExecutionOutcome{}, err
	}

	cleanCmd := s.sanitizer.Sanitize(command)
	cleanArgs := s.sanitizer.SanitizeMap(args)

	if s.engine == nil {
		return domain.ExecutionOutcome{
			Output: fmt.Sprintf("Executed: %s with args: %s", cleanCmd, formatArgs(cleanArgs)),
		}, nil
	}

	limits := s.quotas.Limits(pluginID)

	// Inputs are copied into guest memory for the duration of the call.
	held := NewReservation()
	inputSize := uint64(len(cleanCmd))
	for k, v := range cleanArgs {
		inputSize += uint64(len(k) + len(v))
	}
	if err := held.Take(s.quotas, pluginID, domain.ResourceMemory, inputSize); err != nil {
		return domain.ExecutionOutcome{}, err
	}

	start := time.Now()
	outcome, err := s.engine.Execute(ctx, domain.ExecutionRequest{
		PluginID: pluginID,
		Command:  cleanCmd,
		Args:     cleanArgs,
		Limits:   limits,
	})
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}

	s.quotas.ReleaseAll(pluginID, held)
	s.quotas.UpdateExecutionTime(pluginID, outcome.Duration)
	if outcome.MemoryUsed > 0 {
		s.quotas.UpdateMemory(pluginID, outcome.MemoryUsed)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrExecutionTimeout) {
			err = domain.NewPluginError(pluginID, "Sandbox.Execute", domain.ErrExecutionTimeout, err.Error())
		}
		return outcome, err
	}

	if s.escapeOutput {
		outcome.Output = EscapeMarkup(outcome.Output)
	}
	return outcome, nil
}
