package wasm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"trustgate/internal/domain"
)

// Guest ABI: the module exports memory, malloc(size) ptr, free(ptr, size) and
// execute(cmd_ptr, cmd_len, args_ptr, args_len). It may export _initialize
// (WASI reactors), _init, called once after instantiation, and _close.
// Results are returned through the set_output host function; args arrive as
// a JSON object. pkg/pluginsdk implements the guest side.
const (
	exportExecute = "execute"
	exportInit    = "_init"
	exportClose   = "_close"
	exportReactor = "_initialize"
)

// Compile-time check.
var _ domain.ExecutionEngine = (*Engine)(nil)

// Engine runs plugin payloads on wazero. Each plugin gets its own runtime so
// that its memory quota maps onto the runtime page limit.
type Engine struct {
	host   Host
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

type instance struct {
	mu     sync.Mutex
	info   domain.PluginInfo
	limits domain.ResourceQuota
	rt     *Runtime
	mod    api.Module

	// per-call state, guarded by mu
	output  []byte
	hostErr error
}

func (inst *instance) fail(err error) {
	if inst.hostErr == nil {
		inst.hostErr = err
	}
}

// NewEngine creates an engine. host may be nil, in which case only
// set_output is available to guests.
func NewEngine(host Host, logger *slog.Logger) *Engine {
	return &Engine{
		host:      host,
		logger:    logger,
		instances: make(map[string]*instance),
	}
}

// Instantiate compiles payload and prepares an instance for info.ID.
func (e *Engine) Instantiate(ctx context.Context, info domain.PluginInfo, payload []byte, limits domain.ResourceQuota) error {
	e.mu.RLock()
	_, exists := e.instances[info.ID]
	e.mu.RUnlock()
	if exists {
		return domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrAlreadyLoaded, "instance exists")
	}

	inst, err := e.build(ctx, info, payload, limits)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.instances[info.ID]; exists {
		e.mu.Unlock()
		_ = inst.rt.Close(context.Background())
		return domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrAlreadyLoaded, "instance exists")
	}
	e.instances[info.ID] = inst
	e.mu.Unlock()

	e.logger.Info("wasm plugin instantiated",
		"plugin", info.ID,
		"max_memory_pages", inst.rt.MaxPages(),
		"has_execute", inst.mod.ExportedFunction(exportExecute) != nil,
	)
	return nil
}

func (e *Engine) build(ctx context.Context, info domain.PluginInfo, payload []byte, limits domain.ResourceQuota) (*instance, error) {
	rt := NewRuntime(ctx, limits.MemoryLimit, e.logger)
	inst := &instance{info: info, limits: limits, rt: rt}

	cleanup := func(err error) (*instance, error) {
		_ = rt.Close(context.Background())
		return nil, err
	}

	compiled, err := rt.Inner().CompileModule(ctx, payload)
	if err != nil {
		return cleanup(domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrInitializationFailed,
			fmt.Sprintf("compile: %v", err)))
	}

	hostCompiled, err := registerHost(ctx, rt.Inner(), inst, e.host)
	if err != nil {
		return cleanup(err)
	}
	if _, err := rt.Inner().InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig().WithName(HostModule)); err != nil {
		return cleanup(domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrInitializationFailed,
			fmt.Sprintf("instantiate host module: %v", err)))
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt.Inner()); err != nil {
		return cleanup(domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrInitializationFailed,
			fmt.Sprintf("instantiate wasi: %v", err)))
	}

	// No mounts, env or args; stdio is discarded. Reactor modules built by
	// Go and TinyGo initialize their runtime in _initialize.
	startCtx, cancelStart := withLimit(ctx, limits.MaxExecutionTime)
	defer cancelStart()
	mod, err := rt.Inner().InstantiateModule(startCtx, compiled,
		wazero.NewModuleConfig().
			WithName(info.ID).
			WithStartFunctions(exportReactor).
			WithSysWalltime().
			WithSysNanotime().
			WithRandSource(rand.Reader))
	if err != nil {
		return cleanup(domain.NewPluginError(info.ID, "Engine.Instantiate", domain.ErrInitializationFailed,
			fmt.Sprintf("instantiate guest: %v", err)))
	}
	inst.mod = mod

	if initFn := mod.ExportedFunction(exportInit); initFn != nil {
		callCtx, cancel := withLimit(ctx, limits.MaxExecutionTime)
		defer cancel()
		if _, err := initFn.Call(callCtx); err != nil {
			return cleanup(domain.NewPluginError(info.ID, "Engine.Instantiate", classifyCallError(callCtx, err),
				fmt.Sprintf("_init: %v", err)))
		}
	}
	return inst, nil
}

// Execute invokes the guest's execute export.
func (e *Engine) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
	e.mu.RLock()
	inst, ok := e.instances[req.PluginID]
	e.mu.RUnlock()
	if !ok {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "Engine.Execute", domain.ErrPluginNotFound, "no instance")
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	fn := inst.mod.ExportedFunction(exportExecute)
	if fn == nil {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "Engine.Execute", domain.ErrCommandNotFound,
			"module does not export execute")
	}

	limits := req.Limits
	if limits.MaxExecutionTime <= 0 {
		limits.MaxExecutionTime = inst.limits.MaxExecutionTime
	}
	callCtx, cancel := withLimit(ctx, limits.MaxExecutionTime)
	defer cancel()

	args, err := json.Marshal(req.Args)
	if err != nil {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "Engine.Execute", domain.ErrInvalidArguments, err.Error())
	}

	inst.output, inst.hostErr = nil, nil
	start := time.Now()

	cmdPtr, cmdLen, err := WriteBytes(callCtx, inst.mod, []byte(req.Command))
	if err != nil {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "Engine.Execute", classifyCallError(callCtx, err), "write command")
	}
	defer FreeBytes(context.Background(), inst.mod, cmdPtr, cmdLen)
	argPtr, argLen, err := WriteBytes(callCtx, inst.mod, args)
	if err != nil {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "Engine.Execute", classifyCallError(callCtx, err), "write args")
	}
	defer FreeBytes(context.Background(), inst.mod, argPtr, argLen)

	_, callErr := fn.Call(callCtx, uint64(cmdPtr), uint64(cmdLen), uint64(argPtr), uint64(argLen))
	outcome := domain.ExecutionOutcome{
		Output:     string(inst.output),
		MemoryUsed: memorySize(inst.mod),
		Duration:   time.Since(start),
	}

	if inst.hostErr != nil {
		return outcome, inst.hostErr
	}
	if callErr != nil {
		return outcome, domain.NewPluginError(req.PluginID, "Engine.Execute", classifyCallError(callCtx, callErr), callErr.Error())
	}
	return outcome, nil
}

// Unload closes the instance for pluginID. Unknown ids are ignored.
func (e *Engine) Unload(ctx context.Context, pluginID string) error {
	e.mu.Lock()
	inst, ok := e.instances[pluginID]
	delete(e.instances, pluginID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.closeInstance(ctx, inst)
}

// Close unloads every instance.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	all := e.instances
	e.instances = make(map[string]*instance)
	e.mu.Unlock()

	var errs []error
	for _, inst := range all {
		if err := e.closeInstance(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loaded reports whether an instance exists for pluginID.
func (e *Engine) Loaded(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.instances[pluginID]
	return ok
}

func (e *Engine) closeInstance(ctx context.Context, inst *instance) error {
	// A closed module (e.g. after a timeout) has nothing left to run.
	if fn := inst.mod.ExportedFunction(exportClose); fn != nil && !inst.mod.IsClosed() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := fn.Call(callCtx); err != nil {
			e.logger.Warn("wasm _close failed", "plugin", inst.info.ID, "error", err)
		}
		cancel()
	}
	return inst.rt.Close(ctx)
}

func withLimit(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classifyCallError maps a failed guest call onto the error taxonomy.
func classifyCallError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrExecutionTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.Is(err, domain.ErrMemoryLimitExceeded):
		return domain.ErrMemoryLimitExceeded
	default:
		return domain.ErrExecutionFailed
	}
}

func memorySize(mod api.Module) uint64 {
	if mod == nil || mod.Memory() == nil {
		return 0
	}
	return uint64(mod.Memory().Size())
}
