package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"trustgate/internal/domain"
)

// HostModule is the namespace under which host functions are registered.
const HostModule = "trustgate_v1"

// Host provides the capability services a guest may call into.
type Host interface {
	Log(ctx context.Context, pluginID string, level slog.Level, msg string)
	StorageGet(ctx context.Context, pluginID, key string) ([]byte, error)
	StoragePut(ctx context.Context, pluginID, key string, value []byte) error
	HTTPGet(ctx context.Context, pluginID, url string) ([]byte, error)
	SystemInfo(ctx context.Context, pluginID string) ([]byte, error)
	Publish(ctx context.Context, pluginID, topic string, payload []byte) error
}

// hostFunctions maps each gated host function to the permission it needs.
// set_output is always available.
var hostFunctions = map[string]domain.Permission{
	"log":         domain.PermissionLogger,
	"storage_get": domain.PermissionStorage,
	"storage_put": domain.PermissionStorage,
	"http_get":    domain.PermissionNetwork,
	"system_info": domain.PermissionSystemInfo,
	"publish":     domain.PermissionMessageBus,
}

// Functions that hand data to the guest return one i64 packing
// ptr<<32 | len, so guests limited to a single result can import them.
// Zero means no data.
var (
	i32    = api.ValueTypeI32
	ptrs   = []api.ValueType{i32, i32}
	packed = []api.ValueType{api.ValueTypeI64}
)

// registerHost builds the host module for one instance. Functions whose
// permission the plugin lacks are left out, so a guest importing them fails
// to link.
func registerHost(ctx context.Context, rt wazero.Runtime, inst *instance, host Host) (wazero.CompiledModule, error) {
	b := rt.NewHostModuleBuilder(HostModule)
	granted := func(fn string) bool { return host != nil && inst.info.HasPermission(hostFunctions[fn]) }

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			data, err := ReadBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				inst.fail(err)
				return
			}
			inst.output = data
		}), ptrs, nil).
		Export("set_output")

	if granted("log") {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				msg, err := ReadString(mod, uint32(stack[1]), uint32(stack[2]))
				if err != nil {
					inst.fail(err)
					return
				}
				host.Log(ctx, inst.info.ID, guestLevel(int32(stack[0])), msg)
			}), []api.ValueType{i32, i32, i32}, nil).
			Export("log")
	}

	if granted("storage_get") {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				key, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				stack[0] = 0
				if err != nil {
					inst.fail(err)
					return
				}
				value, err := host.StorageGet(ctx, inst.info.ID, key)
				if errors.Is(err, domain.ErrNotFound) {
					return
				}
				if err != nil {
					inst.fail(err)
					return
				}
				inst.reply(ctx, mod, stack, value)
			}), ptrs, packed).
			Export("storage_get")

		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				key, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				if err == nil {
					var value []byte
					if value, err = ReadBytes(mod, uint32(stack[2]), uint32(stack[3])); err == nil {
						err = host.StoragePut(ctx, inst.info.ID, key, value)
					}
				}
				stack[0] = status(inst, err)
			}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
			Export("storage_put")
	}

	if granted("http_get") {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				url, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				stack[0] = 0
				if err != nil {
					inst.fail(err)
					return
				}
				body, err := host.HTTPGet(ctx, inst.info.ID, url)
				if err != nil {
					inst.fail(err)
					return
				}
				inst.reply(ctx, mod, stack, body)
			}), ptrs, packed).
			Export("http_get")
	}

	if granted("system_info") {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				info, err := host.SystemInfo(ctx, inst.info.ID)
				if err != nil {
					stack[0] = 0
					inst.fail(err)
					return
				}
				inst.reply(ctx, mod, stack, info)
			}), nil, packed).
			Export("system_info")
	}

	if granted("publish") {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				topic, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				if err == nil {
					var payload []byte
					if payload, err = ReadBytes(mod, uint32(stack[2]), uint32(stack[3])); err == nil {
						err = host.Publish(ctx, inst.info.ID, topic, payload)
					}
				}
				stack[0] = status(inst, err)
			}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
			Export("publish")
	}

	compiled, err := b.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compile host module: %v", domain.ErrInitializationFailed, err)
	}
	return compiled, nil
}

// reply writes data into guest memory and stores the packed (ptr, len) as
// the result.
func (inst *instance) reply(ctx context.Context, mod api.Module, stack []uint64, data []byte) {
	stack[0] = 0
	if len(data) == 0 {
		return
	}
	ptr, size, err := WriteBytes(ctx, mod, data)
	if err != nil {
		inst.fail(err)
		return
	}
	stack[0] = uint64(ptr)<<32 | uint64(size)
}

func status(inst *instance, err error) uint64 {
	if err != nil {
		inst.fail(err)
		return 1
	}
	return 0
}

func guestLevel(level int32) slog.Level {
	switch {
	case level <= 0:
		return slog.LevelDebug
	case level == 1:
		return slog.LevelInfo
	case level == 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
