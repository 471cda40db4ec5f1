// Package pluginsdk is the guest side of the trustgate plugin ABI.
//
// A plugin is a WASI reactor built with GOOS=wasip1 (Go 1.24+ with
// -buildmode=c-shared) or TinyGo. It registers command handlers on a Mux and
// hands it to Serve from init:
//
//	func init() {
//		mux := pluginsdk.NewMux()
//		mux.Handle("greet", func(args pluginsdk.Args) (string, error) {
//			return "hello " + args.Get("name", "world"), nil
//		})
//		pluginsdk.Serve(mux)
//	}
//
//	func main() {}
//
// # Host functions (module trustgate_v1)
//
// Each function other than set_output is linked only when the manifest
// declares its permission; importing an ungranted function fails the load.
//
//   - set_output(ptr, len): the command result. Always available.
//   - log(level, ptr, len): "logger".
//   - storage_get(key_ptr, key_len) i64, storage_put(...) i32: "storage".
//   - http_get(url_ptr, url_len) i64: "network".
//   - system_info() i64: "system_info".
//   - publish(topic_ptr, topic_len, payload_ptr, payload_len) i32: "message_bus".
//
// i64 results pack ptr<<32 | len of a buffer the host allocated through the
// guest's malloc; zero means no data. i32 results are 0 on success.
package pluginsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// HostModule is the import module of every host function.
const HostModule = "trustgate_v1"

// Log levels accepted by the host log function.
const (
	LogDebug int32 = 0
	LogInfo  int32 = 1
	LogWarn  int32 = 2
	LogError int32 = 3
)

// ErrUnknownCommand is returned by Dispatch for unregistered commands.
var ErrUnknownCommand = errors.New("unknown command")

// Args are the string arguments of one execution.
type Args map[string]string

// Get returns the value of key, or def when it is absent.
func (a Args) Get(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// Int parses key as an integer, returning def when it is absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return n, nil
}

// Require returns the value of key or an error naming it.
func (a Args) Require(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return "", fmt.Errorf("argument %s is required", key)
	}
	return v, nil
}

// Handler runs one command.
type Handler func(args Args) (string, error)

// Mux routes commands to handlers.
type Mux struct {
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux { return &Mux{handlers: make(map[string]Handler)} }

// Handle registers h for command, replacing any previous handler.
func (m *Mux) Handle(command string, h Handler) { m.handlers[command] = h }

// Commands lists the registered commands in order.
func (m *Mux) Commands() []string {
	out := make([]string, 0, len(m.handlers))
	for c := range m.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes the JSON argument object and runs the handler for command.
// Empty args are treated as no arguments.
func (m *Mux) Dispatch(command string, rawArgs []byte) (string, error) {
	h, ok := m.handlers[command]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	args := Args{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", fmt.Errorf("decode args: %w", err)
		}
	}
	return h(args)
}

// Pack combines a guest pointer and length into one i64 result.
func Pack(ptr, size uint32) uint64 { return uint64(ptr)<<32 | uint64(size) }

// Unpack splits a packed i64 result.
func Unpack(v uint64) (ptr, size uint32) { return uint32(v >> 32), uint32(v) }
