//go:build wasip1

package pluginsdk

import (
	"errors"
	"unsafe"
)

//go:wasmimport trustgate_v1 set_output
func hostSetOutput(ptr, size uint32)

//go:wasmimport trustgate_v1 log
func hostLog(level int32, ptr, size uint32)

//go:wasmimport trustgate_v1 storage_get
func hostStorageGet(keyPtr, keyLen uint32) uint64

//go:wasmimport trustgate_v1 storage_put
func hostStoragePut(keyPtr, keyLen, valPtr, valLen uint32) uint32

//go:wasmimport trustgate_v1 http_get
func hostHTTPGet(urlPtr, urlLen uint32) uint64

//go:wasmimport trustgate_v1 system_info
func hostSystemInfo() uint64

//go:wasmimport trustgate_v1 publish
func hostPublish(topicPtr, topicLen, payloadPtr, payloadLen uint32) uint32

// errHost is returned when a host call reports failure. The host has already
// recorded the cause and fails the execution.
var errHost = errors.New("host call failed")

var (
	served *Mux
	// live pins buffers handed to the host until it frees them.
	live = map[uint32][]byte{}
)

// Serve installs mux as the plugin's command router. Call it from init.
func Serve(mux *Mux) { served = mux }

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr, _ uint32) { delete(live, ptr) }

//go:wasmexport execute
func execute(cmdPtr, cmdLen, argsPtr, argsLen uint32) {
	if served == nil {
		fail("pluginsdk: Serve was not called")
	}
	out, err := served.Dispatch(string(view(cmdPtr, cmdLen)), view(argsPtr, argsLen))
	if err != nil {
		fail(err.Error())
	}
	ptr, size := bytesArg([]byte(out))
	hostSetOutput(ptr, size)
}

// fail reports msg as the output and traps, which the host records as a
// failed execution.
func fail(msg string) {
	ptr, size := bytesArg([]byte(msg))
	hostSetOutput(ptr, size)
	panic(msg)
}

func view(ptr, size uint32) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// bytesArg passes b to the host. The slice must stay reachable for the call.
func bytesArg(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}

// take copies a host-allocated buffer and releases it.
func take(packed uint64) []byte {
	ptr, size := Unpack(packed)
	if size == 0 {
		return nil
	}
	out := make([]byte, size)
	copy(out, view(ptr, size))
	free(ptr, size)
	return out
}

// Log writes msg to the host log. Requires the "logger" permission.
func Log(level int32, msg string) {
	b := []byte(msg)
	ptr, size := bytesArg(b)
	hostLog(level, ptr, size)
}

// StorageGet returns the stored value for key, or nil when absent.
// Requires the "storage" permission.
func StorageGet(key string) []byte {
	k := []byte(key)
	ptr, size := bytesArg(k)
	return take(hostStorageGet(ptr, size))
}

// StoragePut stores value under key. Requires the "storage" permission.
func StoragePut(key string, value []byte) error {
	k := []byte(key)
	kp, kl := bytesArg(k)
	vp, vl := bytesArg(value)
	if hostStoragePut(kp, kl, vp, vl) != 0 {
		return errHost
	}
	return nil
}

// HTTPGet fetches url through the host's guarded client. Requires the
// "network" permission.
func HTTPGet(url string) []byte {
	u := []byte(url)
	ptr, size := bytesArg(u)
	return take(hostHTTPGet(ptr, size))
}

// SystemInfo returns the host's system information as JSON. Requires the
// "system_info" permission.
func SystemInfo() []byte { return take(hostSystemInfo()) }

// Publish sends payload on topic. Requires the "message_bus" permission.
func Publish(topic string, payload []byte) error {
	t := []byte(topic)
	tp, tl := bytesArg(t)
	pp, pl := bytesArg(payload)
	if hostPublish(tp, tl, pp, pl) != 0 {
		return errHost
	}
	return nil
}
