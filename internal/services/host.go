package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"trustgate/internal/domain"
	"trustgate/internal/plugin"
	"trustgate/internal/plugin/wasm"
)

const (
	maxLogMessage = 4096
	maxTopicLen   = 128
	maxMessage    = 64 * 1024
)

var _ wasm.Host = (*Host)(nil)

// ViolationReporter is told about capability use a plugin was not granted.
type ViolationReporter interface {
	PermissionViolation(ctx context.Context, pluginID string, perm domain.Permission, action string) error
}

// Message is the payload of EventPluginMessage.
type Message struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// Host routes guest capability calls to the services, re-checking the
// plugin's live grants on every call.
type Host struct {
	perms    *plugin.PermissionService
	storage  *Storage
	network  *Network
	sysinfo  domain.SystemInfoProvider
	bus      domain.EventBus
	reporter ViolationReporter
	logger   *slog.Logger
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithStorage backs storage_get and storage_put.
func WithStorage(s *Storage) HostOption { return func(h *Host) { h.storage = s } }

// WithNetwork backs http_get.
func WithNetwork(n *Network) HostOption { return func(h *Host) { h.network = n } }

// WithSystemInfo backs system_info.
func WithSystemInfo(p domain.SystemInfoProvider) HostOption { return func(h *Host) { h.sysinfo = p } }

// WithEventBus backs publish.
func WithEventBus(b domain.EventBus) HostOption { return func(h *Host) { h.bus = b } }

// WithViolationReporter receives permission denials.
func WithViolationReporter(r ViolationReporter) HostOption { return func(h *Host) { h.reporter = r } }

// NewHost creates a host over perms. Capabilities without a backing service
// fail with ErrDisabled.
func NewHost(perms *plugin.PermissionService, logger *slog.Logger, opts ...HostOption) *Host {
	h := &Host{perms: perms, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) require(ctx context.Context, pluginID string, perm domain.Permission, action string) error {
	err := h.perms.Require(ctx, pluginID, perm)
	if err == nil {
		return nil
	}
	h.logger.Warn("capability denied", "plugin", pluginID, "permission", string(perm), "action", action)
	if h.reporter != nil {
		if rerr := h.reporter.PermissionViolation(ctx, pluginID, perm, action); rerr != nil {
			h.logger.Warn("permission violation alert failed", "plugin", pluginID, "error", rerr)
		}
	}
	return err
}

func unavailable(pluginID, op string) error {
	return domain.NewPluginError(pluginID, op, domain.ErrDisabled, "service not configured")
}

// Log writes a guest log line under the plugin's name.
func (h *Host) Log(ctx context.Context, pluginID string, level slog.Level, msg string) {
	if h.perms.Require(ctx, pluginID, domain.PermissionLogger) != nil {
		return
	}
	if len(msg) > maxLogMessage {
		msg = msg[:maxLogMessage]
		for !utf8.ValidString(msg) {
			msg = msg[:len(msg)-1]
		}
		msg += "…"
	}
	h.logger.Log(ctx, level, msg, "plugin", pluginID, "source", "guest")
}

// StorageGet implements wasm.Host.
func (h *Host) StorageGet(ctx context.Context, pluginID, key string) ([]byte, error) {
	if err := h.require(ctx, pluginID, domain.PermissionStorage, "storage_get"); err != nil {
		return nil, err
	}
	if h.storage == nil {
		return nil, unavailable(pluginID, "Host.StorageGet")
	}
	return h.storage.Get(ctx, pluginID, key)
}

// StoragePut implements wasm.Host.
func (h *Host) StoragePut(ctx context.Context, pluginID, key string, value []byte) error {
	if err := h.require(ctx, pluginID, domain.PermissionStorage, "storage_put"); err != nil {
		return err
	}
	if h.storage == nil {
		return unavailable(pluginID, "Host.StoragePut")
	}
	return h.storage.Put(ctx, pluginID, key, value)
}

// HTTPGet implements wasm.Host.
func (h *Host) HTTPGet(ctx context.Context, pluginID, url string) ([]byte, error) {
	if err := h.require(ctx, pluginID, domain.PermissionNetwork, "http_get"); err != nil {
		return nil, err
	}
	if h.network == nil {
		return nil, unavailable(pluginID, "Host.HTTPGet")
	}
	return h.network.Get(ctx, pluginID, url)
}

// SystemInfo implements wasm.Host. The snapshot is returned as JSON.
func (h *Host) SystemInfo(ctx context.Context, pluginID string) ([]byte, error) {
	if err := h.require(ctx, pluginID, domain.PermissionSystemInfo, "system_info"); err != nil {
		return nil, err
	}
	if h.sysinfo == nil {
		return nil, unavailable(pluginID, "Host.SystemInfo")
	}
	info, err := h.sysinfo.SystemInfo(ctx)
	if err != nil {
		return nil, domain.NewPluginError(pluginID, "Host.SystemInfo", domain.ErrExecutionFailed, err.Error())
	}
	return json.Marshal(info)
}

// Publish implements wasm.Host by emitting EventPluginMessage.
func (h *Host) Publish(ctx context.Context, pluginID, topic string, payload []byte) error {
	const op = "Host.Publish"
	if err := h.require(ctx, pluginID, domain.PermissionMessageBus, "publish"); err != nil {
		return err
	}
	if h.bus == nil {
		return unavailable(pluginID, op)
	}
	if topic == "" || len(topic) > maxTopicLen {
		return domain.NewPluginError(pluginID, op, domain.ErrInvalidArguments,
			fmt.Sprintf("topic must be 1..%d bytes", maxTopicLen))
	}
	if len(payload) > maxMessage {
		return domain.NewPluginError(pluginID, op, &domain.LimitError{
			Kind: domain.ErrLimitReached, Used: float64(len(payload)), Limit: maxMessage, Unit: "bytes",
		}, "message too large")
	}
	data, err := json.Marshal(Message{Topic: topic, Data: payload})
	if err != nil {
		return domain.NewPluginError(pluginID, op, domain.ErrExecutionFailed, err.Error())
	}
	h.bus.Publish(ctx, domain.Event{Type: domain.EventPluginMessage, PluginID: pluginID, Payload: data})
	return nil
}
