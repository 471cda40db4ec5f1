package httpapi

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trustgate/internal/alert"
	"trustgate/internal/domain"
	"trustgate/internal/eventbus"
	"trustgate/internal/gateway"
	"trustgate/internal/metrics"
	"trustgate/internal/recovery"
	"trustgate/internal/security"
)

const token = "operator-token"

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := security.GenerateKey(2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scriptEngine fails commands named "crash" and echoes everything else.
type scriptEngine struct{}

func (scriptEngine) Instantiate(context.Context, domain.PluginInfo, []byte, domain.ResourceQuota) error {
	return nil
}

func (scriptEngine) Execute(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
	if req.Command == "crash" {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "scriptEngine.Execute", domain.ErrExecutionFailed, "trap: unreachable")
	}
	return domain.ExecutionOutcome{Output: "ran " + req.Command, Duration: 2 * time.Millisecond, MemoryUsed: 4096}, nil
}

func (scriptEngine) Unload(context.Context, string) error { return nil }
func (scriptEngine) Close(context.Context) error          { return nil }

type fakeAlerts struct {
	mu       sync.Mutex
	alerts   []domain.Alert
	resolved map[string]string
}

func (f *fakeAlerts) Unresolved(context.Context) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts, nil
}

func (f *fakeAlerts) PluginAlerts(_ context.Context, id string) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Alert
	for _, a := range f.alerts {
		if a.PluginID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlerts) Resolve(_ context.Context, id, resolution, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			f.resolved[id] = resolution + " by " + actor
			return nil
		}
	}
	return domain.NewSubSystemError("storage", "Resolve", domain.ErrNotFound, id)
}

func (f *fakeAlerts) Report(_ context.Context, window time.Duration) (alert.Report, error) {
	return alert.Report{Since: time.Now().Add(-window), Plugins: map[string]alert.PluginReport{}}, nil
}

type apiHarness struct {
	gw     *gateway.Gateway
	alerts *fakeAlerts
	bus    *eventbus.Bus
	srv    *httptest.Server
	dir    string
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		alerts: &fakeAlerts{resolved: map[string]string{}},
		bus:    eventbus.New(discard()),
		dir:    t.TempDir(),
	}
	h.gw = gateway.New(gateway.Config{
		HostVersion: "1.2.0",
		Recovery:    recovery.Config{DefaultStrategy: domain.StrategyAlertAndWait},
	}, discard(), gateway.WithEngine(scriptEngine{}), gateway.WithEventBus(h.bus))
	_, err := h.gw.AddTrustedKey(context.Background(), &signingKey(t).PublicKey, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	api := New(ctx, Config{Tokens: map[string]string{token: "ops"}}, h.gw, discard(),
		WithAlerts(h.alerts),
		WithEventBus(h.bus),
		WithGatherer(metrics.NewRegistry("trustgate", h.gw.Metrics())),
	)
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		cancel()
		_ = h.gw.Shutdown(context.Background())
		h.bus.Close()
	})
	return h
}

func (h *apiHarness) pack(t *testing.T, id string) string {
	t.Helper()
	return h.packWith(t, id, signingKey(t))
}

func (h *apiHarness) packWith(t *testing.T, id string, k *rsa.PrivateKey) string {
	t.Helper()
	manifest, err := json.Marshal(domain.PluginInfo{
		ID:             id,
		Name:           id,
		Version:        "1.0.0",
		MinCoreVersion: "1.0.0",
		Permissions:    []string{"storage"},
		EntryPoint:     "plugin.wasm",
	})
	require.NoError(t, err)
	var raw, signed bytes.Buffer
	require.NoError(t, security.WritePackage(&raw, []security.PackageFile{
		{Name: "plugin.json", Content: manifest},
		{Name: "plugin.wasm", Content: []byte("\x00asm\x01\x00\x00\x00")},
	}))
	require.NoError(t, security.SignPackage(raw.Bytes(), k, &signed))
	path := filepath.Join(h.dir, id+".zip")
	require.NoError(t, os.WriteFile(path, signed.Bytes(), 0o600))
	return path
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *apiHarness) load(t *testing.T, id string) {
	t.Helper()
	code, body := h.do(t, http.MethodPost, "/v1/plugins", map[string]string{"archive": h.pack(t, id)})
	require.Equal(t, http.StatusCreated, code, string(body))
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestAuthAndOpenRoutes(t *testing.T) {
	h := newAPI(t)

	resp, err := http.Get(h.srv.URL + "/v1/plugins")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPluginLifecycleOverHTTP(t *testing.T) {
	h := newAPI(t)
	h.load(t, "notes")

	code, body := h.do(t, http.MethodGet, "/v1/plugins", nil)
	require.Equal(t, http.StatusOK, code)
	list := decodeAs[[]domain.LoadedPlugin](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StateAdmitted, list[0].State)

	code, body = h.do(t, http.MethodPost, "/v1/plugins/notes/execute", executeRequest{Command: "list"})
	require.Equal(t, http.StatusOK, code, string(body))
	out := decodeAs[executeResponse](t, body)
	assert.Equal(t, "ran list", out.Output)
	assert.EqualValues(t, 4096, out.MemoryUsed)

	code, body = h.do(t, http.MethodGet, "/v1/plugins/notes", nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeAs[pluginView](t, body)
	assert.Equal(t, domain.StateIdle, view.State)
	assert.Equal(t, []domain.Permission{domain.PermissionStorage}, view.Permissions)
	assert.Equal(t, domain.StrategyAlertAndWait, view.Strategy)

	code, body = h.do(t, http.MethodGet, "/v1/plugins/notes/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, decodeAs[metricsView](t, body).Metrics.TotalExecutions)

	code, _ = h.do(t, http.MethodDelete, "/v1/plugins/notes", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, body = h.do(t, http.MethodGet, "/v1/plugins/notes", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, domain.CodePluginNotFound, decodeAs[errorBody](t, body).Code)
}

func TestCrashThenResolveRestart(t *testing.T) {
	h := newAPI(t)
	h.load(t, "notes")

	code, body := h.do(t, http.MethodPost, "/v1/plugins/notes/execute", executeRequest{Command: "crash"})
	assert.Equal(t, http.StatusBadGateway, code, string(body))

	state, err := h.gw.State("notes")
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitingUser, state)

	code, body = h.do(t, http.MethodPost, "/v1/plugins/notes/execute", executeRequest{Command: "list"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, domain.CodePluginDisabled, decodeAs[errorBody](t, body).Code)

	code, body = h.do(t, http.MethodGet, "/v1/plugins/notes/crashes", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeAs[[]domain.CrashRecord](t, body), 1)

	code, body = h.do(t, http.MethodPost, "/v1/plugins/notes/resolve", resolveRequest{Restart: true})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), string(domain.StateRestarted))

	code, body = h.do(t, http.MethodPost, "/v1/plugins/notes/resolve", resolveRequest{Restart: true})
	assert.Equal(t, http.StatusConflict, code, string(body))

	code, body = h.do(t, http.MethodGet, "/v1/recovery/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decodeAs[domain.RecoveryStats](t, body).TotalCrashes)
}

func TestStrategyValidation(t *testing.T) {
	h := newAPI(t)
	h.load(t, "notes")

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
	}{
		{"valid", "/v1/plugins/notes/strategy", strategyRequest{Strategy: "auto_restart"}, http.StatusOK},
		{"unknown strategy", "/v1/plugins/notes/strategy", strategyRequest{Strategy: "reboot"}, http.StatusBadRequest},
		{"unknown plugin", "/v1/plugins/ghost/strategy", strategyRequest{Strategy: "disable"}, http.StatusNotFound},
		{"unknown field", "/v1/plugins/notes/strategy", map[string]string{"mode": "disable"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, code, string(body))
		})
	}
	assert.Equal(t, domain.StrategyAutoRestart, h.gw.Recovery().Strategy("notes"))
}

func TestRecoveryResetScopes(t *testing.T) {
	h := newAPI(t)
	h.load(t, "notes")

	code, _ := h.do(t, http.MethodPost, "/v1/plugins/notes/execute", executeRequest{Command: "crash"})
	require.Equal(t, http.StatusBadGateway, code)
	code, _ = h.do(t, http.MethodPut, "/v1/plugins/notes/strategy", strategyRequest{Strategy: "disable"})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodPost, "/v1/plugins/notes/recovery/reset?scope=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code, string(body))

	code, _ = h.do(t, http.MethodPost, "/v1/plugins/notes/recovery/reset?scope=history", nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, h.gw.GetCrashHistory("notes"))
	assert.Equal(t, domain.StrategyDisable, h.gw.Recovery().Strategy("notes"))

	code, _ = h.do(t, http.MethodPost, "/v1/plugins/notes/recovery/reset", nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, domain.StrategyAlertAndWait, h.gw.Recovery().Strategy("notes"))
}

func TestLoadRejectsUntrustedPackage(t *testing.T) {
	h := newAPI(t)
	other, err := security.GenerateKey(2048)
	require.NoError(t, err)

	code, body := h.do(t, http.MethodPost, "/v1/plugins", map[string]string{"archive": h.packWith(t, "notes", other)})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))
	assert.Equal(t, "security", decodeAs[errorBody](t, body).Class)
	assert.Empty(t, h.gw.List())
}

func TestTrustedKeysOverHTTP(t *testing.T) {
	h := newAPI(t)
	k, err := security.GenerateKey(2048)
	require.NoError(t, err)
	pemBytes, err := security.EncodePublicKeyPEM(&k.PublicKey)
	require.NoError(t, err)

	code, body := h.do(t, http.MethodPost, "/v1/keys", pemBytes)
	require.Equal(t, http.StatusCreated, code, string(body))
	fp := decodeAs[map[string]string](t, body)["fingerprint"]
	assert.Equal(t, security.Fingerprint(&k.PublicKey), fp)

	code, body = h.do(t, http.MethodGet, "/v1/keys", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), fp)

	code, _ = h.do(t, http.MethodPost, "/v1/keys", []byte("not a key"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAlertsOverHTTP(t *testing.T) {
	h := newAPI(t)
	h.alerts.alerts = []domain.Alert{
		{ID: "a1", PluginID: "notes", Type: domain.AlertPluginCrash, Severity: domain.SeverityHigh},
		{ID: "a2", PluginID: "other", Type: domain.AlertSecurityViolation, Severity: domain.SeverityCritical},
	}

	code, body := h.do(t, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeAs[[]domain.Alert](t, body), 2)

	code, body = h.do(t, http.MethodGet, "/v1/plugins/notes/alerts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeAs[[]domain.Alert](t, body), 1)

	code, _ = h.do(t, http.MethodPost, "/v1/alerts/a1/resolve", resolveAlertRequest{Resolution: "patched"})
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "patched by ops", h.alerts.resolved["a1"])

	code, _ = h.do(t, http.MethodPost, "/v1/alerts/zz/resolve", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/v1/alerts/report?window=1h", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/v1/alerts/report?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventStream(t *testing.T) {
	h := newAPI(t)
	h.load(t, "notes")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events?plugin=notes&type=plugin.executed&token=" + token
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; retry until an event lands.
	got := make(chan domain.Event, 1)
	go func() {
		var ev domain.Event
		if err := wsjson.Read(ctx, ws, &ev); err == nil {
			got <- ev
		}
	}()
	for {
		code, _ := h.do(t, http.MethodPost, "/v1/plugins/notes/execute", executeRequest{Command: "list"})
		require.Equal(t, http.StatusOK, code)
		select {
		case ev := <-got:
			assert.Equal(t, domain.EventPluginExecuted, ev.Type)
			assert.Equal(t, "notes", ev.PluginID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrPluginNotFound, http.StatusNotFound},
		{domain.ErrAlreadyLoaded, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrPermissionDenied, http.StatusForbidden},
		{domain.ErrStorageQuotaExceeded, http.StatusTooManyRequests},
		{domain.ErrExecutionTimeout, http.StatusGatewayTimeout},
		{domain.ErrSignatureVerificationFailed, http.StatusUnprocessableEntity},
		{domain.ErrDependencyNotMet, http.StatusUnprocessableEntity},
		{domain.ErrInitializationFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
