package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/adapter/httpapi"
	"trustgate/internal/domain"
	"trustgate/internal/eventbus"
	"trustgate/internal/gateway"
	"trustgate/internal/recovery"
	"trustgate/internal/security"
)

const token = "client-token"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// echoEngine fails "crash" and echoes every other command.
type echoEngine struct{}

func (echoEngine) Instantiate(context.Context, domain.PluginInfo, []byte, domain.ResourceQuota) error {
	return nil
}

func (echoEngine) Execute(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
	if req.Command == "crash" {
		return domain.ExecutionOutcome{}, domain.NewPluginError(req.PluginID, "echoEngine.Execute", domain.ErrExecutionFailed, "trap")
	}
	return domain.ExecutionOutcome{Output: req.Command + ":" + req.Args["n"], Duration: time.Millisecond, MemoryUsed: 1024}, nil
}

func (echoEngine) Unload(context.Context, string) error { return nil }
func (echoEngine) Close(context.Context) error          { return nil }

type harness struct {
	gw  *gateway.Gateway
	key *rsa.PrivateKey
	srv *httptest.Server
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := security.GenerateKey(2048)
	require.NoError(t, err)
	bus := eventbus.New(discard())
	h := &harness{key: key, dir: t.TempDir()}
	h.gw = gateway.New(gateway.Config{
		HostVersion: "1.0.0",
		Recovery:    recovery.Config{DefaultStrategy: domain.StrategyAlertAndWait},
	}, discard(), gateway.WithEngine(echoEngine{}), gateway.WithEventBus(bus))
	_, err = h.gw.AddTrustedKey(context.Background(), &key.PublicKey, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	api := httpapi.New(ctx, httpapi.Config{Tokens: map[string]string{token: "ops"}}, h.gw, discard(),
		httpapi.WithEventBus(bus))
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		cancel()
		_ = h.gw.Shutdown(context.Background())
		bus.Close()
	})
	return h
}

func (h *harness) client(opts ...Option) *Client {
	return New(h.srv.URL+"/", append([]Option{WithToken(token)}, opts...)...)
}

func (h *harness) pack(t *testing.T, id string) string {
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
	require.NoError(t, security.SignPackage(raw.Bytes(), h.key, &signed))
	path := filepath.Join(h.dir, id+".zip")
	require.NoError(t, os.WriteFile(path, signed.Bytes(), 0o600))
	return path
}

func TestClientPluginLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.client()
	ctx := context.Background()

	health, err := New(h.srv.URL).Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.TrustedKeys)

	loaded, err := c.Load(ctx, h.pack(t, "notes"))
	require.NoError(t, err)
	assert.Equal(t, "notes", loaded.Info.ID)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	res, err := c.Execute(ctx, "notes", "count", map[string]string{"n": "3"})
	require.NoError(t, err)
	assert.Equal(t, "count:3", res.Output)
	assert.EqualValues(t, 1024, res.MemoryUsed)

	p, err := c.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, p.State)
	assert.Equal(t, []domain.Permission{domain.PermissionStorage}, p.Permissions)
	assert.Equal(t, domain.StrategyAlertAndWait, p.Strategy)

	m, err := c.PluginMetrics(ctx, "notes")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Metrics.TotalExecutions)

	all, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.SetStrategy(ctx, "notes", domain.StrategyAutoRestart))
	p, err = c.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyAutoRestart, p.Strategy)

	require.NoError(t, c.Unload(ctx, "notes"))
	_, err = c.Get(ctx, "notes")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestClientCrashAndResolve(t *testing.T) {
	h := newHarness(t)
	c := h.client()
	ctx := context.Background()
	_, err := c.Load(ctx, h.pack(t, "notes"))
	require.NoError(t, err)

	_, err = c.Execute(ctx, "notes", "crash", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)

	_, err = c.Execute(ctx, "notes", "list", nil)
	assert.ErrorIs(t, err, domain.ErrPluginDisabled)

	crashes, err := c.Crashes(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, crashes, 1)

	state, err := c.Resolve(ctx, "notes", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRestarted, state)

	_, err = c.Resolve(ctx, "notes", true)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stats, err := c.RecoveryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCrashes)

	require.NoError(t, c.SetStrategy(ctx, "notes", domain.StrategyDisable))
	require.NoError(t, c.ResetCrashHistory(ctx, "notes"))
	crashes, err = c.Crashes(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, crashes)
	p, err := c.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyDisable, p.Strategy)

	require.NoError(t, c.ResetRecovery(ctx, "notes"))
	p, err = c.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyAlertAndWait, p.Strategy)
}

func TestClientTrustedKeys(t *testing.T) {
	h := newHarness(t)
	c := h.client()
	ctx := context.Background()

	other, err := security.GenerateKey(2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
	require.NoError(t, err)

	fp, err := c.AddTrustedKey(ctx, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	keys, err := c.TrustedKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, fp)

	_, err = c.AddTrustedKey(ctx, []byte("not a key"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClientErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := New(h.srv.URL).List(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	// Alerts are not mounted without an alert service.
	_, err = h.client().Alerts(ctx)
	assert.True(t, IsNotFound(err))

	_, err = h.client().Execute(ctx, "ghost", "x", nil)
	assert.ErrorIs(t, err, domain.ErrPluginNotFound)
}

func TestAPIErrorFallsBackToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want error
	}{
		{"code wins", &APIError{Status: 500, Code: domain.CodeCircuitOpen}, domain.ErrCircuitOpen},
		{"not found", &APIError{Status: 404}, domain.ErrNotFound},
		{"forbidden", &APIError{Status: 403}, domain.ErrPermissionDenied},
		{"throttled", &APIError{Status: 429, Code: domain.CodeUnknown}, domain.ErrLimitReached},
		{"security class", &APIError{Status: 422, Class: "security"}, domain.ErrSecurityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
		})
	}
	assert.Nil(t, (&APIError{Status: 500}).Unwrap())
}

func TestClientOptions(t *testing.T) {
	var gotAgent, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	hc := &http.Client{}
	c := New(srv.URL, WithHTTPClient(hc), WithTimeout(time.Second), WithToken("t"), WithUserAgent("probe/1"))
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "probe/1", gotAgent)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.Equal(t, time.Second, hc.Timeout)
}

func TestClientEvents(t *testing.T) {
	h := newHarness(t)
	c := h.client(WithTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := c.Load(ctx, h.pack(t, "notes"))
	require.NoError(t, err)

	events, err := c.Events(ctx, EventFilter{PluginID: "notes", Types: []domain.EventType{domain.EventPluginExecuted}})
	require.NoError(t, err)

	// The server subscribes after the handshake, so keep executing until
	// an event arrives.
	deadline := time.After(5 * time.Second)
	for {
		_, err := c.Execute(ctx, "notes", "ping", nil)
		require.NoError(t, err)
		select {
		case ev := <-events:
			assert.Equal(t, domain.EventPluginExecuted, ev.Type)
			assert.Equal(t, "notes", ev.PluginID)
			cancel()
			for range events {
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestEventsRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	_, err := New(h.srv.URL, WithToken("wrong")).Events(context.Background(), EventFilter{})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}
