package gateway

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/domain"
	"trustgate/internal/recovery"
	"trustgate/internal/security"
	"trustgate/internal/services"
)

var (
	keyOnce  sync.Once
	testKeys [2]*rsa.PrivateKey
)

func signingKeys(t *testing.T) (trusted, untrusted *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range testKeys {
			k, err := security.GenerateKey(2048)
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys[0], testKeys[1]
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeEngine struct {
	mu           sync.Mutex
	instantiated map[string]int
	unloaded     map[string]int
	failInit     error
	exec         func(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error)
	active       int
	maxActive    int
	started      chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{instantiated: map[string]int{}, unloaded: map[string]int{}}
}

func (f *fakeEngine) Instantiate(_ context.Context, info domain.PluginInfo, _ []byte, _ domain.ResourceQuota) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInit != nil {
		return f.failInit
	}
	f.instantiated[info.ID]++
	return nil
}

func (f *fakeEngine) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	exec, started := f.exec, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- req.PluginID
	}
	if exec != nil {
		return exec(ctx, req)
	}
	return domain.ExecutionOutcome{Output: "ok:" + req.Command, MemoryUsed: 1024, Duration: time.Millisecond}, nil
}

func (f *fakeEngine) Unload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded[id]++
	return nil
}

func (f *fakeEngine) Close(context.Context) error { return nil }

func (f *fakeEngine) setExec(fn func(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error)) {
	f.mu.Lock()
	f.exec = fn
	f.mu.Unlock()
}

func (f *fakeEngine) instances(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instantiated[id]
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *fakeAlerter) Raise(_ context.Context, al domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *fakeAlerter) ofType(typ domain.AlertType) []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Alert
	for _, al := range a.alerts {
		if al.Type == typ {
			out = append(out, al)
		}
	}
	return out
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAudit) Log(_ context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) has(typ domain.AuditEventType, resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Type == typ && ev.Resource == resource {
			return true
		}
	}
	return false
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) states(pluginID string) []domain.LifecycleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.LifecycleState
	for _, ev := range b.events {
		if ev.Type != domain.EventPluginStateChanged || ev.PluginID != pluginID {
			continue
		}
		var c domain.StateChange
		if json.Unmarshal(ev.Payload, &c) == nil {
			out = append(out, c.To)
		}
	}
	return out
}

type answerPrompter struct{ restart bool }

func (p answerPrompter) PromptRecovery(context.Context, string, domain.CrashRecord) (bool, error) {
	return p.restart, nil
}

type harness struct {
	gw      *Gateway
	engine  *fakeEngine
	alerter *fakeAlerter
	audit   *memAudit
	bus     *recordingBus
	dir     string
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		engine:  newFakeEngine(),
		alerter: &fakeAlerter{},
		audit:   &memAudit{},
		bus:     &recordingBus{},
		dir:     t.TempDir(),
	}
	if cfg.HostVersion == "" {
		cfg.HostVersion = "1.2.0"
	}
	base := []Option{
		WithEngine(h.engine),
		WithAlerter(h.alerter),
		WithAuditLogger(h.audit),
		WithEventBus(h.bus),
	}
	h.gw = New(cfg, discard(), append(base, opts...)...)
	trusted, _ := signingKeys(t)
	_, err := h.gw.AddTrustedKey(context.Background(), &trusted.PublicKey, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.gw.Shutdown(context.Background()) })
	return h
}

func testManifest(id string) domain.PluginInfo {
	return domain.PluginInfo{
		ID:             id,
		Name:           id,
		Version:        "1.0.0",
		MinCoreVersion: "1.0.0",
		Permissions:    []string{"storage"},
		EntryPoint:     "plugin.wasm",
	}
}

func (h *harness) write(t *testing.T, name string, info domain.PluginInfo, key *rsa.PrivateKey) string {
	t.Helper()
	manifest, err := json.Marshal(info)
	require.NoError(t, err)
	return h.writeRaw(t, name, manifest, info.EntryPoint, key)
}

// writeRaw packs manifest verbatim next to a stub payload named entry.
func (h *harness) writeRaw(t *testing.T, name string, manifest []byte, entry string, key *rsa.PrivateKey) string {
	t.Helper()
	var raw bytes.Buffer
	require.NoError(t, security.WritePackage(&raw, []security.PackageFile{
		{Name: "plugin.json", Content: manifest},
		{Name: entry, Content: []byte("\x00asm\x01\x00\x00\x00")},
	}))
	var signed bytes.Buffer
	require.NoError(t, security.SignPackage(raw.Bytes(), key, &signed))
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, signed.Bytes(), 0o600))
	return path
}

func (h *harness) load(t *testing.T, id string) {
	t.Helper()
	trusted, _ := signingKeys(t)
	_, err := h.gw.Load(context.Background(), h.write(t, id+".zip", testManifest(id), trusted))
	require.NoError(t, err)
}

func (h *harness) state(t *testing.T, id string) domain.LifecycleState {
	t.Helper()
	s, err := h.gw.State(id)
	require.NoError(t, err)
	return s
}

var errBoom = errors.New("boom")

func crashWith(err error) func(context.Context, domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
	return func(context.Context, domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		return domain.ExecutionOutcome{}, err
	}
}

func TestLoad_AdmitsSignedPlugin(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")

	assert.Equal(t, domain.StateAdmitted, h.state(t, "demo"))
	assert.Equal(t, []domain.LifecycleState{
		domain.StateSignatureVerified,
		domain.StateManifestValidated,
		domain.StateAdmitted,
	}, h.bus.states("demo"))
	assert.True(t, h.audit.has(domain.AuditPluginAdmitted, "demo"))
	assert.Equal(t, 1, h.engine.instances("demo"))
	assert.True(t, h.gw.Permissions().Check("demo", domain.PermissionStorage))

	list := h.gw.List()
	require.Len(t, list, 1)
	assert.Equal(t, domain.DefaultResourceQuota(), list[0].Quota)

	_, ok := h.gw.GetMetrics("demo")
	assert.True(t, ok)
}

func TestLoad_MinimalManifest(t *testing.T) {
	h := newHarness(t, Config{})
	trusted, _ := signingKeys(t)
	path := h.writeRaw(t, "acme.zip",
		[]byte(`{"id":"acme.tool","entry_point":"main.wasm","permissions":[]}`), "main.wasm", trusted)

	info, err := h.gw.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "acme.tool", info.ID)
	assert.Equal(t, "main.wasm", info.EntryPoint)
	assert.Equal(t, domain.StateAdmitted, h.state(t, "acme.tool"))
}

func TestLoad_UntrustedSignatureIsSecurityFailure(t *testing.T) {
	h := newHarness(t, Config{})
	_, untrusted := signingKeys(t)
	path := h.write(t, "evil.zip", testManifest("evil"), untrusted)

	_, err := h.gw.Load(context.Background(), path)
	require.ErrorIs(t, err, domain.ErrSignatureVerificationFailed)
	assert.True(t, domain.IsSecurity(err))

	alerts := h.alerter.ofType(domain.AlertSecurityViolation)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.True(t, h.audit.has(domain.AuditPluginRejected, "evil.zip"))
	assert.Empty(t, h.gw.List())
	_, err = h.gw.State("evil")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoad_AdmissionFailures(t *testing.T) {
	maxCore := "1.1.0"
	tests := []struct {
		name   string
		cfg    Config
		mutate func(*domain.PluginInfo)
		want   error
	}{
		{
			name:   "denied permission",
			cfg:    Config{DenyPermissions: []string{"network"}},
			mutate: func(i *domain.PluginInfo) { i.Permissions = []string{"network"} },
			want:   domain.ErrPermissionDenied,
		},
		{
			name:   "unknown permission",
			mutate: func(i *domain.PluginInfo) { i.Permissions = []string{"root"} },
			want:   domain.ErrPermissionDenied,
		},
		{
			name:   "host too new",
			mutate: func(i *domain.PluginInfo) { i.MaxCoreVersion = &maxCore },
			want:   domain.ErrVersionIncompatible,
		},
		{
			name:   "host too old",
			mutate: func(i *domain.PluginInfo) { i.MinCoreVersion = "2.0.0" },
			want:   domain.ErrVersionIncompatible,
		},
		{
			name:   "missing dependency",
			mutate: func(i *domain.PluginInfo) { i.Dependencies = []string{"base@1.0.0"} },
			want:   domain.ErrDependencyNotMet,
		},
		{
			name:   "entry point absent",
			mutate: func(i *domain.PluginInfo) { i.EntryPoint = "other.wasm" },
			want:   domain.ErrInvalidPluginStructure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg)
			trusted, _ := signingKeys(t)
			info := testManifest("p")
			tt.mutate(&info)
			_, err := h.gw.Load(context.Background(), h.write(t, "p.zip", info, trusted))
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.gw.List())
			assert.True(t, h.audit.has(domain.AuditPluginRejected, "p"))
			assert.Empty(t, h.alerter.ofType(domain.AlertSecurityViolation))
		})
	}
}

func TestLoad_Duplicate(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	trusted, _ := signingKeys(t)
	_, err := h.gw.Load(context.Background(), h.write(t, "again.zip", testManifest("demo"), trusted))
	assert.ErrorIs(t, err, domain.ErrAlreadyLoaded)
	assert.Equal(t, domain.StateAdmitted, h.state(t, "demo"))
}

func TestLoad_EngineFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine.failInit = errBoom
	trusted, _ := signingKeys(t)
	_, err := h.gw.Load(context.Background(), h.write(t, "p.zip", testManifest("p"), trusted))
	require.ErrorIs(t, err, domain.ErrInitializationFailed)

	_, err = h.gw.State("p")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := h.gw.Usage("p")
	assert.False(t, ok)
}

func TestLoad_QuotaOverrideClampedToMaximum(t *testing.T) {
	h := newHarness(t, Config{
		QuotaOverrides: map[string]domain.ResourceQuota{"big": {MemoryLimit: 1 << 30}},
		QuotaMaximum:   domain.ResourceQuota{MemoryLimit: 200 << 20},
	})
	h.load(t, "big")
	info, err := h.gw.Info("big")
	require.NoError(t, err)
	assert.Equal(t, uint64(200<<20), info.Quota.MemoryLimit)
	assert.Equal(t, domain.DefaultCPULimit, info.Quota.CPULimit)
}

func TestLoadAll_RetriesDependencies(t *testing.T) {
	h := newHarness(t, Config{})
	trusted, _ := signingKeys(t)
	app := testManifest("app")
	app.Dependencies = []string{"base@1.0.0"}
	h.write(t, "a-app.zip", app, trusted)
	h.write(t, "b-base.zip", testManifest("base"), trusted)

	results, err := h.gw.LoadAll(context.Background(), []string{h.dir})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Archive)
	}
	assert.Len(t, h.gw.List(), 2)
}

func TestExecute_RecordsAndReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")

	out, err := h.gw.Execute(context.Background(), "demo", "greet", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok:greet", out)
	assert.Equal(t, domain.StateIdle, h.state(t, "demo"))

	m, ok := h.gw.GetMetrics("demo")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.TotalExecutions)
	assert.Equal(t, uint64(1024), m.MemoryUsage)

	sum, ok := h.gw.GetPerformanceSummary("demo")
	require.True(t, ok)
	assert.Equal(t, uint64(1), sum.TotalExecutions)
	assert.Len(t, h.gw.GetAllMetrics(), 1)
}

func TestExecute_UnknownPlugin(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.gw.Execute(context.Background(), "ghost", "x", nil)
	assert.ErrorIs(t, err, domain.ErrPluginNotFound)
}

func TestExecute_AutoRestart(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	require.NoError(t, h.gw.SetRecoveryStrategy(context.Background(), "demo", domain.StrategyAutoRestart))

	h.engine.setExec(crashWith(domain.ErrCrashed))
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.ErrorIs(t, err, domain.ErrCrashed)

	assert.Equal(t, domain.StateRestarted, h.state(t, "demo"))
	assert.Equal(t, 2, h.engine.instances("demo"))
	assert.Contains(t, h.bus.states("demo"), domain.StateCrashed)

	history := h.gw.GetCrashHistory("demo")
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionRestart, history[0].Action)
	assert.True(t, history[0].Success)

	h.engine.setExec(nil)
	_, err = h.gw.Execute(context.Background(), "demo", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, h.state(t, "demo"))

	stats := h.gw.GetRecoveryStats()
	assert.Equal(t, 1, stats.TotalCrashes)
	assert.Equal(t, 1, stats.SuccessfulRecoveries)
}

func TestExecute_DisableStrategyThenEnable(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	require.NoError(t, h.gw.SetRecoveryStrategy(context.Background(), "demo", domain.StrategyDisable))

	h.engine.setExec(crashWith(errBoom))
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, domain.StateDisabled, h.state(t, "demo"))
	assert.True(t, h.audit.has(domain.AuditPluginDisabled, "demo"))

	_, err = h.gw.Execute(context.Background(), "demo", "x", nil)
	assert.ErrorIs(t, err, domain.ErrPluginDisabled)

	require.NoError(t, h.gw.Enable(context.Background(), "demo", "operator"))
	assert.Equal(t, domain.StateIdle, h.state(t, "demo"))
	assert.True(t, h.audit.has(domain.AuditPluginEnabled, "demo"))

	h.engine.setExec(nil)
	_, err = h.gw.Execute(context.Background(), "demo", "x", nil)
	assert.NoError(t, err)
}

func TestExecute_AskUserAppliesAnswer(t *testing.T) {
	h := newHarness(t, Config{}, WithPrompter(answerPrompter{restart: true}))
	h.load(t, "demo")

	h.engine.setExec(crashWith(domain.ErrCrashed))
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		s, _ := h.gw.State("demo")
		return s == domain.StateRestarted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.bus.states("demo"), domain.StateAwaitingUser)
}

func TestExecute_AlertAndWaitThenResolve(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	require.NoError(t, h.gw.SetRecoveryStrategy(context.Background(), "demo", domain.StrategyAlertAndWait))

	h.engine.setExec(crashWith(domain.ErrCrashed))
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.Error(t, err)

	assert.Equal(t, domain.StateAwaitingUser, h.state(t, "demo"))
	assert.Len(t, h.alerter.ofType(domain.AlertPluginCrash), 1)

	_, err = h.gw.Execute(context.Background(), "demo", "x", nil)
	assert.ErrorIs(t, err, domain.ErrPluginDisabled)

	require.NoError(t, h.gw.ResolveRecovery(context.Background(), "demo", false, "operator"))
	assert.Equal(t, domain.StateDisabled, h.state(t, "demo"))
	assert.True(t, h.audit.has(domain.AuditRecoveryResolved, "demo"))

	err = h.gw.ResolveRecovery(context.Background(), "demo", true, "operator")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecute_CrashThresholdForcesDisable(t *testing.T) {
	h := newHarness(t, Config{Recovery: recovery.Config{MaxCrashes: 2}})
	h.load(t, "demo")
	ctx := context.Background()
	require.NoError(t, h.gw.SetRecoveryStrategy(ctx, "demo", domain.StrategyAutoRestart))
	h.engine.setExec(crashWith(domain.ErrCrashed))

	for i := 0; i < 2; i++ {
		_, err := h.gw.Execute(ctx, "demo", "x", nil)
		require.Error(t, err)
		require.Equal(t, domain.StateRestarted, h.state(t, "demo"))
	}
	_, err := h.gw.Execute(ctx, "demo", "x", nil)
	require.Error(t, err)
	assert.Equal(t, domain.StateDisabled, h.state(t, "demo"))

	_, err = h.gw.Execute(ctx, "demo", "x", nil)
	assert.ErrorIs(t, err, domain.ErrPluginDisabled)
	assert.ErrorIs(t, h.gw.Enable(ctx, "demo", "operator"), domain.ErrPluginDisabled)

	h.gw.ResetRecovery(ctx, "demo", "operator")
	require.NoError(t, h.gw.Enable(ctx, "demo", "operator"))
	assert.Empty(t, h.gw.GetCrashHistory("demo"))
}

func TestExecute_SecurityErrorDisables(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	require.NoError(t, h.gw.SetRecoveryStrategy(context.Background(), "demo", domain.StrategyAutoRestart))

	h.engine.setExec(crashWith(domain.NewPluginError("demo", "test", domain.ErrMaliciousCodeDetected, "")))
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.ErrorIs(t, err, domain.ErrMaliciousCodeDetected)

	assert.Equal(t, domain.StateDisabled, h.state(t, "demo"))
	alerts := h.alerter.ofType(domain.AlertSecurityViolation)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.Empty(t, h.gw.GetCrashHistory("demo"))
}

func TestExecute_RefusedRequestKeepsPluginUsable(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")

	h.engine.setExec(crashWith(domain.NewPluginError("demo", "test", domain.ErrCommandNotFound, "nope")))
	_, err := h.gw.Execute(context.Background(), "demo", "nope", nil)
	require.ErrorIs(t, err, domain.ErrCommandNotFound)
	assert.Equal(t, domain.StateIdle, h.state(t, "demo"))
	assert.Empty(t, h.gw.GetCrashHistory("demo"))

	m, _ := h.gw.GetMetrics("demo")
	assert.Equal(t, uint64(1), m.ErrorCount)
	assert.Zero(t, m.CrashCount)
}

func TestExecute_TimeoutIsRecoverableCrash(t *testing.T) {
	h := newHarness(t, Config{QuotaDefaults: domain.ResourceQuota{MaxExecutionTime: 20 * time.Millisecond}})
	h.load(t, "demo")
	require.NoError(t, h.gw.SetRecoveryStrategy(context.Background(), "demo", domain.StrategyAutoRestart))

	h.engine.setExec(func(ctx context.Context, _ domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		<-ctx.Done()
		return domain.ExecutionOutcome{}, ctx.Err()
	})
	_, err := h.gw.Execute(context.Background(), "demo", "slow", nil)
	require.ErrorIs(t, err, domain.ErrExecutionTimeout)
	assert.True(t, domain.IsRecoverable(err))
	assert.Equal(t, domain.StateRestarted, h.state(t, "demo"))
}

func TestExecute_WorkerPoolBound(t *testing.T) {
	h := newHarness(t, Config{WorkerPoolSize: 2})
	ids := []string{"alpha", "beta", "gamma"}
	for _, id := range ids {
		h.load(t, id)
	}
	var mu sync.Mutex
	perPlugin := map[string]int{}
	peakPerPlugin := 0
	h.engine.setExec(func(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		mu.Lock()
		perPlugin[req.PluginID]++
		peakPerPlugin = max(peakPerPlugin, perPlugin[req.PluginID])
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		perPlugin[req.PluginID]--
		mu.Unlock()
		return domain.ExecutionOutcome{Output: "ok"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gw.Execute(context.Background(), ids[i%len(ids)], "x", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h.engine.mu.Lock()
	peak := h.engine.maxActive
	h.engine.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 1, peakPerPlugin, "runs of one plugin are serialized")

	for _, id := range ids {
		assert.Equal(t, domain.StateIdle, h.state(t, id))
		m, _ := h.gw.GetMetrics(id)
		assert.Equal(t, uint64(4), m.TotalExecutions)
	}
}

func TestExecute_BlockingHostCallsDoNotStarvePool(t *testing.T) {
	h := newHarness(t, Config{WorkerPoolSize: 1})
	h.load(t, "fetcher")

	// The engine holds one lock per instance for the whole guest call, and
	// the guest's network fetch hands its worker slot back while it waits.
	var instance sync.Mutex
	h.engine.setExec(func(ctx context.Context, _ domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		instance.Lock()
		defer instance.Unlock()
		err := services.Blocking(ctx, func() error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		return domain.ExecutionOutcome{Output: "fetched"}, err
	})

	errc := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := h.gw.Execute(context.Background(), "fetcher", "get", nil)
			errc <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent executions of one network plugin did not complete")
		}
	}
	assert.Equal(t, domain.StateIdle, h.state(t, "fetcher"))
}

func TestUnload_CancelsInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	h.engine.started = make(chan string, 1)
	h.engine.setExec(func(ctx context.Context, _ domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		<-ctx.Done()
		return domain.ExecutionOutcome{}, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() {
		_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
		errc <- err
	}()
	<-h.engine.started

	require.NoError(t, h.gw.Unload(context.Background(), "demo"))
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, err := h.gw.State("demo")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := h.gw.Usage("demo")
	assert.False(t, ok)
	_, ok = h.gw.GetMetrics("demo")
	assert.False(t, ok)
	assert.False(t, h.gw.Permissions().Check("demo", domain.PermissionStorage))
	assert.True(t, h.audit.has(domain.AuditPluginUnloaded, "demo"))
	assert.Equal(t, domain.StateTerminated, h.bus.states("demo")[len(h.bus.states("demo"))-1])

	assert.ErrorIs(t, h.gw.Unload(context.Background(), "demo"), domain.ErrNotFound)
}

func TestUnload_LateRunLeavesNoAccounting(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	release := make(chan struct{})
	h.engine.started = make(chan string, 1)
	h.engine.setExec(func(context.Context, domain.ExecutionRequest) (domain.ExecutionOutcome, error) {
		<-release
		return domain.ExecutionOutcome{Output: "late", MemoryUsed: 4096, Duration: time.Millisecond}, nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
		errc <- err
	}()
	<-h.engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.gw.Unload(ctx, "demo"), context.DeadlineExceeded)

	// Draining: the id is held until the run returns.
	assert.Equal(t, domain.StateTerminated, h.state(t, "demo"))
	trusted, _ := signingKeys(t)
	path := h.write(t, "demo.zip", testManifest("demo"), trusted)
	_, err := h.gw.Load(context.Background(), path)
	assert.ErrorIs(t, err, domain.ErrAlreadyLoaded)

	close(release)
	<-errc
	require.Eventually(t, func() bool {
		_, err := h.gw.State("demo")
		return errors.Is(err, domain.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := h.gw.Usage("demo")
	assert.False(t, ok)
	_, ok = h.gw.GetMetrics("demo")
	assert.False(t, ok)

	_, err = h.gw.Load(context.Background(), path)
	require.NoError(t, err)
	usage, _ := h.gw.Usage("demo")
	assert.Zero(t, usage.MemoryUsed)
	assert.Zero(t, usage.ExecutionTime)
}

func TestUnload_ThenReload(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "demo")
	require.NoError(t, h.gw.Unload(context.Background(), "demo"))
	h.load(t, "demo")
	assert.Equal(t, domain.StateAdmitted, h.state(t, "demo"))
}

func TestShutdown_UnloadsEverything(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t, "a")
	h.load(t, "b")

	require.NoError(t, h.gw.Shutdown(context.Background()))
	assert.Empty(t, h.gw.List())
	require.NoError(t, h.gw.Shutdown(context.Background()))
}

func TestAddTrustedKey_AuditsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	trusted, _ := signingKeys(t)
	fp, err := h.gw.AddTrustedKey(context.Background(), &trusted.PublicKey, "again")
	require.NoError(t, err)
	assert.Equal(t, security.Fingerprint(&trusted.PublicKey), fp)
	assert.Equal(t, []string{fp}, h.gw.TrustedKeys())

	h.audit.mu.Lock()
	n := 0
	for _, ev := range h.audit.events {
		if ev.Type == domain.AuditTrustedKeyAdded {
			n++
		}
	}
	h.audit.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestMonitorWarningRaisesAlert(t *testing.T) {
	h := newHarness(t, Config{Thresholds: domain.Thresholds{MaxCrashes: 5, MemoryWarnBytes: 512}})
	h.load(t, "demo")
	_, err := h.gw.Execute(context.Background(), "demo", "x", nil)
	require.NoError(t, err)

	warnings := h.gw.monitor.Check(context.Background())
	require.Len(t, warnings, 1)
	alerts := h.alerter.ofType(domain.AlertPerformanceAnomaly)
	require.Len(t, alerts, 1)
	assert.Equal(t, "demo", alerts[0].PluginID)
}
