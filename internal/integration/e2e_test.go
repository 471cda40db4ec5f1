//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/domain"
	"trustgate/internal/gateway"
	"trustgate/internal/plugin"
	"trustgate/internal/plugin/wasm"
	"trustgate/internal/recovery"
	"trustgate/internal/sandbox"
	"trustgate/internal/security"
	"trustgate/internal/services"
	"trustgate/internal/storage"
)

func counterSource(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "pkg", "pluginsdk", "example", "counter")
}

// packCounter builds the sample counter plugin and signs it with key.
func packCounter(ctx context.Context, t *testing.T, cfg *Config, key *rsa.PrivateKey) string {
	t.Helper()
	src := counterSource(t)
	module := BuildGuest(ctx, t, cfg, src)
	manifest, err := os.ReadFile(filepath.Join(src, "plugin.json"))
	require.NoError(t, err)

	var raw, signed bytes.Buffer
	require.NoError(t, security.WritePackage(&raw, []security.PackageFile{
		{Name: "plugin.json", Content: manifest},
		{Name: "plugin.wasm", Content: module},
	}))
	require.NoError(t, security.SignPackage(raw.Bytes(), key, &signed))
	path := filepath.Join(t.TempDir(), "counter.zip")
	require.NoError(t, os.WriteFile(path, signed.Bytes(), 0o600))
	return path
}

type stack struct {
	gw   *gateway.Gateway
	db   *storage.DB
	once sync.Once
}

// newStack wires a gateway over the real wasm engine and sqlite storage.
func newStack(ctx context.Context, t *testing.T, dbPath, passphrase string, trusted *rsa.PublicKey) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.Open(dbPath)
	require.NoError(t, err)
	salt, err := db.Salt(ctx)
	require.NoError(t, err)
	enc, err := security.NewBlobEncryptor(passphrase, salt)
	require.NoError(t, err)

	quotas := sandbox.NewQuotaManager(domain.DefaultResourceQuota())
	perms := plugin.NewPermissionService(security.NopAuditLogger{}, log)
	store := services.NewStorage(storage.NewKVStore(db, enc), quotas, log)
	host := services.NewHost(perms, log, services.WithStorage(store))

	keys := security.NewTrustedKeySet()
	_, _, err = keys.Add(trusted)
	require.NoError(t, err)

	gw := gateway.New(gateway.Config{
		HostVersion:   "1.0.0",
		QuotaDefaults: domain.DefaultResourceQuota(),
		Recovery:      recovery.Config{DefaultStrategy: domain.StrategyDisable},
	}, log,
		gateway.WithEngine(wasm.NewEngine(host, log)),
		gateway.WithTrustedKeys(keys),
		gateway.WithQuotaManager(quotas),
		gateway.WithPermissionService(perms),
		gateway.WithStorage(store),
	)
	s := &stack{gw: gw, db: db}
	t.Cleanup(func() { s.close() })
	return s
}

func (s *stack) close() {
	s.once.Do(func() {
		_ = s.gw.Shutdown(context.Background())
		_ = s.db.Close()
	})
}

func TestE2E_CounterPluginPersistsState(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	key, err := security.GenerateKey(2048)
	require.NoError(t, err)
	pkg := packCounter(ctx, t, cfg, key)
	dbPath := filepath.Join(t.TempDir(), "trustgate.db")

	s := newStack(ctx, t, dbPath, "correct horse", &key.PublicKey)
	info, err := s.gw.Load(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, "counter", info.ID)

	for _, want := range []string{"1", "2"} {
		out, err := s.gw.Execute(ctx, "counter", "incr", map[string]string{"key": "visits"})
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}
	out, err := s.gw.Execute(ctx, "counter", "incr", map[string]string{"key": "visits", "by": "5"})
	require.NoError(t, err)
	assert.Equal(t, "7", out)

	// A second gateway over the same database sees the stored count.
	s.close()
	s2 := newStack(ctx, t, dbPath, "correct horse", &key.PublicKey)
	_, err = s2.gw.Load(ctx, pkg)
	require.NoError(t, err)
	out, err = s2.gw.Execute(ctx, "counter", "get", map[string]string{"key": "visits"})
	require.NoError(t, err)
	assert.Equal(t, "7", out)
}

func TestE2E_GuestErrorDisablesPlugin(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	key, err := security.GenerateKey(2048)
	require.NoError(t, err)
	pkg := packCounter(ctx, t, cfg, key)
	s := newStack(ctx, t, filepath.Join(t.TempDir(), "trustgate.db"), "pw", &key.PublicKey)
	_, err = s.gw.Load(ctx, pkg)
	require.NoError(t, err)

	// The guest reports its error as output before trapping.
	out, err := s.gw.Execute(ctx, "counter", "incr", map[string]string{"by": "many"})
	require.Error(t, err)
	assert.Contains(t, out, "argument by")

	state, err := s.gw.State("counter")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisabled, state)

	_, err = s.gw.Execute(ctx, "counter", "get", nil)
	assert.True(t, errors.Is(err, domain.ErrPluginDisabled), "got %v", err)
}

func TestE2E_UntrustedSignatureRejected(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	signer, err := security.GenerateKey(2048)
	require.NoError(t, err)
	other, err := security.GenerateKey(2048)
	require.NoError(t, err)
	pkg := packCounter(ctx, t, cfg, signer)

	s := newStack(ctx, t, filepath.Join(t.TempDir(), "trustgate.db"), "pw", &other.PublicKey)
	_, err = s.gw.Load(ctx, pkg)
	require.Error(t, err)
	assert.True(t, domain.IsSecurity(err), "got %v", err)
	assert.Empty(t, s.gw.List())
}
