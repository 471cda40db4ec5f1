package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	GoBinary    string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	goBin := os.Getenv("TRUSTGATE_GO")
	if goBin == "" {
		goBin = filepath.Join(runtime.GOROOT(), "bin", "go")
	}
	return &Config{
		GoBinary:    goBin,
		TestTimeout: 2 * time.Minute,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// BuildGuest compiles the Go plugin in srcDir to a wasip1 reactor and
// returns the module bytes.
func BuildGuest(ctx context.Context, t *testing.T, cfg *Config, srcDir string) []byte {
	t.Helper()
	if _, err := os.Stat(cfg.GoBinary); err != nil {
		t.Skipf("Skipping guest build: go toolchain not found at %s", cfg.GoBinary)
	}
	out := filepath.Join(t.TempDir(), "plugin.wasm")
	cmd := exec.CommandContext(ctx, cfg.GoBinary, "build", "-buildmode=c-shared", "-o", out, ".")
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm")
	if msg, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build guest: %v\n%s", err, msg)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
