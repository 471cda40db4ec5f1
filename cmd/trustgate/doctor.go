package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"trustgate/internal/infra/config"
	"trustgate/internal/plugin"
	"trustgate/internal/security"
	"trustgate/internal/storage"
)

// CheckStatus is the outcome class of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func runDoctor(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("doctor")
	cfgPath := fs.String("config", defaultConfigPath(), "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Most checks still run on defaults when the file is broken.
	cfg, cfgErr := config.Load(*cfgPath)
	if cfg == nil {
		cfg = config.Defaults()
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(*cfgPath, cfgErr)},
		{Name: "Trusted keys", Fn: checkTrustedKeys},
		{Name: "Plugin packages", Fn: checkPluginPackages},
		{Name: "Storage", Fn: checkStorage},
		{Name: "Audit log", Fn: checkAuditLog},
		{Name: "Operator API", Fn: checkAPI},
		{Name: "Helpers", Fn: checkHelpers},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Fprintln(stdout, "trustgate doctor")
	fmt.Fprintln(stdout, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, c := range checks {
		r := c.Fn(ctx, cfg)
		fmt.Fprintf(stdout, "  [%s] %s: %s\n", r.Status, c.Name, r.Message)
		if r.Fix != "" {
			fmt.Fprintf(stdout, "         Fix: %s\n", r.Fix)
		}
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(stdout, strings.Repeat("-", 50))
	fmt.Fprintf(stdout, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfigFile(path string, loadErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults", path),
				Fix:     "Create " + path + " (mode 0600)",
			}
		}
		if loadErr != nil {
			return CheckResult{Status: StatusFail, Message: loadErr.Error()}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + path}
	}
}

// loadKeys loads the configured trusted keys, collecting per-file failures.
func loadKeys(cfg *config.Config) (*security.TrustedKeySet, []string) {
	keys := security.NewTrustedKeySet()
	var bad []string
	for _, p := range cfg.Gateway.TrustedKeys {
		pub, err := security.LoadPublicKeyFile(p)
		if err == nil {
			_, _, err = keys.Add(pub)
		}
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s (%v)", p, err))
		}
	}
	return keys, bad
}

func checkTrustedKeys(_ context.Context, cfg *config.Config) CheckResult {
	keys, bad := loadKeys(cfg)
	switch {
	case len(bad) > 0:
		return CheckResult{
			Status:  StatusFail,
			Message: "unreadable keys: " + strings.Join(bad, "; "),
			Fix:     "Point gateway.trusted_keys at PEM or DER RSA public keys",
		}
	case keys.Len() == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: "no trusted keys configured; every package will be rejected",
			Fix:     "Run 'trustgate keygen' and add the .pub file to gateway.trusted_keys",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d trusted key(s)", keys.Len())}
}

func checkPluginPackages(ctx context.Context, cfg *config.Config) CheckResult {
	paths, err := plugin.ScanDirectories(cfg.Gateway.PluginDirs)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if len(paths) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no packages in " + strings.Join(cfg.Gateway.PluginDirs, ", "),
		}
	}

	keys, _ := loadKeys(cfg)
	v := security.NewVerifier(keys,
		security.WithPayloadExtensions(cfg.Gateway.PayloadExtensions...),
		security.WithLogger(slog.New(slog.DiscardHandler)))
	var failed []string
	for _, p := range paths {
		if ok, _ := v.Verify(ctx, p); !ok {
			failed = append(failed, filepath.Base(p))
		}
	}
	if len(failed) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d packages fail verification: %s", len(failed), len(paths), strings.Join(failed, ", ")),
			Fix:     "Run 'trustgate verify' on them for details",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d package(s) verified", len(paths))}
}

func checkStorage(ctx context.Context, cfg *config.Config) CheckResult {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	defer db.Close()
	if cfg.Storage.Passphrase == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "plugin storage is not encrypted at rest",
			Fix:     "Set storage.passphrase (an enc: value keeps it out of plain text)",
		}
	}
	salt, err := db.Salt(ctx)
	if err == nil {
		_, err = security.NewBlobEncryptor(cfg.Storage.Passphrase, salt)
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: "encrypted store at " + cfg.Storage.Path}
}

func checkAuditLog(_ context.Context, cfg *config.Config) CheckResult {
	if !cfg.Audit.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "audit logging disabled",
			Fix:     "Set audit.enabled: true",
		}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "audit directory not writable: " + err.Error()}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: "writing to " + cfg.Audit.Path}
}

func checkAPI(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.API.Addr == "" {
		return CheckResult{Status: StatusPass, Message: "operator API disabled"}
	}
	if len(cfg.API.Tokens) > 0 {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s with %d token(s)", cfg.API.Addr, len(cfg.API.Tokens))}
	}
	host, _, _ := net.SplitHostPort(cfg.API.Addr)
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{
			Status:  StatusWarn,
			Message: "API has no tokens; any local process can manage plugins",
			Fix:     "Add api.tokens",
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: fmt.Sprintf("API on %s accepts unauthenticated requests", cfg.API.Addr),
		Fix:     "Add api.tokens or bind api.addr to 127.0.0.1",
	}
}

func checkHelpers(_ context.Context, cfg *config.Config) CheckResult {
	if len(cfg.Gateway.Helpers) == 0 {
		return CheckResult{Status: StatusPass, Message: "no helpers configured"}
	}
	var missing []string
	for _, h := range cfg.Gateway.Helpers {
		_, cmdline, _ := strings.Cut(h, "=")
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			missing = append(missing, h)
			continue
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			missing = append(missing, fields[0])
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusFail, Message: "not executable: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d helper(s) found", len(cfg.Gateway.Helpers))}
}

func checkDiskSpace(ctx context.Context, cfg *config.Config) CheckResult {
	dir := filepath.Dir(cfg.Storage.Path)
	u, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space: " + err.Error()}
	}
	msg := fmt.Sprintf("%.0f%% used, %d MiB free on %s", u.UsedPercent, u.Free>>20, dir)
	switch {
	case u.UsedPercent >= 95:
		return CheckResult{Status: StatusFail, Message: msg, Fix: "Free space or move storage.path"}
	case u.UsedPercent >= 85:
		return CheckResult{Status: StatusWarn, Message: msg}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}
