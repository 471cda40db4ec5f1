// Package daemon installs trustgate serve as a system service.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// Name is the service name used when none is configured.
const Name = "trustgate"

// Config holds the service parameters.
type Config struct {
	Name       string
	BinaryPath string
	ConfigPath string
	DataDir    string // the only directory the service may write to
	User       string
	HomeDir    string
}

// Status is the state of an installed service.
type Status struct {
	Running bool
	PID     int
}

// DefaultConfig detects the binary, user and data directory.
func DefaultConfig() Config {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/trustgate"
	}
	username, home := "root", "/root"
	if u, err := user.Current(); err == nil {
		username, home = u.Username, u.HomeDir
	}
	return Config{
		Name:       Name,
		BinaryPath: binary,
		ConfigPath: filepath.Join(home, ".trustgate", "config.yaml"),
		DataDir:    filepath.Join(home, ".trustgate"),
		User:       username,
		HomeDir:    home,
	}
}

// Validate checks that the service can start.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t") {
		return fmt.Errorf("service name %q must be a single word", c.Name)
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}
	return nil
}

// Install writes and starts the service for the current platform.
func Install(cfg Config) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops and removes the service. Missing services are not an error.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// CurrentStatus reports whether the service is running.
func CurrentStatus(name string) (*Status, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Render returns the service definition for goos without installing it.
func Render(goos string, cfg Config) (string, error) {
	switch goos {
	case "linux":
		return render(systemdTemplate, cfg)
	case "darwin":
		return render(launchdTemplate, cfg)
	default:
		return "", fmt.Errorf("unsupported platform: %s", goos)
	}
}

func render(text string, cfg Config) (string, error) {
	tmpl, err := template.New(cfg.Name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func run(args ...string) error {
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), bytes.TrimSpace(out), err)
	}
	return nil
}

// --- systemd ---

// The unit sandboxes the gateway itself: it may only write its data dir.
const systemdTemplate = `[Unit]
Description={{.Name}} signed plugin gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve -config {{.ConfigPath}}
User={{.User}}
Environment=HOME={{.HomeDir}}
Restart=on-failure
RestartSec=5
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.DataDir}}

[Install]
WantedBy=multi-user.target
`

const systemdDir = "/etc/systemd/system"

func installSystemd(cfg Config) error {
	content, err := Render("linux", cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	unitPath := filepath.Join(systemdDir, cfg.Name+".service")
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", cfg.Name},
	} {
		if err := run(args...); err != nil {
			return err
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	_ = run("systemctl", "disable", "--now", name)
	if err := os.Remove(filepath.Join(systemdDir, name+".service")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return run("systemctl", "daemon-reload")
}

func statusSystemd(name string) (*Status, error) {
	out, _ := exec.Command("systemctl", "is-active", name).Output()
	st := &Status{Running: strings.TrimSpace(string(out)) == "active"}
	if !st.Running {
		return st, nil
	}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		if _, v, ok := strings.Cut(strings.TrimSpace(string(pidOut)), "="); ok {
			st.PID, _ = strconv.Atoi(v)
		}
	}
	return st, nil
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>io.trustgate.{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>serve</string>
        <string>-config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

func launchdPath(home, name string) string {
	return filepath.Join(home, "Library", "LaunchAgents", "io.trustgate."+name+".plist")
}

func installLaunchd(cfg Config) error {
	content, err := Render("darwin", cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := launchdPath(cfg.HomeDir, cfg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return run("launchctl", "load", path)
}

func uninstallLaunchd(name string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	path := launchdPath(home, name)
	_ = run("launchctl", "unload", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func statusLaunchd(name string) (*Status, error) {
	out, err := exec.Command("launchctl", "list", "io.trustgate."+name).CombinedOutput()
	if err != nil {
		return &Status{}, nil
	}
	st := &Status{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		v := strings.Trim(strings.TrimSpace(line[strings.Index(line, "=")+1:]), " ;")
		st.PID, _ = strconv.Atoi(v)
	}
	return st, nil
}
