package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"trustgate/internal/domain"
)

// envPrefix is prepended to every environment override.
const envPrefix = "TRUSTGATE_"

// Config is the top-level application configuration.
type Config struct {
	Logger     LoggerConfig      `yaml:"logger"`
	Tracer     TracerConfig      `yaml:"tracer"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Quota      QuotaConfig       `yaml:"quota"`
	Thresholds domain.Thresholds `yaml:"thresholds"`
	Recovery   RecoveryConfig    `yaml:"recovery"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Network    NetworkConfig     `yaml:"network"`
	Storage    StorageConfig     `yaml:"storage"`
	Alert      AlertConfig       `yaml:"alert"`
	Audit      AuditConfig       `yaml:"audit"`
	API        APIConfig         `yaml:"api"`
}

// GatewayConfig holds trust gateway settings.
type GatewayConfig struct {
	HostVersion       string   `yaml:"host_version"`
	PluginDirs        []string `yaml:"plugin_dirs"`
	PayloadExtensions []string `yaml:"payload_extensions"`
	TrustedKeys       []string `yaml:"trusted_keys"` // PEM or DER public key files
	AllowPermissions  []string `yaml:"allow_permissions"`
	DenyPermissions   []string `yaml:"deny_permissions"`
	WorkerPoolSize    int      `yaml:"worker_pool_size"`
	EscapeOutput      bool     `yaml:"escape_output"`
	Helpers           []string `yaml:"helpers,omitempty"` // "plugin-id=/path/to/binary"
}

// QuotaConfig holds the per-plugin default quota and host-wide maxima.
type QuotaConfig struct {
	Defaults  domain.ResourceQuota            `yaml:"defaults"`
	Maximum   domain.ResourceQuota            `yaml:"maximum"`
	Overrides map[string]domain.ResourceQuota `yaml:"overrides,omitempty"`
}

// RecoveryConfig holds crash recovery settings.
type RecoveryConfig struct {
	DefaultStrategy  string            `yaml:"default_strategy"`
	AutoRestartDelay time.Duration     `yaml:"auto_restart_delay"`
	Strategies       map[string]string `yaml:"strategies,omitempty"` // plugin id -> strategy
}

// MetricsConfig holds telemetry settings.
type MetricsConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	PrometheusAddr  string        `yaml:"prometheus_addr"` // empty disables the /metrics endpoint
	Namespace       string        `yaml:"namespace"`
}

// NetworkConfig holds settings for the plugin network service.
type NetworkConfig struct {
	RequestTimeout  time.Duration        `yaml:"request_timeout"`
	MaxResponseSize int64                `yaml:"max_response_size"`
	AllowedHosts    []string             `yaml:"allowed_hosts,omitempty"`
	RatePerSecond   float64              `yaml:"rate_per_second"`
	Burst           int                  `yaml:"burst"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StorageConfig holds plugin storage settings.
type StorageConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"` // may be "enc:..."; empty disables encryption at rest
}

// AlertConfig holds alert channel settings.
type AlertConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"` // may be "enc:..."
	MinSeverity     string `yaml:"min_severity"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig holds the operator HTTP API settings.
type APIConfig struct {
	Addr           string     `yaml:"addr"` // empty disables the API
	Tokens         []APIToken `yaml:"tokens,omitempty"`
	RequestsPerMin int        `yaml:"requests_per_min"`
	Burst          int        `yaml:"burst"`
	TrustedProxies []string   `yaml:"trusted_proxies,omitempty"`
}

// APIToken is a bearer token for one operator.
type APIToken struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"` // may be "enc:..."
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.trustgate.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".trustgate")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			HostVersion:       "1.0.0",
			PluginDirs:        []string{filepath.Join(dataDir, "plugins")},
			PayloadExtensions: []string{".wasm"},
			WorkerPoolSize:    8,
		},
		Quota: QuotaConfig{
			Defaults: domain.DefaultResourceQuota(),
			Maximum: domain.ResourceQuota{
				MemoryLimit:      512 * 1024 * 1024,
				CPULimit:         100,
				StorageLimit:     256 * 1024 * 1024,
				NetworkLimit:     600,
				MaxExecutionTime: 5 * time.Minute,
			},
		},
		Thresholds: domain.DefaultThresholds(),
		Recovery: RecoveryConfig{
			DefaultStrategy:  string(domain.StrategyAskUser),
			AutoRestartDelay: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			MonitorInterval: 30 * time.Second,
			Namespace:       "trustgate",
		},
		Network: NetworkConfig{
			RequestTimeout:  30 * time.Second,
			MaxResponseSize: 5 * 1024 * 1024,
			RatePerSecond:   5,
			Burst:           10,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "storage.db"),
		},
		Alert: AlertConfig{
			MinSeverity: "high",
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
		},
		API: APIConfig{
			RequestsPerMin: 600,
			Burst:          60,
		},
	}
}

// Load reads a YAML config file, applies env overrides, decrypts "enc:" secrets
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TRUSTGATE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(envPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv(envPrefix + "HOST_VERSION"); v != "" {
		cfg.Gateway.HostVersion = v
	}
	if v := os.Getenv(envPrefix + "PLUGIN_DIRS"); v != "" {
		cfg.Gateway.PluginDirs = splitAndTrim(v, ",")
	}
	if v := os.Getenv(envPrefix + "TRUSTED_KEYS"); v != "" {
		cfg.Gateway.TrustedKeys = splitAndTrim(v, ",")
	}
	if v := os.Getenv(envPrefix + "WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.WorkerPoolSize = n
		}
	}
	if v := os.Getenv(envPrefix + "ESCAPE_OUTPUT"); v != "" {
		cfg.Gateway.EscapeOutput = v == "true"
	}
	if v := os.Getenv(envPrefix + "MAX_CRASHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Thresholds.MaxCrashes = n
		}
	}
	if v := os.Getenv(envPrefix + "RECOVERY_STRATEGY"); v != "" {
		cfg.Recovery.DefaultStrategy = v
	}
	if v := os.Getenv(envPrefix + "MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Metrics.MonitorInterval = d
		}
	}
	if v := os.Getenv(envPrefix + "PROMETHEUS_ADDR"); v != "" {
		cfg.Metrics.PrometheusAddr = v
	}
	if v := os.Getenv(envPrefix + "NETWORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Network.RequestTimeout = d
		}
	}
	if v := os.Getenv(envPrefix + "STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(envPrefix + "STORAGE_PASSPHRASE"); v != "" {
		cfg.Storage.Passphrase = v
	}
	if v := os.Getenv(envPrefix + "SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alert.SlackWebhookURL = v
	}
	if v := os.Getenv(envPrefix + "AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv(envPrefix + "API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv(envPrefix + "API_TOKEN"); v != "" {
		cfg.API.Tokens = append(cfg.API.Tokens, APIToken{Name: "env", Token: v})
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"storage.passphrase":      &cfg.Storage.Passphrase,
		"alert.slack_webhook_url": &cfg.Alert.SlackWebhookURL,
	}
	for i := range cfg.API.Tokens {
		secrets[fmt.Sprintf("api.tokens[%d]", i)] = &cfg.API.Tokens[i].Token
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format: %w", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %w", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files that are group- or world-writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
