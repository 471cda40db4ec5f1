// Package client is a Go client for the trustgate operator API.
//
//	c := client.New("http://127.0.0.1:8470", client.WithToken(os.Getenv("TRUSTGATE_TOKEN")))
//	p, err := c.Load(ctx, "/srv/plugins/counter.zip")
//	out, err := c.Execute(ctx, p.Info.ID, "incr", map[string]string{"key": "a"})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trustgate/internal/domain"
)

// Client talks to one trustgate server.
type Client struct {
	base      string
	token     string
	userAgent string
	http      *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimRight(baseURL, "/"),
		userAgent: "trustgate-client",
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response. errors.Is matches it against the domain
// sentinel named by its code, or the one implied by its status.
type APIError struct {
	Status  int
	Message string           `json:"error"`
	Code    domain.ErrorCode `json:"code"`
	Class   string           `json:"class"`
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Code != domain.CodeUnknown {
		return fmt.Sprintf("trustgate: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("trustgate: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if s := domain.SentinelOf(e.Code); s != nil {
		return s
	}
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrPermissionDenied
	case http.StatusTooManyRequests:
		return domain.ErrLimitReached
	case http.StatusGatewayTimeout:
		return domain.ErrTimeout
	}
	if e.Class == string(domain.ClassSecurity) {
		return domain.ErrSecurityViolation
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	switch v := in.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func pluginPath(id string, rest ...string) string {
	return "/v1/plugins/" + url.PathEscape(id) + strings.Join(rest, "")
}

// Health is the /healthz summary.
type Health struct {
	Status      string `json:"status"`
	Plugins     int    `json:"plugins"`
	TrustedKeys int    `json:"trusted_keys"`
}

// Health checks that the server is up. It needs no token.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

// Plugin is the detailed view of one loaded plugin.
type Plugin struct {
	domain.LoadedPlugin
	Usage       *domain.ResourceUsage   `json:"usage,omitempty"`
	Permissions []domain.Permission     `json:"permissions"`
	Helpers     []domain.ProcessSession `json:"helpers,omitempty"`
	Strategy    domain.RecoveryStrategy `json:"recovery_strategy"`
	Crashes     int                     `json:"crash_count"`
}

// List returns every loaded plugin.
func (c *Client) List(ctx context.Context) ([]domain.LoadedPlugin, error) {
	var out []domain.LoadedPlugin
	err := c.do(ctx, http.MethodGet, "/v1/plugins", nil, &out)
	return out, err
}

// Get returns one plugin with its usage, grants and recovery state.
func (c *Client) Get(ctx context.Context, id string) (Plugin, error) {
	var p Plugin
	err := c.do(ctx, http.MethodGet, pluginPath(id), nil, &p)
	return p, err
}

// Load asks the server to verify and load the package at archive, a path on
// the server's filesystem.
func (c *Client) Load(ctx context.Context, archive string) (domain.LoadedPlugin, error) {
	var p domain.LoadedPlugin
	err := c.do(ctx, http.MethodPost, "/v1/plugins", map[string]string{"archive": archive}, &p)
	return p, err
}

// Unload removes a plugin.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, pluginPath(id), nil, nil)
}

// ExecuteResult is the outcome of one command.
type ExecuteResult struct {
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
	MemoryUsed uint64 `json:"memory_used"`
}

// Execute runs command on a plugin.
func (c *Client) Execute(ctx context.Context, id, command string, args map[string]string) (ExecuteResult, error) {
	var r ExecuteResult
	err := c.do(ctx, http.MethodPost, pluginPath(id, "/execute"),
		map[string]any{"command": command, "args": args}, &r)
	return r, err
}

type stateResponse struct {
	State domain.LifecycleState `json:"state"`
}

// Enable re-enables a disabled plugin and returns its new state.
func (c *Client) Enable(ctx context.Context, id string) (domain.LifecycleState, error) {
	var r stateResponse
	err := c.do(ctx, http.MethodPost, pluginPath(id, "/enable"), nil, &r)
	return r.State, err
}

// Resolve answers a plugin awaiting an operator decision after a crash.
func (c *Client) Resolve(ctx context.Context, id string, restart bool) (domain.LifecycleState, error) {
	var r stateResponse
	err := c.do(ctx, http.MethodPost, pluginPath(id, "/resolve"), map[string]bool{"restart": restart}, &r)
	return r.State, err
}

// SetStrategy changes a plugin's recovery strategy.
func (c *Client) SetStrategy(ctx context.Context, id string, s domain.RecoveryStrategy) error {
	return c.do(ctx, http.MethodPut, pluginPath(id, "/strategy"), map[string]string{"strategy": string(s)}, nil)
}

// ResetRecovery clears a plugin's crash history and recovery strategy.
func (c *Client) ResetRecovery(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, pluginPath(id, "/recovery/reset"), nil, nil)
}

// ResetCrashHistory clears a plugin's crash history and keeps its strategy.
func (c *Client) ResetCrashHistory(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, pluginPath(id, "/recovery/reset")+"?scope=history", nil, nil)
}

// Crashes returns a plugin's crash history, oldest first.
func (c *Client) Crashes(ctx context.Context, id string) ([]domain.CrashRecord, error) {
	var out []domain.CrashRecord
	err := c.do(ctx, http.MethodGet, pluginPath(id, "/crashes"), nil, &out)
	return out, err
}

// PluginMetrics is one plugin's counters and, once it has run, its
// performance summary.
type PluginMetrics struct {
	Metrics     domain.PluginMetrics       `json:"metrics"`
	Performance *domain.PerformanceSummary `json:"performance,omitempty"`
}

// PluginMetrics returns the metrics of one plugin.
func (c *Client) PluginMetrics(ctx context.Context, id string) (PluginMetrics, error) {
	var m PluginMetrics
	err := c.do(ctx, http.MethodGet, pluginPath(id, "/metrics"), nil, &m)
	return m, err
}

// Metrics returns every plugin's metrics.
func (c *Client) Metrics(ctx context.Context) ([]domain.PluginMetrics, error) {
	var out []domain.PluginMetrics
	err := c.do(ctx, http.MethodGet, "/v1/metrics", nil, &out)
	return out, err
}

// RecoveryStats returns the aggregate recovery counters.
func (c *Client) RecoveryStats(ctx context.Context) (domain.RecoveryStats, error) {
	var s domain.RecoveryStats
	err := c.do(ctx, http.MethodGet, "/v1/recovery/stats", nil, &s)
	return s, err
}

// TrustedKeys returns the fingerprints of the server's trusted keys.
func (c *Client) TrustedKeys(ctx context.Context) ([]string, error) {
	var r struct {
		Fingerprints []string `json:"fingerprints"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/keys", nil, &r)
	return r.Fingerprints, err
}

// AddTrustedKey uploads a PEM or DER public key and returns its fingerprint.
func (c *Client) AddTrustedKey(ctx context.Context, key []byte) (string, error) {
	var r struct {
		Fingerprint string `json:"fingerprint"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/keys", key, &r)
	return r.Fingerprint, err
}

// Alerts returns unresolved alerts.
func (c *Client) Alerts(ctx context.Context) ([]domain.Alert, error) {
	var out []domain.Alert
	err := c.do(ctx, http.MethodGet, "/v1/alerts", nil, &out)
	return out, err
}

// PluginAlerts returns every alert raised for one plugin.
func (c *Client) PluginAlerts(ctx context.Context, id string) ([]domain.Alert, error) {
	var out []domain.Alert
	err := c.do(ctx, http.MethodGet, pluginPath(id, "/alerts"), nil, &out)
	return out, err
}

// AlertCounts tallies alerts in a report.
type AlertCounts struct {
	Alerts     int `json:"alert_count"`
	Critical   int `json:"critical_count"`
	Resolved   int `json:"resolved_count"`
	Unresolved int `json:"unresolved_count"`
}

// AlertReport summarizes the alerts raised in a window.
type AlertReport struct {
	Since   time.Time              `json:"since"`
	Plugins map[string]AlertCounts `json:"plugins"`
	Total   AlertCounts            `json:"summary"`
}

// Report returns the alert summary for the last window. A zero window uses
// the server default of 24h.
func (c *Client) Report(ctx context.Context, window time.Duration) (AlertReport, error) {
	path := "/v1/alerts/report"
	if window > 0 {
		path += "?window=" + url.QueryEscape(window.String())
	}
	var r AlertReport
	err := c.do(ctx, http.MethodGet, path, nil, &r)
	return r, err
}

// ResolveAlert marks an alert resolved.
func (c *Client) ResolveAlert(ctx context.Context, id, resolution string) error {
	return c.do(ctx, http.MethodPost, "/v1/alerts/"+url.PathEscape(id)+"/resolve",
		map[string]string{"resolution": resolution}, nil)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
