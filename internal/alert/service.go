// Package alert raises, persists and routes security and operational alerts.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"trustgate/internal/domain"
	"trustgate/internal/storage"
)

// Store persists alerts.
type Store interface {
	Save(ctx context.Context, a domain.Alert) error
	Resolve(ctx context.Context, id, resolution string) error
	List(ctx context.Context, f storage.AlertFilter) ([]domain.Alert, error)
}

// Notifier delivers an alert to an outside channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a domain.Alert) error
}

var _ domain.Alerter = (*Service)(nil)

// Service implements domain.Alerter.
type Service struct {
	store       Store
	notifiers   []Notifier
	minSeverity domain.Severity
	bus         domain.EventBus
	audit       domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier adds a delivery channel.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifiers = append(s.notifiers, n) } }

// WithMinSeverity sets the lowest severity forwarded to notifiers. Every
// alert is persisted regardless.
func WithMinSeverity(sev domain.Severity) Option { return func(s *Service) { s.minSeverity = sev } }

// WithEventBus publishes EventAlertRaised for every alert.
func WithEventBus(b domain.EventBus) Option { return func(s *Service) { s.bus = b } }

// WithAuditLogger records alert resolutions.
func WithAuditLogger(a domain.AuditLogger) Option { return func(s *Service) { s.audit = a } }

// NewService creates a service persisting to store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		minSeverity: domain.SeverityHigh,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Raise persists a, publishes it and forwards it to notifiers when severe
// enough. Notifier failures are logged and do not fail the call.
func (s *Service) Raise(ctx context.Context, a domain.Alert) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	if a.Severity == 0 {
		a.Severity = domain.SeverityMedium
	}
	if err := s.store.Save(ctx, a); err != nil {
		return fmt.Errorf("alert: %w", err)
	}

	s.logger.Log(ctx, a.Severity.LogLevel(), "alert raised",
		"alert_id", a.ID,
		"plugin", a.PluginID,
		"type", string(a.Type),
		"severity", a.Severity.String(),
		"message", a.Message,
	)
	if s.bus != nil {
		s.bus.Publish(ctx, domain.Event{
			Type:      domain.EventAlertRaised,
			PluginID:  a.PluginID,
			Timestamp: a.Timestamp,
			Payload:   mustJSON(a),
		})
	}
	if a.Severity < s.minSeverity {
		return nil
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			s.logger.Warn("alert notification failed", "channel", n.Name(), "alert_id", a.ID, "error", err)
		}
	}
	return nil
}

// ThreatDetected raises a threat alert whose severity follows score in [0,1].
func (s *Service) ThreatDetected(ctx context.Context, pluginID string, score float64, detail string) error {
	return s.Raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertThreatDetected,
		Severity: ThreatSeverity(score),
		Message:  fmt.Sprintf("threat detected in plugin %s: score %.2f", pluginID, score),
		Context:  map[string]string{"score": fmt.Sprintf("%.2f", score), "detail": detail},
	})
}

// ThreatSeverity maps a threat score onto a severity.
func ThreatSeverity(score float64) domain.Severity {
	switch {
	case score >= 0.8:
		return domain.SeverityCritical
	case score >= 0.6:
		return domain.SeverityHigh
	case score >= 0.4:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// PermissionViolation raises a high-severity alert for a capability use
// the plugin was not granted.
func (s *Service) PermissionViolation(ctx context.Context, pluginID string, perm domain.Permission, action string) error {
	return s.Raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertPermissionViolation,
		Severity: domain.SeverityHigh,
		Message:  fmt.Sprintf("plugin %s attempted %s without %s permission", pluginID, action, perm),
		Context:  map[string]string{"permission": string(perm), "action": action},
	})
}

// ResourceExceeded raises a medium-severity alert for a quota breach.
func (s *Service) ResourceExceeded(ctx context.Context, pluginID string, resource domain.Resource, used, limit float64) error {
	return s.Raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertResourceLimitExceeded,
		Severity: domain.SeverityMedium,
		Message:  fmt.Sprintf("plugin %s exceeded %s: %.2f of %.2f", pluginID, resource, used, limit),
		Context: map[string]string{
			"resource": string(resource),
			"usage":    fmt.Sprint(used),
			"limit":    fmt.Sprint(limit),
		},
	})
}

// SecurityViolation raises a critical alert for a security-class error.
func (s *Service) SecurityViolation(ctx context.Context, pluginID string, err error) error {
	return s.Raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertSecurityViolation,
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("security violation by plugin %s: %v", pluginID, err),
		Context:  map[string]string{"code": string(domain.ErrorCodeOf(err))},
	})
}

// PerformanceAnomaly raises a low-severity alert for a metrics threshold breach.
func (s *Service) PerformanceAnomaly(ctx context.Context, pluginID, kind string, value, threshold float64) error {
	return s.Raise(ctx, domain.Alert{
		PluginID: pluginID,
		Type:     domain.AlertPerformanceAnomaly,
		Severity: domain.SeverityLow,
		Message:  fmt.Sprintf("plugin %s %s %g over threshold %g", pluginID, kind, value, threshold),
		Context:  map[string]string{"kind": kind, "value": fmt.Sprint(value), "threshold": fmt.Sprint(threshold)},
	})
}

// Resolve closes an alert. It is audited.
func (s *Service) Resolve(ctx context.Context, id, resolution, actor string) error {
	if err := s.store.Resolve(ctx, id, resolution); err != nil {
		return err
	}
	if s.audit != nil {
		ev := domain.AuditEvent{
			Timestamp: s.now(),
			Type:      domain.AuditAlertResolved,
			Actor:     actor,
			Resource:  id,
			Action:    "resolve_alert",
			Outcome:   "success",
			Detail:    map[string]string{"resolution": resolution},
		}
		if err := s.audit.Log(ctx, ev); err != nil {
			s.logger.Warn("audit write failed", "type", string(ev.Type), "error", err)
		}
	}
	return nil
}

// PluginAlerts returns pluginID's alerts, newest first.
func (s *Service) PluginAlerts(ctx context.Context, pluginID string) ([]domain.Alert, error) {
	return s.store.List(ctx, storage.AlertFilter{PluginID: pluginID})
}

// Unresolved returns every open alert, newest first.
func (s *Service) Unresolved(ctx context.Context) ([]domain.Alert, error) {
	return s.store.List(ctx, storage.AlertFilter{UnresolvedOnly: true})
}

// PluginReport counts one plugin's alerts in a report window.
type PluginReport struct {
	Alerts     int `json:"alert_count"`
	Critical   int `json:"critical_count"`
	Resolved   int `json:"resolved_count"`
	Unresolved int `json:"unresolved_count"`
}

// Report summarizes alerts raised since a point in time.
type Report struct {
	Since   time.Time               `json:"since"`
	Plugins map[string]PluginReport `json:"plugins"`
	Total   PluginReport            `json:"summary"`
}

// Report aggregates alerts raised within the last window.
func (s *Service) Report(ctx context.Context, window time.Duration) (Report, error) {
	since := s.now().Add(-window)
	all, err := s.store.List(ctx, storage.AlertFilter{})
	if err != nil {
		return Report{}, err
	}
	r := Report{Since: since, Plugins: map[string]PluginReport{}}
	for _, a := range all {
		if a.Timestamp.Before(since) {
			continue
		}
		pr := r.Plugins[a.PluginID]
		count(&pr, a)
		r.Plugins[a.PluginID] = pr
		count(&r.Total, a)
	}
	return r, nil
}

func count(pr *PluginReport, a domain.Alert) {
	pr.Alerts++
	if a.Severity == domain.SeverityCritical {
		pr.Critical++
	}
	if a.Resolved {
		pr.Resolved++
	} else {
		pr.Unresolved++
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
