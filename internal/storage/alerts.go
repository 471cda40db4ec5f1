package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustgate/internal/domain"
)

// AlertStore persists security alerts.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore returns an alert store over d.
func NewAlertStore(d *DB) *AlertStore { return &AlertStore{db: d.db} }

// AlertFilter narrows List. Zero values match everything.
type AlertFilter struct {
	PluginID       string
	UnresolvedOnly bool
	MinSeverity    domain.Severity
	Limit          int
}

// Save inserts a new alert.
func (s *AlertStore) Save(ctx context.Context, a domain.Alert) error {
	ctxJSON, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("marshal alert context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, plugin_id, type, severity, message, context, created_at, resolved, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PluginID, string(a.Type), int(a.Severity), a.Message, string(ctxJSON),
		a.Timestamp.UTC().Format(time.RFC3339Nano), a.Resolved, a.Resolution,
	)
	if err != nil {
		return fmt.Errorf("%w: save alert: %v", domain.ErrStorage, err)
	}
	return nil
}

// Resolve marks an alert resolved with a resolution note.
func (s *AlertStore) Resolve(ctx context.Context, id, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET resolved = 1, resolution = ? WHERE id = ?", resolution, id)
	if err != nil {
		return fmt.Errorf("%w: resolve alert: %v", domain.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("storage", "AlertStore.Resolve", domain.ErrNotFound, id)
	}
	return nil
}

// Get returns one alert.
func (s *AlertStore) Get(ctx context.Context, id string) (domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, domain.NewSubSystemError("storage", "AlertStore.Get", domain.ErrNotFound, id)
	}
	return a, err
}

// List returns matching alerts, newest first.
func (s *AlertStore) List(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.PluginID != "" {
		where = append(where, "plugin_id = ?")
		args = append(args, f.PluginID)
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved = 0")
	}
	if f.MinSeverity > 0 {
		where = append(where, "severity >= ?")
		args = append(args, int(f.MinSeverity))
	}
	q := "SELECT " + alertColumns + " FROM alerts"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list alerts: %v", domain.ErrStorage, err)
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeResolved deletes resolved alerts created before cutoff.
func (s *AlertStore) PurgeResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM alerts WHERE resolved = 1 AND created_at < ?", cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: purge alerts: %v", domain.ErrStorage, err)
	}
	return res.RowsAffected()
}

const alertColumns = "id, plugin_id, type, severity, message, context, created_at, resolved, resolution"

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (domain.Alert, error) {
	var (
		a                  domain.Alert
		typ, ctxJSON, when string
		severity           int
	)
	if err := row.Scan(&a.ID, &a.PluginID, &typ, &severity, &a.Message, &ctxJSON, &when, &a.Resolved, &a.Resolution); err != nil {
		return domain.Alert{}, err
	}
	a.Type = domain.AlertType(typ)
	a.Severity = domain.Severity(severity)
	if ctxJSON != "" && ctxJSON != "null" {
		if err := json.Unmarshal([]byte(ctxJSON), &a.Context); err != nil {
			return domain.Alert{}, fmt.Errorf("decode alert context: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert time: %w", err)
	}
	a.Timestamp = ts
	return a, nil
}
