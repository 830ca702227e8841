package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alerts "hospital-pager/internal/alerts/domain"
	escalation "hospital-pager/internal/escalation/domain"
)

const defaultAlertsTable = "alerts"

// AlertRepository stores alerts in Postgres.
type AlertRepository struct {
	db    *sql.DB
	table string
}

// AlertOption configures the repository.
type AlertOption func(*AlertRepository)

// WithAlertsTable overrides the table name.
func WithAlertsTable(table string) AlertOption {
	return func(r *AlertRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB, opts ...AlertOption) *AlertRepository {
	repo := &AlertRepository{db: db, table: defaultAlertsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const alertColumns = `id, hospital_scope_id, room, patient_id, message, urgency, status, escalation_tier,
	created_by, acknowledged_by, resolved_by, created_at, tier_changed_at, acknowledged_at, resolved_at, updated_at`

// Create inserts an alert.
func (r *AlertRepository) Create(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert == nil {
		return errors.New("alert repo: nil alert")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`, r.table, alertColumns)
	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.HospitalScopeID,
		alert.Room,
		alert.PatientID,
		alert.Message,
		string(alert.Urgency),
		string(alert.Status),
		alert.EscalationTier,
		alert.CreatedBy,
		alert.AcknowledgedBy,
		alert.ResolvedBy,
		alert.CreatedAt.UTC(),
		alert.TierChangedAt.UTC(),
		nullTime(alert.AcknowledgedAt),
		nullTime(alert.ResolvedAt),
		alert.UpdatedAt.UTC(),
	)
	return err
}

// Get fetches an alert by id.
func (r *AlertRepository) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, alertColumns, r.table)
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, alerts.ErrNotFound
		}
		return nil, err
	}
	return alert, nil
}

// MarkAcknowledged moves an active alert to acknowledged.
func (r *AlertRepository) MarkAcknowledged(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'acknowledged', acknowledged_by = $2, acknowledged_at = $3, updated_at = $3
WHERE id = $1 AND status = 'active'`, r.table)
	return r.execConditional(ctx, query, id, actorID, at.UTC())
}

// MarkResolved moves an unresolved alert to resolved.
func (r *AlertRepository) MarkResolved(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'resolved', resolved_by = $2, resolved_at = $3, updated_at = $3
WHERE id = $1 AND status <> 'resolved'`, r.table)
	return r.execConditional(ctx, query, id, actorID, at.UTC())
}

// AdvanceTier moves an active alert from one tier to the next.
func (r *AlertRepository) AdvanceTier(ctx context.Context, id string, from, to int, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET escalation_tier = $3, tier_changed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'active' AND escalation_tier = $2`, r.table)
	return r.execConditional(ctx, query, id, from, to, at.UTC())
}

// ListUnresolved returns unresolved alerts of a scope, oldest first.
func (r *AlertRepository) ListUnresolved(ctx context.Context, hospitalScopeID string) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE hospital_scope_id = $1 AND status <> 'resolved'
ORDER BY created_at ASC, id ASC`, alertColumns, r.table)
	return r.query(ctx, query, hospitalScopeID)
}

// ListActive returns all active alerts, oldest first.
func (r *AlertRepository) ListActive(ctx context.Context) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = 'active'
ORDER BY created_at ASC, id ASC`, alertColumns, r.table)
	return r.query(ctx, query)
}

func (r *AlertRepository) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	var exists bool
	existsQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, r.table)
	if err := r.db.QueryRowContext(ctx, existsQuery, args[0]).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, alerts.ErrNotFound
	}
	return false, nil
}

func (r *AlertRepository) query(ctx context.Context, query string, args ...any) ([]alerts.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alert)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alerts.Alert, error) {
	var (
		alert          alerts.Alert
		urgency        string
		status         string
		acknowledgedAt sql.NullTime
		resolvedAt     sql.NullTime
	)
	if err := row.Scan(
		&alert.ID,
		&alert.HospitalScopeID,
		&alert.Room,
		&alert.PatientID,
		&alert.Message,
		&urgency,
		&status,
		&alert.EscalationTier,
		&alert.CreatedBy,
		&alert.AcknowledgedBy,
		&alert.ResolvedBy,
		&alert.CreatedAt,
		&alert.TierChangedAt,
		&acknowledgedAt,
		&resolvedAt,
		&alert.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alert.Urgency = escalation.Urgency(urgency)
	alert.Status = alerts.Status(status)
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.TierChangedAt = alert.TierChangedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = acknowledgedAt.Time.UTC()
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = resolvedAt.Time.UTC()
	}
	return &alert, nil
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
