package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	shift "hospital-pager/internal/shift/domain"
)

const defaultHandoversTable = "handover_records"

// HandoverRepository stores handover records in Postgres.
type HandoverRepository struct {
	db    *sql.DB
	table string
}

// NewHandoverRepository constructs a repository.
func NewHandoverRepository(db *sql.DB) *HandoverRepository {
	return &HandoverRepository{db: db, table: defaultHandoversTable}
}

// RecordHandover inserts a record. Replaying the same id is a no-op.
func (r *HandoverRepository) RecordHandover(ctx context.Context, record shift.HandoverRecord) error {
	if r == nil || r.db == nil {
		return errors.New("handover repo: nil db")
	}
	ids, err := json.Marshal(nonNil(record.UnresolvedAlertIDs))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, from_user_id, hospital_scope_id, notes, unresolved_alert_ids, shift_start, shift_end, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (id) DO NOTHING`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.FromUserID,
		record.HospitalScopeID,
		record.Notes,
		ids,
		nullTime(record.ShiftStart),
		nullTime(record.ShiftEnd),
		record.CreatedAt.UTC(),
	)
	return err
}

// GetHandover fetches a record by id.
func (r *HandoverRepository) GetHandover(ctx context.Context, id string) (*shift.HandoverRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("handover repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, from_user_id, hospital_scope_id, notes, unresolved_alert_ids, shift_start, shift_end, created_at
FROM %s
WHERE id = $1`, r.table)
	record, err := scanHandover(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shift.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListHandovers returns a scope's newest handovers first.
func (r *HandoverRepository) ListHandovers(ctx context.Context, hospitalScopeID string, limit int) ([]shift.HandoverRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("handover repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, from_user_id, hospital_scope_id, notes, unresolved_alert_ids, shift_start, shift_end, created_at
FROM %s
WHERE hospital_scope_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, r.table)
	rows, err := r.db.QueryContext(ctx, query, hospitalScopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shift.HandoverRecord
	for rows.Next() {
		record, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandover(row rowScanner) (*shift.HandoverRecord, error) {
	var (
		record     shift.HandoverRecord
		ids        []byte
		shiftStart sql.NullTime
		shiftEnd   sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.FromUserID,
		&record.HospitalScopeID,
		&record.Notes,
		&ids,
		&shiftStart,
		&shiftEnd,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &record.UnresolvedAlertIDs); err != nil {
			return nil, err
		}
	}
	if shiftStart.Valid {
		record.ShiftStart = shiftStart.Time.UTC()
	}
	if shiftEnd.Valid {
		record.ShiftEnd = shiftEnd.Time.UTC()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
