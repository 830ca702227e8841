package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	shift "hospital-pager/internal/shift/domain"
)

const defaultStatesTable = "shift_states"

// StateRepository stores duty state in Postgres. It also serves the duty roster.
type StateRepository struct {
	db    *sql.DB
	table string
}

// NewStateRepository constructs a repository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db, table: defaultStatesTable}
}

// Get fetches a user's state, nil when none exists.
func (r *StateRepository) Get(ctx context.Context, userID string) (*shift.State, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("shift state repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT user_id, hospital_scope_id, on_duty, shift_start, shift_end, ended_at, last_handover_notes, roster_tier, updated_at
FROM %s
WHERE user_id = $1`, r.table)

	var (
		state      shift.State
		shiftStart sql.NullTime
		shiftEnd   sql.NullTime
		endedAt    sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&state.UserID,
		&state.HospitalScopeID,
		&state.OnDuty,
		&shiftStart,
		&shiftEnd,
		&endedAt,
		&state.LastHandoverNotes,
		&state.RosterTier,
		&state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if shiftStart.Valid {
		state.ShiftStart = shiftStart.Time.UTC()
	}
	if shiftEnd.Valid {
		state.ShiftEnd = shiftEnd.Time.UTC()
	}
	if endedAt.Valid {
		state.EndedAt = endedAt.Time.UTC()
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

// Save upserts a user's state.
func (r *StateRepository) Save(ctx context.Context, state shift.State) error {
	if r == nil || r.db == nil {
		return errors.New("shift state repo: nil db")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	user_id, hospital_scope_id, on_duty, shift_start, shift_end, ended_at, last_handover_notes, roster_tier, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (user_id)
DO UPDATE SET
	hospital_scope_id = EXCLUDED.hospital_scope_id,
	on_duty = EXCLUDED.on_duty,
	shift_start = EXCLUDED.shift_start,
	shift_end = EXCLUDED.shift_end,
	ended_at = EXCLUDED.ended_at,
	last_handover_notes = EXCLUDED.last_handover_notes,
	roster_tier = EXCLUDED.roster_tier,
	updated_at = EXCLUDED.updated_at`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		state.UserID,
		state.HospitalScopeID,
		state.OnDuty,
		nullTime(state.ShiftStart),
		nullTime(state.ShiftEnd),
		nullTime(state.EndedAt),
		state.LastHandoverNotes,
		state.RosterTier,
		state.UpdatedAt.UTC(),
	)
	return err
}

// OnDutyStaff returns on-duty users of the scope whose roster tier is at most tier.
func (r *StateRepository) OnDutyStaff(ctx context.Context, hospitalScopeID string, tier int) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("shift state repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT user_id
FROM %s
WHERE hospital_scope_id = $1 AND on_duty AND roster_tier <= $2
ORDER BY roster_tier ASC, user_id ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query, hospitalScopeID, tier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
