package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hospital-pager/internal/eventing"
)

const defaultDLQTable = "alert_event_dead_letters"

// DeadLetter is an event the dispatcher stopped retrying.
type DeadLetter struct {
	Event       eventing.AlertEvent
	LastError   string
	Failures    int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// DLQStore persists dead letters keyed by event id. A second failure of the
// same event bumps its failure count instead of adding a row.
type DLQStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the table name.
func WithDLQTable(table string) DLQOption {
	return func(s *DLQStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB, opts ...DLQOption) *DLQStore {
	s := &DLQStore{db: db, table: defaultDLQTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordFailure upserts the dead letter for evt with cause as its last error.
func (s *DLQStore) RecordFailure(ctx context.Context, evt eventing.AlertEvent, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if evt.ID == "" {
		return errors.New("dlq store: empty event id")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("dlq store: encode event %s: %w", evt.ID, err)
	}
	var reason string
	if cause != nil {
		reason = cause.Error()
	}
	stmt := fmt.Sprintf(`
INSERT INTO %[1]s AS d (event_id, event_type, alert_id, hospital_scope_id, payload, error, first_seen_at, last_seen_at, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
ON CONFLICT (event_id) DO UPDATE
SET payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = d.attempts + 1`, s.table)
	_, err = s.db.ExecContext(ctx, stmt,
		evt.ID, string(evt.Type), evt.AlertID, evt.HospitalScopeID, body, reason, s.now().UTC())
	return err
}

// List returns the most recently failed dead letters, newest first. An empty
// scope lists every hospital scope.
func (s *DLQStore) List(ctx context.Context, scopeID string, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dlq store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT payload, error, attempts, first_seen_at, last_seen_at
FROM %s
WHERE $1 = '' OR hospital_scope_id = $1
ORDER BY last_seen_at DESC, event_id
LIMIT $2`, s.table), scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			body   []byte
			letter DeadLetter
		)
		if err := rows.Scan(&body, &letter.LastError, &letter.Failures, &letter.FirstSeenAt, &letter.LastSeenAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &letter.Event); err != nil {
			return nil, fmt.Errorf("dlq store: decode payload: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}
