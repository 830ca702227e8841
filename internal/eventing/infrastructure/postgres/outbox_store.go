package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"hospital-pager/internal/eventing"
)

const (
	defaultOutboxTable = "alert_event_outbox"
	defaultClaimLease  = 30 * time.Second

	statusPending = "pending"
	statusSent    = "sent"
	statusFailed  = "failed"
)

var errNilOutboxDB = errors.New("outbox store: nil db")

// OutboxStore keeps alert events in Postgres until a dispatcher delivers them.
// ListPending leases the rows it returns so concurrent dispatchers do not
// deliver the same record twice; an expired lease makes the row claimable again.
type OutboxStore struct {
	db    *sql.DB
	table string
	lease time.Duration
	now   func() time.Time
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(s *OutboxStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithClaimLease sets how long a claimed record is hidden from other dispatchers.
func WithClaimLease(lease time.Duration) OutboxOption {
	return func(s *OutboxStore) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	s := &OutboxStore{db: db, table: defaultOutboxTable, lease: defaultClaimLease, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores evt as pending and returns the outbox row id. An event id
// that is already stored is ignored and yields the existing row id.
func (s *OutboxStore) Insert(ctx context.Context, evt eventing.AlertEvent) (string, error) {
	if s == nil || s.db == nil {
		return "", errNilOutboxDB
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("outbox store: encode event %s: %w", evt.ID, err)
	}
	var id string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
WITH ins AS (
	INSERT INTO %[1]s (id, event_id, event_type, alert_id, hospital_scope_id, payload, status, attempts, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, '%[2]s', 0, $7)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM %[1]s WHERE event_id = $2
LIMIT 1`, s.table, statusPending),
		eventing.NewEventID(), evt.ID, string(evt.Type), evt.AlertID, evt.HospitalScopeID, body, s.now().UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// A concurrent insert of the same event id is not yet visible.
		return "", nil
	}
	return id, err
}

// ListPending claims up to limit deliverable records, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNilOutboxDB
	}
	if limit <= 0 {
		limit = 50
	}
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
WITH due AS (
	SELECT id
	FROM %[1]s
	WHERE status = '%[2]s' AND (claimed_until IS NULL OR claimed_until < $1)
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s o
SET claimed_until = $3
FROM due
WHERE o.id = due.id
RETURNING o.id, o.payload, o.attempts, o.created_at`, s.table, statusPending),
		now, limit, now.Add(s.lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		record    eventing.OutboxRecord
		createdAt time.Time
	}
	var batch []claimed
	for rows.Next() {
		var (
			c    claimed
			body []byte
		)
		if err := rows.Scan(&c.record.ID, &body, &c.record.Attempts, &c.createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &c.record.Event); err != nil {
			return nil, fmt.Errorf("outbox store: decode %s: %w", c.record.ID, err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not keep the CTE order.
	slices.SortStableFunc(batch, func(a, b claimed) int { return a.createdAt.Compare(b.createdAt) })
	records := make([]eventing.OutboxRecord, len(batch))
	for i, c := range batch {
		records[i] = c.record
	}
	return records, nil
}

// MarkSent marks a record delivered and releases its claim.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errNilOutboxDB
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = '%s', sent_at = $2, claimed_until = NULL WHERE id = $1`, s.table, statusSent),
		id, s.now().UTC())
	return err
}

// MarkFailed counts a failed attempt and releases the claim. It reports true
// once the record has used maxAttempts and will not be offered again.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, maxAttempts int) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilOutboxDB
	}
	maxAttempts = max(maxAttempts, 1)
	var status string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %[1]s
SET attempts = attempts + 1,
	claimed_until = NULL,
	status = CASE WHEN attempts + 1 >= $2 THEN '%[2]s' ELSE '%[3]s' END
WHERE id = $1
RETURNING status`, s.table, statusFailed, statusPending), id, maxAttempts).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == statusFailed, nil
}

// PurgeSent deletes delivered records sent before cutoff.
func (s *OutboxStore) PurgeSent(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNilOutboxDB
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE status = '%s' AND sent_at < $1`, s.table, statusSent), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
