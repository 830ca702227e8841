package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var errNilDB = errors.New("audit repo: nil db")

// Filter narrows an audit query. Zero fields match everything.
type Filter struct {
	HospitalScopeID string
	Actor           string
	Action          string
	Since           time.Time
	Limit           int
}

// Repository stores audit entries in the audit_logs table.
type Repository struct {
	db *sql.DB
}

// NewRepository returns nil for a nil db so callers can skip auditing.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log inserts entry; an entry whose id already exists is ignored.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errNilDB
	}
	e := Normalize(entry, time.Now())
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = []byte(e.Metadata)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_logs (id, hospital_scope_id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.HospitalScopeID, e.Actor, e.Role, e.Action, e.ResourceType, e.ResourceID,
		metadata, e.PayloadDigest, e.IP, e.UserAgent, e.CreatedAt)
	return err
}

// List returns entries matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errNilDB
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var since any
	if !f.Since.IsZero() {
		since = f.Since.UTC()
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, hospital_scope_id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at
FROM audit_logs
WHERE ($1 = '' OR hospital_scope_id = $1)
	AND ($2 = '' OR actor = $2)
	AND ($3 = '' OR action = $3)
	AND ($4::timestamptz IS NULL OR created_at >= $4)
ORDER BY created_at DESC, id
LIMIT $5`, f.HospitalScopeID, f.Actor, f.Action, since, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.HospitalScopeID, &e.Actor, &e.Role, &e.Action, &e.ResourceType, &e.ResourceID,
			&metadata, &e.PayloadDigest, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Metadata = metadata
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
