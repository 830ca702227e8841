package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry represents an audit log entry.
type Entry struct {
	ID              string          `json:"id"`
	HospitalScopeID string          `json:"hospital_scope_id"`
	Actor           string          `json:"actor"`
	Role            string          `json:"role,omitempty"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	PayloadDigest   string          `json:"payload_digest,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize fills id, timestamp and digest when missing.
func Normalize(entry Entry, now time.Time) Entry {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	return entry
}

// MemoryLogger keeps entries in process.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLogger constructs an empty logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends an entry.
func (l *MemoryLogger) Log(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Normalize(entry, time.Now()))
	return nil
}

// Entries returns a copy of the logged entries.
func (l *MemoryLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// List applies f to the in-process entries, newest first.
func (l *MemoryLogger) List(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
		if e := l.entries[i]; f.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f Filter) matches(e Entry) bool {
	switch {
	case f.HospitalScopeID != "" && e.HospitalScopeID != f.HospitalScopeID:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}
