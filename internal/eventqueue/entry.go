package eventqueue

import (
	"time"

	"hospital-pager/internal/eventing"
)

// QueueEntry wraps an event with its delivery bookkeeping.
type QueueEntry struct {
	Event         eventing.AlertEvent `json:"event"`
	Fingerprint   string              `json:"fingerprint"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	RetryCount    int                 `json:"retry_count"`
	Processed     bool                `json:"processed"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`

	removed bool
}

const snapshotVersion = 1

type snapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Entries []QueueEntry `json:"entries"`
}
