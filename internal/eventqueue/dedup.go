package eventqueue

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	idKeyPrefix          = "id:"
	fingerprintKeyPrefix = "fp:"
)

// DedupIndex remembers recently processed event ids and content fingerprints.
// It is safe for concurrent use.
type DedupIndex struct {
	cache  *gocache.Cache
	window time.Duration
}

// NewDedupIndex constructs an index that suppresses repeats seen within window.
// Records are kept until Purge finds them older than twice the window. Age is
// always judged against the caller's clock, never the cache's own.
func NewDedupIndex(window time.Duration) *DedupIndex {
	return &DedupIndex{
		// No expiry and no janitor: the queue's cleanup loop calls Purge.
		cache:  gocache.New(gocache.NoExpiration, 0),
		window: window,
	}
}

// Seen reports whether the id or fingerprint was recorded within the window before now.
func (d *DedupIndex) Seen(id, fingerprint string, now time.Time) bool {
	if d == nil {
		return false
	}
	return d.within(idKeyPrefix+id, now) || d.within(fingerprintKeyPrefix+fingerprint, now)
}

// Record stores the id and fingerprint as processed at the given time.
func (d *DedupIndex) Record(id, fingerprint string, at time.Time) {
	if d == nil {
		return
	}
	if id != "" {
		d.cache.SetDefault(idKeyPrefix+id, at)
	}
	if fingerprint != "" {
		d.cache.SetDefault(fingerprintKeyPrefix+fingerprint, at)
	}
}

// Purge removes records older than twice the window and returns how many were removed.
func (d *DedupIndex) Purge(now time.Time) int {
	if d == nil {
		return 0
	}
	removed := 0
	for key, item := range d.cache.Items() {
		at, ok := item.Object.(time.Time)
		if !ok || now.Sub(at) >= 2*d.window {
			d.cache.Delete(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, ids and fingerprints counted separately.
func (d *DedupIndex) Len() int {
	if d == nil {
		return 0
	}
	return d.cache.ItemCount()
}

func (d *DedupIndex) within(key string, now time.Time) bool {
	value, ok := d.cache.Get(key)
	if !ok {
		return false
	}
	at, ok := value.(time.Time)
	if !ok {
		return false
	}
	return now.Sub(at) < d.window
}
