// Package eventqueue is the client-side queue that turns an at-least-once alert event stream
// into ordered, deduplicated, retried handler calls that survive restarts.
package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/kvstore"
	"hospital-pager/internal/observability/metrics"
	"hospital-pager/internal/persist"
)

const (
	defaultDedupWindow     = 5 * time.Second
	defaultMaxSize         = 1000
	defaultMaxRetries      = 3
	defaultRetryBackoff    = time.Second
	defaultCleanupInterval = time.Minute
	defaultStaleAfter      = time.Hour
	defaultHandlerTimeout  = 30 * time.Second
	defaultSnapshotKey     = "eventqueue.snapshot"
	closeFlushTimeout      = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("eventqueue: already started")
	ErrNilStore       = errors.New("eventqueue: nil store")
)

// Handler consumes one event. A returned error schedules a retry.
type Handler func(ctx context.Context, evt eventing.AlertEvent) error

// FailureReporter is told about entries dropped after exhausting retries.
type FailureReporter func(entry QueueEntry, err error)

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// Queue delivers events to per-type handlers. Enqueue is safe for concurrent use;
// handlers run one at a time on the queue's processing goroutine.
type Queue struct {
	mu         sync.Mutex
	entries    []*QueueEntry
	pendingIDs map[string]struct{}
	pendingFPs map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[eventing.EventType]Handler

	dedup      *DedupIndex
	store      kvstore.Store
	writer     *persist.Writer
	ownsWriter bool
	clock      Clock
	logger     *zap.Logger
	reporter   FailureReporter

	dedupWindow     time.Duration
	maxSize         int
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	staleAfter      time.Duration
	handlerTimeout  time.Duration
	snapshotKey     string

	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the queue.
type Option func(*Queue)

// WithDedupWindow sets how long a processed id or fingerprint suppresses repeats.
func WithDedupWindow(window time.Duration) Option {
	return func(q *Queue) {
		if window > 0 {
			q.dedupWindow = window
		}
	}
}

// WithMaxSize bounds the number of unprocessed entries.
func WithMaxSize(size int) Option {
	return func(q *Queue) {
		if size > 0 {
			q.maxSize = size
		}
	}
}

// WithMaxRetries bounds handler invocations per entry.
func WithMaxRetries(retries int) Option {
	return func(q *Queue) {
		if retries > 0 {
			q.maxRetries = retries
		}
	}
}

// WithRetryBackoff sets the delay before a failed entry is retried.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(q *Queue) {
		if backoff > 0 {
			q.retryBackoff = backoff
		}
	}
}

// WithCleanupInterval sets how often the dedup index is purged.
func WithCleanupInterval(interval time.Duration) Option {
	return func(q *Queue) {
		if interval > 0 {
			q.cleanupInterval = interval
		}
	}
}

// WithStaleAfter sets the age past which reloaded entries are discarded.
func WithStaleAfter(age time.Duration) Option {
	return func(q *Queue) {
		if age > 0 {
			q.staleAfter = age
		}
	}
}

// WithHandlerTimeout bounds a single handler call.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(q *Queue) {
		if timeout > 0 {
			q.handlerTimeout = timeout
		}
	}
}

// WithSnapshotKey sets the store key holding the snapshot.
func WithSnapshotKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.snapshotKey = key
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithWriter shares a write-behind writer. The caller keeps ownership and closes it.
func WithWriter(writer *persist.Writer) Option {
	return func(q *Queue) {
		q.writer = writer
	}
}

// WithFailureReporter sets the callback for dropped entries.
func WithFailureReporter(reporter FailureReporter) Option {
	return func(q *Queue) {
		q.reporter = reporter
	}
}

// New constructs a queue backed by store.
func New(store kvstore.Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	q := &Queue{
		pendingIDs:      make(map[string]struct{}),
		pendingFPs:      make(map[string]struct{}),
		handlers:        make(map[eventing.EventType]Handler),
		store:           store,
		clock:           systemClock{},
		logger:          zap.NewNop(),
		dedupWindow:     defaultDedupWindow,
		maxSize:         defaultMaxSize,
		maxRetries:      defaultMaxRetries,
		retryBackoff:    defaultRetryBackoff,
		cleanupInterval: defaultCleanupInterval,
		staleAfter:      defaultStaleAfter,
		handlerTimeout:  defaultHandlerTimeout,
		snapshotKey:     defaultSnapshotKey,
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.writer == nil {
		q.writer = persist.NewWriter(persist.WithLogger(q.logger))
		q.ownsWriter = true
	}
	q.dedup = NewDedupIndex(q.dedupWindow)
	return q, nil
}

// RegisterHandler sets the handler for an event type, replacing any previous one.
func (q *Queue) RegisterHandler(eventType eventing.EventType, handler Handler) {
	if q == nil || handler == nil {
		return
	}
	q.handlersMu.Lock()
	q.handlers[eventType] = handler
	q.handlersMu.Unlock()
}

// UnregisterHandler removes the handler for an event type.
func (q *Queue) UnregisterHandler(eventType eventing.EventType) {
	if q == nil {
		return
	}
	q.handlersMu.Lock()
	delete(q.handlers, eventType)
	q.handlersMu.Unlock()
}

// Enqueue adds an event. It returns false without error when the event repeats one
// processed within the dedup window or one that is still queued.
func (q *Queue) Enqueue(evt eventing.AlertEvent) (bool, error) {
	if q == nil {
		return false, errors.New("eventqueue: nil queue")
	}
	if err := evt.Validate(); err != nil {
		metrics.IncQueueEnqueue(metrics.EnqueueInvalid)
		return false, err
	}
	fingerprint := eventing.Fingerprint(evt)

	q.mu.Lock()
	now := q.clock.Now()
	if q.isDuplicateLocked(evt.ID, fingerprint, now) {
		q.mu.Unlock()
		metrics.IncQueueEnqueue(metrics.EnqueueDuplicate)
		q.logger.Debug("duplicate event suppressed",
			zap.String("event_id", evt.ID),
			zap.String("alert_id", evt.AlertID),
			zap.String("fingerprint", fingerprint),
		)
		return false, nil
	}
	for len(q.entries) >= q.maxSize {
		evicted := q.entries[0]
		q.removeLocked(0)
		metrics.IncQueueEnqueue(metrics.EnqueueEvicted)
		q.logger.Warn("queue full, evicted oldest entry",
			zap.String("event_id", evicted.Event.ID),
			zap.String("alert_id", evicted.Event.AlertID),
			zap.Int("max_size", q.maxSize),
		)
	}
	entry := &QueueEntry{
		Event:         evt,
		Fingerprint:   fingerprint,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	q.entries = append(q.entries, entry)
	q.pendingIDs[evt.ID] = struct{}{}
	q.pendingFPs[fingerprint] = struct{}{}
	q.persistLocked()
	q.mu.Unlock()

	metrics.IncQueueEnqueue(metrics.EnqueueAccepted)
	q.signal()
	return true, nil
}

// Len returns the number of unprocessed entries.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the unprocessed entries in insertion order.
func (q *Queue) Entries() []QueueEntry {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, *entry)
	}
	return out
}

// Start reloads the persisted snapshot and starts processing and dedup cleanup.
func (q *Queue) Start(ctx context.Context) error {
	if q == nil {
		return errors.New("eventqueue: nil queue")
	}
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	q.reload(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.run(runCtx)
	}()
	go func() {
		defer q.wg.Done()
		q.cleanupLoop(runCtx)
	}()
	q.signal()
	return nil
}

// Close stops processing and flushes the snapshot.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	q.persistLocked()
	q.mu.Unlock()

	ctx, stop := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer stop()
	if q.ownsWriter {
		return q.writer.Close(ctx)
	}
	return q.writer.Flush(ctx)
}

// Flush waits until the latest snapshot has been written.
func (q *Queue) Flush(ctx context.Context) error {
	if q == nil {
		return nil
	}
	return q.writer.Flush(ctx)
}

// Cleanup purges expired dedup records. It runs periodically once started.
func (q *Queue) Cleanup() int {
	if q == nil {
		return 0
	}
	removed := q.dedup.Purge(q.clock.Now())
	metrics.AddDedupPurged(removed)
	if removed > 0 {
		q.logger.Debug("dedup index purged", zap.Int("removed", removed))
	}
	return removed
}

func (q *Queue) isDuplicateLocked(id, fingerprint string, now time.Time) bool {
	if _, ok := q.pendingIDs[id]; ok {
		return true
	}
	if _, ok := q.pendingFPs[fingerprint]; ok {
		return true
	}
	return q.dedup.Seen(id, fingerprint, now)
}

func (q *Queue) removeLocked(index int) {
	entry := q.entries[index]
	entry.removed = true
	delete(q.pendingIDs, entry.Event.ID)
	delete(q.pendingFPs, entry.Fingerprint)
	copy(q.entries[index:], q.entries[index+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

func (q *Queue) removeEntryLocked(entry *QueueEntry) {
	if entry.removed {
		return
	}
	for i, candidate := range q.entries {
		if candidate == entry {
			q.removeLocked(i)
			return
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	for {
		wait, pending := q.processDue(ctx)
		if ctx.Err() != nil {
			return
		}
		if pending && wait <= 0 {
			continue
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if pending {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// processDue runs one pass over due entries in insertion order. It returns the delay
// until the next entry becomes due and whether any entries remain.
func (q *Queue) processDue(ctx context.Context) (time.Duration, bool) {
	q.mu.Lock()
	now := q.clock.Now()
	due := make([]*QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		if !entry.NextAttemptAt.After(now) {
			due = append(due, entry)
		}
	}
	q.mu.Unlock()

	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		q.deliver(ctx, entry)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	metrics.SetQueueDepth(len(q.entries))
	if len(q.entries) == 0 {
		return 0, false
	}
	now = q.clock.Now()
	var next time.Duration
	for i, entry := range q.entries {
		wait := entry.NextAttemptAt.Sub(now)
		if i == 0 || wait < next {
			next = wait
		}
	}
	// Re-check at least once per backoff period.
	if next > q.retryBackoff {
		next = q.retryBackoff
	}
	return next, true
}

func (q *Queue) deliver(ctx context.Context, entry *QueueEntry) {
	q.mu.Lock()
	if entry.removed {
		q.mu.Unlock()
		return
	}
	evt := entry.Event
	q.mu.Unlock()

	q.handlersMu.RLock()
	handler, ok := q.handlers[evt.Type]
	q.handlersMu.RUnlock()

	if !ok {
		q.logger.Info("no handler registered, marking processed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
		)
		metrics.IncQueueHandler(metrics.HandlerUnhandled)
		q.complete(entry)
		return
	}

	err := q.invoke(ctx, handler, evt)
	if err == nil {
		metrics.IncQueueHandler(metrics.HandlerSuccess)
		q.complete(entry)
		return
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the handler; the entry stays queued without spending a retry.
		return
	}

	q.mu.Lock()
	if entry.removed {
		q.mu.Unlock()
		return
	}
	entry.RetryCount++
	if entry.RetryCount < q.maxRetries {
		entry.NextAttemptAt = q.clock.Now().Add(q.retryBackoff)
		q.persistLocked()
		retryCount := entry.RetryCount
		q.mu.Unlock()
		metrics.IncQueueHandler(metrics.HandlerRetry)
		q.logger.Warn("event handler failed, will retry",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Int("retry_count", retryCount),
			zap.Duration("backoff", q.retryBackoff),
			zap.Error(err),
		)
		return
	}
	dropped := *entry
	q.removeEntryLocked(entry)
	q.persistLocked()
	q.mu.Unlock()

	metrics.IncQueueHandler(metrics.HandlerDropped)
	q.logger.Error("event dropped after max retries",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.String("alert_id", evt.AlertID),
		zap.Int("retry_count", dropped.RetryCount),
		zap.Error(err),
	)
	if q.reporter != nil {
		q.reporter(dropped, err)
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, evt eventing.AlertEvent) (err error) {
	callCtx, cancel := context.WithTimeout(eventing.WithEvent(ctx, evt), q.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventqueue: handler panic: %v", r)
		}
	}()
	return handler(callCtx, evt)
}

func (q *Queue) complete(entry *QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.Processed = true
	q.dedup.Record(entry.Event.ID, entry.Fingerprint, q.clock.Now())
	if entry.removed {
		return
	}
	q.removeEntryLocked(entry)
	q.persistLocked()
}

// persistLocked schedules a snapshot of the unprocessed entries. Callers hold q.mu.
func (q *Queue) persistLocked() {
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: q.clock.Now(),
		Entries: make([]QueueEntry, 0, len(q.entries)),
	}
	for _, entry := range q.entries {
		snap.Entries = append(snap.Entries, *entry)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		q.logger.Error("encode queue snapshot", zap.Error(err))
		return
	}
	store := q.store
	key := q.snapshotKey
	q.writer.Submit(persist.Write{
		Key: key,
		Apply: func(ctx context.Context) error {
			return store.Set(ctx, key, data)
		},
	})
}

func (q *Queue) reload(ctx context.Context) {
	data, ok, err := q.store.Get(ctx, q.snapshotKey)
	if err != nil {
		q.logger.Warn("queue snapshot unreadable, starting empty", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.logger.Warn("queue snapshot corrupt, starting empty", zap.Error(err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	restored := make([]*QueueEntry, 0, len(snap.Entries))
	stale := 0
	for i := range snap.Entries {
		entry := snap.Entries[i]
		if now.Sub(entry.EnqueuedAt) > q.staleAfter {
			stale++
			continue
		}
		if entry.Event.Validate() != nil || entry.Processed {
			continue
		}
		if entry.Fingerprint == "" {
			entry.Fingerprint = eventing.Fingerprint(entry.Event)
		}
		if q.isDuplicateLocked(entry.Event.ID, entry.Fingerprint, now) {
			continue
		}
		entry.NextAttemptAt = now
		q.pendingIDs[entry.Event.ID] = struct{}{}
		q.pendingFPs[entry.Fingerprint] = struct{}{}
		restored = append(restored, &entry)
	}
	q.entries = append(restored, q.entries...)
	for len(q.entries) > q.maxSize {
		q.removeLocked(0)
	}
	q.logger.Info("queue snapshot reloaded",
		zap.Int("restored", len(restored)),
		zap.Int("discarded_stale", stale),
	)
	q.persistLocked()
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Cleanup()
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
