// Package persist runs storage writes off the caller's goroutine.
//
// Writes are queued and applied in submission order by a single worker. A write that
// fails is retried with exponential backoff; when a newer write with the same key is
// already queued the failed one is dropped instead, since only the latest snapshot matters.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"hospital-pager/internal/observability/metrics"
)

const (
	defaultBaseBackoff  = 100 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	defaultMaxAttempts  = 5
	defaultApplyTimeout = 5 * time.Second
)

// ErrWriterClosed is returned by Flush after Close.
var ErrWriterClosed = errors.New("persist: writer closed")

// Write is one pending storage mutation. Writes sharing a non-empty Key coalesce.
type Write struct {
	Key   string
	Apply func(ctx context.Context) error
}

// Writer drains pending writes on one goroutine.
type Writer struct {
	mu      sync.Mutex
	pending []Write
	closing bool

	wake    chan struct{}
	closed  chan struct{}
	stopped chan struct{}

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxAttempts  int
	applyTimeout time.Duration
	logger       *zap.Logger
}

// Option configures the writer.
type Option func(*Writer)

// WithBackoff sets the first retry delay and its ceiling.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Writer) {
		if base > 0 {
			w.baseBackoff = base
		}
		if max >= base && max > 0 {
			w.maxBackoff = max
		}
	}
}

// WithMaxAttempts bounds attempts per write.
func WithMaxAttempts(attempts int) Option {
	return func(w *Writer) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithApplyTimeout bounds a single attempt.
func WithApplyTimeout(timeout time.Duration) Option {
	return func(w *Writer) {
		if timeout > 0 {
			w.applyTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter starts a writer.
func NewWriter(opts ...Option) *Writer {
	w := &Writer{
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
		stopped:      make(chan struct{}),
		baseBackoff:  defaultBaseBackoff,
		maxBackoff:   defaultMaxBackoff,
		maxAttempts:  defaultMaxAttempts,
		applyTimeout: defaultApplyTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Submit queues a write and returns immediately.
func (w *Writer) Submit(write Write) {
	if w == nil || write.Apply == nil {
		return
	}
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		w.logger.Warn("write submitted after close", zap.String("key", write.Key))
		return
	}
	replaced := false
	if write.Key != "" {
		for i := range w.pending {
			if w.pending[i].Key == write.Key {
				w.pending[i] = write
				replaced = true
				break
			}
		}
	}
	if !replaced {
		w.pending = append(w.pending, write)
	}
	w.mu.Unlock()
	w.signal()
}

// Flush blocks until every write submitted before the call has been applied or given up on.
func (w *Writer) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pending = append(w.pending, Write{Apply: func(context.Context) error {
		close(done)
		return nil
	}})
	w.mu.Unlock()
	w.signal()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued writes.
func (w *Writer) Pending() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops accepting writes and makes one final attempt at everything queued.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closing {
		w.closing = true
		close(w.closed)
	}
	w.mu.Unlock()

	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		write, ok := w.next()
		if !ok {
			if w.isClosing() {
				return
			}
			select {
			case <-w.wake:
			case <-w.closed:
			}
			continue
		}
		w.applyWithRetry(write)
	}
}

func (w *Writer) next() (Write, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return Write{}, false
	}
	write := w.pending[0]
	w.pending[0] = Write{}
	w.pending = w.pending[1:]
	return write, true
}

func (w *Writer) isClosing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing
}

func (w *Writer) superseded(key string) bool {
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pending := range w.pending {
		if pending.Key == key {
			return true
		}
	}
	return false
}

func (w *Writer) applyWithRetry(write Write) {
	backoff := w.baseBackoff
	for attempt := 1; ; attempt++ {
		err := w.apply(write)
		if err == nil {
			metrics.IncPersistWrite(metrics.ResultSuccess)
			return
		}
		if attempt >= w.maxAttempts || w.isClosing() {
			metrics.IncPersistWrite(metrics.ResultError)
			w.logger.Error("persistence write failed",
				zap.String("key", write.Key),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		if w.superseded(write.Key) {
			metrics.IncPersistWrite(metrics.ResultError)
			w.logger.Warn("persistence write superseded after failure",
				zap.String("key", write.Key),
				zap.Error(err),
			)
			return
		}
		metrics.IncPersistWrite(metrics.PersistRetry)
		w.logger.Warn("persistence write failed, retrying",
			zap.String("key", write.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-w.closed:
			timer.Stop()
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

func (w *Writer) apply(write Write) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.applyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("persist: write panicked")
		}
	}()
	return write.Apply(ctx)
}
