package eventing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hospital-pager/internal/observability/metrics"
)

const (
	defaultDispatchLimit    = 50
	defaultMaxAttempts      = 5
	defaultDispatchInterval = time.Second
)

// Transport delivers one event to connected clients. Delivery is at-least-once:
// a failed publish is retried later, so clients must deduplicate.
type Transport interface {
	Publish(ctx context.Context, evt AlertEvent) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed records a failed attempt and reports whether the attempt budget is exhausted.
	MarkFailed(ctx context.Context, id string, maxAttempts int) (bool, error)
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, evt AlertEvent, err error) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Event    AlertEvent
	Attempts int
}

// DispatchResult captures the outcome of a dispatch run.
type DispatchResult struct {
	Requested int
	Claimed   int
	Sent      int
	Failed    int
	DLQ       int
}

// Dispatcher relays outbox events to the transports.
type Dispatcher struct {
	transport   Transport
	outbox      OutboxStore
	dlq         DLQStore
	maxAttempts int
	logger      *zap.Logger
	wake        chan struct{}
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts bounds delivery attempts per record before it is dead-lettered.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(transport Transport, outbox OutboxStore, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport:   transport,
		outbox:      outbox,
		dlq:         dlq,
		maxAttempts: defaultMaxAttempts,
		logger:      zap.NewNop(),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wake requests an immediate dispatch pass.
func (d *Dispatcher) Wake() {
	if d == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches on every interval tick or wake-up until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, limit int) error {
	if d == nil {
		return errors.New("dispatcher: nil")
	}
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
		if _, err := d.Dispatch(ctx, limit); err != nil && ctx.Err() == nil {
			d.logger.Warn("outbox dispatch failed", zap.Error(err))
		}
	}
}

// Dispatch pulls pending outbox records and delivers them.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	result := DispatchResult{Requested: limit}
	if d == nil || d.outbox == nil || d.transport == nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, nil
	}
	if limit <= 0 {
		limit = defaultDispatchLimit
		result.Requested = limit
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, err
	}
	result.Claimed = len(records)
	if result.Claimed == 0 {
		metrics.ObserveOutboxDispatch(metrics.ResultSuccess, time.Since(start), 0, 0, 0)
		return result, nil
	}
	var firstErr error

	for _, record := range records {
		evt := record.Event
		if err := d.transport.Publish(ctx, evt); err != nil {
			result.Failed++
			exhausted, markErr := d.outbox.MarkFailed(ctx, record.ID, d.maxAttempts)
			if markErr != nil {
				if firstErr == nil {
					firstErr = markErr
				}
				continue
			}
			if !exhausted {
				d.logger.Info("event delivery failed, will retry",
					zap.String("event_id", evt.ID),
					zap.Int("attempts", record.Attempts+1),
					zap.Error(err),
				)
				continue
			}
			d.logger.Error("event delivery dropped after max attempts",
				zap.String("event_id", evt.ID),
				zap.String("alert_id", evt.AlertID),
				zap.Error(err),
			)
			if d.dlq != nil {
				if err := d.dlq.RecordFailure(ctx, evt, err); err == nil {
					result.DLQ++
				} else if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			result.Failed++
			continue
		}
		result.Sent++
	}
	dispatchResult := metrics.ResultSuccess
	if firstErr != nil || result.Failed > 0 {
		dispatchResult = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(dispatchResult, time.Since(start), result.Sent, result.Failed, result.DLQ)
	return result, firstErr
}

// MultiTransport publishes to several transports; a failure in any of them fails the publish.
type MultiTransport struct {
	transports []Transport
}

// NewMultiTransport constructs a MultiTransport, skipping nil entries.
func NewMultiTransport(transports ...Transport) *MultiTransport {
	filtered := make([]Transport, 0, len(transports))
	for _, transport := range transports {
		if transport != nil {
			filtered = append(filtered, transport)
		}
	}
	return &MultiTransport{transports: filtered}
}

// Publish forwards the event to all transports.
func (m *MultiTransport) Publish(ctx context.Context, evt AlertEvent) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, transport := range m.transports {
		if err := transport.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
