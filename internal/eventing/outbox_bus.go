package eventing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hospital-pager/internal/observability/metrics"
)

// Publisher writes alert events to the outbox.
type Publisher struct {
	outbox OutboxWriter
	waker  Waker
	logger *zap.Logger
}

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, evt AlertEvent) (string, error)
}

// Waker is notified after a successful insert so dispatch can start early.
type Waker interface {
	Wake()
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithWaker wakes the dispatcher after each publish.
func WithWaker(waker Waker) PublisherOption {
	return func(p *Publisher) {
		p.waker = waker
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, opts ...PublisherOption) *Publisher {
	p := &Publisher{outbox: outbox, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes the event to outbox.
func (p *Publisher) Publish(ctx context.Context, evt AlertEvent) error {
	start := time.Now()
	if p == nil || p.outbox == nil {
		metrics.ObserveOutboxPublish(metrics.ResultSuccess, time.Since(start))
		return nil
	}
	if err := evt.Validate(); err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	if _, err := p.outbox.Insert(ctx, evt); err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	duration := time.Since(start)
	metrics.ObserveOutboxPublish(metrics.ResultSuccess, duration)
	metrics.IncAlertEvent(string(evt.Type))
	if duration > 50*time.Millisecond {
		p.logger.Warn("slow outbox publish",
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("event_type", string(evt.Type)),
			zap.String("alert_id", evt.AlertID),
		)
	}
	if p.waker != nil {
		p.waker.Wake()
	}
	return nil
}
