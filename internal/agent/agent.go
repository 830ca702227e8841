// Package agent is the client side of the pager: it subscribes to a hospital scope's
// alert stream and feeds the event queue.
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/eventqueue"
	"hospital-pager/internal/transport"
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
)

// Queue is the part of the event queue the agent feeds.
type Queue interface {
	Enqueue(evt eventing.AlertEvent) (bool, error)
}

// Option configures the agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithReconnectBackoff bounds the delay between subscription attempts.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(a *Agent) {
		if base > 0 {
			a.reconnectBase = base
		}
		if max >= a.reconnectBase {
			a.reconnectMax = max
		}
	}
}

// Agent keeps a subscription open and hands every received event to the queue.
type Agent struct {
	subscriber      transport.Subscriber
	queue           Queue
	hospitalScopeID string
	logger          *zap.Logger
	reconnectBase   time.Duration
	reconnectMax    time.Duration
}

// New constructs an agent.
func New(subscriber transport.Subscriber, queue Queue, hospitalScopeID string, opts ...Option) (*Agent, error) {
	if subscriber == nil {
		return nil, errors.New("agent: nil subscriber")
	}
	if queue == nil {
		return nil, errors.New("agent: nil queue")
	}
	if hospitalScopeID == "" {
		return nil, errors.New("agent: hospital scope id required")
	}
	a := &Agent{
		subscriber:      subscriber,
		queue:           queue,
		hospitalScopeID: hospitalScopeID,
		logger:          zap.NewNop(),
		reconnectBase:   defaultReconnectBase,
		reconnectMax:    defaultReconnectMax,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run subscribes until ctx is done, resubscribing with backoff after failures.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.reconnectBase
	for {
		err := a.subscriber.Subscribe(ctx, a.hospitalScopeID, a.receive)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = a.reconnectBase
		} else {
			a.logger.Warn("subscription lost", zap.String("hospital_scope_id", a.hospitalScopeID), zap.Duration("retry_in", delay), zap.Error(err))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err != nil {
			delay *= 2
			if delay > a.reconnectMax {
				delay = a.reconnectMax
			}
		}
	}
}

func (a *Agent) receive(evt eventing.AlertEvent) {
	accepted, err := a.queue.Enqueue(evt)
	if err != nil {
		a.logger.Warn("event rejected", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}
	if !accepted {
		a.logger.Debug("duplicate event suppressed", zap.String("event_id", evt.ID), zap.String("alert_id", evt.AlertID))
	}
}

// Register installs the printer's handlers on the queue.
func Register(queue *eventqueue.Queue, printer *Printer) {
	for _, eventType := range []eventing.EventType{
		eventing.EventCreated,
		eventing.EventAcknowledged,
		eventing.EventEscalated,
		eventing.EventResolved,
	} {
		queue.RegisterHandler(eventType, printer.Handle)
	}
}
