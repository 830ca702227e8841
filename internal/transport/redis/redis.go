// Package redis carries alert events over Redis pub/sub, one channel per hospital scope.
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/transport"
)

const defaultChannelPrefix = "alerts."

// Option configures the transport.
type Option func(*Transport)

// WithChannelPrefix overrides the channel prefix.
func WithChannelPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport publishes and subscribes alert events on Redis.
type Transport struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New constructs a transport.
func New(client *redis.Client, opts ...Option) *Transport {
	t := &Transport{client: client, prefix: defaultChannelPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Channel returns the channel of a scope.
func (t *Transport) Channel(hospitalScopeID string) string {
	return t.prefix + hospitalScopeID
}

// Publish implements eventing.Transport.
func (t *Transport) Publish(ctx context.Context, evt eventing.AlertEvent) error {
	if t == nil || t.client == nil {
		return errors.New("redis transport: nil client")
	}
	data, err := transport.Encode(evt)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.Channel(evt.HospitalScopeID), data).Err()
}

// Subscribe implements transport.Subscriber.
func (t *Transport) Subscribe(ctx context.Context, hospitalScopeID string, handle transport.HandlerFunc) error {
	if t == nil || t.client == nil {
		return errors.New("redis transport: nil client")
	}
	if hospitalScopeID == "" {
		return errors.New("redis transport: hospital scope id required")
	}
	pubsub := t.client.Subscribe(ctx, t.Channel(hospitalScopeID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis transport: subscription closed")
			}
			evt, err := transport.Decode([]byte(msg.Payload))
			if err != nil {
				t.logger.Warn("discarding malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handle(evt)
		}
	}
}
