// Package redis stores snapshots in Redis so several agents on one host can share them.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements kvstore.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithPrefix namespaces keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires values that are not rewritten in time.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New constructs a store.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "pager:kv:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, errors.New("redis store: nil client")
	}
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements kvstore.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.client == nil {
		return errors.New("redis store: nil client")
	}
	return s.client.Set(ctx, s.prefix+key, value, s.ttl).Err()
}

// Delete implements kvstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errors.New("redis store: nil client")
	}
	return s.client.Del(ctx, s.prefix+key).Err()
}
