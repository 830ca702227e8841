// Package nats carries alert events over NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/transport"
)

const defaultSubjectPrefix = "pager.alerts."

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Transport publishes and subscribes alert events on NATS.
type Transport struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Dial connects to NATS.
func Dial(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats transport: url required")
	}
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats transport: connect: %w", err)
	}
	return New(conn, cfg.SubjectPrefix, logger), nil
}

// New wraps an established connection.
func New(conn *nats.Conn, prefix string, logger *zap.Logger) *Transport {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject of a scope.
func (t *Transport) Subject(hospitalScopeID string) string {
	return t.prefix + hospitalScopeID
}

// Publish implements eventing.Transport.
func (t *Transport) Publish(_ context.Context, evt eventing.AlertEvent) error {
	if t == nil || t.conn == nil {
		return errors.New("nats transport: not connected")
	}
	data, err := transport.Encode(evt)
	if err != nil {
		return err
	}
	return t.conn.Publish(t.Subject(evt.HospitalScopeID), data)
}

// Subscribe implements transport.Subscriber.
func (t *Transport) Subscribe(ctx context.Context, hospitalScopeID string, handle transport.HandlerFunc) error {
	if t == nil || t.conn == nil {
		return errors.New("nats transport: not connected")
	}
	if hospitalScopeID == "" {
		return errors.New("nats transport: hospital scope id required")
	}
	sub, err := t.conn.Subscribe(t.Subject(hospitalScopeID), t.msgHandler(handle))
	if err != nil {
		return fmt.Errorf("nats transport: subscribe: %w", err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Close drains and closes the connection.
func (t *Transport) Close() {
	if t == nil || t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
	}
}

func (t *Transport) msgHandler(handle transport.HandlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		evt, err := transport.Decode(msg.Data)
		if err != nil {
			t.logger.Warn("discarding malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handle(evt)
	}
}
