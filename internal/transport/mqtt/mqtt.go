// Package mqtt carries alert events over an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/transport"
)

const (
	defaultTopicPrefix = "pager/alerts/"
	defaultQoS         = byte(1)
	disconnectQuiesce  = 250
)

// Config describes the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// Transport publishes and subscribes alert events on MQTT topics.
type Transport struct {
	client paho.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

// Dial connects to the broker.
func Dial(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt transport: broker required")
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt transport: connect %s: %w", cfg.Broker, token.Error())
	}
	return New(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

// New wraps a connected client.
func New(client paho.Client, prefix string, qos byte, logger *zap.Logger) *Transport {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	if qos > 2 {
		qos = defaultQoS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{client: client, prefix: prefix, qos: qos, logger: logger}
}

// Topic returns the topic of a scope.
func (t *Transport) Topic(hospitalScopeID string) string {
	return t.prefix + hospitalScopeID
}

// Publish implements eventing.Transport.
func (t *Transport) Publish(ctx context.Context, evt eventing.AlertEvent) error {
	if t == nil || t.client == nil {
		return errors.New("mqtt transport: nil client")
	}
	data, err := transport.Encode(evt)
	if err != nil {
		return err
	}
	topic := t.Topic(evt.HospitalScopeID)
	if err := wait(ctx, t.client.Publish(topic, t.qos, false, data)); err != nil {
		return fmt.Errorf("mqtt transport: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements transport.Subscriber.
func (t *Transport) Subscribe(ctx context.Context, hospitalScopeID string, handle transport.HandlerFunc) error {
	if t == nil || t.client == nil {
		return errors.New("mqtt transport: nil client")
	}
	if hospitalScopeID == "" {
		return errors.New("mqtt transport: hospital scope id required")
	}
	topic := t.Topic(hospitalScopeID)
	token := t.client.Subscribe(topic, t.qos, t.messageHandler(handle))
	if err := wait(ctx, token); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mqtt transport: subscribe %s: %w", topic, err)
	}
	<-ctx.Done()
	t.client.Unsubscribe(topic).WaitTimeout(time.Second)
	return nil
}

// Close disconnects from the broker.
func (t *Transport) Close() {
	if t == nil || t.client == nil {
		return
	}
	t.client.Disconnect(disconnectQuiesce)
}

func (t *Transport) messageHandler(handle transport.HandlerFunc) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		evt, err := transport.Decode(msg.Payload())
		if err != nil {
			t.logger.Warn("discarding malformed event", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		handle(evt)
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
