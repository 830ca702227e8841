package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Message is one rendered page to a set of staff.
type Message struct {
	AlertID      string   `json:"alert_id"`
	Tier         int      `json:"tier"`
	RecipientIDs []string `json:"recipient_ids"`
	Content      string   `json:"content"`
}

// Channel delivers rendered pages.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookChannel posts pages to a paging gateway.
type WebhookChannel struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType    string      `json:"msgtype"`
	AlertID    string      `json:"alert_id"`
	Tier       int         `json:"tier"`
	Recipients []string    `json:"recipients"`
	Text       webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the page.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if c == nil || c.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(webhookPayload{
		MsgType:    "text",
		AlertID:    msg.AlertID,
		Tier:       msg.Tier,
		Recipients: msg.RecipientIDs,
		Text:       webhookText{Content: msg.Content},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes pages to the log. Used when no gateway is configured.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel constructs a log channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

// Send logs the page.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logger.Info("page",
		zap.String("alert_id", msg.AlertID),
		zap.Int("tier", msg.Tier),
		zap.Strings("recipients", msg.RecipientIDs),
		zap.String("content", msg.Content),
	)
	return nil
}

// MultiChannel sends to every channel; any failure fails the send.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a MultiChannel, skipping nil entries.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	filtered := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		if channel != nil {
			filtered = append(filtered, channel)
		}
	}
	return &MultiChannel{channels: filtered}
}

// Send forwards the message to all channels.
func (m *MultiChannel) Send(ctx context.Context, msg Message) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, channel := range m.channels {
		if err := channel.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
