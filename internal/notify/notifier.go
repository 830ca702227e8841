package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	xxhash "github.com/cespare/xxhash/v2"

	alerts "hospital-pager/internal/alerts/domain"
)

// AlertReader loads alert details for page content.
type AlertReader interface {
	Get(ctx context.Context, id string) (*alerts.Alert, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash uint64
}

// Notifier renders escalation pages and sends them through a channel.
type Notifier struct {
	alerts       AlertReader
	channel      Channel
	template     *Template
	clock        Clock
	dedupeWindow time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithDedupeWindow suppresses an identical page for the same alert and tier within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithTemplate overrides the page template.
func WithTemplate(template *Template) Option {
	return func(n *Notifier) {
		if template != nil {
			n.template = template
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(alertReader AlertReader, channel Channel, opts ...Option) (*Notifier, error) {
	if alertReader == nil {
		return nil, errors.New("notifier: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("notifier: nil channel")
	}
	template, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	n := &Notifier{
		alerts:   alertReader,
		channel:  channel,
		template: template,
		clock:    systemClock{},
		sent:     make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify pages recipients about an alert reaching tier.
func (n *Notifier) Notify(ctx context.Context, recipientIDs []string, alertID string, tier int) error {
	if n == nil {
		return errors.New("notifier: nil")
	}
	if len(recipientIDs) == 0 {
		return nil
	}
	alert, err := n.alerts.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("notifier: load alert: %w", err)
	}
	content, err := n.template.Render(buildTemplateData(*alert, tier))
	if err != nil {
		return err
	}
	msg := Message{AlertID: alertID, Tier: tier, RecipientIDs: recipientIDs, Content: content}
	hash := hashMessage(msg)
	key := alertID + "|" + strconv.Itoa(tier)
	if !n.shouldSend(key, hash) {
		return nil
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		return err
	}
	n.markSent(key, hash)
	return nil
}

func buildTemplateData(alert alerts.Alert, tier int) TemplateData {
	return TemplateData{
		AlertID:         alert.ID,
		HospitalScopeID: alert.HospitalScopeID,
		Urgency:         string(alert.Urgency),
		Tier:            tier,
		TierLabel:       "Tier " + strconv.Itoa(tier),
		Room:            alert.Room,
		PatientID:       alert.PatientID,
		Message:         alert.Message,
		CreatedAt:       alert.CreatedAt.UTC().Format(time.RFC3339),
		Status:          string(alert.Status),
	}
}

func (n *Notifier) shouldSend(key string, hash uint64) bool {
	if n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, record := range n.sent {
		if now.Sub(record.at) >= n.dedupeWindow {
			delete(n.sent, k)
		}
	}
	record, ok := n.sent[key]
	return !ok || record.hash != hash
}

func (n *Notifier) markSent(key string, hash uint64) {
	if n.dedupeWindow <= 0 {
		return
	}
	n.mu.Lock()
	n.sent[key] = sendRecord{at: n.clock.Now(), hash: hash}
	n.mu.Unlock()
}

func hashMessage(msg Message) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(msg.Content)
	for _, id := range msg.RecipientIDs {
		_, _ = d.WriteString("\x00" + id)
	}
	return d.Sum64()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
