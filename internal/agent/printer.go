package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"hospital-pager/internal/eventing"
)

// eventView covers the fields of every lifecycle payload.
type eventView struct {
	Urgency      string `json:"urgency"`
	Tier         int    `json:"tier"`
	PreviousTier int    `json:"previous_tier"`
	Terminal     bool   `json:"terminal"`
	Room         string `json:"room"`
	Message      string `json:"message"`
	ActorID      string `json:"actor_id"`
	CreatedBy    string `json:"created_by"`
}

// Printer renders alert updates as colored terminal lines.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter writes to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Handle is an eventqueue.Handler.
func (p *Printer) Handle(_ context.Context, evt eventing.AlertEvent) error {
	var view eventView
	if err := evt.DecodePayload(&view); err != nil {
		return fmt.Errorf("agent: decode payload of %s: %w", evt.ID, err)
	}
	line := p.format(evt, view)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, line)
	return err
}

func (p *Printer) format(evt eventing.AlertEvent, view eventView) string {
	stamp := evt.EmittedAt.Local().Format(time.TimeOnly)
	label := labelFor(evt.Type, view)
	var detail []string
	switch evt.Type {
	case eventing.EventCreated:
		detail = append(detail, "urgency="+view.Urgency)
		if view.Room != "" {
			detail = append(detail, "room="+view.Room)
		}
		if view.Message != "" {
			detail = append(detail, fmt.Sprintf("%q", view.Message))
		}
	case eventing.EventEscalated:
		detail = append(detail, fmt.Sprintf("tier %d -> %d", view.PreviousTier, view.Tier))
		if view.Terminal {
			detail = append(detail, "final tier")
		}
	case eventing.EventAcknowledged, eventing.EventResolved:
		if view.ActorID != "" {
			detail = append(detail, "by "+view.ActorID)
		}
	}
	return fmt.Sprintf("%s %s %s %s", stamp, label, evt.AlertID, strings.Join(detail, " "))
}

func labelFor(eventType eventing.EventType, view eventView) string {
	switch eventType {
	case eventing.EventCreated:
		if view.Urgency == "critical" || view.Urgency == "high" {
			return color.New(color.FgHiRed, color.Bold).Sprint("NEW      ")
		}
		return color.New(color.FgRed).Sprint("NEW      ")
	case eventing.EventEscalated:
		return color.New(color.FgHiMagenta).Sprint("ESCALATED")
	case eventing.EventAcknowledged:
		return color.New(color.FgYellow).Sprint("ACK      ")
	case eventing.EventResolved:
		return color.New(color.FgGreen).Sprint("RESOLVED ")
	default:
		return strings.ToUpper(string(eventType))
	}
}
