// Package transport carries alert events between the server and client agents.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"hospital-pager/internal/eventing"
)

// HandlerFunc receives one decoded event.
type HandlerFunc func(evt eventing.AlertEvent)

// Subscriber streams one hospital scope's events until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, hospitalScopeID string, handle HandlerFunc) error
}

// Encode marshals an event for the wire.
func Encode(evt eventing.AlertEvent) ([]byte, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(evt)
}

// Decode unmarshals and validates a wire event.
func Decode(data []byte) (eventing.AlertEvent, error) {
	var evt eventing.AlertEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return eventing.AlertEvent{}, fmt.Errorf("%w: %v", eventing.ErrInvalidEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return eventing.AlertEvent{}, err
	}
	return evt, nil
}
