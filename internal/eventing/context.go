package eventing

import "context"

type contextKey string

const (
	contextKeyEvent   contextKey = "eventing.event"
	contextKeyActor   contextKey = "eventing.actor_id"
	contextKeyEventID contextKey = "eventing.event_id"
)

// WithEvent attaches the event being handled to context.
func WithEvent(ctx context.Context, evt AlertEvent) context.Context {
	return context.WithValue(ctx, contextKeyEvent, evt)
}

// EventFromContext returns the event being handled if available.
func EventFromContext(ctx context.Context) (AlertEvent, bool) {
	value := ctx.Value(contextKeyEvent)
	evt, ok := value.(AlertEvent)
	return evt, ok
}

// WithActorID sets the staff member responsible for a change.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, contextKeyActor, actorID)
}

// ActorIDFromContext extracts the actor id.
func ActorIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(contextKeyActor).(string); ok {
		return value
	}
	return ""
}

// WithEventID pins the id of the next emitted event.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext builds metadata from context.
func MetaFromContext(ctx context.Context) Meta {
	meta := Meta{}
	if value, ok := ctx.Value(contextKeyEventID).(string); ok {
		meta.EventID = value
	}
	return meta
}
