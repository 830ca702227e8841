package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/auth"
	escalation "hospital-pager/internal/escalation/domain"
	"hospital-pager/internal/eventing"
)

// Repository persists alerts. Mark* transitions are conditional on the current
// status and report false when the alert was not in an eligible state.
type Repository interface {
	Create(ctx context.Context, alert *alerts.Alert) error
	Get(ctx context.Context, id string) (*alerts.Alert, error)
	MarkAcknowledged(ctx context.Context, id, actorID string, at time.Time) (bool, error)
	MarkResolved(ctx context.Context, id, actorID string, at time.Time) (bool, error)
	ListUnresolved(ctx context.Context, hospitalScopeID string) ([]alerts.Alert, error)
}

// Escalator arms and cancels escalation deadlines.
type Escalator interface {
	Arm(ctx context.Context, alert alerts.Alert) error
	Cancel(alertID string)
}

// EventPublisher emits alert events toward clients.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventing.AlertEvent) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service drives the alert lifecycle: create, acknowledge, resolve.
type Service struct {
	repo      Repository
	escalator Escalator
	publisher EventPublisher
	clock     Clock
	logger    *zap.Logger
	newID     func() string
}

// ServiceOption customizes the alert service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs an alert service.
func NewService(repo Repository, escalator Escalator, publisher EventPublisher, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	if escalator == nil {
		return nil, errors.New("alerts: nil escalator")
	}
	if publisher == nil {
		return nil, errors.New("alerts: nil publisher")
	}
	service := &Service{
		repo:      repo,
		escalator: escalator,
		publisher: publisher,
		clock:     systemClock{},
		logger:    zap.NewNop(),
		newID:     func() string { return "alert-" + eventing.NewEventID() },
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Create stores a new active alert at tier 1, arms its escalation and emits a created event.
func (s *Service) Create(ctx context.Context, input alerts.NewAlertInput) (*alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	scopeID, err := auth.ResolveScope(ctx, strings.TrimSpace(input.HospitalScopeID))
	if err != nil {
		if errors.Is(err, auth.ErrScopeMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", alerts.ErrInvalidAlert, err)
	}
	urgency := input.Urgency
	if urgency == "" {
		urgency = escalation.UrgencyNormal
	}
	if !urgency.Valid() {
		return nil, fmt.Errorf("%w: unknown urgency %q", alerts.ErrInvalidAlert, input.Urgency)
	}
	actorID := actorFromContext(ctx)
	if actorID == "" {
		return nil, fmt.Errorf("%w: creator required", alerts.ErrInvalidAlert)
	}

	now := s.clock.Now().UTC()
	alert := &alerts.Alert{
		ID:              s.newID(),
		HospitalScopeID: scopeID,
		Room:            strings.TrimSpace(input.Room),
		PatientID:       strings.TrimSpace(input.PatientID),
		Message:         strings.TrimSpace(input.Message),
		Urgency:         urgency,
		Status:          alerts.StatusActive,
		EscalationTier:  int(escalation.Tier1),
		CreatedBy:       actorID,
		CreatedAt:       now,
		TierChangedAt:   now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, alert); err != nil {
		return nil, err
	}
	if err := s.escalator.Arm(ctx, *alert); err != nil {
		s.logger.Error("arm escalation failed", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	s.publish(ctx, eventing.EventCreated, *alert, alerts.CreatedPayload{
		Urgency:   alert.Urgency,
		Tier:      alert.EscalationTier,
		Room:      alert.Room,
		PatientID: alert.PatientID,
		Message:   alert.Message,
		CreatedBy: alert.CreatedBy,
	})
	return alert, nil
}

// Acknowledge marks an active alert acknowledged. Acknowledging twice is a no-op.
func (s *Service) Acknowledge(ctx context.Context, id string) (*alerts.Alert, error) {
	return s.transition(ctx, id, alerts.StatusAcknowledged)
}

// Resolve closes an alert. Resolving twice is a no-op.
func (s *Service) Resolve(ctx context.Context, id string) (*alerts.Alert, error) {
	return s.transition(ctx, id, alerts.StatusResolved)
}

// ListUnresolved returns active and acknowledged alerts of a scope.
func (s *Service) ListUnresolved(ctx context.Context, hospitalScopeID string) ([]alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	scopeID, err := auth.ResolveScope(ctx, strings.TrimSpace(hospitalScopeID))
	if err != nil {
		return nil, err
	}
	return s.repo.ListUnresolved(ctx, scopeID)
}

// Get returns one alert visible to the caller.
func (s *Service) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if id == "" {
		return nil, errors.New("alerts: alert id required")
	}
	alert, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alerts.ErrNotFound
	}
	if err := auth.EnsureScope(ctx, alert.HospitalScopeID); err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *Service) transition(ctx context.Context, id string, target alerts.Status) (*alerts.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case alert.Status == target:
		return alert, nil
	case alert.Status == alerts.StatusResolved:
		return nil, fmt.Errorf("%w: alert already resolved", alerts.ErrInvalidTransition)
	}
	actorID := actorFromContext(ctx)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor required", alerts.ErrInvalidTransition)
	}

	// The deadline must be gone before the status changes so no escalation
	// can follow the acknowledgement.
	s.escalator.Cancel(alert.ID)

	at := s.clock.Now().UTC()
	var changed bool
	if target == alerts.StatusAcknowledged {
		changed, err = s.repo.MarkAcknowledged(ctx, alert.ID, actorID, at)
	} else {
		changed, err = s.repo.MarkResolved(ctx, alert.ID, actorID, at)
	}
	if err != nil {
		s.rearm(ctx, alert.ID)
		return nil, err
	}
	if !changed {
		current, getErr := s.repo.Get(ctx, alert.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current != nil && current.Status == target {
			return current, nil
		}
		s.rearm(ctx, alert.ID)
		return nil, fmt.Errorf("%w: alert changed concurrently", alerts.ErrInvalidTransition)
	}

	alert.Status = target
	alert.UpdatedAt = at
	if target == alerts.StatusAcknowledged {
		alert.AcknowledgedBy = actorID
		alert.AcknowledgedAt = at
	} else {
		alert.ResolvedBy = actorID
		alert.ResolvedAt = at
	}
	eventType := eventing.EventAcknowledged
	if target == alerts.StatusResolved {
		eventType = eventing.EventResolved
	}
	s.publish(ctx, eventType, *alert, alerts.TransitionPayload{
		Status:  target,
		ActorID: actorID,
		Tier:    alert.EscalationTier,
	})
	return alert, nil
}

// rearm restores the deadline after a failed transition, if the alert is still active.
func (s *Service) rearm(ctx context.Context, id string) {
	current, err := s.repo.Get(ctx, id)
	if err != nil || current == nil || !current.Escalating() {
		return
	}
	if err := s.escalator.Arm(ctx, *current); err != nil {
		s.logger.Error("re-arm escalation failed", zap.String("alert_id", id), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType eventing.EventType, alert alerts.Alert, payload any) {
	meta := eventing.MetaFromContext(ctx)
	if meta.EmittedAt.IsZero() {
		meta.EmittedAt = s.clock.Now().UTC()
	}
	evt, err := eventing.NewAlertEvent(eventType, alert.ID, alert.HospitalScopeID, payload, meta)
	if err != nil {
		s.logger.Error("build alert event failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("publish alert event failed",
			zap.String("alert_id", alert.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
	}
}

func actorFromContext(ctx context.Context) string {
	if subject := auth.SubjectFromContext(ctx); subject != "" {
		return subject
	}
	return eventing.ActorIDFromContext(ctx)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
