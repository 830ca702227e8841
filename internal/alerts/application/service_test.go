package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertapp "hospital-pager/internal/alerts/application"
	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/alerts/infrastructure/memory"
	"hospital-pager/internal/auth"
	escalationapp "hospital-pager/internal/escalation/application"
	escalation "hospital-pager/internal/escalation/domain"
	"hospital-pager/internal/eventing"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventing.AlertEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt eventing.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []eventing.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventing.EventType, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type recordingEscalator struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingEscalator) Arm(_ context.Context, alert alerts.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "arm:"+alert.ID)
	return nil
}

func (e *recordingEscalator) Cancel(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "cancel:"+alertID)
}

type failingAckRepo struct {
	*memory.Repository
}

func (failingAckRepo) MarkAcknowledged(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("db down")
}

func staffCtx(scope, user string) context.Context {
	return auth.WithIdentity(context.Background(), scope, auth.RoleStaff, user)
}

func newService(t *testing.T, repo alertapp.Repository, esc alertapp.Escalator, pub alertapp.EventPublisher) *alertapp.Service {
	t.Helper()
	n := 0
	svc, err := alertapp.NewService(repo, esc, pub,
		alertapp.WithClock(fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}),
		alertapp.WithIDGenerator(func() string {
			n++
			return "a" + string(rune('0'+n))
		}),
	)
	require.NoError(t, err)
	return svc
}

func TestCreateArmsAndPublishes(t *testing.T) {
	repo := memory.NewRepository()
	esc := &recordingEscalator{}
	pub := &recordingPublisher{}
	svc := newService(t, repo, esc, pub)

	alert, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{Urgency: escalation.UrgencyHigh, Room: " 12B "})
	require.NoError(t, err)
	assert.Equal(t, "a1", alert.ID)
	assert.Equal(t, "ward-a", alert.HospitalScopeID)
	assert.Equal(t, "12B", alert.Room)
	assert.Equal(t, alerts.StatusActive, alert.Status)
	assert.Equal(t, 1, alert.EscalationTier)
	assert.Equal(t, "nurse-1", alert.CreatedBy)
	assert.Equal(t, []string{"arm:a1"}, esc.calls)
	assert.Equal(t, []eventing.EventType{eventing.EventCreated}, pub.types())

	var payload alerts.CreatedPayload
	require.NoError(t, pub.events[0].DecodePayload(&payload))
	assert.Equal(t, escalation.UrgencyHigh, payload.Urgency)
	assert.Equal(t, "nurse-1", payload.CreatedBy)
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc := newService(t, memory.NewRepository(), &recordingEscalator{}, &recordingPublisher{})

	_, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{Urgency: "panic"})
	assert.ErrorIs(t, err, alerts.ErrInvalidAlert)

	_, err = svc.Create(context.Background(), alerts.NewAlertInput{HospitalScopeID: "ward-a"})
	assert.ErrorIs(t, err, alerts.ErrInvalidAlert)

	_, err = svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{HospitalScopeID: "ward-b"})
	assert.ErrorIs(t, err, auth.ErrScopeMismatch)
}

func TestAcknowledgeCancelsBeforePersisting(t *testing.T) {
	repo := memory.NewRepository()
	esc := &recordingEscalator{}
	pub := &recordingPublisher{}
	svc := newService(t, repo, esc, pub)

	created, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{})
	require.NoError(t, err)

	acked, err := svc.Acknowledge(staffCtx("ward-a", "nurse-2"), created.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)
	assert.Equal(t, "nurse-2", acked.AcknowledgedBy)
	assert.Equal(t, []string{"arm:a1", "cancel:a1"}, esc.calls)

	again, err := svc.Acknowledge(staffCtx("ward-a", "nurse-3"), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "nurse-2", again.AcknowledgedBy)
	assert.Equal(t, []eventing.EventType{eventing.EventCreated, eventing.EventAcknowledged}, pub.types())
}

func TestResolveThenAcknowledgeIsInvalid(t *testing.T) {
	svc := newService(t, memory.NewRepository(), &recordingEscalator{}, &recordingPublisher{})
	ctx := staffCtx("ward-a", "nurse-1")
	created, err := svc.Create(ctx, alerts.NewAlertInput{})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)

	_, err = svc.Acknowledge(ctx, created.ID)
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)

	list, err := svc.ListUnresolved(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAcknowledgeOtherScopeForbidden(t *testing.T) {
	svc := newService(t, memory.NewRepository(), &recordingEscalator{}, &recordingPublisher{})
	created, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{})
	require.NoError(t, err)

	_, err = svc.Acknowledge(staffCtx("ward-b", "nurse-9"), created.ID)
	assert.ErrorIs(t, err, auth.ErrScopeMismatch)

	_, err = svc.Acknowledge(staffCtx("ward-a", "nurse-1"), "missing")
	assert.ErrorIs(t, err, alerts.ErrNotFound)
}

func TestAcknowledgeStorageFailureRearms(t *testing.T) {
	base := memory.NewRepository()
	esc := &recordingEscalator{}
	pub := &recordingPublisher{}
	svc := newService(t, failingAckRepo{base}, esc, pub)

	created, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{})
	require.NoError(t, err)

	_, err = svc.Acknowledge(staffCtx("ward-a", "nurse-2"), created.ID)
	require.Error(t, err)
	assert.Equal(t, []string{"arm:a1", "cancel:a1", "arm:a1"}, esc.calls)
	assert.Equal(t, []eventing.EventType{eventing.EventCreated}, pub.types())
}

func TestAcknowledgeDisarmsEscalationService(t *testing.T) {
	repo := memory.NewRepository()
	pub := &recordingPublisher{}
	esc, err := escalationapp.NewService(repo, nil, nil, pub)
	require.NoError(t, err)
	defer esc.Close()

	svc, err := alertapp.NewService(repo, esc, pub)
	require.NoError(t, err)
	created, err := svc.Create(staffCtx("ward-a", "nurse-1"), alerts.NewAlertInput{Urgency: escalation.UrgencyLow})
	require.NoError(t, err)

	_, armed := esc.Armed(created.ID)
	require.True(t, armed)

	_, err = svc.Acknowledge(staffCtx("ward-a", "nurse-2"), created.ID)
	require.NoError(t, err)
	_, armed = esc.Armed(created.ID)
	assert.False(t, armed)
}
