package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	alerts "hospital-pager/internal/alerts/domain"
	escalation "hospital-pager/internal/escalation/domain"
	"hospital-pager/internal/eventing"
	"hospital-pager/internal/observability/metrics"
)

const (
	defaultFireTimeout   = 10 * time.Second
	defaultNotifyTimeout = 10 * time.Second
	defaultRetryDelay    = 30 * time.Second
)

var (
	ErrClosed     = errors.New("escalation: service closed")
	ErrEmptyAlert = errors.New("escalation: alert id required")
)

// AlertStore is the authoritative alert storage.
type AlertStore interface {
	Get(ctx context.Context, id string) (*alerts.Alert, error)
	// AdvanceTier moves an active alert from one tier to the next. It reports false
	// when the alert is no longer active or no longer at tier from.
	AdvanceTier(ctx context.Context, id string, from, to int, at time.Time) (bool, error)
	ListActive(ctx context.Context) ([]alerts.Alert, error)
}

// RosterLookup resolves who is on duty for a tier when an escalation fires.
type RosterLookup interface {
	OnDutyStaff(ctx context.Context, hospitalScopeID string, tier int) ([]string, error)
}

// Notifier pages escalation recipients.
type Notifier interface {
	Notify(ctx context.Context, recipientIDs []string, alertID string, tier int) error
}

// EventPublisher emits alert events toward clients.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventing.AlertEvent) error
}

// EscalatedPayload is the payload of an escalated event.
type EscalatedPayload struct {
	Tier         int                `json:"tier"`
	PreviousTier int                `json:"previous_tier"`
	Urgency      escalation.Urgency `json:"urgency"`
	Terminal     bool               `json:"terminal"`
}

// Service owns one escalation deadline per active alert.
type Service struct {
	alerts    AlertStore
	roster    RosterLookup
	notifier  Notifier
	publisher EventPublisher
	table     escalation.TimeoutTable
	clock     Clock
	logger    *zap.Logger

	fireTimeout   time.Duration
	notifyTimeout time.Duration
	retryDelay    time.Duration

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// slot serializes everything that touches one alert's deadline. A closed slot has
// been removed from the service and must not be re-armed.
type slot struct {
	mu     sync.Mutex
	sched  *escalation.Schedule
	timer  Timer
	closed bool
}

// Option customizes the service.
type Option func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeoutTable sets the per-urgency tier timeouts.
func WithTimeoutTable(table escalation.TimeoutTable) Option {
	return func(s *Service) {
		if table.MaxTier() > 0 {
			s.table = table
		}
	}
}

// WithNotifyTimeout bounds roster lookup plus notification dispatch.
func WithNotifyTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.notifyTimeout = timeout
		}
	}
}

// WithRetryDelay sets how soon a fire that failed on storage is retried.
func WithRetryDelay(delay time.Duration) Option {
	return func(s *Service) {
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// NewService constructs an escalation service.
func NewService(alertStore AlertStore, roster RosterLookup, notifier Notifier, publisher EventPublisher, opts ...Option) (*Service, error) {
	if alertStore == nil {
		return nil, errors.New("escalation: nil alert store")
	}
	if publisher == nil {
		return nil, errors.New("escalation: nil event publisher")
	}
	s := &Service{
		alerts:        alertStore,
		roster:        roster,
		notifier:      notifier,
		publisher:     publisher,
		table:         escalation.DefaultTimeoutTable(),
		clock:         systemClock{},
		logger:        zap.NewNop(),
		fireTimeout:   defaultFireTimeout,
		notifyTimeout: defaultNotifyTimeout,
		retryDelay:    defaultRetryDelay,
		slots:         make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxTier returns the terminal tier.
func (s *Service) MaxTier() int {
	return int(s.table.MaxTier())
}

// Arm schedules the deadline for the alert's current tier, measured from when that tier began.
// Alerts that are not active or already at the terminal tier are left unarmed.
func (s *Service) Arm(_ context.Context, alert alerts.Alert) error {
	if s == nil {
		return errors.New("escalation: nil service")
	}
	if !alert.Escalating() {
		return nil
	}
	tier := escalation.Tier(alert.EscalationTier)
	if tier < escalation.Tier1 {
		tier = escalation.Tier1
	}
	timeout, ok := s.table.Timeout(alert.Urgency, tier)
	if !ok {
		return nil
	}
	remaining := alert.TierStartedAt().Add(timeout).Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return s.Schedule(alert.ID, alert.HospitalScopeID, alert.Urgency, int(tier), remaining)
}

// Schedule arms a deadline for the alert, replacing any deadline it already has.
func (s *Service) Schedule(alertID, scopeID string, urgency escalation.Urgency, tier int, timeout time.Duration) error {
	if s == nil {
		return errors.New("escalation: nil service")
	}
	if alertID == "" {
		return ErrEmptyAlert
	}
	for {
		sl, err := s.slotFor(alertID)
		if err != nil {
			return err
		}
		sl.mu.Lock()
		if sl.closed {
			// Cancelled or finished between lookup and lock; take a fresh slot.
			sl.mu.Unlock()
			continue
		}
		s.disarmLocked(sl)
		s.armLocked(sl, escalation.NewSchedule(alertID, scopeID, urgency, escalation.Tier(tier), s.clock.Now().Add(timeout)), timeout)
		sl.mu.Unlock()
		return nil
	}
}

// Cancel disarms the alert's deadline. It waits for an in-flight fire to finish, so once it
// returns no escalated event will be emitted for the alert. Unknown alerts are a no-op.
func (s *Service) Cancel(alertID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	sl, ok := s.slots[alertID]
	if ok {
		delete(s.slots, alertID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sl.mu.Lock()
	sl.closed = true
	s.disarmLocked(sl)
	sl.mu.Unlock()
}

// Deadline describes an armed escalation.
type Deadline struct {
	AlertID string
	Tier    int
	At      time.Time
}

// Armed reports the alert's armed deadline, if any.
func (s *Service) Armed(alertID string) (Deadline, bool) {
	if s == nil {
		return Deadline{}, false
	}
	s.mu.Lock()
	sl, ok := s.slots[alertID]
	s.mu.Unlock()
	if !ok {
		return Deadline{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.sched == nil || sl.sched.State() != escalation.StateArmed {
		return Deadline{}, false
	}
	return Deadline{AlertID: alertID, Tier: int(sl.sched.Tier), At: sl.sched.Deadline}, true
}

// Recover re-arms every active alert after a restart.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s == nil {
		return 0, errors.New("escalation: nil service")
	}
	active, err := s.alerts.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, alert := range active {
		if err := s.Arm(ctx, alert); err != nil {
			return armed, err
		}
		armed++
	}
	s.logger.Info("escalation schedules recovered", zap.Int("alerts", armed))
	return armed, nil
}

// Close stops every timer. Later Schedule calls fail with ErrClosed.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	slots := s.slots
	s.slots = make(map[string]*slot)
	s.mu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		sl.closed = true
		s.disarmLocked(sl)
		sl.mu.Unlock()
	}
}

func (s *Service) slotFor(alertID string) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sl, ok := s.slots[alertID]
	if !ok {
		sl = &slot{}
		s.slots[alertID] = sl
	}
	return sl, nil
}

// dropSlot removes a slot whose alert reached a terminal state. Callers hold sl.mu.
func (s *Service) dropSlot(alertID string, sl *slot) {
	sl.closed = true
	s.mu.Lock()
	if current, ok := s.slots[alertID]; ok && current == sl {
		delete(s.slots, alertID)
	}
	s.mu.Unlock()
}

// armLocked installs sched on the slot. Callers hold sl.mu.
func (s *Service) armLocked(sl *slot, sched *escalation.Schedule, timeout time.Duration) {
	sl.sched = sched
	sl.timer = s.clock.AfterFunc(timeout, func() {
		s.fire(sl, sched)
	})
	metrics.AddEscalationArmed(1)
}

// disarmLocked cancels the slot's armed schedule, if any. Callers hold sl.mu.
func (s *Service) disarmLocked(sl *slot) {
	if sl.sched != nil && sl.sched.Cancel() {
		metrics.AddEscalationArmed(-1)
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	sl.sched = nil
	sl.timer = nil
}

type notification struct {
	scopeID string
	alertID string
	tier    int
}

func (s *Service) fire(sl *slot, sched *escalation.Schedule) {
	sl.mu.Lock()
	if sl.closed || sl.sched != sched || !sched.BeginFire() {
		sl.mu.Unlock()
		return
	}
	metrics.AddEscalationArmed(-1)
	pending, escalated := s.escalateLocked(sl, sched)
	sched.FinishFire()
	sl.mu.Unlock()

	if escalated {
		s.notify(pending)
	}
}

// escalateLocked runs the storage and event side of a fire. Callers hold sl.mu.
func (s *Service) escalateLocked(sl *slot, sched *escalation.Schedule) (notification, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()
	logger := s.logger.With(zap.String("alert_id", sched.AlertID), zap.Int("tier", int(sched.Tier)))

	alert, err := s.alerts.Get(ctx, sched.AlertID)
	if errors.Is(err, alerts.ErrNotFound) {
		logger.Warn("escalation fired for unknown alert")
		s.dropSlot(sched.AlertID, sl)
		return notification{}, false
	}
	if err != nil {
		logger.Error("escalation load failed, retrying", zap.Error(err), zap.Duration("retry_in", s.retryDelay))
		s.rearmLocked(sl, sched, sched.Tier, s.retryDelay)
		return notification{}, false
	}
	if !alert.Escalating() || alert.EscalationTier != int(sched.Tier) {
		s.dropSlot(sched.AlertID, sl)
		return notification{}, false
	}
	if sched.Tier >= s.table.MaxTier() {
		s.dropSlot(sched.AlertID, sl)
		return notification{}, false
	}

	next := sched.Tier + 1
	now := s.clock.Now()
	advanced, err := s.alerts.AdvanceTier(ctx, alert.ID, int(sched.Tier), int(next), now)
	if err != nil {
		logger.Error("escalation tier update failed, retrying", zap.Error(err), zap.Duration("retry_in", s.retryDelay))
		s.rearmLocked(sl, sched, sched.Tier, s.retryDelay)
		return notification{}, false
	}
	if !advanced {
		s.dropSlot(sched.AlertID, sl)
		return notification{}, false
	}

	payload := EscalatedPayload{
		Tier:         int(next),
		PreviousTier: int(sched.Tier),
		Urgency:      alert.Urgency,
		Terminal:     next >= s.table.MaxTier(),
	}
	evt, err := eventing.NewAlertEvent(eventing.EventEscalated, alert.ID, alert.HospitalScopeID, payload, eventing.Meta{EmittedAt: now})
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		logger.Error("escalated event not published", zap.Error(err))
	}
	metrics.IncEscalationFired(int(next))
	logger.Info("alert escalated", zap.Int("new_tier", int(next)), zap.String("hospital_scope_id", alert.HospitalScopeID))

	if timeout, ok := s.table.Timeout(sched.Urgency, next); ok {
		s.rearmLocked(sl, sched, next, timeout)
	} else {
		s.dropSlot(sched.AlertID, sl)
	}
	return notification{scopeID: alert.HospitalScopeID, alertID: alert.ID, tier: int(next)}, true
}

func (s *Service) rearmLocked(sl *slot, prev *escalation.Schedule, tier escalation.Tier, timeout time.Duration) {
	s.armLocked(sl, escalation.NewSchedule(prev.AlertID, prev.ScopeID, prev.Urgency, tier, s.clock.Now().Add(timeout)), timeout)
}

// notify pages the roster computed now, so duty changes since arming are honoured.
// Failures are reported and never affect the escalation state.
func (s *Service) notify(n notification) {
	if s.notifier == nil || s.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	logger := s.logger.With(zap.String("alert_id", n.alertID), zap.Int("tier", n.tier))

	recipients, err := s.roster.OnDutyStaff(ctx, n.scopeID, n.tier)
	if err != nil {
		metrics.IncNotification(metrics.ResultError)
		logger.Error("roster lookup failed", zap.Error(err))
		return
	}
	if len(recipients) == 0 {
		logger.Warn("no on-duty staff for escalation tier", zap.String("hospital_scope_id", n.scopeID))
		return
	}
	if err := s.notifier.Notify(ctx, recipients, n.alertID, n.tier); err != nil {
		metrics.IncNotification(metrics.ResultError)
		logger.Error("escalation notification failed", zap.Int("recipients", len(recipients)), zap.Error(err))
		return
	}
	metrics.IncNotification(metrics.ResultSuccess)
}
