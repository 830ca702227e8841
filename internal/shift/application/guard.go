package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/audit"
	"hospital-pager/internal/auth"
	"hospital-pager/internal/observability/metrics"
	"hospital-pager/internal/persist"
	shift "hospital-pager/internal/shift/domain"
)

const (
	actionStart = "start"
	actionEnd   = "end"
)

// StateRepository stores duty state. Get returns nil when the user has no state yet.
type StateRepository interface {
	Get(ctx context.Context, userID string) (*shift.State, error)
	Save(ctx context.Context, state shift.State) error
}

// AlertLister lists unresolved alerts of a scope.
type AlertLister interface {
	ListUnresolved(ctx context.Context, hospitalScopeID string) ([]alerts.Alert, error)
}

// HandoverRecorder stores handover records. Recording the same id twice is a no-op.
type HandoverRecorder interface {
	RecordHandover(ctx context.Context, record shift.HandoverRecord) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// ToggleResult is the outcome of a duty transition.
type ToggleResult struct {
	State    shift.State           `json:"state"`
	Handover *shift.HandoverRecord `json:"handover,omitempty"`
	Overrun  time.Duration         `json:"overrun,omitempty"`
}

// Guard validates and applies shift start and end.
type Guard struct {
	states    StateRepository
	alerts    AlertLister
	handovers HandoverRecorder
	auditLog  audit.Logger
	rules     shift.Rules
	clock     Clock
	logger    *zap.Logger

	writer     *persist.Writer
	ownsWriter bool

	mu sync.Mutex
}

// Option configures the guard.
type Option func(*Guard)

// WithRules overrides the duty rules.
func WithRules(rules shift.Rules) Option {
	return func(g *Guard) {
		g.rules = rules
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAuditLogger records shift transitions in the audit trail.
func WithAuditLogger(logger audit.Logger) Option {
	return func(g *Guard) {
		g.auditLog = logger
	}
}

// WithWriter shares a write-behind writer for audit and handover records. The caller closes it.
func WithWriter(writer *persist.Writer) Option {
	return func(g *Guard) {
		g.writer = writer
	}
}

// NewGuard constructs a guard.
func NewGuard(states StateRepository, alertLister AlertLister, handovers HandoverRecorder, opts ...Option) (*Guard, error) {
	if states == nil {
		return nil, errors.New("shift: nil state repository")
	}
	if alertLister == nil {
		return nil, errors.New("shift: nil alert lister")
	}
	if handovers == nil {
		return nil, errors.New("shift: nil handover recorder")
	}
	g := &Guard{
		states:    states,
		alerts:    alertLister,
		handovers: handovers,
		rules:     shift.DefaultRules(),
		clock:     systemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.rules.Validate(); err != nil {
		return nil, err
	}
	if g.writer == nil {
		g.writer = persist.NewWriter(persist.WithLogger(g.logger))
		g.ownsWriter = true
	}
	return g, nil
}

// Rules returns the active duty rules.
func (g *Guard) Rules() shift.Rules {
	return g.rules
}

// State returns the user's duty state, or a blank off-duty state.
func (g *Guard) State(ctx context.Context, userID string) (shift.State, error) {
	state, err := g.states.Get(ctx, userID)
	if err != nil {
		return shift.State{}, err
	}
	if state == nil {
		return shift.State{UserID: userID, RosterTier: 1}, nil
	}
	return *state, nil
}

// CanStart reports whether the user may go on duty now.
func (g *Guard) CanStart(ctx context.Context, userID string) (shift.Decision, error) {
	if userID == "" {
		return shift.Decision{}, errors.New("shift: user id required")
	}
	state, err := g.states.Get(ctx, userID)
	if err != nil {
		return shift.Decision{}, err
	}
	return g.rules.CanStart(state, g.clock.Now()), nil
}

// CanEnd reports whether the user may go off duty and whether handover notes are required.
func (g *Guard) CanEnd(ctx context.Context, userID string) (shift.Decision, error) {
	if userID == "" {
		return shift.Decision{}, errors.New("shift: user id required")
	}
	state, err := g.states.Get(ctx, userID)
	if err != nil {
		return shift.Decision{}, err
	}
	if state == nil || !state.OnDuty {
		return shift.Decision{Reason: shift.ReasonNotOnDuty}, nil
	}
	ids, err := g.unresolved(ctx, state.HospitalScopeID)
	if err != nil {
		return shift.Decision{}, err
	}
	return shift.Decision{
		Allowed:            true,
		NotesRequired:      len(ids) > 0,
		UnresolvedAlertIDs: ids,
	}, nil
}

// Start puts the user on duty in a hospital scope.
func (g *Guard) Start(ctx context.Context, userID, scopeID string) (ToggleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result, err := g.startLocked(ctx, userID, scopeID)
	recordTransition(actionStart, err)
	return result, err
}

// End takes the user off duty. When the scope has unresolved alerts the notes must meet
// the minimum length and a handover record is written.
func (g *Guard) End(ctx context.Context, userID, notes string) (ToggleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result, err := g.endLocked(ctx, userID, notes)
	recordTransition(actionEnd, err)
	return result, err
}

// Toggle ends the shift of an on-duty user, otherwise starts one.
func (g *Guard) Toggle(ctx context.Context, userID, scopeID, notes string) (ToggleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if userID == "" {
		return ToggleResult{}, errors.New("shift: user id required")
	}
	state, err := g.states.Get(ctx, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	if state != nil && state.OnDuty {
		result, err := g.endLocked(ctx, userID, notes)
		recordTransition(actionEnd, err)
		return result, err
	}
	result, err := g.startLocked(ctx, userID, scopeID)
	recordTransition(actionStart, err)
	return result, err
}

// Flush waits for queued audit and handover writes.
func (g *Guard) Flush(ctx context.Context) error {
	return g.writer.Flush(ctx)
}

// Close flushes pending writes, closing the writer when the guard created it.
func (g *Guard) Close(ctx context.Context) error {
	if g.ownsWriter {
		return g.writer.Close(ctx)
	}
	return g.writer.Flush(ctx)
}

func (g *Guard) startLocked(ctx context.Context, userID, scopeID string) (ToggleResult, error) {
	if userID == "" {
		return ToggleResult{}, errors.New("shift: user id required")
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		scopeID = auth.ScopeIDFromContext(ctx)
	}
	if scopeID == "" {
		return ToggleResult{}, &shift.ValidationError{Reason: shift.ReasonScopeRequired}
	}
	if err := auth.EnsureScope(ctx, scopeID); err != nil {
		return ToggleResult{}, err
	}
	prior, err := g.states.Get(ctx, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	now := g.clock.Now().UTC()
	if decision := g.rules.CanStart(prior, now); !decision.Allowed {
		return ToggleResult{}, &shift.ValidationError{Reason: decision.Reason}
	}

	state := shift.State{UserID: userID, RosterTier: 1}
	if prior != nil {
		state = *prior
	}
	state.HospitalScopeID = scopeID
	state.OnDuty = true
	state.ShiftStart = now
	state.ShiftEnd = time.Time{}
	state.EndedAt = time.Time{}
	state.UpdatedAt = now
	if state.RosterTier < 1 {
		state.RosterTier = 1
	}
	if err := g.states.Save(ctx, state); err != nil {
		return ToggleResult{}, err
	}
	g.audit(ctx, state, "shift.start", map[string]any{
		"shift_start": state.ShiftStart,
	})
	g.logger.Info("shift started", zap.String("user_id", userID), zap.String("hospital_scope_id", scopeID))
	return ToggleResult{State: state}, nil
}

func (g *Guard) endLocked(ctx context.Context, userID, notes string) (ToggleResult, error) {
	if userID == "" {
		return ToggleResult{}, errors.New("shift: user id required")
	}
	state, err := g.states.Get(ctx, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	if state == nil || !state.OnDuty {
		return ToggleResult{}, &shift.ValidationError{Reason: shift.ReasonNotOnDuty}
	}
	ids, err := g.unresolved(ctx, state.HospitalScopeID)
	if err != nil {
		return ToggleResult{}, err
	}
	notes = strings.TrimSpace(notes)
	if !g.rules.NotesSufficient(notes, len(ids)) {
		return ToggleResult{}, &shift.ValidationError{Reason: shift.ReasonNotesRequired}
	}

	now := g.clock.Now().UTC()
	end, overrun := g.rules.ClampEnd(state.ShiftStart, now)
	closed := *state
	closed.OnDuty = false
	closed.ShiftEnd = end
	closed.EndedAt = now
	closed.LastHandoverNotes = notes
	closed.UpdatedAt = now
	if err := g.states.Save(ctx, closed); err != nil {
		return ToggleResult{}, err
	}

	result := ToggleResult{State: closed, Overrun: overrun}
	if len(ids) > 0 {
		record := shift.HandoverRecord{
			ID:                 "handover-" + uuid.NewString(),
			FromUserID:         userID,
			HospitalScopeID:    closed.HospitalScopeID,
			Notes:              notes,
			UnresolvedAlertIDs: ids,
			ShiftStart:         closed.ShiftStart,
			ShiftEnd:           closed.ShiftEnd,
			CreatedAt:          now,
		}
		g.writer.Submit(persist.Write{
			Apply: func(ctx context.Context) error {
				return g.handovers.RecordHandover(ctx, record)
			},
		})
		result.Handover = &record
	}

	metadata := map[string]any{
		"shift_start":          closed.ShiftStart,
		"shift_end":            closed.ShiftEnd,
		"notes":                notes,
		"unresolved_alert_ids": ids,
	}
	if overrun > 0 {
		metadata["ended_at"] = now
		metadata["overrun_seconds"] = int64(overrun / time.Second)
		g.logger.Warn("shift exceeded maximum duration",
			zap.String("user_id", userID),
			zap.Duration("overrun", overrun),
		)
	}
	if result.Handover != nil {
		metadata["handover_id"] = result.Handover.ID
	}
	g.audit(ctx, closed, "shift.end", metadata)
	g.logger.Info("shift ended",
		zap.String("user_id", userID),
		zap.String("hospital_scope_id", closed.HospitalScopeID),
		zap.Int("unresolved_alerts", len(ids)),
	)
	return result, nil
}

func (g *Guard) unresolved(ctx context.Context, scopeID string) ([]string, error) {
	list, err := g.alerts.ListUnresolved(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, alert := range list {
		ids = append(ids, alert.ID)
	}
	return ids, nil
}

func (g *Guard) audit(ctx context.Context, state shift.State, action string, metadata map[string]any) {
	if g.auditLog == nil {
		return
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		g.logger.Warn("encode audit metadata failed", zap.Error(err))
		raw = nil
	}
	info := audit.RequestFromContext(ctx)
	entry := audit.Normalize(audit.Entry{
		HospitalScopeID: state.HospitalScopeID,
		Actor:           actorOrUser(ctx, state.UserID),
		Role:            string(auth.RoleFromContext(ctx)),
		Action:          action,
		ResourceType:    "shift",
		ResourceID:      state.UserID,
		Metadata:        raw,
		IP:              info.IP,
		UserAgent:       info.UserAgent,
	}, g.clock.Now())
	logger := g.auditLog
	g.writer.Submit(persist.Write{
		Apply: func(ctx context.Context) error {
			return logger.Log(ctx, entry)
		},
	})
}

func actorOrUser(ctx context.Context, userID string) string {
	if subject := auth.SubjectFromContext(ctx); subject != "" {
		return subject
	}
	return userID
}

func recordTransition(action string, err error) {
	result := metrics.ResultSuccess
	var validation *shift.ValidationError
	switch {
	case errors.As(err, &validation):
		result = "rejected"
	case err != nil:
		result = metrics.ResultError
	}
	metrics.IncShiftTransition(action, result)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
