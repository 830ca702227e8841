package shift

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Validation reasons.
const (
	ReasonAlreadyOnDuty = "already on duty"
	ReasonBreakTooShort = "minimum break not yet elapsed"
	ReasonNotOnDuty     = "not on duty"
	ReasonNotesRequired = "handover notes required while alerts are unresolved"
	ReasonScopeRequired = "hospital scope required"
)

var (
	// ErrNotFound indicates a missing handover record.
	ErrNotFound = errors.New("shift: not found")
	// ErrInvalidRules marks unusable guard configuration.
	ErrInvalidRules = errors.New("shift: invalid rules")
)

// ValidationError rejects a shift transition. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "shift: " + e.Reason
}

// State is one staff member's duty status.
type State struct {
	UserID          string    `json:"user_id"`
	HospitalScopeID string    `json:"hospital_scope_id"`
	OnDuty          bool      `json:"is_on_duty"`
	ShiftStart      time.Time `json:"shift_start,omitempty"`
	ShiftEnd        time.Time `json:"shift_end,omitempty"`
	// EndedAt is when the shift was actually closed. It is later than
	// ShiftEnd when the shift overran its maximum length.
	EndedAt           time.Time `json:"ended_at,omitempty"`
	LastHandoverNotes string    `json:"last_handover_notes,omitempty"`
	// RosterTier is the lowest escalation tier at which this person is paged.
	RosterTier int       `json:"roster_tier"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HandoverRecord hands unresolved alerts to the next on-duty staff.
type HandoverRecord struct {
	ID                 string    `json:"id"`
	FromUserID         string    `json:"from_user_id"`
	HospitalScopeID    string    `json:"hospital_scope_id"`
	Notes              string    `json:"notes"`
	UnresolvedAlertIDs []string  `json:"unresolved_alert_ids"`
	ShiftStart         time.Time `json:"shift_start"`
	ShiftEnd           time.Time `json:"shift_end"`
	CreatedAt          time.Time `json:"created_at"`
}

// Decision is the outcome of a can-start or can-end check.
type Decision struct {
	Allowed            bool      `json:"allowed"`
	Reason             string    `json:"reason,omitempty"`
	NotesRequired      bool      `json:"notes_required,omitempty"`
	UnresolvedAlertIDs []string  `json:"unresolved_alert_ids,omitempty"`
	AvailableAt        time.Time `json:"available_at,omitempty"`
}

// Rules bounds shift length and rest time.
type Rules struct {
	MaxShiftDuration time.Duration
	MinBreakDuration time.Duration
	MinNotesLength   int
}

// DefaultRules returns the default duty rules.
func DefaultRules() Rules {
	return Rules{
		MaxShiftDuration: 12 * time.Hour,
		MinBreakDuration: 8 * time.Hour,
		MinNotesLength:   10,
	}
}

// Validate checks rule values.
func (r Rules) Validate() error {
	switch {
	case r.MaxShiftDuration <= 0:
		return errors.Join(ErrInvalidRules, errors.New("max shift duration must be positive"))
	case r.MinBreakDuration < 0:
		return errors.Join(ErrInvalidRules, errors.New("min break duration must not be negative"))
	case r.MinNotesLength < 0:
		return errors.Join(ErrInvalidRules, errors.New("min notes length must not be negative"))
	}
	return nil
}

// CanStart reports whether a shift may start at now given the prior state.
// The break is measured from the later of the recorded and the actual end
// of the previous shift.
func (r Rules) CanStart(state *State, now time.Time) Decision {
	if state == nil {
		return Decision{Allowed: true}
	}
	if state.OnDuty {
		return Decision{Reason: ReasonAlreadyOnDuty}
	}
	left := state.ShiftEnd
	if state.EndedAt.After(left) {
		left = state.EndedAt
	}
	if left.IsZero() {
		return Decision{Allowed: true}
	}
	availableAt := left.Add(r.MinBreakDuration)
	if now.Sub(left) < r.MinBreakDuration {
		return Decision{Reason: ReasonBreakTooShort, AvailableAt: availableAt}
	}
	return Decision{Allowed: true}
}

// NotesSufficient reports whether notes satisfy the handover requirement.
func (r Rules) NotesSufficient(notes string, unresolved int) bool {
	if unresolved == 0 {
		return true
	}
	return utf8.RuneCountInString(notes) >= r.MinNotesLength && notes != ""
}

// ClampEnd returns the recorded end of a shift ending at now and how far it overran.
func (r Rules) ClampEnd(start, now time.Time) (time.Time, time.Duration) {
	limit := start.Add(r.MaxShiftDuration)
	if now.After(limit) {
		return limit, now.Sub(limit)
	}
	return now, 0
}
