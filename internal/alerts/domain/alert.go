package alerts

import (
	"errors"
	"time"

	escalation "hospital-pager/internal/escalation/domain"
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

var (
	// ErrNotFound indicates a missing alert record.
	ErrNotFound = errors.New("alert: not found")
	// ErrInvalidTransition is returned for a lifecycle change the current status forbids.
	ErrInvalidTransition = errors.New("alert: invalid status transition")
	// ErrInvalidAlert marks incomplete create input.
	ErrInvalidAlert = errors.New("alert: invalid alert")
)

// Alert is one emergency or assistance request inside a hospital scope.
type Alert struct {
	ID              string             `json:"id"`
	HospitalScopeID string             `json:"hospital_scope_id"`
	Room            string             `json:"room,omitempty"`
	PatientID       string             `json:"patient_id,omitempty"`
	Message         string             `json:"message,omitempty"`
	Urgency         escalation.Urgency `json:"urgency"`
	Status          Status             `json:"status"`
	EscalationTier  int                `json:"escalation_tier"`
	CreatedBy       string             `json:"created_by"`
	AcknowledgedBy  string             `json:"acknowledged_by,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	TierChangedAt   time.Time          `json:"tier_changed_at"`
	AcknowledgedAt  time.Time          `json:"acknowledged_at,omitempty"`
	ResolvedAt      time.Time          `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Unresolved reports whether the alert still needs follow-up.
func (a Alert) Unresolved() bool {
	return a.Status != StatusResolved
}

// Escalating reports whether the alert's escalation timer should be running.
func (a Alert) Escalating() bool {
	return a.Status == StatusActive
}

// TierStartedAt returns when the current tier began.
func (a Alert) TierStartedAt() time.Time {
	if !a.TierChangedAt.IsZero() {
		return a.TierChangedAt
	}
	return a.CreatedAt
}
