package alerts

import escalation "hospital-pager/internal/escalation/domain"

// CreatedPayload is carried by created events.
type CreatedPayload struct {
	Urgency   escalation.Urgency `json:"urgency"`
	Tier      int                `json:"tier"`
	Room      string             `json:"room,omitempty"`
	PatientID string             `json:"patient_id,omitempty"`
	Message   string             `json:"message,omitempty"`
	CreatedBy string             `json:"created_by"`
}

// TransitionPayload is carried by acknowledged and resolved events.
type TransitionPayload struct {
	Status  Status `json:"status"`
	ActorID string `json:"actor_id"`
	Tier    int    `json:"tier"`
}

// NewAlertInput is the caller-supplied part of a new alert.
type NewAlertInput struct {
	HospitalScopeID string             `json:"hospital_scope_id"`
	Urgency         escalation.Urgency `json:"urgency"`
	Room            string             `json:"room,omitempty"`
	PatientID       string             `json:"patient_id,omitempty"`
	Message         string             `json:"message,omitempty"`
}
