package model

import "github.com/google/uuid"

type AccessType string

const (
	AccessPreAppointment    AccessType = "pre-appointment"
	AccessAppointmentWindow AccessType = "appointment-window"
	AccessPostConsultation  AccessType = "post-consultation"
)

// AccessDecision is the result of evaluating consultation eligibility at a
// point in time. It is derived, never persisted, and never cached: the
// decision depends on the wall clock and must be recomputed before every
// join attempt.
type AccessDecision struct {
	HasAccess      bool       `json:"has_access"`
	AccessType     AccessType `json:"access_type,omitempty"`
	RemainingHours int        `json:"remaining_hours,omitempty"`
	AppointmentID  *uuid.UUID `json:"appointment_id,omitempty"`
	Message        string     `json:"message"`
}
