package model

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentStatusConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentStatusInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentStatusCompleted  AppointmentStatus = "COMPLETED"
	AppointmentStatusCancelled  AppointmentStatus = "CANCELLED"
)

// Appointment is the read-only view of an appointment record owned by the
// appointment-management subsystem. The consultation core never mutates it.
type Appointment struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	PatientID     uuid.UUID         `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	ScheduledDate time.Time         `db:"scheduled_date" json:"scheduled_date"`
	Status        AppointmentStatus `db:"status" json:"status"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}
