package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
)

// AppointmentReader is the read-only view of the appointment store owned by
// the appointment-management subsystem.
type AppointmentReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	// ListBetween returns every appointment linking the given patient and
	// doctor, most recent scheduled date first.
	ListBetween(ctx context.Context, patientID, doctorID uuid.UUID) ([]*model.Appointment, error)
}

type ChatMessageRepository interface {
	Create(ctx context.Context, msg *model.ChatMessage) error
	// ListByAppointment returns all messages for the appointment ordered by
	// (created_at, seq).
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.ChatMessage, error)
}
