package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText MessageType = "TEXT"
	MessageTypeFile MessageType = "FILE"
)

// ChatMessage is immutable once persisted. Messages are totally ordered by
// (CreatedAt, Seq); Seq is assigned by the database so that same-instant
// messages from different roles interleave deterministically.
type ChatMessage struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	AppointmentID uuid.UUID   `db:"appointment_id" json:"appointment_id"`
	SenderID      uuid.UUID   `db:"sender_id" json:"sender_id"`
	SenderRole    Role        `db:"sender_role" json:"sender_role"`
	Content       string      `db:"content" json:"content"`
	Type          MessageType `db:"type" json:"type"`
	Seq           int64       `db:"seq" json:"seq"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}
