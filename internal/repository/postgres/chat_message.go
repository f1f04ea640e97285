package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/internal/repository"
)

type chatMessageRepository struct {
	db *sqlx.DB
}

func NewChatMessageRepository(db *sqlx.DB) repository.ChatMessageRepository {
	return &chatMessageRepository{db: db}
}

// Create persists the message and fills in the database-assigned sequence
// number. The seq column is a BIGSERIAL, so messages stamped with the same
// created_at still interleave deterministically.
func (r *chatMessageRepository) Create(ctx context.Context, msg *model.ChatMessage) error {
	query := `
		INSERT INTO chat_messages (
			id, appointment_id, sender_id, sender_role,
			content, type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := r.db.QueryRowContext(ctx, query,
		msg.ID,
		msg.AppointmentID,
		msg.SenderID,
		msg.SenderRole,
		msg.Content,
		msg.Type,
		msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to create chat message: %w", err)
	}
	return nil
}

func (r *chatMessageRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.ChatMessage, error) {
	query := `
		SELECT id, appointment_id, sender_id, sender_role,
			   content, type, seq, created_at
		FROM chat_messages
		WHERE appointment_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	var messages []*model.ChatMessage
	if err := r.db.SelectContext(ctx, &messages, query, appointmentID); err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return messages, nil
}
