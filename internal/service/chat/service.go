package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/internal/repository"
	"github.com/jwalitptl/consult-api/internal/service/room"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/messaging"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

// Channel carries chat fan-out between service instances. Payloads are
// ChatMessage JSON; the appointment ID rides inside the message.
const Channel = "consult:chat"

const maxContentLength = 4000

type Service struct {
	repo    repository.ChatMessageRepository
	broker  messaging.Broker
	rooms   *room.Registry
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(
	repo repository.ChatMessageRepository,
	broker messaging.Broker,
	rooms *room.Registry,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		repo:    repo,
		broker:  broker,
		rooms:   rooms,
		logger:  log,
		metrics: m,
	}
}

// Send validates, persists, and only then broadcasts the message. Because
// persistence completes before any participant sees the message live, the
// live feed is always consistent with what a later joiner replays from
// history.
func (s *Service) Send(ctx context.Context, appointmentID, senderID uuid.UUID, role model.Role, content string, msgType model.MessageType) (*model.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.BadRequest("message content cannot be empty", nil)
	}
	if len(content) > maxContentLength {
		return nil, apperrors.BadRequest("message content too long", nil)
	}
	if msgType == "" {
		msgType = model.MessageTypeText
	}

	msg := &model.ChatMessage{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		SenderID:      senderID,
		SenderRole:    role,
		Content:       content,
		Type:          msgType,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		s.metrics.DatabaseOperations.WithLabelValues("chat_create", "error").Inc()
		return nil, fmt.Errorf("failed to persist chat message: %w", err)
	}
	s.metrics.DatabaseOperations.WithLabelValues("chat_create", "success").Inc()
	s.metrics.ChatMessagesSent.Inc()

	// The message is durable; a fan-out failure costs live delivery on
	// remote instances, not consistency. Local members still get it.
	if err := s.broker.Publish(ctx, Channel, msg); err != nil {
		s.logger.Error(err, "chat fan-out publish failed",
			"appointment_id", appointmentID.String())
		s.deliver(msg)
	}

	return msg, nil
}

// History returns the full persisted transcript for the appointment in
// (created_at, seq) order.
func (s *Service) History(ctx context.Context, appointmentID uuid.UUID) ([]*model.ChatMessage, error) {
	messages, err := s.repo.ListByAppointment(ctx, appointmentID)
	if err != nil {
		s.metrics.DatabaseOperations.WithLabelValues("chat_history", "error").Inc()
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	s.metrics.DatabaseOperations.WithLabelValues("chat_history", "success").Inc()
	s.metrics.ChatHistorySize.Observe(float64(len(messages)))
	return messages, nil
}

// StartFanout subscribes to the chat channel and delivers inbound messages
// to local room members until ctx is cancelled. Every instance runs one
// fan-out loop; instances hosting no participant for an appointment simply
// drop its messages.
func (s *Service) StartFanout(ctx context.Context) error {
	payloads, err := s.broker.Subscribe(ctx, Channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to chat channel: %w", err)
	}

	go func() {
		s.logger.Info("chat fan-out started")
		for payload := range payloads {
			start := time.Now()
			var msg model.ChatMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.logger.Error(err, "discarding malformed chat payload")
				continue
			}
			s.deliver(&msg)
			s.metrics.ChatFanoutLatency.Observe(time.Since(start).Seconds())
		}
		s.logger.Info("chat fan-out stopped")
	}()

	return nil
}

func (s *Service) deliver(msg *model.ChatMessage) {
	s.rooms.Broadcast(msg.AppointmentID, &model.SignalMessage{
		Type:          model.SignalChatMessage,
		AppointmentID: msg.AppointmentID.String(),
		Message:       msg,
	})
}
