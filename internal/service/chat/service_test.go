package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/internal/service/room"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

var testMetrics = metrics.NewMetrics("test", "chat")

type fakeChatRepo struct {
	mu       sync.Mutex
	messages []*model.ChatMessage
	nextSeq  int64
	err      error
}

func (f *fakeChatRepo) Create(ctx context.Context, msg *model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.nextSeq++
	msg.Seq = f.nextSeq
	stored := *msg
	f.messages = append(f.messages, &stored)
	return nil
}

func (f *fakeChatRepo) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.ChatMessage
	for _, msg := range f.messages {
		if msg.AppointmentID == appointmentID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeChatRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeBroker struct {
	mu         sync.Mutex
	published  []*model.ChatMessage
	onPublish  func(msg *model.ChatMessage)
	publishErr error
	inbound    chan []byte
}

func (f *fakeBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	msg := message.(*model.ChatMessage)
	if f.onPublish != nil {
		f.onPublish(msg)
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return f.inbound, nil
}

func (f *fakeBroker) Close() error { return nil }

type recordingSender struct {
	mu       sync.Mutex
	messages []*model.SignalMessage
}

func (r *recordingSender) Send(msg *model.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSender) Close(reason string) {}

func (r *recordingSender) chatMessages() []*model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ChatMessage
	for _, msg := range r.messages {
		if msg.Type == model.SignalChatMessage && msg.Message != nil {
			out = append(out, msg.Message)
		}
	}
	return out
}

func newTestService(t *testing.T, repo *fakeChatRepo, broker *fakeBroker) (*Service, *room.Registry) {
	t.Helper()
	rooms := room.NewRegistry(logger.NewLogger(nil), testMetrics)
	svc := NewService(repo, broker, rooms, logger.NewLogger(nil), testMetrics)
	return svc, rooms
}

func TestSendPersistsBeforeFanout(t *testing.T) {
	repo := &fakeChatRepo{}
	broker := &fakeBroker{}
	// The broker observes the repository at publish time: the message must
	// already be durable when fan-out begins.
	broker.onPublish = func(msg *model.ChatMessage) {
		assert.Equal(t, 1, repo.count(), "message must be persisted before it is published")
	}
	svc, _ := newTestService(t, repo, broker)

	aptID := uuid.New()
	msg, err := svc.Send(context.Background(), aptID, uuid.New(), model.RolePatient, "hello doctor", model.MessageTypeText)
	require.NoError(t, err)

	assert.Equal(t, int64(1), msg.Seq)
	assert.Len(t, broker.published, 1)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	repo := &fakeChatRepo{}
	svc, _ := newTestService(t, repo, &fakeBroker{})

	_, err := svc.Send(context.Background(), uuid.New(), uuid.New(), model.RolePatient, "   \n\t ", model.MessageTypeText)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))
	assert.Equal(t, 0, repo.count())
}

func TestSendRejectsOversizedContent(t *testing.T) {
	repo := &fakeChatRepo{}
	svc, _ := newTestService(t, repo, &fakeBroker{})

	long := make([]byte, maxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := svc.Send(context.Background(), uuid.New(), uuid.New(), model.RoleDoctor, string(long), model.MessageTypeText)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))
}

func TestSendPersistFailureMeansNoDelivery(t *testing.T) {
	repo := &fakeChatRepo{err: errors.New("connection reset")}
	broker := &fakeBroker{}
	svc, _ := newTestService(t, repo, broker)

	_, err := svc.Send(context.Background(), uuid.New(), uuid.New(), model.RolePatient, "hello", model.MessageTypeText)
	require.Error(t, err)
	assert.Empty(t, broker.published)
}

func TestSendFallsBackToLocalDeliveryOnPublishFailure(t *testing.T) {
	repo := &fakeChatRepo{}
	broker := &fakeBroker{publishErr: errors.New("broker down")}
	svc, rooms := newTestService(t, repo, broker)

	aptID := uuid.New()
	sender := &recordingSender{}
	_, err := rooms.Join(aptID, model.RoleDoctor, uuid.New(), sender)
	require.NoError(t, err)

	msg, err := svc.Send(context.Background(), aptID, uuid.New(), model.RolePatient, "still delivered", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count())

	delivered := sender.chatMessages()
	require.Len(t, delivered, 1)
	assert.Equal(t, msg.ID, delivered[0].ID)
}

func TestFanoutDeliversToLocalRoom(t *testing.T) {
	repo := &fakeChatRepo{}
	inbound := make(chan []byte, 1)
	broker := &fakeBroker{inbound: inbound}
	svc, rooms := newTestService(t, repo, broker)

	aptID := uuid.New()
	sender := &recordingSender{}
	_, err := rooms.Join(aptID, model.RoleDoctor, uuid.New(), sender)
	require.NoError(t, err)

	require.NoError(t, svc.StartFanout(context.Background()))

	msg := &model.ChatMessage{
		ID:            uuid.New(),
		AppointmentID: aptID,
		SenderID:      uuid.New(),
		SenderRole:    model.RolePatient,
		Content:       "from another instance",
		Type:          model.MessageTypeText,
		Seq:           7,
		CreatedAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	inbound <- payload
	close(inbound)

	require.Eventually(t, func() bool {
		return len(sender.chatMessages()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, msg.ID, sender.chatMessages()[0].ID)
}

func TestHistoryReturnsTranscript(t *testing.T) {
	repo := &fakeChatRepo{}
	svc, _ := newTestService(t, repo, &fakeBroker{})

	aptID := uuid.New()
	for _, content := range []string{"first", "second", "third"} {
		_, err := svc.Send(context.Background(), aptID, uuid.New(), model.RolePatient, content, model.MessageTypeText)
		require.NoError(t, err)
	}

	history, err := svc.History(context.Background(), aptID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "third", history[2].Content)
	assert.Less(t, history[0].Seq, history[1].Seq)
	assert.Less(t, history[1].Seq, history[2].Seq)
}
