package consult

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/consult-api/internal/handler"
	"github.com/jwalitptl/consult-api/internal/middleware"
	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/internal/repository"
	"github.com/jwalitptl/consult-api/internal/service/access"
	"github.com/jwalitptl/consult-api/internal/service/chat"
	"github.com/jwalitptl/consult-api/internal/service/room"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
)

const wsWriteTimeout = 5 * time.Second

type Handler struct {
	access       *access.Service
	chat         *chat.Service
	rooms        *room.Registry
	appointments repository.AppointmentReader
	upgrader     websocket.Upgrader
	logger       *logger.Logger
	restTimeout  time.Duration
}

func NewHandler(
	accessSvc *access.Service,
	chatSvc *chat.Service,
	rooms *room.Registry,
	appointments repository.AppointmentReader,
	log *logger.Logger,
	restTimeout time.Duration,
) *Handler {
	if restTimeout <= 0 {
		restTimeout = middleware.DefaultTimeoutConfig().Duration
	}
	return &Handler{
		access:       accessSvc,
		chat:         chatSvc,
		rooms:        rooms,
		appointments: appointments,
		restTimeout:  restTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origins are enforced by the CORS layer; the handshake
			// itself is authenticated by token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	restTimeout := middleware.Timeout(middleware.TimeoutConfig{Duration: h.restTimeout})
	consultations := rg.Group("/consultations")
	{
		consultations.GET("/access", restTimeout, h.CheckAccess)
		consultations.GET("/:id/messages", restTimeout, h.History)
		// The signaling socket stays open for the whole consultation and
		// carries no request deadline.
		consultations.GET("/:id/ws", h.Connect)
	}
}

// CheckAccess evaluates consultation eligibility for the caller and the
// counterpart given in the query. The evaluation is fresh on every call.
func (h *Handler) CheckAccess(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role := c.MustGet(middleware.ContextRole).(model.Role)

	var patientID, doctorID uuid.UUID
	var err error
	switch role {
	case model.RolePatient:
		patientID = userID
		doctorID, err = uuid.Parse(c.Query("doctor_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid doctor ID"))
			return
		}
	case model.RoleDoctor:
		doctorID = userID
		patientID, err = uuid.Parse(c.Query("patient_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid patient ID"))
			return
		}
	}

	decision, err := h.access.CheckAccess(c.Request.Context(), patientID, doctorID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(decision))
}

// History returns the persisted transcript for an appointment the caller
// participates in.
func (h *Handler) History(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	appointmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	apt, err := h.appointments.Get(c.Request.Context(), appointmentID)
	if err != nil {
		c.Error(err)
		return
	}
	if apt.PatientID != userID && apt.DoctorID != userID {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse("not a participant of this appointment"))
		return
	}

	messages, err := h.chat.History(c.Request.Context(), appointmentID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(messages))
}

// Connect upgrades to a websocket and attaches the caller to the
// appointment's room. Access is re-evaluated at upgrade time regardless of
// any earlier CheckAccess result, because eligibility can lapse in between.
//
// After joining, the full chat history is replayed before any live message
// is delivered; live traffic arriving during the replay is buffered and
// flushed afterwards.
func (h *Handler) Connect(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	appointmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	apt, err := h.appointments.Get(c.Request.Context(), appointmentID)
	if err != nil {
		c.Error(err)
		return
	}

	// The role is resolved from the appointment record, not from the
	// client's claim about itself.
	var role model.Role
	switch userID {
	case apt.DoctorID:
		role = model.RoleDoctor
	case apt.PatientID:
		role = model.RolePatient
	default:
		c.JSON(http.StatusForbidden, handler.NewErrorResponse("not a participant of this appointment"))
		return
	}

	decision, err := h.access.CheckAccess(c.Request.Context(), apt.PatientID, apt.DoctorID)
	if err != nil {
		c.Error(err)
		return
	}
	if !decision.HasAccess {
		c.Error(apperrors.AuthorizationDenied(decision.Message))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Warn("websocket upgrade failed",
			"appointment_id", appointmentID.String(), "error", err.Error())
		return
	}

	sender := newWSSender(conn)
	if _, err := h.rooms.Join(appointmentID, role, userID, sender); err != nil {
		sender.Close("join rejected")
		return
	}

	// Replay history before releasing the live feed. Messages buffered
	// while the replay loads are deduplicated against it by seq.
	history, err := h.chat.History(c.Request.Context(), appointmentID)
	if err != nil {
		h.logger.Error(err, "history replay failed",
			"appointment_id", appointmentID.String())
		h.rooms.Leave(appointmentID, userID)
		sender.Close("history unavailable")
		return
	}
	sender.release(&model.SignalMessage{
		Type:          model.SignalHistory,
		AppointmentID: appointmentID.String(),
		Messages:      history,
	}, history)

	h.logger.Info("participant connected",
		"appointment_id", appointmentID.String(),
		"role", string(role))

	h.readPump(c, conn, sender, apt, role, userID)
}

func (h *Handler) readPump(c *gin.Context, conn *websocket.Conn, sender *wsSender, apt *model.Appointment, role model.Role, userID uuid.UUID) {
	defer func() {
		h.rooms.Leave(apt.ID, userID)
		sender.Close("")
		h.logger.Info("participant disconnected",
			"appointment_id", apt.ID.String(),
			"role", string(role))
	}()

	for {
		msg := new(model.SignalMessage)
		if err := conn.ReadJSON(msg); err != nil {
			return
		}

		switch msg.Type {
		case model.SignalJoin:
			// Membership was already established by the connection path; the
			// frame is accepted for wire compatibility.

		case model.SignalReady:
			h.rooms.SetReady(apt.ID, role, msg.Ready)

		case model.SignalOffer, model.SignalAnswer, model.SignalCandidate:
			msg.AppointmentID = apt.ID.String()
			msg.Role = role
			h.rooms.Relay(apt.ID, role, msg)

		case model.SignalChat:
			msgType := model.MessageTypeText
			if msg.Message != nil && msg.Message.Type != "" {
				msgType = msg.Message.Type
			}
			if _, err := h.chat.Send(c.Request.Context(), apt.ID, userID, role, msg.Content, msgType); err != nil {
				if apperrors.IsCode(err, apperrors.ErrBadRequest) {
					sender.Send(&model.SignalMessage{
						Type:          model.SignalChat,
						AppointmentID: apt.ID.String(),
						Reason:        err.Error(),
					})
					continue
				}
				h.logger.Error(err, "chat send failed",
					"appointment_id", apt.ID.String())
			}

		case model.SignalLeave:
			return

		default:
			h.logger.Debug("ignoring unknown signal",
				"appointment_id", apt.ID.String(),
				"type", string(msg.Type))
		}
	}
}

// signalConn is the write half of a consultation socket. Satisfied by
// *websocket.Conn.
type signalConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wsSender adapts a websocket connection to the room's Sender. It starts
// gated: live messages are buffered until the history replay has been
// written, so a joiner never sees a live message before its backlog.
type wsSender struct {
	conn signalConn

	mu      sync.Mutex
	gated   bool
	backlog []*model.SignalMessage
	closed  bool
}

func newWSSender(conn signalConn) *wsSender {
	return &wsSender{conn: conn, gated: true}
}

func (s *wsSender) Send(msg *model.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	if s.gated {
		s.backlog = append(s.backlog, msg)
		return nil
	}
	return s.write(msg)
}

// release writes the history frame directly and then flushes buffered live
// messages, skipping chat messages already covered by the replay. The frame
// must not go through the gated Send: it would land behind live messages
// that raced the history query, and a joiner would see them first.
func (s *wsSender) release(frame *model.SignalMessage, history []*model.ChatMessage) {
	var lastSeq int64
	if n := len(history); n > 0 {
		lastSeq = history[n-1].Seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gated = false
	backlog := s.backlog
	s.backlog = nil
	if s.closed {
		return
	}
	if err := s.write(frame); err != nil {
		return
	}
	for _, msg := range backlog {
		if msg.Type == model.SignalChatMessage && msg.Message != nil && msg.Message.Seq <= lastSeq {
			continue
		}
		if err := s.write(msg); err != nil {
			break
		}
	}
}

func (s *wsSender) write(msg *model.SignalMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSender) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(wsWriteTimeout)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	s.conn.Close()
}
