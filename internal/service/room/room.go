package room

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

// Sender delivers signaling events to one participant's connection. Send is
// best-effort: a failure affects only that connection, never the room.
type Sender interface {
	Send(msg *model.SignalMessage) error
	// Close tears down the underlying channel. Called on eviction and on
	// registry shutdown; reason is forwarded to the client.
	Close(reason string)
}

// Session is one participant's membership in a room. Owned exclusively by
// the room; all access goes through the room's lock.
type Session struct {
	Role        model.Role
	UserID      uuid.UUID
	ConnectedAt time.Time
	Ready       bool

	sender Sender
}

// Room is the per-appointment rendezvous for at most one doctor-role and
// one patient-role session. Every operation on a room is serialized by its
// mutex; distinct rooms never contend.
type Room struct {
	appointmentID uuid.UUID

	mu       sync.Mutex
	sessions map[model.Role]*Session
	// closed is set once the last participant leaves; a closed room rejects
	// joins so the registry can discard it without racing a concurrent join.
	closed bool

	logger  *logger.Logger
	metrics *metrics.Metrics
}

func newRoom(appointmentID uuid.UUID, log *logger.Logger, m *metrics.Metrics) *Room {
	return &Room{
		appointmentID: appointmentID,
		sessions:      make(map[model.Role]*Session),
		logger:        log,
		metrics:       m,
	}
}

func (r *Room) AppointmentID() uuid.UUID {
	return r.appointmentID
}

// join installs a session for the role, evicting any prior holder. The
// evicted session's channel is told to close; eviction is never an error
// for the new joiner. Returns false if the room has already been discarded,
// in which case the caller must retry against a fresh room.
func (r *Room) join(role model.Role, userID uuid.UUID, sender Sender) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	if prior, ok := r.sessions[role]; ok {
		prior.sender.Send(&model.SignalMessage{
			Type:          model.SignalEvicted,
			AppointmentID: r.appointmentID.String(),
			Reason:        "another session joined with your role",
		})
		prior.sender.Close("evicted")
		r.metrics.RoomEvictions.Inc()
		r.logger.Info("session evicted",
			"appointment_id", r.appointmentID.String(),
			"role", string(role),
			"prior_user", prior.UserID.String())
	}

	r.sessions[role] = &Session{
		Role:        role,
		UserID:      userID,
		ConnectedAt: time.Now(),
		sender:      sender,
	}
	r.metrics.RoomJoins.WithLabelValues(string(role)).Inc()
	r.mu.Unlock()

	r.notifyPresence()
	return true
}

// leave removes the session held by userID. Returns true if the room became
// empty and has been marked closed; the registry discards it then.
func (r *Room) leave(userID uuid.UUID) bool {
	r.mu.Lock()
	removed := false
	for role, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, role)
			removed = true
		}
	}
	if !removed {
		r.mu.Unlock()
		return false
	}
	if len(r.sessions) == 0 {
		r.closed = true
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	r.notifyPresence()
	return false
}

// SetReady flips the readiness flag for the role and pushes the new
// presence snapshot to the room.
func (r *Room) SetReady(role model.Role, ready bool) {
	r.mu.Lock()
	s, ok := r.sessions[role]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.Ready = ready
	r.mu.Unlock()

	r.notifyPresence()
}

// Relay forwards msg to the opposite role's current session. The sender is
// never echoed to and the message is delivered to at most one recipient.
// Delivery is at-most-once: a send failure is counted and logged, not
// propagated.
func (r *Room) Relay(from model.Role, msg *model.SignalMessage) {
	r.mu.Lock()
	peer, ok := r.sessions[from.Opposite()]
	r.mu.Unlock()

	if !ok {
		r.metrics.SignalsDropped.WithLabelValues("peer_absent").Inc()
		return
	}
	if err := peer.sender.Send(msg); err != nil {
		r.metrics.SignalsDropped.WithLabelValues("send_failed").Inc()
		r.logger.Warn("relay send failed",
			"appointment_id", r.appointmentID.String(),
			"to_role", string(from.Opposite()),
			"type", string(msg.Type))
		return
	}
	r.metrics.SignalsRelayed.WithLabelValues(string(msg.Type)).Inc()
}

// Broadcast delivers msg to every current member. Used for chat fan-out,
// which shares room membership with the signaling relay.
func (r *Room) Broadcast(msg *model.SignalMessage) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.sender.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed",
				"appointment_id", r.appointmentID.String(),
				"role", string(s.Role))
		}
	}
}

// Presence returns the current occupancy snapshot.
func (r *Room) Presence() model.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

func (r *Room) presenceLocked() model.Presence {
	var p model.Presence
	if s, ok := r.sessions[model.RoleDoctor]; ok {
		p.DoctorPresent = true
		p.DoctorReady = s.Ready
	}
	if s, ok := r.sessions[model.RolePatient]; ok {
		p.PatientPresent = true
		p.PatientReady = s.Ready
	}
	return p
}

// notifyPresence pushes the presence snapshot to every member. Both sides
// receive it so that each observes mutual readiness regardless of who
// toggled last.
func (r *Room) notifyPresence() {
	r.mu.Lock()
	p := r.presenceLocked()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	msg := &model.SignalMessage{
		Type:          model.SignalPresence,
		AppointmentID: r.appointmentID.String(),
		Presence:      &p,
	}
	for _, s := range targets {
		if err := s.sender.Send(msg); err != nil {
			r.logger.Warn("presence send failed",
				"appointment_id", r.appointmentID.String(),
				"role", string(s.Role))
		}
	}
}

// shutdown closes every member channel. Registry-wide teardown only.
func (r *Room) shutdown(reason string) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for role, s := range r.sessions {
		targets = append(targets, s)
		delete(r.sessions, role)
	}
	r.closed = true
	r.mu.Unlock()

	for _, s := range targets {
		s.sender.Close(reason)
	}
}
