package room

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

// Registry is the in-process arena of consultation rooms, keyed by
// appointment ID. Rooms are created on first join and discarded as soon as
// the last participant leaves; no signaling state outlives the room.
//
// The registry lock covers only the map. All room-scoped work runs under
// the room's own lock, so operations on distinct rooms never block each
// other.
type Registry struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room

	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewRegistry(log *logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   make(map[uuid.UUID]*Room),
		logger:  log,
		metrics: m,
	}
}

// Join adds a session to the appointment's room, creating the room if this
// is the first join. Authorization must already have been granted by the
// access service; the registry only enforces the one-session-per-role
// invariant, evicting any prior holder of the role.
func (reg *Registry) Join(appointmentID uuid.UUID, role model.Role, userID uuid.UUID, sender Sender) (*Room, error) {
	if !role.Valid() {
		return nil, apperrors.BadRequest("invalid participant role", nil)
	}

	for {
		reg.mu.Lock()
		rm, ok := reg.rooms[appointmentID]
		if !ok {
			rm = newRoom(appointmentID, reg.logger, reg.metrics)
			reg.rooms[appointmentID] = rm
			reg.metrics.ActiveRooms.Inc()
			reg.logger.Debug("room created", "appointment_id", appointmentID.String())
		}
		reg.mu.Unlock()

		// join fails only when the room emptied out and was closed between
		// the lookup and the join; loop to create a fresh one.
		if rm.join(role, userID, sender) {
			return rm, nil
		}
	}
}

// Leave removes the user's session from the appointment's room. If the room
// becomes empty it is discarded immediately.
func (reg *Registry) Leave(appointmentID, userID uuid.UUID) {
	reg.mu.Lock()
	rm, ok := reg.rooms[appointmentID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	if rm.leave(userID) {
		reg.mu.Lock()
		if current, ok := reg.rooms[appointmentID]; ok && current == rm {
			delete(reg.rooms, appointmentID)
			reg.metrics.ActiveRooms.Dec()
		}
		reg.mu.Unlock()
		reg.logger.Debug("room discarded", "appointment_id", appointmentID.String())
	}
}

// Relay forwards a signaling message from the given role to the other
// participant of the appointment's room, if any.
func (reg *Registry) Relay(appointmentID uuid.UUID, from model.Role, msg *model.SignalMessage) {
	reg.mu.Lock()
	rm, ok := reg.rooms[appointmentID]
	reg.mu.Unlock()
	if !ok {
		reg.metrics.SignalsDropped.WithLabelValues("no_room").Inc()
		return
	}
	rm.Relay(from, msg)
}

// SetReady toggles the readiness flag for the role in the appointment's
// room and pushes the updated presence to both participants.
func (reg *Registry) SetReady(appointmentID uuid.UUID, role model.Role, ready bool) {
	reg.mu.Lock()
	rm, ok := reg.rooms[appointmentID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	rm.SetReady(role, ready)
}

// Broadcast delivers msg to every member of the appointment's room. No-op
// when no room is open, which is normal: chat fan-out reaches instances
// that host no participant for the appointment.
func (reg *Registry) Broadcast(appointmentID uuid.UUID, msg *model.SignalMessage) {
	reg.mu.Lock()
	rm, ok := reg.rooms[appointmentID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	rm.Broadcast(msg)
}

// Presence returns the occupancy snapshot of the appointment's room, or the
// zero snapshot when no room is open.
func (reg *Registry) Presence(appointmentID uuid.UUID) model.Presence {
	reg.mu.Lock()
	rm, ok := reg.rooms[appointmentID]
	reg.mu.Unlock()
	if !ok {
		return model.Presence{}
	}
	return rm.Presence()
}

// Len returns the number of open rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown closes every open room, notifying connected participants.
func (reg *Registry) Shutdown(reason string) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for id, rm := range reg.rooms {
		rooms = append(rooms, rm)
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	for _, rm := range rooms {
		rm.shutdown(reason)
		reg.metrics.ActiveRooms.Dec()
	}
}
