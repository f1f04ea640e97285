package access

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
	"github.com/jwalitptl/consult-api/internal/repository"
)

// AccessWindow is how long after completion a consultation remains
// reachable for follow-up.
const AccessWindow = 30 * time.Hour

const (
	msgNoAppointment = "No appointment found with this doctor. Please book a new appointment to start a consultation."
	msgExpired       = "Your consultation access window has expired. Please book a new appointment."
	msgPreWindow     = "Your appointment is scheduled. You can join the consultation when it begins."
	msgInWindow      = "Your appointment is active. You can join the consultation now."
)

type Service struct {
	repo repository.AppointmentReader
	now  func() time.Time
}

func NewService(repo repository.AppointmentReader) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// CheckAccess evaluates whether the patient/doctor pair may open a
// consultation room right now. The decision is a pure function of the
// appointment records and the wall clock; it is never cached, because
// eligibility can lapse between page load and call start.
//
// Business outcomes (no appointment, expired window) are reported through
// the decision, never as errors. Only infrastructure failures return an
// error.
func (s *Service) CheckAccess(ctx context.Context, patientID, doctorID uuid.UUID) (*model.AccessDecision, error) {
	now := s.now()

	appointments, err := s.repo.ListBetween(ctx, patientID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load appointments: %w", err)
	}

	var (
		candidates []*model.Appointment
		sawExpired bool
	)
	for _, apt := range appointments {
		switch apt.Status {
		case model.AppointmentStatusScheduled, model.AppointmentStatusConfirmed:
			candidates = append(candidates, apt)
		case model.AppointmentStatusCompleted:
			if apt.CompletedAt == nil {
				continue
			}
			if now.Sub(*apt.CompletedAt) < AccessWindow {
				candidates = append(candidates, apt)
			} else {
				sawExpired = true
			}
		}
	}

	if len(candidates) == 0 {
		msg := msgNoAppointment
		if sawExpired {
			msg = msgExpired
		}
		return &model.AccessDecision{HasAccess: false, Message: msg}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ScheduledDate.After(candidates[j].ScheduledDate)
	})
	apt := candidates[0]

	id := apt.ID
	decision := &model.AccessDecision{
		HasAccess:     true,
		AppointmentID: &id,
	}

	if apt.Status == model.AppointmentStatusCompleted {
		windowEnd := apt.CompletedAt.Add(AccessWindow)
		remaining := int(math.Ceil(windowEnd.Sub(now).Hours()))
		decision.AccessType = model.AccessPostConsultation
		decision.RemainingHours = remaining
		decision.Message = fmt.Sprintf("Your consultation ended recently. You have %d hour(s) of follow-up access remaining.", remaining)
		return decision, nil
	}

	if apt.ScheduledDate.After(now) {
		decision.AccessType = model.AccessPreAppointment
		decision.Message = msgPreWindow
	} else {
		decision.AccessType = model.AccessAppointmentWindow
		decision.Message = msgInWindow
	}
	return decision, nil
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
