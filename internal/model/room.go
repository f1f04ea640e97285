package model

// Role identifies a participant's capability in a consultation room. A room
// pairs at most one session per role.
type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Opposite returns the peer role in a two-party room.
func (r Role) Opposite() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Presence is the room occupancy snapshot pushed to participants whenever
// membership or readiness changes.
type Presence struct {
	DoctorPresent  bool `json:"doctorPresent"`
	PatientPresent bool `json:"patientPresent"`
	DoctorReady    bool `json:"doctorReady"`
	PatientReady   bool `json:"patientReady"`
}

// BothReady reports mutual readiness, the cue for either side to initiate
// the call.
func (p Presence) BothReady() bool {
	return p.DoctorReady && p.PatientReady
}
