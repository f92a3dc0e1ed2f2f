package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

type BookAppointmentRequest struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	UnitID    string    `json:"unit_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type ModifyAppointmentRequest struct {
	NewStart        *time.Time `json:"new_start,omitempty"`
	NewEnd          *time.Time `json:"new_end,omitempty"`
	NewUnitID       *string    `json:"new_unit_id,omitempty"`
	ExpectedVersion int64      `json:"expected_version"`
}

type VersionedRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type ScheduleChangeRequest struct {
	DoctorID string    `json:"doctor_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

type UnitClosureRequest struct {
	UnitID string    `json:"unit_id"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	UnitID    uuid.UUID `json:"unit_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		UnitID:    a.UnitID,
		Start:     a.Start,
		End:       a.End,
		Status:    string(a.Status),
		Version:   a.Version,
	}
}

type WindowResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type QueueEntryResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Reason        string    `json:"reason"`
	State         string    `json:"state"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	NextRetryAt   time.Time `json:"next_retry_at"`
}

type InvalidatedResponse struct {
	Invalidated int `json:"invalidated"`
}

type ErrorResponse struct {
	Error                    string `json:"error"`
	Details                  string `json:"details,omitempty"`
	Resource                 string `json:"resource,omitempty"`
	ConflictingAppointmentID string `json:"conflicting_appointment_id,omitempty"`
}
