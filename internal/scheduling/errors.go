package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrUnitNotFound        = errors.New("unit not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrQueueEntryNotFound  = errors.New("reschedule queue entry not found")

	// ErrStaleVersion means the caller's expected version lost an optimistic
	// concurrency race. Re-read and retry.
	ErrStaleVersion = errors.New("appointment version is stale")

	// ErrBusy means the resource locks could not be acquired in time, or the
	// store failed transiently. Nothing was committed; safe to retry.
	ErrBusy = errors.New("scheduling resources are busy, retry")

	// ErrMatchExhausted is returned by the matcher's slot search when the
	// whole look-ahead window comes up empty; it drives backoff.
	ErrMatchExhausted = errors.New("no available slot within look-ahead window")

	ErrInvalidStatusTransition = errors.New("invalid appointment status transition")
)

// ConflictResource identifies which resource a candidate collided on.
// Checks run doctor, then unit, then patient, so the reported resource is
// deterministic for a given store state.
type ConflictResource string

const (
	ConflictDoctor  ConflictResource = "doctor"
	ConflictUnit    ConflictResource = "unit"
	ConflictPatient ConflictResource = "patient"
)

type ConflictError struct {
	Resource                 ConflictResource
	ConflictingAppointmentID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict with appointment %s", e.Resource, e.ConflictingAppointmentID)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
