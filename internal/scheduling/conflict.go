package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Candidate is a proposed appointment to validate against every resource it
// would consume.
type Candidate struct {
	DoctorID  uuid.UUID
	UnitID    uuid.UUID
	PatientID uuid.UUID
	Start     time.Time
	End       time.Time
}

// CheckConflict scans active appointments for overlap with the candidate,
// in order doctor, unit, patient, and returns the first conflict found so
// callers get a deterministic error for a given bad input. exclude skips the
// appointment being modified. The caller must hold the doctor and unit locks;
// the check does not re-validate after its own read.
func CheckConflict(ctx context.Context, repo Repository, cand Candidate, exclude *uuid.UUID) error {
	byDoctor, err := repo.ListActiveByDoctor(ctx, cand.DoctorID, cand.Start, cand.End)
	if err != nil {
		return fmt.Errorf("scan doctor appointments: %w", err)
	}
	if c := firstOverlap(byDoctor, cand, exclude); c != nil {
		return &ConflictError{Resource: ConflictDoctor, ConflictingAppointmentID: c.ID}
	}

	byUnit, err := repo.ListActiveByUnit(ctx, cand.UnitID, cand.Start, cand.End)
	if err != nil {
		return fmt.Errorf("scan unit appointments: %w", err)
	}
	if c := firstOverlap(byUnit, cand, exclude); c != nil {
		return &ConflictError{Resource: ConflictUnit, ConflictingAppointmentID: c.ID}
	}

	byPatient, err := repo.ListActiveByPatient(ctx, cand.PatientID, cand.Start, cand.End)
	if err != nil {
		return fmt.Errorf("scan patient appointments: %w", err)
	}
	if c := firstOverlap(byPatient, cand, exclude); c != nil {
		return &ConflictError{Resource: ConflictPatient, ConflictingAppointmentID: c.ID}
	}

	return nil
}

func firstOverlap(appts []Appointment, cand Candidate, exclude *uuid.UUID) *Appointment {
	for i := range appts {
		a := &appts[i]
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if Overlaps(a.Start, a.End, cand.Start, cand.End) {
			return a
		}
	}
	return nil
}
