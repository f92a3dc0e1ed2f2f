package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentFilter drives the staff-facing appointment list. Nil fields are
// not filtered on.
type AppointmentFilter struct {
	DoctorID  *uuid.UUID
	UnitID    *uuid.UUID
	PatientID *uuid.UUID
	Status    *AppointmentStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type QueueFilter struct {
	State  *QueueEntryState
	Reason *RescheduleReason
	Limit  int
	Offset int
}

// Repository contains all store interactions needed by the engine.
// Implementations must guarantee that each single call either fully commits
// or has no effect; InTx extends that to multi-statement sequences.
type Repository interface {
	// InTx runs fn against a transactional view of the repository. Writes
	// are committed only if fn returns nil.
	InTx(ctx context.Context, fn func(r Repository) error) error

	// Master data, read-only from this engine's perspective.
	GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetUnitByID(ctx context.Context, id uuid.UUID) (*Unit, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetWeeklyWindows(ctx context.Context, doctorID uuid.UUID) ([]WeeklyWindow, error)
	ListScheduleExceptions(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]ScheduleException, error)

	// Appointments.
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListActiveByUnit(ctx context.Context, unitID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListActiveByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	// UpdateAppointment commits a new revision iff the stored version equals
	// expectedVersion; otherwise ErrStaleVersion and no mutation.
	UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error)

	// Reschedule queue.
	CreateQueueEntry(ctx context.Context, e *RescheduleQueueEntry) (*RescheduleQueueEntry, error)
	GetQueueEntryByAppointment(ctx context.Context, appointmentID uuid.UUID) (*RescheduleQueueEntry, error)
	// DueQueueEntries returns queued entries with NextRetryAt <= now ordered
	// by priority descending, then EnqueuedAt ascending.
	DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]RescheduleQueueEntry, error)
	// UpdateQueueEntryState transitions an entry iff it is currently in the
	// from state; used by the matcher to claim entries. Stamps ClaimedAt.
	UpdateQueueEntryState(ctx context.Context, id uuid.UUID, from, to QueueEntryState) (*RescheduleQueueEntry, error)
	// ReclaimStaleEntries returns matching entries claimed before the cutoff
	// to queued, so a matcher that died mid-match never strands work.
	ReclaimStaleEntries(ctx context.Context, claimedBefore time.Time) (int64, error)
	RequeueEntry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error
	EscalateEntry(ctx context.Context, id uuid.UUID, attempts int) error
	DeleteQueueEntry(ctx context.Context, id uuid.UUID) error
	ListQueueEntries(ctx context.Context, f QueueFilter) ([]RescheduleQueueEntry, error)
	CountQueuedEntries(ctx context.Context) (int64, error)

	// Event audit log.
	InsertEvent(ctx context.Context, ev EventLog) error
}
