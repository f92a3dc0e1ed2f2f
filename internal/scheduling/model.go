package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled         AppointmentStatus = "scheduled"
	StatusCompleted         AppointmentStatus = "completed"
	StatusCancelled         AppointmentStatus = "cancelled"
	StatusPendingReschedule AppointmentStatus = "pending_reschedule"
)

// ActiveStatuses are the statuses that occupy their interval for conflict
// and availability purposes. Cancelled and completed appointments are kept
// for audit but never block a slot.
var ActiveStatuses = []AppointmentStatus{StatusScheduled, StatusPendingReschedule}

func (s AppointmentStatus) Active() bool {
	return s == StatusScheduled || s == StatusPendingReschedule
}

type Clinic struct {
	ID   uuid.UUID
	Name string
}

// Unit is a physical treatment room. At most one active appointment may
// occupy a unit at any instant.
type Unit struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Name     string
}

type Doctor struct {
	ID            uuid.UUID
	Name          string
	Specialty     *string
	ClinicID      uuid.UUID
	DefaultUnitID uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WeeklyWindow is one recurring availability window of a doctor's schedule.
// Times are minutes from midnight in the clinic's local day; End is
// exclusive. Overlapping windows for the same weekday are merged before use.
type WeeklyWindow struct {
	DoctorID uuid.UUID
	Weekday  time.Weekday
	StartMin int
	EndMin   int
}

// ScheduleException overrides the recurring schedule for a single date.
// Closed removes the day entirely; otherwise the override window replaces
// the recurring windows for that date.
type ScheduleException struct {
	DoctorID uuid.UUID
	Date     time.Time // midnight, clinic-local
	Closed   bool
	StartMin int
	EndMin   int
}

// Appointment occupies the half-open interval [Start, End). Version is a
// monotonic counter bumped on every committed write and used for optimistic
// concurrency. Rows are never deleted.
type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	UnitID    uuid.UUID
	Start     time.Time
	End       time.Time
	Status    AppointmentStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

// Overlaps reports whether two half-open intervals intersect. Touching
// endpoints do not conflict.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

type RescheduleReason string

const (
	ReasonPatientRequested  RescheduleReason = "patient_requested"
	ReasonDoctorUnavailable RescheduleReason = "doctor_unavailable"
	ReasonUnitClosed        RescheduleReason = "unit_closed"
)

// Priority orders queue entries; higher is matched first. Ties within a
// class are FIFO by EnqueuedAt.
func (r RescheduleReason) Priority() int {
	switch r {
	case ReasonPatientRequested:
		return 3
	case ReasonDoctorUnavailable:
		return 2
	case ReasonUnitClosed:
		return 1
	default:
		return 0
	}
}

type QueueEntryState string

const (
	EntryQueued    QueueEntryState = "queued"
	EntryMatching  QueueEntryState = "matching"
	EntryEscalated QueueEntryState = "escalated"
)

// RescheduleQueueEntry is the durable backlog record for an invalidated
// appointment. Removed on successful rebook or when the appointment is
// cancelled by staff; escalated entries stay for the staff queue page.
type RescheduleQueueEntry struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Reason        RescheduleReason
	State         QueueEntryState
	EnqueuedAt    time.Time
	Attempts      int
	NextRetryAt   time.Time
	// ClaimedAt is set when a matcher claims the entry and cleared on
	// requeue. Entries stuck in matching past the reclaim threshold (a
	// matcher crash or kill mid-match) are returned to queued based on it.
	ClaimedAt *time.Time
}

// EventLog is the audit copy of every emitted event.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
