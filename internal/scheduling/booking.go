package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dentacare/scheduling-engine/internal/events"
	"github.com/dentacare/scheduling-engine/internal/metrics"
	redisclient "github.com/dentacare/scheduling-engine/internal/redis"
)

// Options are the clinic-level booking constraints.
type Options struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Service owns every Appointment state transition. All writes run inside the
// per-resource critical section (doctor and unit locks, canonical order) and
// a repository transaction, so each operation either fully commits or has no
// effect.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	gateway  events.Gateway
	resolver *AvailabilityResolver
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     Options

	now func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, gateway events.Gateway, m *metrics.Metrics, log *zap.Logger, opts Options) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		gateway:  gateway,
		resolver: NewAvailabilityResolver(repo),
		metrics:  m,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

// AvailableWindows exposes the resolver for slot suggestions.
func (s *Service) AvailableWindows(ctx context.Context, doctorID, unitID uuid.UUID, date time.Time) ([]Interval, error) {
	return s.resolver.AvailableWindows(ctx, doctorID, unitID, date)
}

type BookRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	UnitID    uuid.UUID
	Start     time.Time
	End       time.Time
}

// Book validates the request, checks every resource for conflicts and
// commits a Scheduled appointment at version 1.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := s.validateInterval(req.Start, req.End); err != nil {
		s.count("book", "validation")
		return nil, err
	}
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		s.count("book", "validation")
		return nil, err
	}
	if _, err := s.repo.GetDoctorByID(ctx, req.DoctorID); err != nil {
		s.count("book", "validation")
		return nil, err
	}
	if _, err := s.repo.GetUnitByID(ctx, req.UnitID); err != nil {
		s.count("book", "validation")
		return nil, err
	}

	var (
		created *Appointment
		ev      events.Event
	)
	err := s.withLocks(ctx, []uuid.UUID{req.DoctorID}, []uuid.UUID{req.UnitID}, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(r Repository) error {
			cand := Candidate{
				DoctorID:  req.DoctorID,
				UnitID:    req.UnitID,
				PatientID: req.PatientID,
				Start:     req.Start,
				End:       req.End,
			}
			if err := CheckConflict(lockCtx, r, cand, nil); err != nil {
				return err
			}
			if err := s.checkWithinSchedule(lockCtx, r, req.DoctorID, req.Start, req.End); err != nil {
				return err
			}

			appt, err := r.CreateAppointment(lockCtx, &Appointment{
				ID:        uuid.New(),
				PatientID: req.PatientID,
				DoctorID:  req.DoctorID,
				UnitID:    req.UnitID,
				Start:     req.Start,
				End:       req.End,
				Status:    StatusScheduled,
				Version:   1,
			})
			if err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}
			created = appt
			ev, err = s.logEvent(lockCtx, r, events.TypeBooked, created, nil)
			return err
		})
	})
	if err != nil {
		s.count("book", resultLabel(err))
		return nil, err
	}

	s.count("book", "booked")
	s.publish(ctx, ev)
	return created, nil
}

type ModifyRequest struct {
	NewStart        *time.Time
	NewEnd          *time.Time
	NewUnitID       *uuid.UUID
	ExpectedVersion int64
}

// Modify moves an appointment to a new interval and/or unit under optimistic
// concurrency. Modifying a pending_reschedule appointment resolves it: the
// queue entry is removed and the appointment returns to scheduled.
func (s *Service) Modify(ctx context.Context, id uuid.UUID, req ModifyRequest) (*Appointment, error) {
	if req.NewStart == nil && req.NewEnd == nil && req.NewUnitID == nil {
		s.count("modify", "validation")
		return nil, invalid("", "nothing to modify")
	}

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		s.count("modify", "validation")
		return nil, err
	}

	start, end, unitID := current.Start, current.End, current.UnitID
	if req.NewStart != nil {
		start = *req.NewStart
	}
	if req.NewEnd != nil {
		end = *req.NewEnd
	}
	if req.NewUnitID != nil {
		unitID = *req.NewUnitID
		if _, err := s.repo.GetUnitByID(ctx, unitID); err != nil {
			s.count("modify", "validation")
			return nil, err
		}
	}
	if err := s.validateInterval(start, end); err != nil {
		s.count("modify", "validation")
		return nil, err
	}

	var (
		updated *Appointment
		ev      events.Event
	)
	err = s.withLocks(ctx, []uuid.UUID{current.DoctorID}, []uuid.UUID{current.UnitID, unitID}, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(r Repository) error {
			appt, err := r.GetAppointmentByID(lockCtx, id)
			if err != nil {
				return err
			}
			if appt.Version != req.ExpectedVersion {
				return ErrStaleVersion
			}
			if !appt.Status.Active() {
				return ErrInvalidStatusTransition
			}

			cand := Candidate{
				DoctorID:  appt.DoctorID,
				UnitID:    unitID,
				PatientID: appt.PatientID,
				Start:     start,
				End:       end,
			}
			if err := CheckConflict(lockCtx, r, cand, &appt.ID); err != nil {
				return err
			}
			if err := s.checkWithinSchedule(lockCtx, r, appt.DoctorID, start, end); err != nil {
				return err
			}

			wasPending := appt.Status == StatusPendingReschedule

			next := *appt
			next.Start = start
			next.End = end
			next.UnitID = unitID
			next.Status = StatusScheduled
			updated, err = r.UpdateAppointment(lockCtx, &next, req.ExpectedVersion)
			if err != nil {
				return err
			}

			if wasPending {
				if err := s.removeQueueEntry(lockCtx, r, appt.ID); err != nil {
					return err
				}
			}
			ev, err = s.logEvent(lockCtx, r, events.TypeModified, updated, nil)
			return err
		})
	})
	if err != nil {
		s.count("modify", resultLabel(err))
		return nil, err
	}

	s.count("modify", "modified")
	s.publish(ctx, ev)
	return updated, nil
}

// Cancel is terminal. The row is retained for audit; the original window is
// simply no longer considered by conflict checks.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	ev, err := s.transition(ctx, "cancel", id, expectedVersion, StatusCancelled, events.TypeCancelled)
	if err != nil {
		return err
	}
	s.publish(ctx, ev)
	return nil
}

// auditCompleted only ever hits event_logs; completion is a front-desk
// close-out with no outbound notification.
const auditCompleted events.Type = "COMPLETED"

// Complete is the front-desk close-out of a finished visit.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	_, err := s.transition(ctx, "complete", id, expectedVersion, StatusCompleted, auditCompleted)
	return err
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, expectedVersion int64, to AppointmentStatus, eventType events.Type) (events.Event, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		s.count(op, "validation")
		return events.Event{}, err
	}

	var ev events.Event
	err = s.withLocks(ctx, []uuid.UUID{current.DoctorID}, []uuid.UUID{current.UnitID}, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(r Repository) error {
			appt, err := r.GetAppointmentByID(lockCtx, id)
			if err != nil {
				return err
			}
			if appt.Version != expectedVersion {
				return ErrStaleVersion
			}
			switch to {
			case StatusCancelled:
				if !appt.Status.Active() {
					return ErrInvalidStatusTransition
				}
			case StatusCompleted:
				if appt.Status != StatusScheduled {
					return ErrInvalidStatusTransition
				}
			}

			wasPending := appt.Status == StatusPendingReschedule

			next := *appt
			next.Status = to
			updated, err := r.UpdateAppointment(lockCtx, &next, expectedVersion)
			if err != nil {
				return err
			}

			if wasPending {
				if err := s.removeQueueEntry(lockCtx, r, appt.ID); err != nil {
					return err
				}
			}
			ev, err = s.logEvent(lockCtx, r, eventType, updated, nil)
			return err
		})
	})
	if err != nil {
		s.count(op, resultLabel(err))
		return events.Event{}, err
	}

	s.count(op, string(to))
	return ev, nil
}

// Invalidate marks a scheduled appointment as pending_reschedule and
// enqueues it for rematching. Idempotent: an appointment that is already
// pending gets no second entry and no second event.
func (s *Service) Invalidate(ctx context.Context, id uuid.UUID, reason RescheduleReason) error {
	return s.invalidate(ctx, id, reason, nil)
}

// RequestReschedule is the patient-initiated invalidation, guarded by the
// optimistic version the caller last saw.
func (s *Service) RequestReschedule(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	return s.invalidate(ctx, id, ReasonPatientRequested, &expectedVersion)
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID, reason RescheduleReason, expectedVersion *int64) error {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return err
	}

	var (
		ev   events.Event
		noop bool
	)
	err = s.withLocks(ctx, []uuid.UUID{current.DoctorID}, []uuid.UUID{current.UnitID}, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(r Repository) error {
			appt, err := r.GetAppointmentByID(lockCtx, id)
			if err != nil {
				return err
			}
			// The version guard runs inside the critical section so a
			// concurrent modify cannot slip between check and commit.
			if expectedVersion != nil && appt.Version != *expectedVersion {
				return ErrStaleVersion
			}
			if appt.Status == StatusPendingReschedule {
				noop = true
				return nil
			}
			if appt.Status != StatusScheduled {
				return ErrInvalidStatusTransition
			}

			next := *appt
			next.Status = StatusPendingReschedule
			updated, err := r.UpdateAppointment(lockCtx, &next, appt.Version)
			if err != nil {
				return err
			}

			now := s.now().UTC()
			_, err = r.CreateQueueEntry(lockCtx, &RescheduleQueueEntry{
				ID:            uuid.New(),
				AppointmentID: appt.ID,
				Reason:        reason,
				State:         EntryQueued,
				EnqueuedAt:    now,
				Attempts:      0,
				NextRetryAt:   now,
			})
			if err != nil {
				return fmt.Errorf("enqueue reschedule entry: %w", err)
			}
			ev, err = s.logEvent(lockCtx, r, events.TypeInvalidatedForReschedule, updated, map[string]any{"reason": string(reason)})
			return err
		})
	})
	if err != nil {
		return err
	}
	if noop {
		return nil
	}

	if s.metrics != nil {
		s.metrics.InvalidationsTotal.WithLabelValues(string(reason)).Inc()
	}
	s.publish(ctx, ev)
	return nil
}

// Rebook commits a new slot for a pending_reschedule appointment. Used by
// the matcher; the slot was resolved outside the critical section, so the
// conflict check here is what detects a race loss.
func (s *Service) Rebook(ctx context.Context, id uuid.UUID, slot Interval) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		updated *Appointment
		ev      events.Event
	)
	err = s.withLocks(ctx, []uuid.UUID{current.DoctorID}, []uuid.UUID{current.UnitID}, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(r Repository) error {
			appt, err := r.GetAppointmentByID(lockCtx, id)
			if err != nil {
				return err
			}
			if appt.Status != StatusPendingReschedule {
				return ErrInvalidStatusTransition
			}

			cand := Candidate{
				DoctorID:  appt.DoctorID,
				UnitID:    appt.UnitID,
				PatientID: appt.PatientID,
				Start:     slot.Start,
				End:       slot.End,
			}
			if err := CheckConflict(lockCtx, r, cand, &appt.ID); err != nil {
				return err
			}
			if err := s.checkWithinSchedule(lockCtx, r, appt.DoctorID, slot.Start, slot.End); err != nil {
				return err
			}

			next := *appt
			next.Start = slot.Start
			next.End = slot.End
			next.Status = StatusScheduled
			updated, err = r.UpdateAppointment(lockCtx, &next, appt.Version)
			if err != nil {
				return err
			}
			if err := s.removeQueueEntry(lockCtx, r, appt.ID); err != nil {
				return err
			}
			ev, err = s.logEvent(lockCtx, r, events.TypeRebooked, updated, nil)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ev)
	return updated, nil
}

// OnScheduleChanged re-validates every scheduled appointment of the doctor
// inside the affected range against the (already persisted) new schedule and
// invalidates the ones that no longer fit. Returns how many were invalidated.
func (s *Service) OnScheduleChanged(ctx context.Context, doctorID uuid.UUID, from, to time.Time) (int, error) {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return 0, err
	}

	appts, err := s.repo.ListActiveByDoctor(ctx, doctorID, from, to)
	if err != nil {
		return 0, fmt.Errorf("list doctor appointments: %w", err)
	}

	invalidated := 0
	for _, appt := range appts {
		if appt.Status != StatusScheduled {
			continue
		}
		windows, err := s.resolver.ScheduleWindows(ctx, doctorID, appt.Start)
		if err != nil {
			return invalidated, err
		}
		if containedIn(windows, appt.Start, appt.End) {
			continue
		}
		if err := s.Invalidate(ctx, appt.ID, ReasonDoctorUnavailable); err != nil {
			return invalidated, fmt.Errorf("invalidate appointment %s: %w", appt.ID, err)
		}
		invalidated++
	}

	s.log.Info("schedule change processed",
		zap.String("doctor_id", doctorID.String()),
		zap.Int("invalidated", invalidated),
	)
	return invalidated, nil
}

// OnUnitClosed invalidates every scheduled appointment on the unit inside
// the closure range.
func (s *Service) OnUnitClosed(ctx context.Context, unitID uuid.UUID, from, to time.Time) (int, error) {
	if _, err := s.repo.GetUnitByID(ctx, unitID); err != nil {
		return 0, err
	}

	appts, err := s.repo.ListActiveByUnit(ctx, unitID, from, to)
	if err != nil {
		return 0, fmt.Errorf("list unit appointments: %w", err)
	}

	invalidated := 0
	for _, appt := range appts {
		if appt.Status != StatusScheduled {
			continue
		}
		if err := s.Invalidate(ctx, appt.ID, ReasonUnitClosed); err != nil {
			return invalidated, fmt.Errorf("invalidate appointment %s: %w", appt.ID, err)
		}
		invalidated++
	}

	s.log.Info("unit closure processed",
		zap.String("unit_id", unitID.String()),
		zap.Int("invalidated", invalidated),
	)
	return invalidated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, f)
}

func (s *Service) ListQueue(ctx context.Context, f QueueFilter) ([]RescheduleQueueEntry, error) {
	return s.repo.ListQueueEntries(ctx, f)
}

// Helpers

func (s *Service) validateInterval(start, end time.Time) error {
	if !start.Before(end) {
		return invalid("interval", "start must be before end")
	}
	d := end.Sub(start)
	if d < s.opts.MinDuration {
		return invalid("interval", fmt.Sprintf("duration below clinic minimum %s", s.opts.MinDuration))
	}
	if d > s.opts.MaxDuration {
		return invalid("interval", fmt.Sprintf("duration above clinic maximum %s", s.opts.MaxDuration))
	}
	if start.Before(s.now()) {
		return invalid("start", "must not be in the past")
	}
	sy, sm, sd := start.Date()
	ey, em, ed := end.Add(-time.Nanosecond).Date()
	if sy != ey || sm != em || sd != ed {
		return invalid("interval", "must not cross midnight")
	}
	return nil
}

// checkWithinSchedule verifies the interval lies inside the doctor's working
// windows for that date (recurring schedule plus exceptions, appointments
// ignored; overlap with them is the conflict checker's job).
func (s *Service) checkWithinSchedule(ctx context.Context, r Repository, doctorID uuid.UUID, start, end time.Time) error {
	resolver := NewAvailabilityResolver(r)
	windows, err := resolver.ScheduleWindows(ctx, doctorID, start)
	if err != nil {
		return err
	}
	if !containedIn(windows, start, end) {
		return invalid("interval", "outside the doctor's working hours")
	}
	return nil
}

func containedIn(windows []Interval, start, end time.Time) bool {
	for _, w := range windows {
		if !start.Before(w.Start) && !end.After(w.End) {
			return true
		}
	}
	return false
}

func (s *Service) withLocks(ctx context.Context, doctorIDs, unitIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithResourceLocks(ctx, redisclient.LockKeys(doctorIDs, unitIDs), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrBusy
	}
	return err
}

func (s *Service) removeQueueEntry(ctx context.Context, r Repository, appointmentID uuid.UUID) error {
	entry, err := r.GetQueueEntryByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrQueueEntryNotFound) {
			return nil
		}
		return err
	}
	return r.DeleteQueueEntry(ctx, entry.ID)
}

// buildEvent assembles the outbound event and its marshalled audit payload.
func (s *Service) buildEvent(t events.Type, appt *Appointment, extra map[string]any) (events.Event, []byte) {
	payload := map[string]any{
		"patient_id": appt.PatientID.String(),
		"doctor_id":  appt.DoctorID.String(),
		"unit_id":    appt.UnitID.String(),
		"start":      appt.Start,
		"end":        appt.End,
		"status":     string(appt.Status),
		"version":    appt.Version,
	}
	for k, v := range extra {
		payload[k] = v
	}

	ev := events.New(t, appt.ID, payload)

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event payload", zap.String("type", string(t)), zap.Error(err))
		data = nil
	}
	return ev, data
}

// logEvent writes the audit row in the same transaction as the transition it
// records, so a committed write can never be missing its event_logs row.
func (s *Service) logEvent(ctx context.Context, r Repository, t events.Type, appt *Appointment, extra map[string]any) (events.Event, error) {
	ev, data := s.buildEvent(t, appt, extra)
	apptID := appt.ID
	if err := r.InsertEvent(ctx, EventLog{
		EventType:     string(t),
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     ev.OccurredAt,
	}); err != nil {
		return events.Event{}, fmt.Errorf("insert event log: %w", err)
	}
	return ev, nil
}

// publish hands a committed event to the notification gateway. Detached from
// the request context: a caller gone right after commit must not drop the
// notification. Failures are logged, never returned.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.gateway.Publish(pubCtx, ev); err != nil {
		s.log.Error("publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// emit logs and publishes outside any transaction. Used for events the
// matcher raises on its own, not riding a booking transition.
func (s *Service) emit(ctx context.Context, t events.Type, appt *Appointment, extra map[string]any) {
	ctx = context.WithoutCancel(ctx)
	ev, data := s.buildEvent(t, appt, extra)
	apptID := appt.ID
	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     string(t),
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     ev.OccurredAt,
	}); err != nil {
		s.log.Error("insert event log", zap.String("type", string(t)), zap.Error(err))
	}
	s.publish(ctx, ev)
}

func (s *Service) count(op, result string) {
	if s.metrics != nil {
		s.metrics.BookingsTotal.WithLabelValues(op, result).Inc()
	}
}

func resultLabel(err error) string {
	var conflict *ConflictError
	var validation *ValidationError
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &validation):
		return "validation"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "error"
	}
}
