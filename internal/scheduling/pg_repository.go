package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve plain calls and calls inside InTx.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool *pgxpool.Pool // nil inside a transaction
	q    queryer
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		// Already transactional; run in the same scope.
		return fn(r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PgRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Scan helpers

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	if err := row.Scan(&c.ID, &c.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit
	if err := row.Scan(&u.ID, &u.ClinicID, &u.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.ClinicID, &d.DefaultUnitID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.UnitID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanQueueEntry(row pgx.Row) (*RescheduleQueueEntry, error) {
	var e RescheduleQueueEntry
	err := row.Scan(&e.ID, &e.AppointmentID, &e.Reason, &e.State, &e.EnqueuedAt, &e.Attempts, &e.NextRetryAt, &e.ClaimedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

const appointmentColumns = `id, patient_id, doctor_id, unit_id, start_time, end_time, status, version, created_at, updated_at`

const queueEntryColumns = `id, appointment_id, reason, state, enqueued_at, attempts, next_retry_at, claimed_at`

// Master data

func (r *PgRepository) GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

func (r *PgRepository) GetUnitByID(ctx context.Context, id uuid.UUID) (*Unit, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, clinic_id, name
		FROM units
		WHERE id = $1
	`, id)
	return scanUnit(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, specialty, clinic_id, default_unit_id, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetWeeklyWindows(ctx context.Context, doctorID uuid.UUID) ([]WeeklyWindow, error) {
	rows, err := r.q.Query(ctx, `
		SELECT doctor_id, weekday, start_min, end_min
		FROM weekly_windows
		WHERE doctor_id = $1
		ORDER BY weekday, start_min
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WeeklyWindow
	for rows.Next() {
		var w WeeklyWindow
		var weekday int
		if err := rows.Scan(&w.DoctorID, &weekday, &w.StartMin, &w.EndMin); err != nil {
			return nil, err
		}
		w.Weekday = time.Weekday(weekday)
		result = append(result, w)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListScheduleExceptions(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]ScheduleException, error) {
	rows, err := r.q.Query(ctx, `
		SELECT doctor_id, date, closed, start_min, end_min
		FROM schedule_exceptions
		WHERE doctor_id = $1
		  AND date >= $2
		  AND date < $3
		ORDER BY date
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduleException
	for rows.Next() {
		var e ScheduleException
		if err := rows.Scan(&e.DoctorID, &e.Date, &e.Closed, &e.StartMin, &e.EndMin); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return r.listActive(ctx, "doctor_id", doctorID, from, to)
}

func (r *PgRepository) ListActiveByUnit(ctx context.Context, unitID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return r.listActive(ctx, "unit_id", unitID, from, to)
}

func (r *PgRepository) ListActiveByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return r.listActive(ctx, "patient_id", patientID, from, to)
}

// listActive does the overlap scan backing conflict checks and availability.
// The (doctor_id, start_time) and (unit_id, start_time) indexes carry it.
func (r *PgRepository) listActive(ctx context.Context, column string, id uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		  AND status IN ('scheduled', 'pending_reschedule')
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, id, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	qb := psql.Select(appointmentColumns).
		From("appointments").
		OrderBy("start_time")

	if f.DoctorID != nil {
		qb = qb.Where(sq.Eq{"doctor_id": *f.DoctorID})
	}
	if f.UnitID != nil {
		qb = qb.Where(sq.Eq{"unit_id": *f.UnitID})
	}
	if f.PatientID != nil {
		qb = qb.Where(sq.Eq{"patient_id": *f.PatientID})
	}
	if f.Status != nil {
		qb = qb.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.From != nil {
		qb = qb.Where(sq.GtOrEq{"end_time": *f.From})
	}
	if f.To != nil {
		qb = qb.Where(sq.Lt{"start_time": *f.To})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build appointment query: %w", err)
	}

	rows, err := r.q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, unit_id, start_time, end_time, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, a.ID, a.PatientID, a.DoctorID, a.UnitID, a.Start, a.End, a.Status, a.Version)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET unit_id = $2,
		    start_time = $3,
		    end_time = $4,
		    status = $5,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $6
		RETURNING `+appointmentColumns+`
	`, a.ID, a.UnitID, a.Start, a.End, a.Status, expectedVersion)

	updated, err := scanAppointment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, err
	}

	// Distinguish a missing row from a version race.
	if _, getErr := r.GetAppointmentByID(ctx, a.ID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStaleVersion
}

// Reschedule queue

// queuePriority orders entries patient_requested > doctor_unavailable >
// unit_closed; FIFO within a class.
const queuePriority = `CASE reason
	WHEN 'patient_requested' THEN 3
	WHEN 'doctor_unavailable' THEN 2
	ELSE 1
END`

func (r *PgRepository) CreateQueueEntry(ctx context.Context, e *RescheduleQueueEntry) (*RescheduleQueueEntry, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO reschedule_queue (id, appointment_id, reason, state, enqueued_at, attempts, next_retry_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		RETURNING `+queueEntryColumns+`
	`, e.ID, e.AppointmentID, e.Reason, e.State, e.EnqueuedAt, e.Attempts, e.NextRetryAt)
	return scanQueueEntry(row)
}

func (r *PgRepository) GetQueueEntryByAppointment(ctx context.Context, appointmentID uuid.UUID) (*RescheduleQueueEntry, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+queueEntryColumns+`
		FROM reschedule_queue
		WHERE appointment_id = $1
	`, appointmentID)
	return scanQueueEntry(row)
}

func (r *PgRepository) DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]RescheduleQueueEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+queueEntryColumns+`
		FROM reschedule_queue
		WHERE state = 'queued'
		  AND next_retry_at <= $1
		ORDER BY `+queuePriority+` DESC, enqueued_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectQueueEntries(rows)
}

func (r *PgRepository) UpdateQueueEntryState(ctx context.Context, id uuid.UUID, from, to QueueEntryState) (*RescheduleQueueEntry, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE reschedule_queue
		SET state = $2,
		    claimed_at = now()
		WHERE id = $1
		  AND state = $3
		RETURNING `+queueEntryColumns+`
	`, id, to, from)
	return scanQueueEntry(row)
}

func (r *PgRepository) ReclaimStaleEntries(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE reschedule_queue
		SET state = 'queued',
		    claimed_at = NULL
		WHERE state = 'matching'
		  AND claimed_at <= $1
	`, claimedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) RequeueEntry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE reschedule_queue
		SET state = 'queued',
		    attempts = $2,
		    next_retry_at = $3,
		    claimed_at = NULL
		WHERE id = $1
	`, id, attempts, nextRetryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *PgRepository) EscalateEntry(ctx context.Context, id uuid.UUID, attempts int) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE reschedule_queue
		SET state = 'escalated',
		    attempts = $2
		WHERE id = $1
	`, id, attempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *PgRepository) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM reschedule_queue
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *PgRepository) ListQueueEntries(ctx context.Context, f QueueFilter) ([]RescheduleQueueEntry, error) {
	qb := psql.Select(queueEntryColumns).
		From("reschedule_queue").
		OrderBy(queuePriority+" DESC", "enqueued_at ASC")

	if f.State != nil {
		qb = qb.Where(sq.Eq{"state": string(*f.State)})
	}
	if f.Reason != nil {
		qb = qb.Where(sq.Eq{"reason": string(*f.Reason)})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build queue query: %w", err)
	}

	rows, err := r.q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectQueueEntries(rows)
}

func collectQueueEntries(rows pgx.Rows) ([]RescheduleQueueEntry, error) {
	var result []RescheduleQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (r *PgRepository) CountQueuedEntries(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, `
		SELECT count(*)
		FROM reschedule_queue
		WHERE state = 'queued'
	`).Scan(&n)
	return n, err
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
