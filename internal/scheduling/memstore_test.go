package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dentacare/scheduling-engine/internal/events"
	redisclient "github.com/dentacare/scheduling-engine/internal/redis"
)

// memRepo is an in-memory Repository with the same transactional contract as
// the Postgres implementation: InTx clones the state, runs fn against the
// clone and swaps it in only on success, so a failed operation leaves no
// partial writes behind. Writes and point reads honor context cancellation
// the way the pg driver does.
type memRepo struct {
	mu    sync.Mutex
	state *memState
	inTx  bool

	// onTx, when set, runs at the start of each top-level transaction with
	// the state lock held. Lets tests commit a competing write between a
	// caller's read and its transaction.
	onTx func()
}

type memState struct {
	clinics      map[uuid.UUID]Clinic
	units        map[uuid.UUID]Unit
	doctors      map[uuid.UUID]Doctor
	patients     map[uuid.UUID]Patient
	windows      []WeeklyWindow
	exceptions   []ScheduleException
	appointments map[uuid.UUID]Appointment
	queue        map[uuid.UUID]RescheduleQueueEntry
	eventLogs    []EventLog
}

func newMemRepo() *memRepo {
	return &memRepo{state: &memState{
		clinics:      make(map[uuid.UUID]Clinic),
		units:        make(map[uuid.UUID]Unit),
		doctors:      make(map[uuid.UUID]Doctor),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
		queue:        make(map[uuid.UUID]RescheduleQueueEntry),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		clinics:      make(map[uuid.UUID]Clinic, len(s.clinics)),
		units:        make(map[uuid.UUID]Unit, len(s.units)),
		doctors:      make(map[uuid.UUID]Doctor, len(s.doctors)),
		patients:     make(map[uuid.UUID]Patient, len(s.patients)),
		windows:      append([]WeeklyWindow(nil), s.windows...),
		exceptions:   append([]ScheduleException(nil), s.exceptions...),
		appointments: make(map[uuid.UUID]Appointment, len(s.appointments)),
		queue:        make(map[uuid.UUID]RescheduleQueueEntry, len(s.queue)),
		eventLogs:    append([]EventLog(nil), s.eventLogs...),
	}
	for k, v := range s.clinics {
		c.clinics[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.queue {
		c.queue[k] = v
	}
	return c
}

func (m *memRepo) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memRepo) InTx(ctx context.Context, fn func(Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onTx != nil {
		m.onTx()
	}

	clone := m.state.clone()
	tx := &memRepo{state: clone, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = clone
	return nil
}

// Master data

func (m *memRepo) GetClinicByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	defer m.lock()()
	c, ok := m.state.clinics[id]
	if !ok {
		return nil, ErrClinicNotFound
	}
	return &c, nil
}

func (m *memRepo) GetUnitByID(_ context.Context, id uuid.UUID) (*Unit, error) {
	defer m.lock()()
	u, ok := m.state.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return &u, nil
}

func (m *memRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	defer m.lock()()
	d, ok := m.state.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	defer m.lock()()
	p, ok := m.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memRepo) GetWeeklyWindows(_ context.Context, doctorID uuid.UUID) ([]WeeklyWindow, error) {
	defer m.lock()()
	var out []WeeklyWindow
	for _, w := range m.state.windows {
		if w.DoctorID == doctorID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memRepo) ListScheduleExceptions(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]ScheduleException, error) {
	defer m.lock()()
	var out []ScheduleException
	for _, e := range m.state.exceptions {
		if e.DoctorID == doctorID && !e.Date.Before(from) && e.Date.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Appointments

func (m *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock()()
	a, ok := m.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memRepo) ListActiveByDoctor(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	defer m.lock()()
	return m.listActive(func(a Appointment) bool { return a.DoctorID == doctorID }, from, to), nil
}

func (m *memRepo) ListActiveByUnit(_ context.Context, unitID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	defer m.lock()()
	return m.listActive(func(a Appointment) bool { return a.UnitID == unitID }, from, to), nil
}

func (m *memRepo) ListActiveByPatient(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	defer m.lock()()
	return m.listActive(func(a Appointment) bool { return a.PatientID == patientID }, from, to), nil
}

func (m *memRepo) listActive(match func(Appointment) bool, from, to time.Time) []Appointment {
	var out []Appointment
	for _, a := range m.state.appointments {
		if match(a) && a.Status.Active() && a.Start.Before(to) && a.End.After(from) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *memRepo) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	defer m.lock()()
	var out []Appointment
	for _, a := range m.state.appointments {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.UnitID != nil && a.UnitID != *f.UnitID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && a.End.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.Start.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if f.Offset > 0 && f.Offset < len(out) {
		out = out[f.Offset:]
	} else if f.Offset >= len(out) {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memRepo) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock()()
	stored := *a
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	m.state.appointments[stored.ID] = stored
	return &stored, nil
}

func (m *memRepo) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock()()
	current, ok := m.state.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrStaleVersion
	}
	updated := *a
	updated.Version = expectedVersion + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.state.appointments[updated.ID] = updated
	return &updated, nil
}

// Reschedule queue

func (m *memRepo) CreateQueueEntry(ctx context.Context, e *RescheduleQueueEntry) (*RescheduleQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock()()
	stored := *e
	m.state.queue[stored.ID] = stored
	return &stored, nil
}

func (m *memRepo) GetQueueEntryByAppointment(_ context.Context, appointmentID uuid.UUID) (*RescheduleQueueEntry, error) {
	defer m.lock()()
	for _, e := range m.state.queue {
		if e.AppointmentID == appointmentID {
			out := e
			return &out, nil
		}
	}
	return nil, ErrQueueEntryNotFound
}

func (m *memRepo) DueQueueEntries(_ context.Context, now time.Time, limit int) ([]RescheduleQueueEntry, error) {
	defer m.lock()()
	var out []RescheduleQueueEntry
	for _, e := range m.state.queue {
		if e.State == EntryQueued && !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Reason.Priority(), out[j].Reason.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) UpdateQueueEntryState(ctx context.Context, id uuid.UUID, from, to QueueEntryState) (*RescheduleQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock()()
	e, ok := m.state.queue[id]
	if !ok || e.State != from {
		return nil, ErrQueueEntryNotFound
	}
	e.State = to
	now := time.Now().UTC()
	e.ClaimedAt = &now
	m.state.queue[id] = e
	return &e, nil
}

func (m *memRepo) ReclaimStaleEntries(ctx context.Context, claimedBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer m.lock()()
	var n int64
	for id, e := range m.state.queue {
		if e.State == EntryMatching && e.ClaimedAt != nil && !e.ClaimedAt.After(claimedBefore) {
			e.State = EntryQueued
			e.ClaimedAt = nil
			m.state.queue[id] = e
			n++
		}
	}
	return n, nil
}

func (m *memRepo) RequeueEntry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock()()
	e, ok := m.state.queue[id]
	if !ok {
		return ErrQueueEntryNotFound
	}
	e.State = EntryQueued
	e.Attempts = attempts
	e.NextRetryAt = nextRetryAt
	e.ClaimedAt = nil
	m.state.queue[id] = e
	return nil
}

func (m *memRepo) EscalateEntry(ctx context.Context, id uuid.UUID, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock()()
	e, ok := m.state.queue[id]
	if !ok {
		return ErrQueueEntryNotFound
	}
	e.State = EntryEscalated
	e.Attempts = attempts
	m.state.queue[id] = e
	return nil
}

func (m *memRepo) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock()()
	if _, ok := m.state.queue[id]; !ok {
		return ErrQueueEntryNotFound
	}
	delete(m.state.queue, id)
	return nil
}

func (m *memRepo) ListQueueEntries(_ context.Context, f QueueFilter) ([]RescheduleQueueEntry, error) {
	defer m.lock()()
	var out []RescheduleQueueEntry
	for _, e := range m.state.queue {
		if f.State != nil && e.State != *f.State {
			continue
		}
		if f.Reason != nil && e.Reason != *f.Reason {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Reason.Priority(), out[j].Reason.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (m *memRepo) CountQueuedEntries(_ context.Context) (int64, error) {
	defer m.lock()()
	var n int64
	for _, e := range m.state.queue {
		if e.State == EntryQueued {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock()()
	ev.ID = int64(len(m.state.eventLogs) + 1)
	m.state.eventLogs = append(m.state.eventLogs, ev)
	return nil
}

// test inspection helpers

func (m *memRepo) appointment(id uuid.UUID) Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appointments[id]
}

func (m *memRepo) queueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.queue)
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.state.eventLogs))
	for _, e := range m.state.eventLogs {
		out = append(out, e.EventType)
	}
	return out
}

// memLocker mirrors the Redis locker with process-local mutexes: keys are
// acquired in the order given, polled until the wait deadline.
type memLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	maxWait time.Duration
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool), maxWait: 500 * time.Millisecond}
}

func (l *memLocker) WithResourceLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(l.maxWait)
	for {
		if l.tryAcquire(keys) {
			break
		}
		if time.Now().After(deadline) {
			return redisclient.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer l.release(keys)
	return fn(ctx)
}

func (l *memLocker) tryAcquire(keys []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if l.held[k] {
			return false
		}
	}
	for _, k := range keys {
		l.held[k] = true
	}
	return true
}

func (l *memLocker) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
}

// captureGateway records published events for assertions.
type captureGateway struct {
	mu     sync.Mutex
	events []events.Event
}

func (g *captureGateway) Publish(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
	return nil
}

func (g *captureGateway) types() []events.Type {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]events.Type, 0, len(g.events))
	for _, ev := range g.events {
		out = append(out, ev.Type)
	}
	return out
}

// Fixture: one clinic, two doctors sharing a unit, two patients. Both doctors
// work Mon-Fri 09:00-13:00.
type fixture struct {
	repo    *memRepo
	locker  *memLocker
	gateway *captureGateway
	svc     *Service

	clinic   uuid.UUID
	unit     uuid.UUID
	unitB    uuid.UUID
	doctorA  uuid.UUID
	doctorB  uuid.UUID
	patient1 uuid.UUID
	patient2 uuid.UUID

	// now is what the service believes the current time is.
	now time.Time
}

// monday is a fixed reference date so tests never depend on the wall clock.
var monday = time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		repo:     newMemRepo(),
		locker:   newMemLocker(),
		gateway:  &captureGateway{},
		clinic:   uuid.New(),
		unit:     uuid.New(),
		unitB:    uuid.New(),
		doctorA:  uuid.New(),
		doctorB:  uuid.New(),
		patient1: uuid.New(),
		patient2: uuid.New(),
		now:      monday.Add(8 * time.Hour), // 08:00 on the reference Monday
	}

	s := f.repo.state
	s.clinics[f.clinic] = Clinic{ID: f.clinic, Name: "Brightside Dental"}
	s.units[f.unit] = Unit{ID: f.unit, ClinicID: f.clinic, Name: "Room A"}
	s.units[f.unitB] = Unit{ID: f.unitB, ClinicID: f.clinic, Name: "Room B"}
	s.doctors[f.doctorA] = Doctor{ID: f.doctorA, Name: "Dr. Adams", ClinicID: f.clinic, DefaultUnitID: f.unit}
	s.doctors[f.doctorB] = Doctor{ID: f.doctorB, Name: "Dr. Baker", ClinicID: f.clinic, DefaultUnitID: f.unit}
	s.patients[f.patient1] = Patient{ID: f.patient1, Name: "Pat One"}
	s.patients[f.patient2] = Patient{ID: f.patient2, Name: "Pat Two"}

	for _, doc := range []uuid.UUID{f.doctorA, f.doctorB} {
		for wd := time.Monday; wd <= time.Friday; wd++ {
			s.windows = append(s.windows, WeeklyWindow{DoctorID: doc, Weekday: wd, StartMin: 9 * 60, EndMin: 13 * 60})
		}
	}

	f.svc = NewService(f.repo, f.locker, f.gateway, nil, zap.NewNop(), Options{
		MinDuration: 15 * time.Minute,
		MaxDuration: 4 * time.Hour,
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

// at returns a clock time on the reference Monday plus the given day offset.
func at(dayOffset int, hour, min int) time.Time {
	return monday.AddDate(0, 0, dayOffset).Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}
