package scheduling

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) putAppointment(t *testing.T, patientID, doctorID, unitID uuid.UUID, dayOffset, startHour, endHour int) Appointment {
	t.Helper()
	a := Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		DoctorID:  doctorID,
		UnitID:    unitID,
		Start:     at(dayOffset, startHour, 0),
		End:       at(dayOffset, endHour, 0),
		Status:    StatusScheduled,
		Version:   1,
	}
	f.repo.state.appointments[a.ID] = a
	return a
}

func TestCheckConflictTouchingIntervalsDoNotConflict(t *testing.T) {
	f := newFixture()
	f.putAppointment(t, f.patient1, f.doctorA, f.unit, 0, 9, 10)

	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: f.patient2,
		Start:     at(0, 10, 0),
		End:       at(0, 11, 0),
	}, nil)
	assert.NoError(t, err)
}

func TestCheckConflictDoctorReportedBeforeUnit(t *testing.T) {
	f := newFixture()
	// The candidate collides with doctor A (in unit B) and with the unit
	// (occupied by doctor B). The doctor conflict must win.
	doctorAppt := f.putAppointment(t, f.patient1, f.doctorA, f.unitB, 0, 10, 11)
	f.putAppointment(t, f.patient2, f.doctorB, f.unit, 0, 10, 11)

	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: uuid.New(),
		Start:     at(0, 10, 30),
		End:       at(0, 11, 30),
	}, nil)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictDoctor, conflict.Resource)
	assert.Equal(t, doctorAppt.ID, conflict.ConflictingAppointmentID)
}

func TestCheckConflictUnitReportedBeforePatient(t *testing.T) {
	f := newFixture()
	unitAppt := f.putAppointment(t, f.patient1, f.doctorB, f.unit, 0, 10, 11)

	// Same patient is also busy, but the unit check runs first.
	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: f.patient1,
		Start:     at(0, 10, 0),
		End:       at(0, 11, 0),
	}, nil)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictUnit, conflict.Resource)
	assert.Equal(t, unitAppt.ID, conflict.ConflictingAppointmentID)
}

func TestCheckConflictPatientDoubleBooking(t *testing.T) {
	f := newFixture()
	patientAppt := f.putAppointment(t, f.patient1, f.doctorB, f.unitB, 0, 10, 11)

	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: f.patient1,
		Start:     at(0, 10, 30),
		End:       at(0, 11, 30),
	}, nil)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictPatient, conflict.Resource)
	assert.Equal(t, patientAppt.ID, conflict.ConflictingAppointmentID)
}

func TestCheckConflictExcludesOwnAppointment(t *testing.T) {
	f := newFixture()
	appt := f.putAppointment(t, f.patient1, f.doctorA, f.unit, 0, 10, 11)

	// Re-validating the appointment against its own interval must pass when
	// its id is excluded, and fail when it is not.
	cand := Candidate{
		DoctorID:  appt.DoctorID,
		UnitID:    appt.UnitID,
		PatientID: appt.PatientID,
		Start:     appt.Start,
		End:       appt.End,
	}

	assert.NoError(t, CheckConflict(context.Background(), f.repo, cand, &appt.ID))
	assert.Error(t, CheckConflict(context.Background(), f.repo, cand, nil))
}

func TestCheckConflictIgnoresInactiveStatuses(t *testing.T) {
	f := newFixture()
	appt := f.putAppointment(t, f.patient1, f.doctorA, f.unit, 0, 10, 11)
	appt.Status = StatusCancelled
	f.repo.state.appointments[appt.ID] = appt

	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: f.patient2,
		Start:     at(0, 10, 0),
		End:       at(0, 11, 0),
	}, nil)
	assert.NoError(t, err)
}

func TestCheckConflictPendingRescheduleStillOccupies(t *testing.T) {
	f := newFixture()
	appt := f.putAppointment(t, f.patient1, f.doctorA, f.unit, 0, 10, 11)
	appt.Status = StatusPendingReschedule
	f.repo.state.appointments[appt.ID] = appt

	err := CheckConflict(context.Background(), f.repo, Candidate{
		DoctorID:  f.doctorA,
		UnitID:    f.unit,
		PatientID: f.patient2,
		Start:     at(0, 10, 0),
		End:       at(0, 11, 0),
	}, nil)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictDoctor, conflict.Resource)
}

func TestOverlapsHalfOpen(t *testing.T) {
	a1, a2 := at(0, 9, 0), at(0, 10, 0)
	b1, b2 := at(0, 10, 0), at(0, 11, 0)

	assert.False(t, Overlaps(a1, a2, b1, b2))
	assert.False(t, Overlaps(b1, b2, a1, a2))
	assert.True(t, Overlaps(a1, a2, at(0, 9, 59), b2))
	assert.True(t, Overlaps(a1, b2, at(0, 9, 30), at(0, 10, 30))) // containment
}
