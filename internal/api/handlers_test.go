package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

func TestHandleServiceErrorMapping(t *testing.T) {
	conflictID := uuid.New()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &scheduling.ValidationError{Field: "interval", Reason: "start must be before end"}, http.StatusBadRequest, "validation_failed"},
		{"conflict", &scheduling.ConflictError{Resource: scheduling.ConflictUnit, ConflictingAppointmentID: conflictID}, http.StatusConflict, "conflict"},
		{"stale version", scheduling.ErrStaleVersion, http.StatusConflict, "stale_version"},
		{"invalid transition", scheduling.ErrInvalidStatusTransition, http.StatusConflict, "invalid_status_transition"},
		{"busy", scheduling.ErrBusy, http.StatusServiceUnavailable, "busy"},
		{"doctor not found", scheduling.ErrDoctorNotFound, http.StatusNotFound, "not_found"},
		{"appointment not found", scheduling.ErrAppointmentNotFound, http.StatusNotFound, "not_found"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handleServiceError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tc.wantCode, resp.Error)
		})
	}
}

func TestHandleServiceErrorConflictBody(t *testing.T) {
	conflictID := uuid.New()
	rec := httptest.NewRecorder()

	handleServiceError(rec, &scheduling.ConflictError{
		Resource:                 scheduling.ConflictDoctor,
		ConflictingAppointmentID: conflictID,
	})

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "doctor", resp.Resource)
	assert.Equal(t, conflictID.String(), resp.ConflictingAppointmentID)
}

func TestAppointmentFilterFromQuery(t *testing.T) {
	doctorID := uuid.New()
	r := httptest.NewRequest(http.MethodGet,
		"/appointments?doctor_id="+doctorID.String()+"&status=scheduled&from=2026-09-07T00:00:00Z", nil)

	f, err := appointmentFilterFromQuery(r)
	require.NoError(t, err)

	require.NotNil(t, f.DoctorID)
	assert.Equal(t, doctorID, *f.DoctorID)
	require.NotNil(t, f.Status)
	assert.Equal(t, scheduling.StatusScheduled, *f.Status)
	require.NotNil(t, f.From)
	assert.Nil(t, f.To)
	assert.Equal(t, 100, f.Limit)
}

func TestAppointmentFilterFromQueryRejectsBadInput(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/appointments?doctor_id=not-a-uuid", nil)
	_, err := appointmentFilterFromQuery(r)
	assert.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/appointments?from=yesterday", nil)
	_, err = appointmentFilterFromQuery(r)
	assert.Error(t, err)
}

func TestParseUUID(t *testing.T) {
	rec := httptest.NewRecorder()
	id, ok := parseUUID(rec, "not-a-uuid", "patient_id")
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, id)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid_patient_id", resp.Error)

	rec = httptest.NewRecorder()
	want := uuid.New()
	id, ok = parseUUID(rec, want.String(), "patient_id")
	assert.True(t, ok)
	assert.Equal(t, want, id)
}
