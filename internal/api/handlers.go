package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func bookAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, ok := parseUUID(w, req.PatientID, "patient_id")
		if !ok {
			return
		}
		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}
		unitID, ok := parseUUID(w, req.UnitID, "unit_id")
		if !ok {
			return
		}

		appt, err := svc.Book(r.Context(), scheduling.BookRequest{
			PatientID: patientID,
			DoctorID:  doctorID,
			UnitID:    unitID,
			Start:     req.Start,
			End:       req.End,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := appointmentFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}

		appts, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func modifyAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req ModifyAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		modReq := scheduling.ModifyRequest{
			NewStart:        req.NewStart,
			NewEnd:          req.NewEnd,
			ExpectedVersion: req.ExpectedVersion,
		}
		if req.NewUnitID != nil {
			unitID, ok := parseUUID(w, *req.NewUnitID, "new_unit_id")
			if !ok {
				return
			}
			modReq.NewUnitID = &unitID
		}

		appt, err := svc.Modify(r.Context(), id, modReq)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return versionedTransitionHandler(svc, func(r *http.Request, svc *scheduling.Service, id uuid.UUID, version int64) error {
		return svc.Cancel(r.Context(), id, version)
	})
}

func completeAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return versionedTransitionHandler(svc, func(r *http.Request, svc *scheduling.Service, id uuid.UUID, version int64) error {
		return svc.Complete(r.Context(), id, version)
	})
}

func rescheduleRequestHandler(svc *scheduling.Service) http.HandlerFunc {
	return versionedTransitionHandler(svc, func(r *http.Request, svc *scheduling.Service, id uuid.UUID, version int64) error {
		return svc.RequestReschedule(r.Context(), id, version)
	})
}

func versionedTransitionHandler(svc *scheduling.Service, op func(*http.Request, *scheduling.Service, uuid.UUID, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req VersionedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := op(r, svc, id, req.ExpectedVersion); err != nil {
			handleServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func availabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		unitID, ok := parseUUID(w, r.URL.Query().Get("unit_id"), "unit_id")
		if !ok {
			return
		}
		date, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("date"), time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		windows, err := svc.AvailableWindows(r.Context(), doctorID, unitID, date)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]WindowResponse, 0, len(windows))
		for _, win := range windows {
			resp = append(resp, WindowResponse{Start: win.Start, End: win.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func scheduleChangedHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScheduleChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		n, err := svc.OnScheduleChanged(r.Context(), doctorID, req.From, req.To)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, InvalidatedResponse{Invalidated: n})
	}
}

func unitClosedHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UnitClosureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		unitID, ok := parseUUID(w, req.UnitID, "unit_id")
		if !ok {
			return
		}

		n, err := svc.OnUnitClosed(r.Context(), unitID, req.From, req.To)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, InvalidatedResponse{Invalidated: n})
	}
}

func listQueueHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f scheduling.QueueFilter
		if s := r.URL.Query().Get("state"); s != "" {
			st := scheduling.QueueEntryState(s)
			f.State = &st
		}
		if s := r.URL.Query().Get("reason"); s != "" {
			reason := scheduling.RescheduleReason(s)
			f.Reason = &reason
		}

		entries, err := svc.ListQueue(r.Context(), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]QueueEntryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, QueueEntryResponse{
				ID:            e.ID,
				AppointmentID: e.AppointmentID,
				Reason:        string(e.Reason),
				State:         string(e.State),
				EnqueuedAt:    e.EnqueuedAt,
				Attempts:      e.Attempts,
				NextRetryAt:   e.NextRetryAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseUUID(w http.ResponseWriter, s, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func appointmentFilterFromQuery(r *http.Request) (scheduling.AppointmentFilter, error) {
	var f scheduling.AppointmentFilter
	q := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{
		{"doctor_id", &f.DoctorID},
		{"unit_id", &f.UnitID},
		{"patient_id", &f.PatientID},
	} {
		if s := q.Get(p.name); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return f, errors.New(p.name + " must be a valid UUID")
			}
			*p.dst = &id
		}
	}

	if s := q.Get("status"); s != "" {
		st := scheduling.AppointmentStatus(s)
		f.Status = &st
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"from", &f.From},
		{"to", &f.To},
	} {
		if s := q.Get(p.name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, errors.New(p.name + " must be RFC3339")
			}
			*p.dst = &t
		}
	}

	f.Limit = 100
	return f, nil
}

func handleServiceError(w http.ResponseWriter, err error) {
	var conflict *scheduling.ConflictError
	var validation *scheduling.ValidationError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:                    "conflict",
			Details:                  conflict.Error(),
			Resource:                 string(conflict.Resource),
			ConflictingAppointmentID: conflict.ConflictingAppointmentID.String(),
		})
	case errors.Is(err, scheduling.ErrStaleVersion):
		writeError(w, http.StatusConflict, "stale_version", "appointment changed since last read, re-fetch and retry")
	case errors.Is(err, scheduling.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, scheduling.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "busy", "scheduling resources are busy, retry shortly")
	case errors.Is(err, scheduling.ErrClinicNotFound),
		errors.Is(err, scheduling.ErrUnitNotFound),
		errors.Is(err, scheduling.ErrDoctorNotFound),
		errors.Is(err, scheduling.ErrPatientNotFound),
		errors.Is(err, scheduling.ErrAppointmentNotFound),
		errors.Is(err, scheduling.ErrQueueEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
