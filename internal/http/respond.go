package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/carpool/internal/booking"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"RideNotBookable":              http.StatusConflict,
	"PreferenceMismatch":           http.StatusForbidden,
	"RideFull":                     http.StatusConflict,
	"IncompleteRideData":           http.StatusBadRequest,
	"PermissionDenied":             http.StatusForbidden,
	"NetworkFailure":               http.StatusBadGateway,
	"NotFound":                     http.StatusNotFound,
	"InvalidTransition":            http.StatusConflict,
	"DuplicateRequest":             http.StatusConflict,
	"WaitlistConfirmationRequired": http.StatusConflict,
	"ScheduleConflict":             http.StatusConflict,
	"AlreadyRated":                 http.StatusConflict,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error to its status. Upstream causes are
// logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := booking.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	var be *booking.Error
	if errors.As(err, &be) {
		msg = be.Err.Error()
		if be.Detail != "" {
			msg += ": " + be.Detail
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		if code == "Internal" {
			msg = "internal error"
		}
	}
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: msg, Code: "BadRequest"})
}

const maxBodyBytes = 1 << 20

// decode reads an optional JSON body. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
