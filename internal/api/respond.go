package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/redteam/internal/apperr"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// statusFor maps an error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err with the status of its code. Messages of
// internal failures are logged and replaced by a generic one.
func (s *Server) writeAppError(w http.ResponseWriter, op, jobID string, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)

	msg := "internal error"
	if status != http.StatusInternalServerError {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			msg = ae.Message
		}
	} else {
		s.logger.Error(op, "job_id", jobID, "error", err)
	}
	if code == "" {
		code = apperr.CodeInternal
	}

	s.writeJSON(w, status, errorResponse{Error: msg, Code: string(code), JobID: jobID})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
