package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"exprcore/internal/tasks"
	"exprcore/pkg/domain"
)

const maxBodyBytes = 8 << 20

type errorBody struct {
	Error      string             `json:"error"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var rv domain.RuleViolationError
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &rv), domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var rv domain.RuleViolationError
	if errors.As(err, &rv) {
		body.Violations = rv.Result.Violations
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a single JSON document into dst. An empty body is allowed
// when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return domain.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	return nil
}

type mutationResponse struct {
	Data       any                `json:"data"`
	Violations []domain.Violation `json:"violations,omitempty"`
}
