package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the broker error code, when the problem came from the broker.
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://arconnect.io/errors/%d", p.Status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="weavemask"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, "Forbidden", detail)
}

func WriteUnsupportedMediaType(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusUnsupportedMediaType, "Unsupported Media Type", "Request body must be application/json")
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteBrokerError maps a broker error onto a problem response.
func WriteBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, contracts.ErrInvalidAuthCall),
		errors.Is(err, contracts.ErrInvalidPermission),
		errors.Is(err, allowance.ErrInvalidAmount),
		errors.Is(err, audit.ErrInvalidTimeRange):
		status = http.StatusBadRequest
	case errors.Is(err, contracts.ErrMissingPermission):
		status = http.StatusForbidden
	case errors.Is(err, contracts.ErrStorageCorrupt):
		status = http.StatusServiceUnavailable
	default:
		WriteInternal(w, r, err)
		return
	}
	writeProblem(w, &ProblemDetail{
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Code:     contracts.Code(err),
	})
}
