package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// ErrorResponse is the standard error format for REST API responses.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:     message,
		Code:      errorCodeForStatus(statusCode),
		RequestID: requestIDFrom(r),
	})
}

func errorCodeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	}
	return "internal_error"
}

// WriteKindError maps an internal error kind to its HTTP status.
func WriteKindError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, workfs.ErrUploadTooLarge):
		WriteError(w, r, http.StatusRequestEntityTooLarge, err.Error())
	default:
		WriteError(w, r, http.StatusInternalServerError, err.Error())
	}
}

// RequireMethod validates the HTTP method and returns true if it matches.
// If it doesn't match, it writes a 405 response and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// DecodeJSON reads and decodes JSON from the request body into v.
// Returns false and writes a 400 error if decoding fails. An empty body is
// accepted and leaves v untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		WriteError(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// PathParam extracts a path parameter from the URL path.
// For a pattern like /api/jobs/{id}/merge, calling PathParam(r, "/api/jobs/", "/merge")
// extracts the {id} part.
func PathParam(r *http.Request, prefix, suffix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if suffix != "" {
		idx := strings.Index(rest, suffix)
		if idx < 0 {
			return ""
		}
		rest = rest[:idx]
	}
	return strings.Trim(rest, "/")
}
