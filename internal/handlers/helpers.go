package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error kinds carried in the "error" field of failure responses.
// Clients key a single error handler off these values.
const (
	ErrValidation         = "validation_error"
	ErrNotFound           = "not_found"
	ErrConflict           = "conflict"
	ErrInvalidRequest     = "invalid_request"
	ErrInternal           = "internal_error"
	ErrServiceUnavailable = "service_unavailable"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, ErrInvalidRequest, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes the standard failure envelope. Detail is a string
// for most errors and a list of field issues for 422 responses.
func WriteError(w http.ResponseWriter, statusCode int, kind string, detail interface{}) error {
	return WriteJSON(w, statusCode, map[string]interface{}{
		"error":  kind,
		"detail": detail,
	})
}

// QueryInt reads an integer query parameter with a default and an
// inclusive [min, max] clamp range. Returns ok=false on unparseable or
// out-of-range values.
func QueryInt(r *http.Request, name string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}
