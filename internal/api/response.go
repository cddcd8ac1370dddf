// Package api implements the HTTP query surface: stats reads with
// realtime overlay, backend management, and database maintenance.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/clashmeter/clashmeter/internal/store"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the flat error envelope every failing route returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// writeStoreError maps store error classes onto HTTP statuses. Unknown
// errors log server-side and surface as a generic 500.
func writeStoreError(w http.ResponseWriter, err error) {
	var conflict *store.ConflictError
	switch {
	case store.IsNotFound(err):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.As(err, &conflict):
		WriteError(w, http.StatusConflict, conflict.Message)
	default:
		log.Printf("[api] internal error: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
