package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

// Handler contains shared dependencies for all operational HTTP handlers.
type Handler struct {
	store       store.MessageStore
	streamState func() signal.State
}

// NewHandler creates a new Handler over the message store and a stream
// state probe.
func NewHandler(st store.MessageStore, streamState func() signal.State) *Handler {
	return &Handler{store: st, streamState: streamState}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
