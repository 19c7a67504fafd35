package handlers

import (
	"net/http"
	"strconv"

	"github.com/alifeinbinary/penny/internal/models"
)

const maxInspectLimit = 200

// Messages returns the newest logged messages, newest first, for
// operational inspection of the durable log.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxInspectLimit {
		limit = maxInspectLimit
	}

	msgs, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(msgs),
		"messages": msgs,
	})
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Incoming int64 `json:"incoming"`
	Outgoing int64 `json:"outgoing"`
	Errors   int64 `json:"errors"`
}

// Stats returns message counts per kind.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	incoming, err := h.store.CountByKind(ctx, models.KindIncoming)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count incoming")
		return
	}
	outgoing, err := h.store.CountByKind(ctx, models.KindOutgoing)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count outgoing")
		return
	}
	errCount, err := h.store.CountByKind(ctx, models.KindError)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count errors")
		return
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		Incoming: incoming,
		Outgoing: outgoing,
		Errors:   errCount,
	})
}
