package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// handleDeleteMessage implements DELETE /messages/{guid}:
// the client's acknowledgement of a delivered envelope.
func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	account, device, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	guid, err := uuid.Parse(chi.URLParam(r, "guid"))
	if err != nil {
		http.Error(w, "invalid guid", http.StatusBadRequest)
		return
	}

	if err := h.messages.DeleteByGUID(r.Context(), account, device, guid); err != nil {
		h.log.WithFields(logrus.Fields{"function": "handleDeleteMessage", "account": account, "device": device, "guid": guid}).
			WithError(err).Warn("failed to delete acknowledged envelope")
		http.Error(w, "failed to acknowledge message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
