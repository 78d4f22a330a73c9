package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

type getMessagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// handleGetMessages implements GET /messages/: up to
// MaxMessagesPerFetch pending envelopes for the caller's device, with a
// hasMore hint computed by requesting one extra envelope and trimming it
// off before responding.
func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	account, device, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	envs, err := h.messages.GetMessagesForDevice(r.Context(), account, device, h.cfg.MaxMessagesPerFetch+1)
	if err != nil {
		h.log.WithFields(logrus.Fields{"function": "handleGetMessages", "account": account, "device": device}).
			WithError(err).Warn("failed to fetch pending messages")
		http.Error(w, "failed to fetch pending messages", http.StatusInternalServerError)
		return
	}

	hasMore := len(envs) > h.cfg.MaxMessagesPerFetch
	if hasMore {
		envs = envs[:h.cfg.MaxMessagesPerFetch]
	}

	resp := getMessagesResponse{Messages: make([]json.RawMessage, 0, len(envs)), HasMore: hasMore}
	for _, env := range envs {
		body, err := env.Marshal()
		if err != nil {
			h.log.WithFields(logrus.Fields{"function": "handleGetMessages", "guid": env.GUID}).
				WithError(err).Warn("dropping unmarshalable envelope from response")
			continue
		}
		resp.Messages = append(resp.Messages, body)
	}

	writeJSON(w, http.StatusOK, resp)
}
