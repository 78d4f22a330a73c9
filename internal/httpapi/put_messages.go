package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// deviceMessage is one per-device entry in a PUT /messages/{recipient-id}
// submission
type deviceMessage struct {
	DestinationDeviceID       uint32        `json:"destinationDeviceId"`
	DestinationRegistrationID uint32        `json:"destinationRegistrationId"`
	Type                      envelope.Type `json:"type"`
	Content                   []byte        `json:"content"`
}

type submitMessagesRequest struct {
	Messages []deviceMessage `json:"messages"`
	// Online marks the submission as ephemeral: delivered
	// only to a currently-reachable device, never durably queued.
	Online bool `json:"online,omitempty"`
}

// handlePutMessages implements PUT /messages/{recipient-id}.
func (h *Handler) handlePutMessages(w http.ResponseWriter, r *http.Request) {
	sourceAccount, sourceDevice, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	recipient, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		http.Error(w, "invalid recipient id", http.StatusBadRequest)
		return
	}

	var req submitMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	log := h.log.WithFields(logrus.Fields{"function": "handlePutMessages", "recipient": recipient})

	registered, err := h.accounts.ResolveDevices(r.Context(), recipient)
	if err != nil {
		log.WithError(err).Warn("failed to resolve recipient devices")
		http.Error(w, "failed to resolve recipient devices", http.StatusInternalServerError)
		return
	}

	submitted := make(map[uint32]uint32, len(req.Messages))
	for _, m := range req.Messages {
		submitted[m.DestinationDeviceID] = m.DestinationRegistrationID
	}

	if mismatch, ok := checkDeviceCoverage(registered, submitted); !ok {
		writeJSON(w, http.StatusConflict, mismatch)
		return
	}
	if stale, ok := checkRegistrationIDs(registered, submitted); !ok {
		writeJSON(w, http.StatusGone, stale)
		return
	}

	if h.push != nil {
		required, err := h.push.ChallengeRequired(r.Context(), recipient)
		if err != nil {
			log.WithError(err).Warn("failed to evaluate push challenge requirement")
			http.Error(w, "failed to evaluate push challenge requirement", http.StatusInternalServerError)
			return
		}
		if required {
			w.WriteHeader(http.StatusPreconditionRequired)
			return
		}
	}

	for _, m := range req.Messages {
		env, err := envelope.New(recipient, m.DestinationDeviceID, m.Type, m.Content)
		if err != nil {
			log.WithError(err).WithField("device", m.DestinationDeviceID).Warn("rejecting message with invalid payload")
			http.Error(w, "invalid message payload", http.StatusBadRequest)
			return
		}
		env.SourceAccount = &sourceAccount
		env.SourceDevice = &sourceDevice

		if err := h.sender.Send(r.Context(), recipient, m.DestinationDeviceID, env, req.Online); err != nil {
			log.WithError(err).WithField("device", m.DestinationDeviceID).Warn("send failed")
			http.Error(w, "send failed", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
