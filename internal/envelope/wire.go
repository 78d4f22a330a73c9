package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// wireEnvelope is the JSON-serializable form stored as the cache queue
// element and the durable table's content blob. Kept separate from
// Envelope so the wire format can evolve independently of the in-memory
// type, the way messaging/message.go separated wire concerns from state.
type wireEnvelope struct {
	GUID             uuid.UUID  `json:"guid"`
	ServerTimestamp  int64      `json:"server_ts_ms"`
	ClientTimestamp  int64      `json:"client_ts_ms"`
	Type             Type       `json:"type"`
	SourceAccount    *uuid.UUID `json:"source_account,omitempty"`
	SourceDevice     *uint32    `json:"source_device,omitempty"`
	RecipientAccount uuid.UUID  `json:"recipient_account"`
	RecipientDevice  uint32     `json:"recipient_device"`
	Payload          []byte     `json:"payload"`
	SourceUUID       *uuid.UUID `json:"source_uuid,omitempty"`
}

// Marshal serializes the envelope for cache/durable storage.
func (e *Envelope) Marshal() ([]byte, error) {
	w := wireEnvelope{
		GUID:             e.GUID,
		ServerTimestamp:  e.ServerTimestamp.UnixMilli(),
		ClientTimestamp:  e.ClientTimestamp.UnixMilli(),
		Type:             e.Type,
		SourceAccount:    e.SourceAccount,
		SourceDevice:     e.SourceDevice,
		RecipientAccount: e.RecipientAccount,
		RecipientDevice:  e.RecipientDevice,
		Payload:          e.Payload,
		SourceUUID:       e.SourceUUID,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal deserializes an envelope previously produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &Envelope{
		GUID:             w.GUID,
		ServerTimestamp:  msToTime(w.ServerTimestamp),
		ClientTimestamp:  msToTime(w.ClientTimestamp),
		Type:             w.Type,
		SourceAccount:    w.SourceAccount,
		SourceDevice:     w.SourceDevice,
		RecipientAccount: w.RecipientAccount,
		RecipientDevice:  w.RecipientDevice,
		Payload:          w.Payload,
		SourceUUID:       w.SourceUUID,
	}, nil
}
