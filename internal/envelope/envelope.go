// Package envelope defines the opaque message unit delivered by the relay
// pipeline and the size limits applied to it.
package envelope

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kind of envelope content
type Type uint8

const (
	// TypeCiphertext is an ordinary end-to-end encrypted message.
	TypeCiphertext Type = iota
	// TypeReceipt is a delivery or read receipt.
	TypeReceipt
	// TypePrekey is a prekey bundle message used to establish a session.
	TypePrekey
	// TypeUnidentifiedSender is a sealed-sender envelope (source omitted).
	TypeUnidentifiedSender
	// TypeKeyExchange is a key-exchange message.
	TypeKeyExchange
)

// Size limits on the opaque payload, layered the way limits.go layers
// plaintext/encrypted/storage/processing bounds.
const (
	// MaxPayloadBytes bounds a single envelope's ciphertext payload.
	MaxPayloadBytes = 256 * 1024
	// MaxStoragePayloadBytes allows for server-side padding metadata when
	// a message is persisted to the durable table.
	MaxStoragePayloadBytes = 260 * 1024
	// MaxProcessingBuffer is the absolute ceiling for any single operation,
	// preventing memory exhaustion from a malformed request.
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrPayloadEmpty indicates a zero-length payload was supplied.
	ErrPayloadEmpty = errors.New("envelope: empty payload")
	// ErrPayloadTooLarge indicates the payload exceeds the relevant limit.
	ErrPayloadTooLarge = errors.New("envelope: payload too large")
)

// ValidatePayload enforces MaxPayloadBytes on an inbound ciphertext payload.
func ValidatePayload(payload []byte) error {
	return validate(payload, MaxPayloadBytes)
}

// ValidateStoragePayload enforces MaxStoragePayloadBytes on a payload about
// to be written to the durable table.
func ValidateStoragePayload(payload []byte) error {
	return validate(payload, MaxStoragePayloadBytes)
}

func validate(payload []byte, max int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > max {
		return ErrPayloadTooLarge
	}
	return nil
}

// Envelope is the opaque unit of delivery. The server never inspects
// Payload; it only routes and stores it.
type Envelope struct {
	GUID uuid.UUID
	// ServerTimestamp is assigned exactly once, at first acceptance.
	ServerTimestamp time.Time
	ClientTimestamp time.Time
	Type            Type

	SourceAccount *uuid.UUID
	SourceDevice  *uint32

	RecipientAccount uuid.UUID
	RecipientDevice  uint32

	Payload []byte

	// SourceUUID is omitted (nil) for sealed-sender envelopes.
	SourceUUID *uuid.UUID
}

// New constructs an Envelope, always assigning a fresh GUID and the
// current server timestamp. The server timestamp is assigned exactly once
// at first acceptance: calling New a second time for an already-accepted
// message is a caller bug, not something this function guards.
func New(recipientAccount uuid.UUID, recipientDevice uint32, typ Type, payload []byte) (*Envelope, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return &Envelope{
		GUID:             uuid.New(),
		ServerTimestamp:  time.Now().UTC(),
		RecipientAccount: recipientAccount,
		RecipientDevice:  recipientDevice,
		Type:             typ,
		Payload:          payload,
	}, nil
}

// Sealed reports whether the envelope is sealed-sender (no visible source).
func (e *Envelope) Sealed() bool {
	return e.Type == TypeUnidentifiedSender || e.SourceUUID == nil
}
