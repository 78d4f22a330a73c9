// Package httpapi wires the external HTTP request surface onto the
// message sender and messages manager: PUT /messages/{recipient-id}
// submits a send, GET /messages/ drains pending envelopes for the
// caller's device, DELETE /messages/{guid} acknowledges one.
// Authentication and account/device registration are out of this
// pipeline's scope; this package only needs their results, expressed as
// the narrow Authenticator and AccountStore interfaces below.
//
// Grounded on _examples/other_examples/f3d49434_ashureev-shsh-labs's
// agent.Handler (go-chi/chi/v5 route registration, one receiver method per
// route, request/response structs kept next to their handler).
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// Authenticator resolves an inbound request to the (account, device) pair
// it authenticates as.
type Authenticator interface {
	Authenticate(r *http.Request) (account uuid.UUID, device uint32, err error)
}

// DeviceRecord is one registered device's (device-id, registration-id)
// pair, as returned by the external account store.
type DeviceRecord struct {
	DeviceID       uint32
	RegistrationID uint32
}

// AccountStore resolves a recipient account's currently registered device
// set, used to validate a PUT submission's device coverage. Implemented
// by an external collaborator; this package never mutates device
// registration.
type AccountStore interface {
	ResolveDevices(ctx context.Context, account uuid.UUID) ([]DeviceRecord, error)
}

// PushChallenger reports whether a push-challenge must be completed before
// a recipient account can receive new messages, an anti-abuse check
// external to this pipeline.
type PushChallenger interface {
	ChallengeRequired(ctx context.Context, account uuid.UUID) (bool, error)
}

// Sender is the subset of internal/sender.Sender the PUT handler depends
// on.
type Sender interface {
	Send(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope, online bool) error
}

// MessagesReader is the subset of internal/messages.Manager the GET/DELETE
// handlers depend on.
type MessagesReader interface {
	GetMessagesForDevice(ctx context.Context, account uuid.UUID, device uint32, limit int) ([]*envelope.Envelope, error)
	DeleteByGUID(ctx context.Context, account uuid.UUID, device uint32, guid uuid.UUID) error
}

// Config tunes handler behavior.
type Config struct {
	// MaxMessagesPerFetch bounds a single GET response to at most this many
	// pending envelopes.
	MaxMessagesPerFetch int
}

func (c Config) withDefaults() Config {
	if c.MaxMessagesPerFetch <= 0 {
		c.MaxMessagesPerFetch = 10000
	}
	return c
}

// Handler implements the HTTP surface.
type Handler struct {
	auth     Authenticator
	accounts AccountStore
	push     PushChallenger
	sender   Sender
	messages MessagesReader
	cfg      Config
	log      *logrus.Entry
}

// New constructs a Handler.
func New(auth Authenticator, accounts AccountStore, push PushChallenger, sender Sender, messages MessagesReader, cfg Config, log *logrus.Entry) *Handler {
	return &Handler{
		auth:     auth,
		accounts: accounts,
		push:     push,
		sender:   sender,
		messages: messages,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// RegisterRoutes mounts the handler's routes onto r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Put("/{recipientID}", h.handlePutMessages)
		r.Get("/", h.handleGetMessages)
		r.Delete("/{guid}", h.handleDeleteMessage)
	})
}
