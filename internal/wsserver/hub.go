package wsserver

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// Hub tracks every Session this server instance currently holds open,
// keyed by (account, device). It implements internal/sender.LocalSocket so
// the Message Sender can write directly to (or flush-notify) whichever
// session is local, without either package depending on the other's full
// type.
//
// Grounded on the connection-registry idiom of
// _examples/other_examples/7ea06525_webitel-im-delivery-service and
// 4ec2f51b's Cell/Connector pair (a process-local, key-addressable
// connection table), narrowed here to exactly the two operations
// internal/sender needs.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *logrus.Entry
}

// NewHub constructs an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{sessions: make(map[string]*Session), log: log}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionKey(s.account, s.device)] = s
}

// unregister removes s only if it is still the registered session for its
// key (a superseded session that lost a displacement race must not evict
// the session that replaced it).
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := sessionKey(s.account, s.device)
	if h.sessions[key] == s {
		delete(h.sessions, key)
	}
}

func (h *Hub) lookup(account uuid.UUID, device uint32) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionKey(account, device)]
}

// WriteDirect implements internal/sender.LocalSocket: it writes env straight
// to (account, device)'s live connection if this instance holds it.
func (h *Hub) WriteDirect(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope) (bool, error) {
	s := h.lookup(account, device)
	if s == nil {
		return false, nil
	}
	if err := s.writeMessageFrame(env); err != nil {
		return false, err
	}
	return true, nil
}

// NotifyFlush implements internal/sender.LocalSocket: it wakes (account,
// device)'s flush loop if this instance holds the connection, a no-op
// otherwise.
func (h *Hub) NotifyFlush(ctx context.Context, account uuid.UUID, device uint32) error {
	s := h.lookup(account, device)
	if s == nil {
		return nil
	}
	s.signalWake()
	return nil
}
