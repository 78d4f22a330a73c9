package wsserver

import (
	"net/http"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Authenticator resolves an inbound upgrade request to the (account,
// device) pair it authenticates as. Authentication itself is out of this
// pipeline's scope; this package only needs its result.
type Authenticator interface {
	Authenticate(r *http.Request) (account uuid.UUID, device uint32, err error)
}

// Server upgrades incoming HTTP requests to WebSocket connections and
// drives each through Connect, implementing the listener half of the
// connect/disconnect session lifecycle.
type Server struct {
	hub        *Hub
	presence   PresenceRegistry
	cacheSub   CacheSubscriber
	manager    MessagesManager
	router     *EventRouter
	push       PushCanceler
	auth       Authenticator
	instanceID string
	cfg        Config
	log        *logrus.Entry
}

// NewServer constructs a Server. hub, router, and the shared dependencies
// are expected to be constructed once at process startup and reused across
// every upgraded connection.
func NewServer(hub *Hub, presenceReg PresenceRegistry, cacheSub CacheSubscriber, manager MessagesManager,
	router *EventRouter, push PushCanceler, auth Authenticator, instanceID string, cfg Config, log *logrus.Entry) *Server {
	return &Server{
		hub: hub, presence: presenceReg, cacheSub: cacheSub, manager: manager,
		router: router, push: push, auth: auth, instanceID: instanceID, cfg: cfg, log: log,
	}
}

// ServeHTTP implements net/http.Handler, upgrading the connection and
// handing it to Connect. The session then runs for the lifetime of the
// connection on its own goroutines; ServeHTTP returns immediately after the
// upgrade succeeds.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account, device, err := srv.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		srv.log.WithFields(logrus.Fields{"function": "ServeHTTP", "account": account, "device": device, "error": err.Error()}).
			Warn("websocket upgrade failed")
		return
	}

	if _, err := Connect(r.Context(), conn, account, device, srv.instanceID,
		srv.hub, srv.presence, srv.cacheSub, srv.manager, srv.router, srv.push, srv.cfg, srv.log); err != nil {
		srv.log.WithFields(logrus.Fields{"function": "ServeHTTP", "account": account, "device": device, "error": err.Error()}).
			Warn("session attach failed")
		_ = conn.Close()
	}
}
