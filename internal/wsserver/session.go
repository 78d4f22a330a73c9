// Package wsserver implements the WebSocket connect/disconnect component:
// it wires presence, the messages manager, and the push scheduler
// together over a session's lifetime, running the CONNECTED → FLUSHING ↔
// IDLE_SUBSCRIBED → DISCONNECTED state machine and reacting to
// displacement by forcing an immediate disconnect.
//
// Grounded on _examples/other_examples/c337f856_adred-codev-ws_poc's
// broadcast server (a per-connection goroutine pair driven by a send
// channel, using github.com/gobwas/ws for the wire protocol) and
// 53a936a1's Client/ConnectionPool shape, adapted from a pub/sub fan-out
// client to the attach/flush/displace session lifecycle.
package wsserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/cache"
	"github.com/opd-ai/relay/internal/envelope"
	"github.com/opd-ai/relay/internal/messages"
)

// State is a session's position in state machine.
type State int

const (
	StateConnected State = iota
	StateFlushing
	StateIdleSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateFlushing:
		return "FLUSHING"
	case StateIdleSubscribed:
		return "IDLE_SUBSCRIBED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// PresenceRegistry is the subset of internal/presence.Registry a session
// depends on.
type PresenceRegistry interface {
	SetPresent(ctx context.Context, account uuid.UUID, device uint32, instanceID string) error
	ClearPresence(ctx context.Context, account uuid.UUID, device uint32, instanceID string) error
	Refresh(ctx context.Context, account uuid.UUID, device uint32) error
	SubscribeDisplacement(ctx context.Context, account uuid.UUID, device uint32, handler func(newInstanceID string)) (func(), error)
}

// CacheSubscriber is the subset of internal/cache.Client used to watch a
// queue's wake channel directly (new-message / ephemeral / messagesPersisted
// notifications published by internal/queue, internal/sender, and
// internal/persist).
type CacheSubscriber interface {
	SubscribeKeyspace(ctx context.Context, pattern string, handler cache.KeyspaceHandler) (func(), error)
}

// MessagesManager is the subset of internal/messages.Manager a session
// depends on.
type MessagesManager interface {
	GetMessagesForDevice(ctx context.Context, account uuid.UUID, device uint32, limit int) ([]*envelope.Envelope, error)
	DeleteByGUID(ctx context.Context, account uuid.UUID, device uint32, guid uuid.UUID) error
}

// PushCanceler is the subset of internal/push.Scheduler a session uses on
// disconnect to cancel any pending push-fallback entries.
type PushCanceler interface {
	Cancel(ctx context.Context, account uuid.UUID, device uint32) error
}

// Config tunes a session's flush and heartbeat cadence.
type Config struct {
	// FlushLimit bounds how many envelopes GetMessagesForDevice returns per
	// flush pass.
	FlushLimit int
	// AckTimeout bounds how long the flush loop waits for a per-frame ACK
	// before moving on: "on timeout, the frame is
	// re-queued" (left undeleted in the queue, so a later flush redelivers
	// it).
	AckTimeout time.Duration
	// PresentRefresh is the heartbeat cadence refreshing the presence TTL
	// while the socket is live.
	PresentRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushLimit <= 0 {
		c.FlushLimit = 100
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.PresentRefresh <= 0 {
		c.PresentRefresh = 5 * time.Minute
	}
	return c
}

// Session is one attached WebSocket connection for a single (account,
// device), implementing connect/disconnect lifecycle.
type Session struct {
	conn       net.Conn
	account    uuid.UUID
	device     uint32
	instanceID string

	hub      *Hub
	presence PresenceRegistry
	cacheSub CacheSubscriber
	manager  MessagesManager
	push     PushCanceler
	cfg      Config
	log      *logrus.Entry

	stateMu sync.Mutex
	state   State

	events      <-chan messages.Event
	unsubEvents func()
	unsubWake   func()
	unsubDispl  func()

	wakeCh         chan struct{}
	ackCh          chan uuid.UUID
	closeOnce      sync.Once
	doneCh         chan struct{}
	teardownDoneCh chan struct{}
}

// Connect performs on-attach sequence: set presence,
// subscribe to the wake and displacement channels, and start the session's
// background loop (which immediately runs an initial flush pass). The
// caller has already authenticated the connection and resolved (account,
// device) before calling Connect.
func Connect(ctx context.Context, conn net.Conn, account uuid.UUID, device uint32, instanceID string,
	hub *Hub, presenceReg PresenceRegistry, cacheSub CacheSubscriber, manager MessagesManager,
	router *EventRouter, push PushCanceler, cfg Config, log *logrus.Entry) (*Session, error) {

	s := &Session{
		conn:       conn,
		account:    account,
		device:     device,
		instanceID: instanceID,
		hub:        hub,
		presence:   presenceReg,
		cacheSub:   cacheSub,
		manager:    manager,
		push:       push,
		cfg:        cfg.withDefaults(),
		log: log.WithFields(logrus.Fields{
			"account": account,
			"device":  device,
		}),
		state:          StateConnected,
		wakeCh:         make(chan struct{}, 1),
		ackCh:          make(chan uuid.UUID, 1),
		doneCh:         make(chan struct{}),
		teardownDoneCh: make(chan struct{}),
	}

	if err := presenceReg.SetPresent(ctx, account, device, instanceID); err != nil {
		return nil, fmt.Errorf("wsserver: set present: %w", err)
	}

	unsubWake, err := cacheSub.SubscribeKeyspace(ctx, wakeChannelPattern(account, device), func(_ string, _ string) {
		s.signalWake()
	})
	if err != nil {
		return nil, fmt.Errorf("wsserver: subscribe wake channel: %w", err)
	}
	s.unsubWake = unsubWake

	unsubDispl, err := presenceReg.SubscribeDisplacement(ctx, account, device, func(newInstanceID string) {
		s.forceDisconnect(ctx, "replaced by new connection")
	})
	if err != nil {
		unsubWake()
		return nil, fmt.Errorf("wsserver: subscribe displacement channel: %w", err)
	}
	s.unsubDispl = unsubDispl

	events, unsubEvents := router.Subscribe(account, device)
	s.events = events
	s.unsubEvents = unsubEvents

	hub.register(s)

	go s.readPump()
	go s.run(ctx)

	return s, nil
}

func wakeChannelPattern(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_channel::{%s:%d}", account, device)
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// State returns the session's current position in the state machine.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) signalWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// writeMessageFrame is called by Hub.WriteDirect for an ephemeral,
// online-delivery write straight to this session's socket.
func (s *Session) writeMessageFrame(env *envelope.Envelope) error {
	return writeMessageFrame(s.conn, env)
}

// run drives the FLUSHING ↔ IDLE_SUBSCRIBED loop until disconnect.
func (s *Session) run(ctx context.Context) {
	defer s.teardown(ctx)

	refresh := time.NewTicker(s.cfg.PresentRefresh)
	defer refresh.Stop()

	s.flushLoop(ctx)
	for {
		s.setState(StateIdleSubscribed)
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-s.wakeCh:
			s.flushLoop(ctx)
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			_ = ev // any event (new message or persisted) is cause to re-flush
			s.flushLoop(ctx)
		case <-refresh.C:
			if err := s.presence.Refresh(ctx, s.account, s.device); err != nil {
				s.log.WithFields(logrus.Fields{"function": "run", "error": err.Error()}).
					Warn("presence heartbeat refresh failed")
			}
		}
	}
}

// flushLoop implements "flush pending": read up to
// FlushLimit envelopes, write each as a frame, and await its ACK (or a
// timeout, which simply abandons this flush pass without deleting the
// envelope — it will be re-sent on the next pass).
func (s *Session) flushLoop(ctx context.Context) {
	s.setState(StateFlushing)

	envs, err := s.manager.GetMessagesForDevice(ctx, s.account, s.device, s.cfg.FlushLimit)
	if err != nil {
		s.log.WithFields(logrus.Fields{"function": "flushLoop", "error": err.Error()}).Warn("failed to fetch pending messages")
		return
	}

	for _, env := range envs {
		if err := writeMessageFrame(s.conn, env); err != nil {
			s.log.WithFields(logrus.Fields{"function": "flushLoop", "guid": env.GUID, "error": err.Error()}).
				Warn("failed to write message frame; ending flush pass")
			return
		}

		select {
		case acked := <-s.ackCh:
			if acked != env.GUID {
				// Out-of-order ack (should not happen with a well-behaved
				// client); still advance, since the server already wrote the
				// frame the client is acking.
				s.log.WithFields(logrus.Fields{"function": "flushLoop", "expected": env.GUID, "got": acked}).
					Debug("received ack for unexpected guid")
			}
			if err := s.manager.DeleteByGUID(ctx, s.account, s.device, env.GUID); err != nil {
				s.log.WithFields(logrus.Fields{"function": "flushLoop", "guid": env.GUID, "error": err.Error()}).
					Warn("failed to delete acked envelope")
			}
		case <-time.After(s.cfg.AckTimeout):
			s.log.WithFields(logrus.Fields{"function": "flushLoop", "guid": env.GUID}).
				Debug("ack timeout; envelope remains queued for redelivery")
			return
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		}
	}
}

// readPump continuously reads client frames, handling acks and detecting
// client-initiated close or read errors.
func (s *Session) readPump() {
	for {
		frame, ok, err := readInboundFrame(s.conn)
		if err != nil {
			s.closeDone()
			return
		}
		if !ok {
			s.closeDone()
			return
		}
		if frame.Type == frameTypeAck {
			select {
			case s.ackCh <- frame.GUID:
			default:
			}
		}
	}
}

func (s *Session) closeDone() {
	s.closeOnce.Do(func() { close(s.doneCh) })
}

// forceDisconnect implements displacement rule: a
// displacement event forces an immediate → DISCONNECTED with the "replaced
// by new connection" close code.
func (s *Session) forceDisconnect(ctx context.Context, reason string) {
	_ = writeCloseFrame(s.conn, StatusReplaced, reason)
	s.closeDone()
}

// Disconnect performs on-disconnect sequence and blocks
// until the session's background loop has exited.
func (s *Session) Disconnect(ctx context.Context) {
	s.closeDone()
	<-s.teardownDoneCh
}

func (s *Session) teardown(ctx context.Context) {
	s.setState(StateDisconnected)
	s.hub.unregister(s)

	if s.unsubWake != nil {
		s.unsubWake()
	}
	if s.unsubDispl != nil {
		s.unsubDispl()
	}
	if s.unsubEvents != nil {
		s.unsubEvents()
	}

	if err := s.presence.ClearPresence(ctx, s.account, s.device, s.instanceID); err != nil {
		s.log.WithFields(logrus.Fields{"function": "teardown", "error": err.Error()}).Warn("failed to clear presence")
	}
	if s.push != nil {
		if err := s.push.Cancel(ctx, s.account, s.device); err != nil {
			s.log.WithFields(logrus.Fields{"function": "teardown", "error": err.Error()}).Warn("failed to cancel pending push schedule entries")
		}
	}

	_ = s.conn.Close()
	close(s.teardownDoneCh)
}
