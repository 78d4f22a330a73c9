package wsserver

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/messages"
)

func sessionKey(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("%s:%d", account, device)
}

// EventSource is the subset of internal/messages.Manager the router drains.
type EventSource interface {
	Events() <-chan messages.Event
}

// EventRouter fans a single shared messages.Event stream out to at most one
// per-(account,device) subscriber, implementing // "at most one listener per (account,device) per process" on top of
// internal/messages.Manager's single shared channel.
type EventRouter struct {
	mu   sync.RWMutex
	subs map[string]chan messages.Event
	log  *logrus.Entry
}

// NewEventRouter starts draining source.Events() in the background. The
// returned router stops only when source's channel is closed.
func NewEventRouter(source EventSource, log *logrus.Entry) *EventRouter {
	r := &EventRouter{subs: make(map[string]chan messages.Event), log: log}
	go r.run(source.Events())
	return r
}

func (r *EventRouter) run(events <-chan messages.Event) {
	for ev := range events {
		key := sessionKey(ev.Account, ev.Device)
		r.mu.RLock()
		ch := r.subs[key]
		r.mu.RUnlock()
		if ch == nil {
			continue
		}
		select {
		case ch <- ev:
		default:
			r.log.WithFields(logrus.Fields{"function": "run", "account": ev.Account, "device": ev.Device}).
				Warn("dropped event: session listener channel full")
		}
	}
}

// Subscribe registers the caller as the sole listener for (account, device),
// replacing any prior subscription for the same key (a stale session that
// failed to unsubscribe loses its feed, which is the desired behavior on
// displacement). The returned func unsubscribes.
func (r *EventRouter) Subscribe(account uuid.UUID, device uint32) (<-chan messages.Event, func()) {
	key := sessionKey(account, device)
	ch := make(chan messages.Event, 16)

	r.mu.Lock()
	r.subs[key] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		if r.subs[key] == ch {
			delete(r.subs, key)
		}
		r.mu.Unlock()
	}
}
