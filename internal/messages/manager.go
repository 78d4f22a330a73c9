// Package messages implements the messages manager: the single
// collaborator other components call to insert, read, and remove
// envelopes, hiding the split between the fast cache queue
// (internal/queue) and the durable table (internal/durable) behind one
// API, and emitting new-message and messages-persisted events on a channel
// instead of returning them as method results.
//
// Grounded on opd-ai/toxcore's async package (AsyncManager sitting above
// storage, with a notify-style callback list) for the manager-over-storage
// shape, adapted so listeners are modeled as channels of events rather
// than interface callbacks; the channel's consumer
// (internal/wsserver.EventRouter) fans each event out to the session of
// the device it names without blocking the inserting goroutine.
package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// Queue is the subset of internal/queue.Queue the manager depends on, one
// instance per (account, device).
type Queue interface {
	Insert(ctx context.Context, env *envelope.Envelope) (int64, error)
	GetAll(ctx context.Context, afterID int64, limit int) ([]*envelope.Envelope, error)
	RemoveByGUID(ctx context.Context, guid uuid.UUID) (*envelope.Envelope, error)
	RemoveByServerTimestampAndSender(ctx context.Context, serverTimestamp time.Time, sender uuid.UUID, scanLimit int) (env *envelope.Envelope, scanned int, truncated bool, err error)
}

// QueueFactory builds the per-(account,device) Queue, so Manager does not
// need to know about shard counts or the underlying cache client directly.
type QueueFactory func(account uuid.UUID, device uint32) Queue

// DurableStore is the subset of internal/durable.Table the manager falls
// back to once a queue has been persisted and trimmed from the cache.
type DurableStore interface {
	GetForDevice(ctx context.Context, account uuid.UUID, device uint32, limit int32) ([]*envelope.Envelope, error)
	DeleteByGUID(ctx context.Context, guid uuid.UUID) error
	ClearDevice(ctx context.Context, account uuid.UUID, device uint32) (int, error)
}

// EventType distinguishes the kinds of events Manager emits.
type EventType int

const (
	// EventNewMessage fires after an envelope is durably queued, so a live
	// WebSocket session for the device can attempt immediate delivery.
	EventNewMessage EventType = iota
	// EventMessagesPersisted fires after the persister drains a queue to
	// durable storage, so any long-poll reader waiting on the cache queue
	// knows to re-fetch from the durable table instead.
	EventMessagesPersisted
)

// Event is one notification emitted on a Manager's event channel.
type Event struct {
	Type    EventType
	Account uuid.UUID
	Device  uint32
	Env     *envelope.Envelope // set for EventNewMessage; nil for EventMessagesPersisted
}

// defaultScanLimit bounds DeleteByTimestampAndSender's queue walk; that
// method takes no scan limit of its own.
const defaultScanLimit = 1000

// Manager is the messages manager.
type Manager struct {
	queues  QueueFactory
	durable DurableStore
	log     *logrus.Entry

	events chan Event
}

// New constructs a Manager. events is the shared channel every
// EventNewMessage/EventMessagesPersisted notification is sent on;
// capacity should be generous enough that a slow consumer does not
// back-pressure inserts; the caller creates the channel and so chooses
// its capacity.
func New(queues QueueFactory, durable DurableStore, events chan Event, log *logrus.Entry) *Manager {
	return &Manager{queues: queues, durable: durable, log: log, events: events}
}

// Events returns the receive-only view of the manager's event stream, for
// internal/wsserver.EventRouter to range over.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Insert queues env for (account, device) and emits EventNewMessage.
func (m *Manager) Insert(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope) (int64, error) {
	q := m.queues(account, device)
	qid, err := q.Insert(ctx, env)
	if err != nil {
		return 0, fmt.Errorf("messages: insert: %w", err)
	}

	m.emit(ctx, Event{Type: EventNewMessage, Account: account, Device: device, Env: env})
	return qid, nil
}

// GetMessagesForDevice returns up to limit undelivered envelopes for
// (account, device), merged from both stores: the cache queue first, then
// the durable table filtered to drop any GUID already present in the
// cache slice, so a device that has been through a persist cycle (newer
// envelopes still in cache, older ones trimmed to durable) sees both
// instead of only whichever store the cache happens to hold.
func (m *Manager) GetMessagesForDevice(ctx context.Context, account uuid.UUID, device uint32, limit int) ([]*envelope.Envelope, error) {
	q := m.queues(account, device)
	fromCache, err := q.GetAll(ctx, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("messages: get from cache: %w", err)
	}
	if len(fromCache) >= limit {
		return fromCache, nil
	}

	fromDurable, err := m.durable.GetForDevice(ctx, account, device, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("messages: get from durable store: %w", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(fromCache))
	for _, env := range fromCache {
		seen[env.GUID] = struct{}{}
	}

	merged := fromCache
	for _, env := range fromDurable {
		if len(merged) >= limit {
			break
		}
		if _, ok := seen[env.GUID]; ok {
			continue
		}
		merged = append(merged, env)
	}
	return merged, nil
}

// DeleteByGUID removes an envelope by GUID from whichever store currently
// holds it: the cache queue if present, else the durable table, used for
// client acknowledgements.
func (m *Manager) DeleteByGUID(ctx context.Context, account uuid.UUID, device uint32, guid uuid.UUID) error {
	q := m.queues(account, device)
	removed, err := q.RemoveByGUID(ctx, guid)
	if err != nil {
		return fmt.Errorf("messages: remove from cache: %w", err)
	}
	if removed != nil {
		return nil
	}
	// Not in the cache queue: it was already persisted and trimmed, or
	// never existed. Either way, try the durable table; DeleteByGUID there
	// is itself a no-op if the item is absent.
	if err := m.durable.DeleteByGUID(ctx, guid); err != nil {
		return fmt.Errorf("messages: remove from durable store: %w", err)
	}
	return nil
}

// DeleteByTimestampAndSender removes the envelope matching
// (serverTimestamp, sender) from (account, device)'s cache queue, bounding
// the scan at defaultScanLimit entries. truncated reports whether the scan
// was cut off before a conclusive answer: callers that see truncated=true
// should treat the message as not-yet-deleted and retry rather than
// assume success.
func (m *Manager) DeleteByTimestampAndSender(ctx context.Context, account uuid.UUID, device uint32, serverTimestamp time.Time, sender uuid.UUID) (removed *envelope.Envelope, truncated bool, err error) {
	q := m.queues(account, device)
	removed, _, truncated, err = q.RemoveByServerTimestampAndSender(ctx, serverTimestamp, sender, defaultScanLimit)
	if err != nil {
		return nil, false, fmt.Errorf("messages: remove by timestamp and sender: %w", err)
	}
	return removed, truncated, nil
}

// Clear removes every message for (account, device) from the durable
// table. Callers are expected to have already evicted the device's cache
// queue keys directly (e.g. via key deletion at the device-removal call
// site) since Manager does not expose raw key access.
func (m *Manager) Clear(ctx context.Context, account uuid.UUID, device uint32) (int, error) {
	n, err := m.durable.ClearDevice(ctx, account, device)
	if err != nil {
		return 0, fmt.Errorf("messages: clear durable store: %w", err)
	}
	return n, nil
}

// NotifyPersisted emits EventMessagesPersisted for (account, device),
// called by internal/persist after a successful drain-and-trim cycle.
func (m *Manager) NotifyPersisted(ctx context.Context, account uuid.UUID, device uint32) {
	m.emit(ctx, Event{Type: EventMessagesPersisted, Account: account, Device: device})
}

// emit sends ev on the event channel, dropping it (with a logged warning)
// rather than blocking the caller indefinitely if the channel is full and
// ctx is cancelled first. A full channel means some listener has fallen
// behind; callers are expected to size the channel and their own consume
// loop so this is rare, not a steady-state condition.
func (m *Manager) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
		m.log.WithFields(logrus.Fields{
			"function": "emit",
			"type":     ev.Type,
			"account":  ev.Account,
			"device":   ev.Device,
		}).Warn("dropped event: context cancelled before event channel had room")
	}
}
