// Package sender implements the message sender: the policy engine that
// decides, for a single send, whether to write straight to a live local
// socket, publish an ephemeral wake to a remote instance, queue durably
// and notify, or schedule a push fallback — and carries out whichever it
// picks.
//
// Grounded on opd-ai/toxcore's async package (the Manager.SendAsync
// decision tree: try live transport, fall back to queued storage) and on
// _examples/other_examples/503b311b_..._delivery-orchestrator's
// ranked-provider dispatch idiom, adapted here for a presence-based
// local/remote/absent three-way split instead of a transport-availability
// check.
package sender

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
	"github.com/opd-ai/relay/internal/presence"
)

// Locality classifies where, if anywhere, a device's connection currently
// lives relative to this server instance.
type Locality int

const (
	// LocalityAbsent means no instance holds a live connection for the
	// device.
	LocalityAbsent Locality = iota
	// LocalityLocal means this instance holds the live connection.
	LocalityLocal
	// LocalityRemote means another instance holds the live connection.
	LocalityRemote
)

// PresenceLookup is the subset of presence.Registry the sender depends on.
type PresenceLookup interface {
	IsPresent(ctx context.Context, account uuid.UUID, device uint32) (presence.Record, bool, error)
}

// LocalSocket delivers an envelope directly to a device's live WebSocket
// connection if this instance holds it. ok is false if the connection
// vanished between the presence lookup and the write (a benign race: the
// ephemeral caller drops the envelope).
type LocalSocket interface {
	WriteDirect(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope) (ok bool, err error)
	NotifyFlush(ctx context.Context, account uuid.UUID, device uint32) error
}

// WakePublisher publishes a one-shot notification on a device's wake
// channel, read by whichever instance currently holds its connection.
type WakePublisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// QueueInserter is the subset of internal/messages.Manager the sender uses
// for the durable path.
type QueueInserter interface {
	Insert(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope) (int64, error)
}

// PushScheduler is the subset of internal/push.Scheduler the sender uses to
// arrange fallback delivery for absent devices.
type PushScheduler interface {
	Schedule(ctx context.Context, account uuid.UUID, device uint32) error
}

// DeviceInfo describes the push-eligibility facts about a device; these
// live outside this pipeline's ownership, in the account/device
// registration the account store is an external collaborator for.
type DeviceInfo struct {
	// FetchesMessages devices long-poll for messages and are never
	// push-notified.
	FetchesMessages bool
	HasAPNToken     bool
	HasFCMToken     bool
}

// DeviceLookup resolves a device's push-eligibility facts.
type DeviceLookup interface {
	Lookup(ctx context.Context, account uuid.UUID, device uint32) (DeviceInfo, error)
}

// Sender is the message sender.
type Sender struct {
	instanceID string
	presence   PresenceLookup
	local      LocalSocket
	wake       WakePublisher
	queue      QueueInserter
	push       PushScheduler
	devices    DeviceLookup
	log        *logrus.Entry
}

// New constructs a Sender bound to instanceID, this server instance's
// identity as written into presence records by internal/presence.SetPresent.
func New(instanceID string, presenceLookup PresenceLookup, local LocalSocket, wake WakePublisher, queue QueueInserter, push PushScheduler, devices DeviceLookup, log *logrus.Entry) *Sender {
	return &Sender{
		instanceID: instanceID,
		presence:   presenceLookup,
		local:      local,
		wake:       wake,
		queue:      queue,
		push:       push,
		devices:    devices,
		log:        log,
	}
}

func wakeChannel(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_channel::{%s:%d}", account, device)
}

// Send delivers env to (account, device) according to the device's
// current locality.
//
// When online is true, env is treated as ephemeral: it is delivered only
// if the device has a reachable live connection right now (locally or on
// another instance) and is otherwise dropped, never durably queued. When
// online is false, env is always durably queued, and additionally: a
// locally-present device is told to flush, a remotely-present device's
// instance is woken, and an absent device gets a push fallback scheduled.
func (s *Sender) Send(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope, online bool) error {
	locality, err := s.locate(ctx, account, device)
	if err != nil {
		return fmt.Errorf("sender: locate device: %w", err)
	}

	if online {
		return s.sendEphemeral(ctx, account, device, env, locality)
	}
	return s.sendDurable(ctx, account, device, env, locality)
}

func (s *Sender) locate(ctx context.Context, account uuid.UUID, device uint32) (Locality, error) {
	rec, present, err := s.presence.IsPresent(ctx, account, device)
	if err != nil {
		return LocalityAbsent, err
	}
	if !present {
		return LocalityAbsent, nil
	}
	if rec.InstanceID == s.instanceID {
		return LocalityLocal, nil
	}
	return LocalityRemote, nil
}

func (s *Sender) sendEphemeral(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope, locality Locality) error {
	switch locality {
	case LocalityLocal:
		ok, err := s.local.WriteDirect(ctx, account, device, env)
		if err != nil {
			return fmt.Errorf("sender: write direct: %w", err)
		}
		if !ok {
			// Connection vanished between the presence lookup and the write;
			// env is ephemeral, so it is dropped rather than
			// escalated to the durable path.
			s.log.WithFields(logrus.Fields{"function": "sendEphemeral", "account": account, "device": device}).
				Debug("local socket vanished before ephemeral write; dropping")
		}
		return nil
	case LocalityRemote:
		return s.wake.Publish(ctx, wakeChannel(account, device), "ephemeral")
	default: // LocalityAbsent
		return nil
	}
}

func (s *Sender) sendDurable(ctx context.Context, account uuid.UUID, device uint32, env *envelope.Envelope, locality Locality) error {
	if _, err := s.queue.Insert(ctx, account, device, env); err != nil {
		return fmt.Errorf("sender: insert: %w", err)
	}

	switch locality {
	case LocalityLocal:
		return s.local.NotifyFlush(ctx, account, device)
	case LocalityRemote:
		return s.wake.Publish(ctx, wakeChannel(account, device), "new-message")
	default: // LocalityAbsent
		return s.schedulePush(ctx, account, device)
	}
}

// schedulePush arranges push fallback: a fetches-messages device is never
// push-notified, and APN wins over FCM when a device somehow has both
// tokens.
func (s *Sender) schedulePush(ctx context.Context, account uuid.UUID, device uint32) error {
	info, err := s.devices.Lookup(ctx, account, device)
	if err != nil {
		return fmt.Errorf("sender: device lookup: %w", err)
	}
	if info.FetchesMessages {
		return nil
	}
	if !info.HasAPNToken && !info.HasFCMToken {
		return nil
	}
	if err := s.push.Schedule(ctx, account, device); err != nil {
		return fmt.Errorf("sender: schedule push: %w", err)
	}
	return nil
}
