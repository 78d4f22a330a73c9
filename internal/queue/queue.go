package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// CacheClient is the subset of internal/cache.Client that Queue depends
// on. Declared as an interface here (the pattern async/mock_transport.go
// uses for MessageTransport) so tests can substitute an in-memory fake
// without standing up a real Redis cluster.
type CacheClient interface {
	RegisterScript(name, src string)
	RunScript(ctx context.Context, name string, keys []string, args ...any) (any, error)
	Publish(ctx context.Context, channel, payload string) error
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	ScanSet(ctx context.Context, key string, cursor uint64, limit int64) ([]string, uint64, error)
}

// Queue is the device message queue for one (account, device) pair.
type Queue struct {
	cache      CacheClient
	account    uuid.UUID
	device     uint32
	shardCount int
	log        *logrus.Entry
}

// New constructs a Queue bound to one (account, device). Scripts are
// registered idempotently; calling New repeatedly against the same
// CacheClient is cheap. shardCount must match the persister's configured
// shard count.
func New(c CacheClient, account uuid.UUID, device uint32, shardCount int, log *logrus.Entry) *Queue {
	registerScripts(c)
	if shardCount <= 0 {
		shardCount = defaultShardCountHint
	}
	return &Queue{cache: c, account: account, device: device, shardCount: shardCount, log: log}
}

func (q *Queue) keys() (queueK, metaK, counterK, flagK string) {
	return queueKey(q.account, q.device), metadataKey(q.account, q.device),
		counterKey(q.account, q.device), persistFlagKey(q.account, q.device)
}

// Insert appends env to the queue and returns its assigned queue-id.
func (q *Queue) Insert(ctx context.Context, env *envelope.Envelope) (int64, error) {
	data, err := env.Marshal()
	if err != nil {
		return 0, fmt.Errorf("queue: marshal envelope: %w", err)
	}
	queueK, metaK, counterK, _ := q.keys()
	channel := WakeChannel(q.account, q.device)

	res, err := q.cache.RunScript(ctx, scriptInsert, []string{queueK, metaK, counterK},
		string(data), env.GUID.String(), channel)
	if err != nil {
		return 0, err
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return 0, fmt.Errorf("queue: unexpected insert script result %#v", res)
	}
	qid := toInt64(pair[0])
	wasEmpty := toInt64(pair[1]) == 1

	if wasEmpty {
		shard := Shard(q.account, q.device, q.shardCount)
		if err := q.cache.AddToSet(ctx, ShardIndexKey(shard), q.hashTagString()); err != nil {
			q.log.WithFields(logrus.Fields{
				"function": "Insert",
				"account":  q.account,
				"device":   q.device,
				"error":    err.Error(),
			}).Warn("failed to update shard discovery index; persister may miss this queue until its next insert")
		}
	}

	return qid, nil
}

// GetAll returns up to limit envelopes with queue-id > afterId, in
// ascending order.
func (q *Queue) GetAll(ctx context.Context, afterID int64, limit int) ([]*envelope.Envelope, error) {
	queueK, _, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptGetAll, []string{queueK}, afterID, limit)
	if err != nil {
		return nil, err
	}
	return decodeEnvelopeList(res)
}

// RemoveByGUID removes the envelope identified by guid, returning it if
// found. A second call for the same GUID is a no-op that returns nil, nil.
func (q *Queue) RemoveByGUID(ctx context.Context, guid uuid.UUID) (*envelope.Envelope, error) {
	queueK, metaK, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptRemoveByGUID, []string{queueK, metaK}, guid.String())
	if err != nil {
		return nil, err
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("queue: unexpected removeByGuid result %#v", res)
	}
	env, nowEmpty := decodeOptionalEnvelope(pair[0]), toInt64(pair[1]) == 1
	if env != nil && nowEmpty {
		q.removeFromShardIndexBestEffort(ctx)
	}
	return env, nil
}

// RemoveByServerTimestampAndSender implements the client "delete by
// (sender,timestamp)" ACK semantics, scanning at most scanLimit entries.
// truncated reports whether the scan hit scanLimit before finding a match
// or exhausting the queue: cap the scan and report truncation rather than
// guess at full semantics.
func (q *Queue) RemoveByServerTimestampAndSender(ctx context.Context, serverTimestamp time.Time, sender uuid.UUID, scanLimit int) (env *envelope.Envelope, scanned int, truncated bool, err error) {
	queueK, metaK, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptRemoveByTsSender, []string{queueK, metaK},
		serverTimestamp.UnixMilli(), sender.String(), scanLimit)
	if err != nil {
		return nil, 0, false, err
	}
	quad, ok := res.([]any)
	if !ok || len(quad) != 4 {
		return nil, 0, false, fmt.Errorf("queue: unexpected removeByTimestampAndSender result %#v", res)
	}
	env = decodeOptionalEnvelope(quad[0])
	scanned = int(toInt64(quad[1]))
	nowEmpty := toInt64(quad[2]) == 1
	truncated = toInt64(quad[3]) == 1
	if env != nil && nowEmpty {
		q.removeFromShardIndexBestEffort(ctx)
	}
	return env, scanned, truncated, nil
}

// DrainAndTrim atomically returns every envelope with queue-id <= uptoID
// and removes them plus their GUID index entries. Used exclusively by the
// persister.
func (q *Queue) DrainAndTrim(ctx context.Context, uptoID int64) ([]*envelope.Envelope, error) {
	queueK, metaK, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptDrainAndTrim, []string{queueK, metaK}, uptoID)
	if err != nil {
		return nil, err
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("queue: unexpected drainAndTrim result %#v", res)
	}
	envs, err := decodeEnvelopeList(pair[0])
	if err != nil {
		return nil, err
	}
	if toInt64(pair[1]) == 1 {
		q.removeFromShardIndexBestEffort(ctx)
	}
	return envs, nil
}

// PeekOldest returns the oldest envelope currently in the queue, or nil if
// empty. Combined with internal/persist's shard-index scan, this lets the
// persister ask "is this candidate queue's head actually old enough to
// persist" without draining anything.
func (q *Queue) PeekOldest(ctx context.Context) (*envelope.Envelope, error) {
	queueK, _, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptPeekHead, []string{queueK})
	if err != nil {
		return nil, err
	}
	return decodeOptionalEnvelope(res), nil
}

// PeekPage returns up to limit of the oldest envelopes in the queue along
// with the highest queue-id among them, without removing anything. The
// persister reads a page this way, writes it to durable storage, and only
// then calls DrainAndTrim(ctx, lastQid) — so a crash between the two never
// loses an envelope (it is simply read and persisted again next cycle).
func (q *Queue) PeekPage(ctx context.Context, limit int) (envs []*envelope.Envelope, lastQid int64, err error) {
	queueK, _, _, _ := q.keys()
	res, err := q.cache.RunScript(ctx, scriptPeekPage, []string{queueK}, limit)
	if err != nil {
		return nil, 0, err
	}
	return decodeEnvelopesWithScores(res)
}

// AcquirePersistFlag sets the persist-in-progress flag if unset, with the
// given TTL, returning true if acquired. The set-if-unset semantics are
// the persister's guard against two instances draining the same queue
// concurrently.
func (q *Queue) AcquirePersistFlag(ctx context.Context, ttl time.Duration) (bool, error) {
	_, _, _, flagK := q.keys()
	res, err := q.cache.RunScript(ctx, scriptAcquirePersistFlag, []string{flagK}, int64(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

// ReleasePersistFlag clears the persist-in-progress flag at the end of a
// drain cycle.
func (q *Queue) ReleasePersistFlag(ctx context.Context) error {
	_, _, _, flagK := q.keys()
	_, err := q.cache.RunScript(ctx, scriptReleasePersistFlag, []string{flagK})
	return err
}

func (q *Queue) hashTagString() string { return hashTag(q.account, q.device) }

// removeFromShardIndexBestEffort drops this queue's membership from its
// shard's discovery set once it has drained to empty. Failures here only
// delay persister discovery of a later re-insert's shard membership
// (Insert re-adds it), never correctness: an emptied queue simply yields
// no envelopes if the persister visits it again before eviction.
func (q *Queue) removeFromShardIndexBestEffort(ctx context.Context) {
	shard := Shard(q.account, q.device, q.shardCount)
	if err := q.cache.RemoveFromSet(ctx, ShardIndexKey(shard), q.hashTagString()); err != nil {
		q.log.WithFields(logrus.Fields{
			"function": "removeFromShardIndexBestEffort",
			"account":  q.account,
			"device":   q.device,
			"error":    err.Error(),
		}).Debug("failed to clean up shard discovery index entry")
	}
}

// defaultShardCountHint bounds the hash used when no explicit shard count
// is supplied to New (e.g. ad hoc test queues).
const defaultShardCountHint = 16

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
