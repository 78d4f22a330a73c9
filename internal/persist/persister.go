// Package persist implements the message persister: a background worker
// that walks the shard-sharded queue index, drains each queue whose
// oldest envelope is older than the configured persist delay into the
// durable table, and trims the cache queue to match — all without ever
// letting an envelope be simultaneously absent from both stores or
// present in both at once from a reader's perspective.
//
// Grounded on opd-ai/toxcore's async package (a periodic background
// goroutine claiming and processing a bounded unit of work per tick, with
// lease-style ownership so concurrent instances do not duplicate work) and
// on internal/queue's shard-index design. Scheduling reuses
// internal/cache's Incr/AcquireLock the same way internal/push reuses its
// script-registration idiom.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
	"github.com/opd-ai/relay/internal/queue"
)

const shardCursorKey = "persist_shard_cursor"

func shardLeaseKey(shard int) string {
	return fmt.Sprintf("persist_shard_lease::{%d}", shard)
}

// CacheClient is the subset of internal/cache.Client the persister depends
// on directly (everything queue-shaped goes through Queue instead).
type CacheClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteIfMatch(ctx context.Context, key, expected string) (bool, error)
	ScanSet(ctx context.Context, key string, cursor uint64, limit int64) ([]string, uint64, error)
	Publish(ctx context.Context, channel, payload string) error
}

// Queue is the subset of internal/queue.Queue the persister depends on for
// one (account, device).
type Queue interface {
	PeekOldest(ctx context.Context) (*envelope.Envelope, error)
	PeekPage(ctx context.Context, limit int) (envs []*envelope.Envelope, lastQid int64, err error)
	DrainAndTrim(ctx context.Context, uptoID int64) ([]*envelope.Envelope, error)
	AcquirePersistFlag(ctx context.Context, ttl time.Duration) (bool, error)
	ReleasePersistFlag(ctx context.Context) error
}

// QueueFactory builds the per-(account,device) Queue.
type QueueFactory func(account uuid.UUID, device uint32) Queue

// DurableStore is the subset of internal/durable.Table the persister
// writes through.
type DurableStore interface {
	PutBatch(ctx context.Context, envs []*envelope.Envelope) error
}

// PersistNotifier is notified once a queue has been successfully drained,
// so internal/messages.Manager can fan out EventMessagesPersisted to
// in-process listeners.
type PersistNotifier interface {
	NotifyPersisted(ctx context.Context, account uuid.UUID, device uint32)
}

// Config tunes the persister's cadence and batch sizes.
type Config struct {
	ShardCount      int
	PersistDelay    time.Duration
	PersistInterval time.Duration
	PersistLease    time.Duration
	MaxQueuesPerRun int
	PersistPage     int
}

// Persister is the message persister.
type Persister struct {
	cache    CacheClient
	queues   QueueFactory
	durable  DurableStore
	notifier PersistNotifier
	cfg      Config
	log      *logrus.Entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Persister.
func New(c CacheClient, queues QueueFactory, durable DurableStore, notifier PersistNotifier, cfg Config, log *logrus.Entry) *Persister {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 100 * time.Millisecond
	}
	if cfg.PersistLease <= 0 {
		cfg.PersistLease = 30 * time.Second
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = 10 * time.Minute
	}
	if cfg.MaxQueuesPerRun <= 0 {
		cfg.MaxQueuesPerRun = 100
	}
	if cfg.PersistPage <= 0 {
		cfg.PersistPage = 100
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	return &Persister{
		cache: c, queues: queues, durable: durable, notifier: notifier, cfg: cfg, log: log,
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Run starts the T_persist background loop, blocking until ctx is
// cancelled or Stop is called.
func (p *Persister) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.log.WithFields(logrus.Fields{"function": "Run", "error": err.Error()}).Warn("persist cycle failed")
			}
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// RunOnce executes one full persist cycle: claim a shard, enumerate its
// candidate queues, and persist each one that is actually due. Exported
// so tests (and an operator's manual "run a cycle now" tooling) can
// drive a single cycle deterministically.
func (p *Persister) RunOnce(ctx context.Context) error {
	shard, leaseToken, held, err := p.claimShard(ctx)
	if err != nil {
		return fmt.Errorf("persist: claim shard: %w", err)
	}
	if !held {
		// Another instance is already processing this shard this cycle;
		// step 1's lease means skipping here is correct, not a failure.
		return nil
	}
	defer func() {
		if _, err := p.cache.DeleteIfMatch(ctx, shardLeaseKey(shard), leaseToken); err != nil {
			p.log.WithFields(logrus.Fields{"function": "RunOnce", "shard": shard, "error": err.Error()}).
				Warn("failed to release shard lease; it will expire on its own TTL")
		}
	}()

	candidates, _, err := p.cache.ScanSet(ctx, queue.ShardIndexKey(shard), 0, int64(p.cfg.MaxQueuesPerRun))
	if err != nil {
		return fmt.Errorf("persist: scan shard index: %w", err)
	}

	cutoff := time.Now().Add(-p.cfg.PersistDelay)
	processed := 0
	for _, tag := range candidates {
		if processed >= p.cfg.MaxQueuesPerRun {
			break
		}
		account, device, err := queue.ParseHashTag(tag)
		if err != nil {
			p.log.WithFields(logrus.Fields{"function": "RunOnce", "tag": tag, "error": err.Error()}).Warn("malformed shard index entry, skipping")
			continue
		}
		didWork, err := p.maybePersistQueue(ctx, account, device, cutoff)
		if err != nil {
			p.log.WithFields(logrus.Fields{"function": "RunOnce", "account": account, "device": device, "error": err.Error()}).
				Warn("failed to persist queue")
			continue
		}
		if didWork {
			processed++
		}
	}
	return nil
}

func (p *Persister) claimShard(ctx context.Context) (shard int, leaseToken string, held bool, err error) {
	cursor, err := p.cache.Incr(ctx, shardCursorKey)
	if err != nil {
		return 0, "", false, err
	}
	shard = int(cursor % int64(p.cfg.ShardCount))
	leaseToken = uuid.New().String()
	ok, err := p.cache.AcquireLock(ctx, shardLeaseKey(shard), leaseToken, p.cfg.PersistLease)
	if err != nil {
		return shard, "", false, err
	}
	return shard, leaseToken, ok, nil
}

// maybePersistQueue handles a single candidate queue: skip if not old
// enough or already being persisted elsewhere, otherwise drain a bounded
// page into durable storage and trim the cache.
func (p *Persister) maybePersistQueue(ctx context.Context, account uuid.UUID, device uint32, cutoff time.Time) (didWork bool, err error) {
	q := p.queues(account, device)

	head, err := q.PeekOldest(ctx)
	if err != nil {
		return false, fmt.Errorf("peek oldest: %w", err)
	}
	if head == nil {
		return false, nil // emptied since the shard index scan; nothing to do
	}
	if head.ServerTimestamp.After(cutoff) {
		return false, nil // not old enough yet
	}

	acquired, err := q.AcquirePersistFlag(ctx, p.cfg.PersistLease)
	if err != nil {
		return false, fmt.Errorf("acquire persist flag: %w", err)
	}
	if !acquired {
		return false, nil // another run (or instance) already has this queue
	}
	defer func() {
		if relErr := q.ReleasePersistFlag(ctx); relErr != nil {
			p.log.WithFields(logrus.Fields{"function": "maybePersistQueue", "account": account, "device": device, "error": relErr.Error()}).
				Warn("failed to release persist flag; it will expire on its own TTL")
		}
	}()

	page, lastQid, err := q.PeekPage(ctx, p.cfg.PersistPage)
	if err != nil {
		return false, fmt.Errorf("peek page: %w", err)
	}
	if len(page) == 0 {
		return false, nil
	}

	// Write-before-trim: if the process crashes here, the next cycle reads
	// and writes the same page again. PutBatch's upsert on (account,
	// device, ts, guid) makes that retry idempotent.
	if err := p.durable.PutBatch(ctx, page); err != nil {
		return false, fmt.Errorf("durable put batch: %w", err)
	}

	if _, err := q.DrainAndTrim(ctx, lastQid); err != nil {
		return false, fmt.Errorf("drain and trim: %w", err)
	}

	if err := p.cache.Publish(ctx, queue.WakeChannel(account, device), "messagesPersisted"); err != nil {
		p.log.WithFields(logrus.Fields{"function": "maybePersistQueue", "account": account, "device": device, "error": err.Error()}).
			Warn("failed to publish messagesPersisted notification")
	}
	p.notifier.NotifyPersisted(ctx, account, device)

	return true, nil
}
