// Package push implements the push fallback scheduler: a single
// cluster-wide time-sorted set of devices due for a platform push RPC,
// popped in bounded batches on a fixed poll interval and dispatched
// through a ranked list of providers (APNs ahead of FCM) with doubling
// backoff and a retry cap.
//
// Grounded on _examples/other_examples/503b311b_jordigilh-kubernaut's
// delivery orchestrator (Pattern 3): a ranked-channel dispatch loop with
// per-attempt backoff and a stale-recipient callback, adapted from
// Kubernetes notification channels to APNs/FCM tokens. The atomic
// pop-due-entries step reuses internal/cache's Lua-script idiom, the same
// way internal/queue's scripts do.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/queue"
)

const scheduleKey = "push_schedule"

// CacheClient is the subset of internal/cache.Client the scheduler depends
// on.
type CacheClient interface {
	RegisterScript(name, src string)
	RunScript(ctx context.Context, name string, keys []string, args ...any) (any, error)
}

// Provider dispatches one platform push RPC. Send returns an error; a
// nil error means delivered to the platform gateway (not necessarily to
// the device — that is out of this server's visibility). ErrStaleToken
// marks a token the platform has rejected as permanently invalid.
type Provider interface {
	Name() string
	Send(ctx context.Context, token string) error
}

// DeviceTokens describes the push-relevant facts about a device, owned by
// the account/device store outside this pipeline.
type DeviceTokens struct {
	FetchesMessages bool
	APNToken        string
	FCMToken        string
}

// TokenLookup resolves a device's push tokens.
type TokenLookup interface {
	Lookup(ctx context.Context, account uuid.UUID, device uint32) (DeviceTokens, error)
}

// StaleTokenNotifier is invoked when a provider reports a token as
// permanently invalid, so the account update-path (outside this pipeline)
// can clear it. Injected as an interface rather than a direct dependency
// on the account store to avoid a cyclic back-reference.
type StaleTokenNotifier interface {
	MarkStale(ctx context.Context, account uuid.UUID, device uint32, provider string) error
}

// Config tunes the scheduler's poll cadence, batch size, and retry policy.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	Parallelism    int
}

// Scheduler is the push fallback scheduler.
type Scheduler struct {
	cache  CacheClient
	tokens TokenLookup
	stale  StaleTokenNotifier
	apn    Provider
	fcm    Provider
	cfg    Config
	log    *logrus.Entry

	retryMu sync.Mutex
	retries map[string]int // hashtag -> attempts so far; reset on cancel or success

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler. apn and fcm may individually be nil if that
// platform is not configured; Schedule still works as long as at least one
// matching the device's tokens is present.
func New(c CacheClient, tokens TokenLookup, stale StaleTokenNotifier, apn, fcm Provider, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}

	c.RegisterScript(scriptScheduleAdd, scheduleAddSrc)
	c.RegisterScript(scriptScheduleCancel, scheduleCancelSrc)
	c.RegisterScript(scriptPopDue, popDueSrc)

	return &Scheduler{
		cache:   c,
		tokens:  tokens,
		stale:   stale,
		apn:     apn,
		fcm:     fcm,
		cfg:     cfg,
		log:     log,
		retries: make(map[string]int),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func tag(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("%s:%d", account, device)
}

// Schedule adds (account, device) to the push schedule at now, i.e. makes
// it immediately eligible for the next poll.
func (s *Scheduler) Schedule(ctx context.Context, account uuid.UUID, device uint32) error {
	return s.addAt(ctx, account, device, time.Now())
}

// addAt adds or lowers the scheduled time for (account, device). The
// underlying ZADD uses the LT flag so a pending earlier attempt is never
// pushed later by a second, redundant Schedule call.
func (s *Scheduler) addAt(ctx context.Context, account uuid.UUID, device uint32, notBefore time.Time) error {
	_, err := s.cache.RunScript(ctx, scriptScheduleAdd, []string{scheduleKey}, notBefore.UnixMilli(), tag(account, device))
	if err != nil {
		return fmt.Errorf("push: schedule: %w", err)
	}
	return nil
}

// Cancel removes (account, device) from the push schedule, called on
// client ACK.
func (s *Scheduler) Cancel(ctx context.Context, account uuid.UUID, device uint32) error {
	t := tag(account, device)
	_, err := s.cache.RunScript(ctx, scriptScheduleCancel, []string{scheduleKey}, t)
	if err != nil {
		return fmt.Errorf("push: cancel: %w", err)
	}
	s.retryMu.Lock()
	delete(s.retries, t)
	s.retryMu.Unlock()
	return nil
}

// Run starts the poll background loop, blocking until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.popDue(ctx)
	if err != nil {
		s.log.WithFields(logrus.Fields{"function": "pollOnce", "error": err.Error()}).Warn("failed to pop due push schedule entries")
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, t := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(t string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) popDue(ctx context.Context) ([]string, error) {
	res, err := s.cache.RunScript(ctx, scriptPopDue, []string{scheduleKey}, time.Now().UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("push: unexpected popDue result %#v", res)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

func (s *Scheduler) dispatch(ctx context.Context, t string) {
	account, device, err := queue.ParseHashTag(t)
	if err != nil {
		s.log.WithFields(logrus.Fields{"function": "dispatch", "tag": t, "error": err.Error()}).Warn("malformed push schedule tag, dropping")
		return
	}

	info, err := s.tokens.Lookup(ctx, account, device)
	if err != nil {
		s.log.WithFields(logrus.Fields{"function": "dispatch", "account": account, "device": device, "error": err.Error()}).Warn("device token lookup failed")
		return
	}

	provider, token := s.selectProvider(info)
	if provider == nil {
		// No usable provider (device has neither token, or is
		// fetches-messages and should never have been scheduled); drop.
		return
	}

	if err := provider.Send(ctx, token); err != nil {
		s.handleFailure(ctx, account, device, t, provider.Name(), err)
		return
	}

	// A successful dispatch is not the same as a client ack: the device may
	// be offline or may simply not wake up in time, so keep re-pushing with
	// growing backoff until Cancel is called, rather than stopping after
	// the first attempt.
	s.rescheduleOrExhaust(ctx, account, device, t, provider.Name())
}

// selectProvider applies tie-break: APN wins if both tokens
// are present.
func (s *Scheduler) selectProvider(info DeviceTokens) (Provider, string) {
	if info.FetchesMessages {
		return nil, ""
	}
	if info.APNToken != "" && s.apn != nil {
		return s.apn, info.APNToken
	}
	if info.FCMToken != "" && s.fcm != nil {
		return s.fcm, info.FCMToken
	}
	return nil, ""
}

func (s *Scheduler) handleFailure(ctx context.Context, account uuid.UUID, device uint32, t, providerName string, sendErr error) {
	if isStaleToken(sendErr) {
		s.markStaleAndForget(ctx, account, device, t, providerName)
		return
	}
	s.rescheduleOrExhaust(ctx, account, device, t, providerName)
}

// rescheduleOrExhaust is the shared retry-ladder step for both a failed
// send and a successful-but-unacknowledged one: it increments the attempt
// counter and either adds a new schedule entry at now + backoff(attempts),
// or, once attempts exceeds MaxRetries, marks the device's token stale and
// drops the entry.
func (s *Scheduler) rescheduleOrExhaust(ctx context.Context, account uuid.UUID, device uint32, t, providerName string) {
	s.retryMu.Lock()
	attempts := s.retries[t] + 1
	s.retries[t] = attempts
	s.retryMu.Unlock()

	if attempts > s.cfg.MaxRetries {
		s.log.WithFields(logrus.Fields{"function": "rescheduleOrExhaust", "account": account, "device": device, "attempts": attempts}).
			Warn("push retries exhausted without client ack, marking token stale")
		s.markStaleAndForget(ctx, account, device, t, providerName)
		return
	}

	next := time.Now().Add(backoffFor(attempts, s.cfg.InitialBackoff, s.cfg.MaxBackoff))
	if err := s.addAt(ctx, account, device, next); err != nil {
		s.log.WithFields(logrus.Fields{"function": "rescheduleOrExhaust", "account": account, "device": device, "error": err.Error()}).
			Warn("failed to reschedule push")
	}
}

// markStaleAndForget notifies the account store that (account, device)'s
// token on providerName is no longer usable and clears this entry's retry
// state, since a stale token will never succeed no matter how many more
// times it is retried.
func (s *Scheduler) markStaleAndForget(ctx context.Context, account uuid.UUID, device uint32, t, providerName string) {
	if err := s.stale.MarkStale(ctx, account, device, providerName); err != nil {
		s.log.WithFields(logrus.Fields{"function": "markStaleAndForget", "account": account, "device": device, "error": err.Error()}).
			Warn("failed to notify account store of stale token")
	}
	s.retryMu.Lock()
	delete(s.retries, t)
	s.retryMu.Unlock()
}

// backoffFor doubles InitialBackoff per attempt, capped at max.
func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	if d >= max {
		return max
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// isStaleToken reports whether sendErr indicates the platform has
// permanently rejected the token (vs. a transient delivery failure worth
// retrying). Providers wrap such errors in ErrStaleToken.
func isStaleToken(err error) bool {
	return errors.Is(err, ErrStaleToken)
}
