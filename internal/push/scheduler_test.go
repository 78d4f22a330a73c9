package push

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// fakeCache reimplements just enough ZSET semantics to exercise the
// scheduler's add/cancel/pop-due scripts without a real Redis.
type fakeCache struct {
	mu     sync.Mutex
	scores map[string]int64
}

func newFakeCache() *fakeCache { return &fakeCache{scores: make(map[string]int64)} }

func (f *fakeCache) RegisterScript(string, string) {}

func (f *fakeCache) RunScript(_ context.Context, name string, _ []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch name {
	case scriptScheduleAdd:
		score := args[0].(int64)
		member := args[1].(string)
		if cur, ok := f.scores[member]; !ok || score < cur {
			f.scores[member] = score
		}
		return int64(1), nil

	case scriptScheduleCancel:
		member := args[0].(string)
		delete(f.scores, member)
		return int64(1), nil

	case scriptPopDue:
		now := args[0].(int64)
		limit := int(args[1].(int64))
		type pair struct {
			member string
			score  int64
		}
		var due []pair
		for m, s := range f.scores {
			if s <= now {
				due = append(due, pair{m, s})
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })
		if len(due) > limit {
			due = due[:limit]
		}
		out := make([]any, 0, len(due))
		for _, p := range due {
			out = append(out, p.member)
			delete(f.scores, p.member)
		}
		return out, nil
	}
	return nil, nil
}

type fakeTokens struct {
	info DeviceTokens
}

func (f *fakeTokens) Lookup(context.Context, uuid.UUID, uint32) (DeviceTokens, error) {
	return f.info, nil
}

type fakeStaleNotifier struct {
	marked []string
}

func (f *fakeStaleNotifier) MarkStale(_ context.Context, _ uuid.UUID, _ uint32, provider string) error {
	f.marked = append(f.marked, provider)
	return nil
}

type fakeProvider struct {
	name string
	err  error
	sent int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Send(context.Context, string) error {
	p.sent++
	return p.err
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestScheduleThenPollDispatchesToAPN(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn"}
	fcm := &fakeProvider{name: "fcm"}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok-apn", FCMToken: "tok-fcm"}}
	s := New(fc, tokens, &fakeStaleNotifier{}, apn, fcm, Config{}, testLogger())

	account := uuid.New()
	if err := s.Schedule(context.Background(), account, 1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	s.pollOnce(context.Background())

	if apn.sent != 1 {
		t.Errorf("expected APN dispatch (tie-break), got apn.sent=%d fcm.sent=%d", apn.sent, fcm.sent)
	}
	if fcm.sent != 0 {
		t.Error("FCM must not be used when APN token present")
	}
}

func TestScheduleFCMOnlyDevice(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn"}
	fcm := &fakeProvider{name: "fcm"}
	tokens := &fakeTokens{info: DeviceTokens{FCMToken: "tok-fcm"}}
	s := New(fc, tokens, &fakeStaleNotifier{}, apn, fcm, Config{}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)
	s.pollOnce(context.Background())

	if fcm.sent != 1 || apn.sent != 0 {
		t.Errorf("expected FCM-only dispatch, got apn=%d fcm=%d", apn.sent, fcm.sent)
	}
}

func TestCancelPreventsDispatch(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn"}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	s := New(fc, tokens, &fakeStaleNotifier{}, apn, nil, Config{}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)
	if err := s.Cancel(context.Background(), account, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s.pollOnce(context.Background())

	if apn.sent != 0 {
		t.Error("expected no dispatch after cancel")
	}
}

func TestFailureReschedulesWithBackoff(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn", err: errors.New("transient gateway error")}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	s := New(fc, tokens, &fakeStaleNotifier{}, apn, nil, Config{InitialBackoff: time.Hour}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)
	s.pollOnce(context.Background())

	if apn.sent != 1 {
		t.Fatalf("expected one dispatch attempt, got %d", apn.sent)
	}

	// Rescheduled at the backoff capped to the default 5-minute MaxBackoff,
	// so an immediate poll must not redispatch.
	s.pollOnce(context.Background())
	if apn.sent != 1 {
		t.Errorf("expected no redispatch before backoff elapses, got %d sends", apn.sent)
	}
}

func TestStaleTokenNotifiesAndDropsWithoutRetry(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn", err: ErrStaleToken}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	notifier := &fakeStaleNotifier{}
	s := New(fc, tokens, notifier, apn, nil, Config{}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)
	s.pollOnce(context.Background())

	if len(notifier.marked) != 1 || notifier.marked[0] != "apn" {
		t.Fatalf("expected stale notification for apn, got %v", notifier.marked)
	}

	fc.mu.Lock()
	remaining := len(fc.scores)
	fc.mu.Unlock()
	if remaining != 0 {
		t.Error("expected schedule entry removed after stale-token failure")
	}
}

func TestRetriesExhaustedMarksStaleAndDropsEntry(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn", err: errors.New("persistent failure")}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	notifier := &fakeStaleNotifier{}
	s := New(fc, tokens, notifier, apn, nil, Config{MaxRetries: 1, InitialBackoff: time.Millisecond}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)

	// First attempt fails, rescheduled (attempts=1, within MaxRetries=1).
	s.pollOnce(context.Background())
	time.Sleep(5 * time.Millisecond)
	// Second attempt fails, attempts=2 > MaxRetries=1: exhausted, dropped.
	s.pollOnce(context.Background())

	fc.mu.Lock()
	remaining := len(fc.scores)
	fc.mu.Unlock()
	if remaining != 0 {
		t.Error("expected entry dropped after exhausting retries")
	}
	if apn.sent != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", apn.sent)
	}
	if len(notifier.marked) != 1 || notifier.marked[0] != "apn" {
		t.Fatalf("expected stale notification after exhausting retries, got %v", notifier.marked)
	}
}

func TestSuccessfulDispatchReschedulesUntilCancelled(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn"}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	s := New(fc, tokens, &fakeStaleNotifier{}, apn, nil, Config{InitialBackoff: time.Millisecond}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)

	s.pollOnce(context.Background())
	if apn.sent != 1 {
		t.Fatalf("expected one dispatch attempt, got %d", apn.sent)
	}

	fc.mu.Lock()
	remaining := len(fc.scores)
	fc.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected a successful-but-unacked dispatch to still be scheduled, got %d entries", remaining)
	}

	time.Sleep(5 * time.Millisecond)
	s.pollOnce(context.Background())
	if apn.sent != 2 {
		t.Errorf("expected a second dispatch attempt since ack never arrived, got %d", apn.sent)
	}

	if err := s.Cancel(context.Background(), account, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fc.mu.Lock()
	remaining = len(fc.scores)
	fc.mu.Unlock()
	if remaining != 0 {
		t.Error("expected ack (Cancel) to remove the schedule entry")
	}
}

func TestSuccessfulDispatchExhaustionMarksStale(t *testing.T) {
	fc := newFakeCache()
	apn := &fakeProvider{name: "apn"}
	tokens := &fakeTokens{info: DeviceTokens{APNToken: "tok"}}
	notifier := &fakeStaleNotifier{}
	s := New(fc, tokens, notifier, apn, nil, Config{MaxRetries: 1, InitialBackoff: time.Millisecond}, testLogger())

	account := uuid.New()
	s.Schedule(context.Background(), account, 1)

	s.pollOnce(context.Background())
	time.Sleep(5 * time.Millisecond)
	s.pollOnce(context.Background())

	fc.mu.Lock()
	remaining := len(fc.scores)
	fc.mu.Unlock()
	if remaining != 0 {
		t.Error("expected entry dropped once successful-dispatch retries are exhausted without an ack")
	}
	if len(notifier.marked) != 1 || notifier.marked[0] != "apn" {
		t.Fatalf("expected stale notification once retries exhaust without ack, got %v", notifier.marked)
	}
}
