package queue

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// fakeCache reimplements the Lua scripts' semantics directly in Go against
// in-memory maps, so Queue's logic can be exercised without a real Redis
// cluster. It satisfies CacheClient the way async/mock_transport.go
// satisfies MessageTransport in opd-ai/toxcore.
type fakeCache struct {
	zsets     map[string]map[string]int64 // key -> member -> score
	hashes    map[string]map[string]int64 // key -> field -> value
	counters  map[string]int64
	flags     map[string]bool
	sets      map[string]map[string]bool
	published []publishedMsg
}

type publishedMsg struct{ channel, payload string }

func newFakeCache() *fakeCache {
	return &fakeCache{
		zsets:    make(map[string]map[string]int64),
		hashes:   make(map[string]map[string]int64),
		counters: make(map[string]int64),
		flags:    make(map[string]bool),
		sets:     make(map[string]map[string]bool),
	}
}

func (f *fakeCache) RegisterScript(name, src string) {}

func (f *fakeCache) Publish(_ context.Context, channel, payload string) error {
	f.published = append(f.published, publishedMsg{channel, payload})
	return nil
}

func (f *fakeCache) AddToSet(_ context.Context, key, member string) error {
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	f.sets[key][member] = true
	return nil
}

func (f *fakeCache) RemoveFromSet(_ context.Context, key, member string) error {
	delete(f.sets[key], member)
	return nil
}

func (f *fakeCache) ScanSet(_ context.Context, key string, _ uint64, _ int64) ([]string, uint64, error) {
	members := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, 0, nil
}

func (f *fakeCache) membersSortedByScore(key string) []string {
	m := f.zsets[key]
	members := make([]string, 0, len(m))
	for mem := range m {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return m[members[i]] < m[members[j]] })
	return members
}

func (f *fakeCache) RunScript(_ context.Context, name string, keys []string, args ...any) (any, error) {
	switch name {
	case scriptInsert:
		queueK, metaK, counterK := keys[0], keys[1], keys[2]
		payload, guid, channel := args[0].(string), args[1].(string), args[2].(string)

		f.counters[counterK]++
		qid := f.counters[counterK]

		if f.zsets[queueK] == nil {
			f.zsets[queueK] = make(map[string]int64)
		}
		f.zsets[queueK][payload] = qid

		if f.hashes[metaK] == nil {
			f.hashes[metaK] = make(map[string]int64)
		}
		f.hashes[metaK][guid] = qid

		f.published = append(f.published, publishedMsg{channel, "new-message"})

		wasEmpty := int64(0)
		if len(f.zsets[queueK]) == 1 {
			wasEmpty = 1
		}
		return []any{qid, wasEmpty}, nil

	case scriptGetAll:
		queueK := keys[0]
		afterID := toInt64(args[0])
		limit := int(toInt64(args[1]))
		members := f.membersSortedByScore(queueK)
		out := make([]any, 0, limit)
		for _, m := range members {
			if f.zsets[queueK][m] > afterID {
				out = append(out, m)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil

	case scriptRemoveByGUID:
		queueK, metaK := keys[0], keys[1]
		guid := args[0].(string)
		qid, ok := f.hashes[metaK][guid]
		delete(f.hashes[metaK], guid)
		if !ok {
			return []any{false, int64(0)}, nil
		}
		var removed string
		for m, s := range f.zsets[queueK] {
			if s == qid {
				removed = m
				break
			}
		}
		if removed == "" {
			return []any{false, int64(0)}, nil
		}
		delete(f.zsets[queueK], removed)
		nowEmpty := int64(0)
		if len(f.zsets[queueK]) == 0 {
			nowEmpty = 1
		}
		return []any{removed, nowEmpty}, nil

	case scriptDrainAndTrim:
		queueK, metaK := keys[0], keys[1]
		uptoID := toInt64(args[0])
		members := f.membersSortedByScore(queueK)
		drained := make([]any, 0)
		for _, m := range members {
			if f.zsets[queueK][m] <= uptoID {
				drained = append(drained, m)
				delete(f.zsets[queueK], m)
			}
		}
		for _, m := range drained {
			env, _ := envelope.Unmarshal([]byte(m.(string)))
			if env != nil {
				delete(f.hashes[metaK], env.GUID.String())
			}
		}
		nowEmpty := int64(0)
		if len(f.zsets[queueK]) == 0 {
			nowEmpty = 1
		}
		return []any{drained, nowEmpty}, nil

	case scriptPeekHead:
		queueK := keys[0]
		members := f.membersSortedByScore(queueK)
		if len(members) == 0 {
			return false, nil
		}
		return members[0], nil

	case scriptPeekPage:
		queueK := keys[0]
		limit := int(toInt64(args[0]))
		members := f.membersSortedByScore(queueK)
		if len(members) > limit {
			members = members[:limit]
		}
		out := make([]any, 0, len(members)*2)
		for _, m := range members {
			out = append(out, m, f.zsets[queueK][m])
		}
		return out, nil

	case scriptAcquirePersistFlag:
		flagK := keys[0]
		if f.flags[flagK] {
			return int64(0), nil
		}
		f.flags[flagK] = true
		return int64(1), nil

	case scriptReleasePersistFlag:
		delete(f.flags, keys[0])
		return int64(1), nil

	case scriptRemoveByTsSender:
		queueK, metaK := keys[0], keys[1]
		ts := toInt64(args[0])
		sender := args[1].(string)
		scanLimit := int(toInt64(args[2]))
		members := f.membersSortedByScore(queueK)
		scanned := 0
		for _, m := range members {
			if scanned >= scanLimit {
				break
			}
			scanned++
			env, err := envelope.Unmarshal([]byte(m))
			if err != nil {
				continue
			}
			if env.ServerTimestamp.UnixMilli() == ts && env.SourceAccount != nil && env.SourceAccount.String() == sender {
				delete(f.zsets[queueK], m)
				delete(f.hashes[metaK], env.GUID.String())
				nowEmpty := int64(0)
				if len(f.zsets[queueK]) == 0 {
					nowEmpty = 1
				}
				return []any{m, int64(scanned), nowEmpty, int64(0)}, nil
			}
		}
		truncated := int64(0)
		if scanned >= scanLimit && scanLimit < len(members) {
			truncated = 1
		}
		return []any{false, int64(scanned), int64(0), truncated}, nil
	}
	return nil, nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestInsertThenGetAllReturnsInOrder(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 16, testLogger())
	ctx := context.Background()

	var guids []uuid.UUID
	for i := 0; i < 5; i++ {
		env, err := envelope.New(account, 1, envelope.TypeCiphertext, []byte("msg"))
		if err != nil {
			t.Fatalf("envelope.New: %v", err)
		}
		guids = append(guids, env.GUID)
		if _, err := q.Insert(ctx, env); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := q.GetAll(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d envelopes, want 5", len(got))
	}
	for i, env := range got {
		if env.GUID != guids[i] {
			t.Errorf("position %d: got GUID %v, want %v (order not preserved)", i, env.GUID, guids[i])
		}
	}
}

func TestRemoveByGUIDIsIdempotent(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 16, testLogger())
	ctx := context.Background()

	env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("msg"))
	if _, err := q.Insert(ctx, env); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	removed, err := q.RemoveByGUID(ctx, env.GUID)
	if err != nil {
		t.Fatalf("RemoveByGUID: %v", err)
	}
	if removed == nil || removed.GUID != env.GUID {
		t.Fatalf("expected to remove envelope %v, got %v", env.GUID, removed)
	}

	again, err := q.RemoveByGUID(ctx, env.GUID)
	if err != nil {
		t.Fatalf("second RemoveByGUID: %v", err)
	}
	if again != nil {
		t.Errorf("expected second removal to be a no-op, got %v", again)
	}

	remaining, err := q.GetAll(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected empty queue after removal, got %d entries", len(remaining))
	}
}

func TestDrainAndTrimEmptiesBothStructures(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 16, testLogger())
	ctx := context.Background()

	env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("msg"))
	qid, err := q.Insert(ctx, env)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	drained, err := q.DrainAndTrim(ctx, qid)
	if err != nil {
		t.Fatalf("DrainAndTrim: %v", err)
	}
	if len(drained) != 1 || drained[0].GUID != env.GUID {
		t.Fatalf("unexpected drained set: %+v", drained)
	}

	queueK := queueKey(account, 1)
	metaK := metadataKey(account, 1)
	if len(fc.zsets[queueK]) != 0 {
		t.Error("expected ordered queue empty after drain")
	}
	if len(fc.hashes[metaK]) != 0 {
		t.Error("expected GUID index empty after drain")
	}
}

func TestDuplicateGUIDKeepsBothCopiesUntilIndividuallyRemoved(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 16, testLogger())
	ctx := context.Background()

	guid := uuid.New()
	e1 := &envelope.Envelope{GUID: guid, ServerTimestamp: time.Now(), RecipientAccount: account, RecipientDevice: 1, Payload: []byte("first")}
	e2 := &envelope.Envelope{GUID: guid, ServerTimestamp: time.Now().Add(time.Second), RecipientAccount: account, RecipientDevice: 1, Payload: []byte("second")}

	if _, err := q.Insert(ctx, e1); err != nil {
		t.Fatalf("Insert e1: %v", err)
	}
	if _, err := q.Insert(ctx, e2); err != nil {
		t.Fatalf("Insert e2: %v", err)
	}

	// The GUID index now points at e2 (last-writer-wins); removing once
	// should drop the index entirely but leave one stale ordered-queue
	// member behind.
	removed, err := q.RemoveByGUID(ctx, guid)
	if err != nil {
		t.Fatalf("RemoveByGUID: %v", err)
	}
	if removed == nil {
		t.Fatal("expected a removal")
	}

	all, err := q.GetAll(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one stale envelope surfaced by GetAll, got %d", len(all))
	}
}

func TestPeekPageReturnsOldestAndHighestQid(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 16, testLogger())
	ctx := context.Background()

	var last *envelope.Envelope
	for i := 0; i < 3; i++ {
		env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("msg"))
		if _, err := q.Insert(ctx, env); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		last = env
	}

	page, lastQid, err := q.PeekPage(ctx, 2)
	if err != nil {
		t.Fatalf("PeekPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(page))
	}
	if lastQid != 2 {
		t.Errorf("lastQid = %d, want 2", lastQid)
	}

	all, err := q.GetAll(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("PeekPage must not remove anything, expected 3 left, got %d", len(all))
	}
	if all[2].GUID != last.GUID {
		t.Errorf("expected insertion order preserved")
	}
}

func TestShardIndexUpdatedOnEmptyTransitions(t *testing.T) {
	fc := newFakeCache()
	account := uuid.New()
	q := New(fc, account, 1, 4, testLogger())
	ctx := context.Background()
	shardKey := ShardIndexKey(Shard(account, 1, 4))

	env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("msg"))
	if _, err := q.Insert(ctx, env); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !fc.sets[shardKey][hashTag(account, 1)] {
		t.Fatal("expected shard index to contain this queue after first insert")
	}

	if _, err := q.RemoveByGUID(ctx, env.GUID); err != nil {
		t.Fatalf("RemoveByGUID: %v", err)
	}
	if fc.sets[shardKey][hashTag(account, 1)] {
		t.Error("expected shard index entry removed once queue drained to empty")
	}
}
