package durable

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// fakeDynamo is an in-memory DynamoAPI, keyed by (account, sort_key); the
// GSI query path scans every stored item for a matching guid. Grounded on the same
// interface-substitution idiom as kedacore-keda's scaler tests.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue // account -> sortkey -> item
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) (account, sortKey string) {
	if av, ok := item["account"].(*types.AttributeValueMemberS); ok {
		account = av.Value
	}
	if av, ok := item["sort_key"].(*types.AttributeValueMemberS); ok {
		sortKey = av.Value
	}
	return
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	account, sk := itemKey(in.Item)
	if f.items[account] == nil {
		f.items[account] = make(map[string]types.AttributeValue)
	}
	m := map[string]types.AttributeValue{}
	for k, v := range in.Item {
		m[k] = v
	}
	f.items[account][sk] = &types.AttributeValueMemberM{Value: m}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out []map[string]types.AttributeValue

	if in.IndexName != nil && *in.IndexName == GUIDIndexName {
		guid := in.ExpressionAttributeValues[":guid"].(*types.AttributeValueMemberS).Value
		for _, bySort := range f.items {
			for _, wrapped := range bySort {
				m := wrapped.(*types.AttributeValueMemberM).Value
				if g, ok := m["guid"].(*types.AttributeValueMemberS); ok && g.Value == guid {
					out = append(out, m)
				}
			}
		}
		return &dynamodb.QueryOutput{Items: out}, nil
	}

	account := in.ExpressionAttributeValues[":account"].(*types.AttributeValueMemberS).Value
	prefix := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	for sk, wrapped := range f.items[account] {
		if len(sk) >= len(prefix) && sk[:len(prefix)] == prefix {
			out = append(out, wrapped.(*types.AttributeValueMemberM).Value)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	account, sk := itemKey(in.Key)
	delete(f.items[account], sk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	for _, writes := range in.RequestItems {
		for _, w := range writes {
			if w.PutRequest != nil {
				if _, err := f.PutItem(ctx, &dynamodb.PutItemInput{Item: w.PutRequest.Item}); err != nil {
					return nil, err
				}
			}
			if w.DeleteRequest != nil {
				if _, err := f.DeleteItem(ctx, &dynamodb.DeleteItemInput{Key: w.DeleteRequest.Key}); err != nil {
					return nil, err
				}
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestPutThenGetForDeviceRoundTrips(t *testing.T) {
	fake := newFakeDynamo()
	table := NewWithAPI(fake, "messages", 14, testLogger())
	ctx := context.Background()

	account := uuid.New()
	env, err := envelope.New(account, 1, envelope.TypeCiphertext, []byte("hello"))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if err := table.Put(ctx, env); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := table.GetForDevice(ctx, account, 1, 10)
	if err != nil {
		t.Fatalf("GetForDevice: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}
	if got[0].GUID != env.GUID {
		t.Errorf("GUID mismatch: got %v, want %v", got[0].GUID, env.GUID)
	}
	if string(got[0].Payload) != "hello" {
		t.Errorf("payload mismatch: got %q", got[0].Payload)
	}
}

func TestGetForDeviceOnlyReturnsThatDevice(t *testing.T) {
	fake := newFakeDynamo()
	table := NewWithAPI(fake, "messages", 14, testLogger())
	ctx := context.Background()
	account := uuid.New()

	e1, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("a"))
	e2, _ := envelope.New(account, 2, envelope.TypeCiphertext, []byte("b"))
	if err := table.Put(ctx, e1); err != nil {
		t.Fatalf("Put e1: %v", err)
	}
	if err := table.Put(ctx, e2); err != nil {
		t.Fatalf("Put e2: %v", err)
	}

	got, err := table.GetForDevice(ctx, account, 1, 10)
	if err != nil {
		t.Fatalf("GetForDevice: %v", err)
	}
	if len(got) != 1 || got[0].GUID != e1.GUID {
		t.Fatalf("expected only device 1's envelope, got %+v", got)
	}
}

func TestDeleteByGUIDRemovesItem(t *testing.T) {
	fake := newFakeDynamo()
	table := NewWithAPI(fake, "messages", 14, testLogger())
	ctx := context.Background()
	account := uuid.New()

	env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("x"))
	if err := table.Put(ctx, env); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := table.DeleteByGUID(ctx, env.GUID); err != nil {
		t.Fatalf("DeleteByGUID: %v", err)
	}

	got, err := table.GetForDevice(ctx, account, 1, 10)
	if err != nil {
		t.Fatalf("GetForDevice: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected item removed, got %d remaining", len(got))
	}

	// A second delete of the same (already-gone) guid must be a no-op, not
	// an error, matching the idempotent-delete requirement.
	if err := table.DeleteByGUID(ctx, env.GUID); err != nil {
		t.Errorf("second DeleteByGUID should be a no-op, got %v", err)
	}
}

func TestClearDeviceRemovesOnlyThatDevice(t *testing.T) {
	fake := newFakeDynamo()
	table := NewWithAPI(fake, "messages", 14, testLogger())
	ctx := context.Background()
	account := uuid.New()

	e1, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("a"))
	e2, _ := envelope.New(account, 2, envelope.TypeCiphertext, []byte("b"))
	table.Put(ctx, e1)
	table.Put(ctx, e2)

	n, err := table.ClearDevice(ctx, account, 1)
	if err != nil {
		t.Fatalf("ClearDevice: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 item cleared, got %d", n)
	}

	remaining, err := table.GetForDevice(ctx, account, 2, 10)
	if err != nil {
		t.Fatalf("GetForDevice: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected device 2's envelope untouched, got %d", len(remaining))
	}
}

func TestTTLIsSetFromRetentionDays(t *testing.T) {
	fake := newFakeDynamo()
	table := NewWithAPI(fake, "messages", 14, testLogger())
	ctx := context.Background()
	account := uuid.New()

	env, _ := envelope.New(account, 1, envelope.TypeCiphertext, []byte("x"))
	if err := table.Put(ctx, env); err != nil {
		t.Fatalf("Put: %v", err)
	}

	wrapped := fake.items[account.String()][sortKey(1, env.ServerTimestamp, env.GUID)]
	var rec record
	if err := attributevalue.UnmarshalMap(wrapped.(*types.AttributeValueMemberM).Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	wantTTL := env.ServerTimestamp.Add(14 * 24 * time.Hour).Unix()
	if rec.TTL != wantTTL {
		t.Errorf("TTL = %d, want %d", rec.TTL, wantTTL)
	}
}
