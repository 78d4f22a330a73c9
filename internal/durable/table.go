// Package durable implements the message persister's backing store: a
// DynamoDB table keyed by account-uuid (partition) and a composite of
// device-id/server-timestamp/guid (sort), with a GUID global secondary
// index for delete-by-guid lookups and a TTL attribute for retention.
//
// Grounded on _examples/kedacore-keda/pkg/scalers/aws_dynamodb_scaler.go's
// interface-wrapped dynamodb.Client idiom (a narrow DynamoAPI interface over
// *dynamodb.Client, so tests substitute a fake without a live table) and on
// opd-ai/toxcore's async package for the retry/logging conventions carried
// over from internal/cache.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/envelope"
)

// GUIDIndexName is the name of the global secondary index durable tables
// must define: partition key "guid" (string), projecting all attributes.
// DeleteByGUID queries this index to recover the primary key before issuing
// a DeleteItem, since the table's own primary key does not contain the guid
// alone.
const GUIDIndexName = "guid-index"

// DynamoAPI is the subset of *dynamodb.Client the table needs, narrowed to
// an interface the way aws_dynamodb_scaler.go narrows its client to
// dynamodb.QueryAPIClient, so tests can substitute a fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Table is the durable table client.
type Table struct {
	api           DynamoAPI
	name          string
	retentionDays int
	log           *logrus.Entry
}

// New constructs a Table. cfg should be loaded via config.LoadDefaultConfig
// in cmd/relayserver; tests pass a fake DynamoAPI directly via NewWithAPI.
func New(cfg aws.Config, tableName string, retentionDays int, log *logrus.Entry) *Table {
	return NewWithAPI(dynamodb.NewFromConfig(cfg), tableName, retentionDays, log)
}

// NewWithAPI constructs a Table against an already-built DynamoAPI, letting
// tests inject a fake implementation.
func NewWithAPI(api DynamoAPI, tableName string, retentionDays int, log *logrus.Entry) *Table {
	return &Table{api: api, name: tableName, retentionDays: retentionDays, log: log}
}

// Put idempotently upserts env into durable storage. The sort key is
// deterministic in (device, server timestamp, guid), so re-persisting an
// envelope the persister already wrote (e.g. after a crash mid-batch)
// overwrites the same item rather than duplicating it, resolving the
// making persist safe to retry.
func (t *Table) Put(ctx context.Context, env *envelope.Envelope) error {
	rec, err := toRecord(env, t.retentionDays)
	if err != nil {
		return fmt.Errorf("durable: encode record: %w", err)
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("durable: marshal record: %w", err)
	}
	_, err = t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("durable: put item: %w", err)
	}
	return nil
}

// PutBatch persists multiple envelopes via BatchWriteItem, chunked into
// groups of 25 (DynamoDB's per-request limit). Unprocessed items are
// retried once with a short backoff before being reported as an error,
// mirroring internal/cache.Client's bounded-retry idiom.
func (t *Table) PutBatch(ctx context.Context, envs []*envelope.Envelope) error {
	const maxBatch = 25
	for start := 0; start < len(envs); start += maxBatch {
		end := start + maxBatch
		if end > len(envs) {
			end = len(envs)
		}
		if err := t.putChunk(ctx, envs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) putChunk(ctx context.Context, envs []*envelope.Envelope) error {
	writes := make([]types.WriteRequest, 0, len(envs))
	for _, env := range envs {
		rec, err := toRecord(env, t.retentionDays)
		if err != nil {
			return fmt.Errorf("durable: encode record: %w", err)
		}
		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return fmt.Errorf("durable: marshal record: %w", err)
		}
		writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	req := map[string][]types.WriteRequest{t.name: writes}
	for attempt := 0; attempt <= 1; attempt++ {
		out, err := t.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: req})
		if err != nil {
			return fmt.Errorf("durable: batch write: %w", err)
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		t.log.WithFields(logrus.Fields{
			"function": "putChunk",
			"attempt":  attempt,
			"count":    len(out.UnprocessedItems[t.name]),
		}).Warn("batch write left unprocessed items, retrying")
		req = out.UnprocessedItems
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("durable: batch write left %d unprocessed items after retry", len(req[t.name]))
}

// GetForDevice returns up to limit envelopes stored for (account, device),
// ordered oldest-first by server timestamp. This is the durable-store side
// of the fetch fallback path (cache miss or post-persist reads).
func (t *Table) GetForDevice(ctx context.Context, account uuid.UUID, device uint32, limit int32) ([]*envelope.Envelope, error) {
	keyCond := "account = :account AND begins_with(sort_key, :prefix)"
	values, err := attributevalue.MarshalMap(map[string]any{
		":account": account.String(),
		":prefix":  devicePrefix(device),
	})
	if err != nil {
		return nil, fmt.Errorf("durable: marshal query values: %w", err)
	}

	out, err := t.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(limit),
		ScanIndexForward:          aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("durable: query: %w", err)
	}

	envs := make([]*envelope.Envelope, 0, len(out.Items))
	for _, item := range out.Items {
		var rec record
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("durable: unmarshal record: %w", err)
		}
		env, err := rec.toEnvelope()
		if err != nil {
			return nil, fmt.Errorf("durable: decode envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// DeleteByGUID removes the durable copy of the envelope identified by guid,
// if any, for an already-persisted message being acknowledged.
func (t *Table) DeleteByGUID(ctx context.Context, guid uuid.UUID) error {
	values, err := attributevalue.MarshalMap(map[string]any{":guid": guid.String()})
	if err != nil {
		return fmt.Errorf("durable: marshal lookup values: %w", err)
	}
	out, err := t.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		IndexName:                 aws.String(GUIDIndexName),
		KeyConditionExpression:    aws.String("guid = :guid"),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("durable: lookup by guid: %w", err)
	}
	if len(out.Items) == 0 {
		return nil
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return fmt.Errorf("durable: unmarshal lookup record: %w", err)
	}

	key, err := attributevalue.MarshalMap(map[string]any{"account": rec.Account, "sort_key": rec.SortKey})
	if err != nil {
		return fmt.Errorf("durable: marshal delete key: %w", err)
	}
	if _, err := t.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(t.name), Key: key}); err != nil {
		return fmt.Errorf("durable: delete item: %w", err)
	}
	return nil
}

// ClearDevice deletes every durably-stored envelope for (account, device),
// used when a device is removed from an account.
func (t *Table) ClearDevice(ctx context.Context, account uuid.UUID, device uint32) (int, error) {
	values, err := attributevalue.MarshalMap(map[string]any{
		":account": account.String(),
		":prefix":  devicePrefix(device),
	})
	if err != nil {
		return 0, fmt.Errorf("durable: marshal query values: %w", err)
	}

	out, err := t.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		KeyConditionExpression:    aws.String("account = :account AND begins_with(sort_key, :prefix)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return 0, fmt.Errorf("durable: query for clear: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}

	writes := make([]types.WriteRequest, 0, len(out.Items))
	for _, item := range out.Items {
		var rec record
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return 0, fmt.Errorf("durable: unmarshal record: %w", err)
		}
		key, err := attributevalue.MarshalMap(map[string]any{"account": rec.Account, "sort_key": rec.SortKey})
		if err != nil {
			return 0, fmt.Errorf("durable: marshal delete key: %w", err)
		}
		writes = append(writes, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
	}

	const maxBatch = 25
	deleted := 0
	for start := 0; start < len(writes); start += maxBatch {
		end := start + maxBatch
		if end > len(writes) {
			end = len(writes)
		}
		req := map[string][]types.WriteRequest{t.name: writes[start:end]}
		if _, err := t.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: req}); err != nil {
			return deleted, fmt.Errorf("durable: batch delete: %w", err)
		}
		deleted += end - start
	}
	return deleted, nil
}
