package durable

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/relay/internal/envelope"
)

// record is the DynamoDB item shape. Field names carry `dynamodbav` tags
// since the table's actual attribute names (account, sort_key, ttl) are
// part of the wire contract with the rest of the fleet and must not drift
// if this struct is renamed.
type record struct {
	Account          string `dynamodbav:"account"`
	SortKey          string `dynamodbav:"sort_key"`
	GUID             string `dynamodbav:"guid"`
	ServerTimestamp  int64  `dynamodbav:"server_ts_ms"`
	ClientTimestamp  int64  `dynamodbav:"client_ts_ms"`
	Type             int    `dynamodbav:"type"`
	SourceAccount    string `dynamodbav:"source_account,omitempty"`
	SourceDevice     int64  `dynamodbav:"source_device,omitempty"`
	RecipientDevice  uint32 `dynamodbav:"recipient_device"`
	Payload          []byte `dynamodbav:"payload"`
	TTL              int64  `dynamodbav:"ttl"`
}

// devicePrefix is the sort-key prefix every item for one device shares, so
// Query's begins_with can select a single device's items out of an
// account's full item set.
func devicePrefix(device uint32) string {
	return fmt.Sprintf("device#%010d#", device)
}

// sortKey builds the composite device-id/server-timestamp sort key, with
// the guid appended as a uniqueness tiebreaker: two envelopes to the same
// device with the same millisecond timestamp are legitimate (e.g. a
// receipt and a ciphertext sent back to back), and the table's primary key
// must still distinguish them.
func sortKey(device uint32, serverTimestamp time.Time, guid uuid.UUID) string {
	return fmt.Sprintf("%sts#%020d#guid#%s", devicePrefix(device), serverTimestamp.UnixMilli(), guid)
}

func toRecord(env *envelope.Envelope, retentionDays int) (record, error) {
	rec := record{
		Account:         env.RecipientAccount.String(),
		SortKey:         sortKey(env.RecipientDevice, env.ServerTimestamp, env.GUID),
		GUID:            env.GUID.String(),
		ServerTimestamp: env.ServerTimestamp.UnixMilli(),
		ClientTimestamp: env.ClientTimestamp.UnixMilli(),
		Type:            int(env.Type),
		RecipientDevice: env.RecipientDevice,
		Payload:         env.Payload,
		TTL:             env.ServerTimestamp.Add(time.Duration(retentionDays) * 24 * time.Hour).Unix(),
	}
	if env.SourceAccount != nil {
		rec.SourceAccount = env.SourceAccount.String()
	}
	if env.SourceDevice != nil {
		rec.SourceDevice = int64(*env.SourceDevice)
	}
	return rec, nil
}

func (rec record) toEnvelope() (*envelope.Envelope, error) {
	recipientAccount, err := uuid.Parse(rec.Account)
	if err != nil {
		return nil, fmt.Errorf("durable: parse recipient account %q: %w", rec.Account, err)
	}
	guid, err := uuid.Parse(rec.GUID)
	if err != nil {
		return nil, fmt.Errorf("durable: parse guid %q: %w", rec.GUID, err)
	}

	env := &envelope.Envelope{
		GUID:             guid,
		ServerTimestamp:  time.UnixMilli(rec.ServerTimestamp).UTC(),
		ClientTimestamp:  time.UnixMilli(rec.ClientTimestamp).UTC(),
		Type:             envelope.Type(rec.Type),
		RecipientAccount: recipientAccount,
		RecipientDevice:  rec.RecipientDevice,
		Payload:          rec.Payload,
	}
	if rec.SourceAccount != "" {
		src, err := uuid.Parse(rec.SourceAccount)
		if err != nil {
			return nil, fmt.Errorf("durable: parse source account %q: %w", rec.SourceAccount, err)
		}
		env.SourceAccount = &src
	}
	if rec.SourceDevice != 0 {
		d := uint32(rec.SourceDevice)
		env.SourceDevice = &d
	}
	return env, nil
}
