// Package redis provides a Redis implementation of the eventbus DedupeStore.
//
// Usage:
//
//	import (
//	    dedupredis "github.com/madcok-co/eventbus/contrib/dedupe/redis"
//	    "github.com/redis/go-redis/v9"
//	)
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := dedupredis.NewDriver(client)
//
// Each (tenant, group, envelope) triple maps to one hash under the
// "dedupe:" prefix. The claim is HSETNX on the status field, so exactly one
// worker wins even across processes. Record expiry rides on the Redis key
// TTL: an expired claim simply vanishes and the next delivery claims fresh.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dedupe:"

const (
	fieldStatus     = "status"
	fieldAttempts   = "attempt_count"
	fieldNode       = "node"
	fieldLastError  = "last_error"
	fieldStartedAt  = "started_at"
	fieldUpdatedAt  = "updated_at"
	fieldExpiresAt  = "expires_at"
	fieldTenantID   = "tenant_id"
	fieldGroup      = "group"
	fieldEnvelopeID = "envelope_id"
)

// claimScript claims the record and writes the full hash plus the key TTL in
// one atomic step, so a worker crash can never leave a half-written claim
// with no expiry.
var claimScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'status', 'processing') == 1 then
  redis.call('HSET', KEYS[1],
    'attempt_count', 1,
    'node', ARGV[1],
    'tenant_id', ARGV[2],
    'group', ARGV[3],
    'envelope_id', ARGV[4],
    'started_at', ARGV[5],
    'updated_at', ARGV[5],
    'expires_at', ARGV[6])
  redis.call('PEXPIRE', KEYS[1], ARGV[7])
  return 1
end
return 0
`)

// retryScript flips a failed record back to processing atomically, so two
// workers racing a redelivery cannot both win the retry.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'failed' then
  redis.call('HSET', KEYS[1], 'status', 'processing', 'node', ARGV[1], 'updated_at', ARGV[2])
  redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
  return 1
end
return 0
`)

// Driver implements contracts.DedupeStore on Redis.
type Driver struct {
	client redis.UniversalClient
}

// NewDriver wraps an open Redis client.
func NewDriver(client redis.UniversalClient) *Driver {
	return &Driver{client: client}
}

func recordKey(tenantID, group, envelopeID string) string {
	return keyPrefix + contracts.DedupeKey(tenantID, group, envelopeID)
}

// TryBegin claims the triple via claimScript: the status claim, the record
// fields and the key TTL land atomically. The loser reads the live record
// back.
func (d *Driver) TryBegin(ctx context.Context, tenantID, group, envelopeID, node string, ttl time.Duration) (bool, *contracts.DedupeRecord, error) {
	key := recordKey(tenantID, group, envelopeID)
	now := time.Now().UTC()

	won, err := claimScript.Run(ctx, d.client, []string{key},
		node, tenantID, group, envelopeID,
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, nil, &contracts.TransportError{Broker: "redis", Err: err}
	}
	if won == 1 {
		return true, nil, nil
	}

	rec, err := d.Get(ctx, tenantID, group, envelopeID)
	if err != nil {
		var nfe *contracts.NotFoundError
		if errors.As(err, &nfe) {
			// The record expired between the claim and the read. Rare; the
			// next delivery will claim it.
			return false, nil, err
		}
		return false, nil, err
	}
	return false, rec, nil
}

// Get reads one record.
func (d *Driver) Get(ctx context.Context, tenantID, group, envelopeID string) (*contracts.DedupeRecord, error) {
	key := recordKey(tenantID, group, envelopeID)
	fields, err := d.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "redis", Err: err}
	}
	if len(fields) == 0 {
		return nil, &contracts.NotFoundError{Resource: "dedupe record " + contracts.DedupeKey(tenantID, group, envelopeID)}
	}
	if fields[fieldStatus] == "" {
		return nil, &contracts.IntegrityError{
			Resource: "dedupe record " + contracts.DedupeKey(tenantID, group, envelopeID),
			Reason:   "missing status field",
		}
	}

	rec := &contracts.DedupeRecord{
		TenantID:       fields[fieldTenantID],
		Group:          fields[fieldGroup],
		EnvelopeID:     fields[fieldEnvelopeID],
		Status:         contracts.DedupeStatus(fields[fieldStatus]),
		ProcessingNode: fields[fieldNode],
		LastError:      fields[fieldLastError],
	}
	if n, err := strconv.Atoi(fields[fieldAttempts]); err == nil {
		rec.AttemptCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldStartedAt]); err == nil {
		rec.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		rec.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldExpiresAt]); err == nil {
		rec.ExpiresAt = t
	}
	return rec, nil
}

// MarkCompleted transitions the record to completed.
func (d *Driver) MarkCompleted(ctx context.Context, tenantID, group, envelopeID string) error {
	return d.setStatus(ctx, tenantID, group, envelopeID, contracts.DedupeCompleted, "")
}

// MarkFailed transitions to failed and records the handler error.
func (d *Driver) MarkFailed(ctx context.Context, tenantID, group, envelopeID, lastError string) error {
	return d.setStatus(ctx, tenantID, group, envelopeID, contracts.DedupeFailed, lastError)
}

func (d *Driver) setStatus(ctx context.Context, tenantID, group, envelopeID string, status contracts.DedupeStatus, lastError string) error {
	key := recordKey(tenantID, group, envelopeID)
	exists, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return &contracts.TransportError{Broker: "redis", Err: err}
	}
	if exists == 0 {
		return &contracts.NotFoundError{Resource: "dedupe record " + contracts.DedupeKey(tenantID, group, envelopeID)}
	}

	fields := []any{
		fieldStatus, string(status),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	}
	if lastError != "" {
		fields = append(fields, fieldLastError, lastError)
	}
	if err := d.client.HSet(ctx, key, fields...).Err(); err != nil {
		return &contracts.TransportError{Broker: "redis", Err: err}
	}
	return nil
}

// Retry atomically flips a failed record back to processing.
func (d *Driver) Retry(ctx context.Context, tenantID, group, envelopeID, node string) (bool, error) {
	key := recordKey(tenantID, group, envelopeID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := retryScript.Run(ctx, d.client, []string{key}, node, now).Int()
	if err != nil {
		return false, &contracts.TransportError{Broker: "redis", Err: err}
	}
	return res == 1, nil
}

// Delete removes one record.
func (d *Driver) Delete(ctx context.Context, tenantID, group, envelopeID string) error {
	key := recordKey(tenantID, group, envelopeID)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return &contracts.TransportError{Broker: "redis", Err: err}
	}
	return nil
}

// DeleteExpired sweeps records whose stored expiry passed. Redis normally
// expires the keys itself; the sweep catches records written without a TTL
// (for example after a MIGRATE that dropped it). A record with a missing or
// unreadable expires_at field is corrupt and is swept too, so it cannot wedge
// its envelope forever.
func (d *Driver) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var deleted int64
	iter := d.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := d.client.HGet(ctx, key, fieldExpiresAt).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		if err == nil {
			expires, perr := time.Parse(time.RFC3339Nano, raw)
			if perr == nil && expires.After(now) {
				continue
			}
		}
		if err := d.client.Del(ctx, key).Err(); err == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, &contracts.TransportError{Broker: "redis", Err: err}
	}
	return deleted, nil
}

// Ensure Driver implements contracts.DedupeStore
var _ contracts.DedupeStore = (*Driver)(nil)
