package contracts

import (
	"context"
	"time"
)

// DedupeStatus adalah processing status dari satu (envelope, group) pair.
type DedupeStatus string

const (
	DedupeProcessing DedupeStatus = "processing"
	DedupeCompleted  DedupeStatus = "completed"
	DedupeFailed     DedupeStatus = "failed"
)

// DedupeRecord tracks one envelope's processing state for one consumer
// group. Records carry a TTL; an expired record permits intentional replay.
type DedupeRecord struct {
	TenantID       string
	Group          string
	EnvelopeID     string
	Status         DedupeStatus
	AttemptCount   int
	ProcessingNode string
	LastError      string
	StartedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// DedupeKey builds the store key for one (tenant, group, envelope) triple.
func DedupeKey(tenantID, group, envelopeID string) string {
	return tenantID + ":" + group + ":" + envelopeID
}

// DedupeStore is the shared per-group processing ledger. TryBegin is the
// only synchronization primitive between consumer workers; it must be atomic
// (HSETNX or equivalent).
type DedupeStore interface {
	// TryBegin atomically creates a processing record if none exists (or the
	// existing one expired). Returns (true, nil, nil) when this worker won
	// the claim, (false, existing, nil) when a live record is already there.
	TryBegin(ctx context.Context, tenantID, group, envelopeID, node string, ttl time.Duration) (bool, *DedupeRecord, error)

	Get(ctx context.Context, tenantID, group, envelopeID string) (*DedupeRecord, error)

	// MarkCompleted transitions the record to completed.
	MarkCompleted(ctx context.Context, tenantID, group, envelopeID string) error

	// MarkFailed transitions to failed and increments attempt_count.
	MarkFailed(ctx context.Context, tenantID, group, envelopeID, lastError string) error

	// Retry transitions a failed record back to processing for another
	// attempt. Returns false when the record is gone or not failed.
	Retry(ctx context.Context, tenantID, group, envelopeID, node string) (bool, error)

	Delete(ctx context.Context, tenantID, group, envelopeID string) error

	// DeleteExpired removes expired records and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}
