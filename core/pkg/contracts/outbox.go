package contracts

import (
	"context"
	"time"
)

// OutboxStatus adalah lifecycle status dari satu outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
	OutboxExpired   OutboxStatus = "expired"
)

// OutboxEntry is one staged envelope awaiting dispatch to the broker.
// EnvelopeID is unique across the whole outbox; a retried business operation
// can never stage the same event twice.
type OutboxEntry struct {
	ID           string
	TenantID     string
	EnvelopeID   string
	Topic        string
	EnvelopeData []byte // canonical JSON of the envelope
	Status       OutboxStatus
	CreatedAt    time.Time
	PublishedAt  *time.Time
	FailedAt     *time.Time
	RetryCount   int
	LastError    string
	ExpiresAt    *time.Time
}

// OutboxStats is an operator-facing snapshot of the table.
type OutboxStats struct {
	Pending   int64
	Published int64
	Failed    int64
	Expired   int64
}

// OutboxStore persists outbox entries in the producer's relational database.
// FetchPending must claim rows so concurrent dispatchers never re-publish the
// same entry (SKIP LOCKED or a claim-column compare-and-set).
type OutboxStore interface {
	CreateEntry(ctx context.Context, entry *OutboxEntry) error
	GetEntry(ctx context.Context, id string) (*OutboxEntry, error)
	UpdateStatus(ctx context.Context, id string, status OutboxStatus, lastError string) error

	// FetchPending claims up to limit pending entries in FIFO order
	// (oldest created_at first). tenantID narrows to one tenant when set.
	FetchPending(ctx context.Context, limit int, tenantID string, claimedBy string) ([]*OutboxEntry, error)

	// MarkUndeliverable marks an entry failed with retry_count pinned at
	// retryCount, so FetchRetryable never returns it again. Used for
	// permanent failures such as an envelope that no longer decodes.
	MarkUndeliverable(ctx context.Context, id string, lastError string, retryCount int) error

	// FetchRetryable returns failed entries with retry_count < maxRetries
	// that have not expired.
	FetchRetryable(ctx context.Context, limit int, maxRetries int) ([]*OutboxEntry, error)

	// MarkExpired transitions rows past expires_at to expired and returns
	// how many changed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteExpiredBefore removes expired rows older than cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Stats(ctx context.Context) (*OutboxStats, error)
}
