// Package gorm provides a GORM implementation of the eventbus OutboxStore.
//
// Usage:
//
//	import (
//	    outboxgorm "github.com/madcok-co/eventbus/contrib/outbox/gorm"
//	    "gorm.io/driver/postgres"
//	    gormpkg "gorm.io/gorm"
//	)
//
//	db, _ := gormpkg.Open(postgres.Open(dsn), &gormpkg.Config{})
//	store := outboxgorm.NewDriver(db)
//	store.Migrate()
//
// Envelopes are staged inside the producer's own transaction:
//
//	db.Transaction(func(tx *gormpkg.DB) error {
//	    if err := tx.Create(&order).Error; err != nil {
//	        return err
//	    }
//	    return outboxgorm.NewStaging(tx, 24*time.Hour).Add(env)
//	})
//
// A rolled-back transaction leaves no outbox rows, so the dispatcher can
// never publish an event whose business write did not commit.
package gorm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"gorm.io/gorm"
)

// claimStaleAfter is how long a claim holds before another dispatcher may
// steal the row. Covers dispatcher crashes mid-batch.
const claimStaleAfter = 5 * time.Minute

// Entry is the outbox table model.
type Entry struct {
	ID           string     `gorm:"primaryKey;size:36"`
	TenantID     string     `gorm:"size:64;index:idx_outbox_tenant"`
	EnvelopeID   string     `gorm:"size:36;uniqueIndex:idx_outbox_envelope"`
	Topic        string     `gorm:"size:255"`
	EnvelopeData []byte     `gorm:"type:blob"`
	Status       string     `gorm:"size:16;index:idx_outbox_status_created,priority:1"`
	CreatedAt    time.Time  `gorm:"index:idx_outbox_status_created,priority:2"`
	PublishedAt  *time.Time
	FailedAt     *time.Time
	RetryCount   int
	LastError    string     `gorm:"type:text"`
	ExpiresAt    *time.Time `gorm:"index:idx_outbox_expires"`
	ClaimedBy    string     `gorm:"size:64"`
	ClaimedAt    *time.Time
}

// TableName keeps the table name stable across naming strategies.
func (Entry) TableName() string { return "outbox_entries" }

// Driver implements contracts.OutboxStore on a relational database via GORM.
type Driver struct {
	db *gorm.DB
}

// NewDriver wraps an open GORM handle.
func NewDriver(db *gorm.DB) *Driver {
	return &Driver{db: db}
}

// Migrate creates or updates the outbox table.
func (d *Driver) Migrate() error {
	return d.db.AutoMigrate(&Entry{})
}

// CreateEntry inserts one staged envelope. A duplicate envelope_id returns a
// ConflictError so retried business operations cannot stage an event twice.
func (d *Driver) CreateEntry(ctx context.Context, entry *contracts.OutboxEntry) error {
	row := toRow(entry)
	if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicateErr(err) {
			return &contracts.ConflictError{Resource: "outbox entry " + entry.EnvelopeID}
		}
		return err
	}
	return nil
}

// GetEntry looks up one row by primary key.
func (d *Driver) GetEntry(ctx context.Context, id string) (*contracts.OutboxEntry, error) {
	var row Entry
	err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row), nil
}

// UpdateStatus records a dispatch outcome. Published rows release their claim
// and stamp published_at; failed rows stamp failed_at and count the attempt.
func (d *Driver) UpdateStatus(ctx context.Context, id string, status contracts.OutboxStatus, lastError string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": string(status)}
	switch status {
	case contracts.OutboxPublished:
		updates["published_at"] = &now
		updates["claimed_by"] = ""
		updates["claimed_at"] = nil
		updates["last_error"] = ""
	case contracts.OutboxFailed:
		updates["failed_at"] = &now
		updates["last_error"] = lastError
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["claimed_by"] = ""
		updates["claimed_at"] = nil
	default:
		updates["last_error"] = lastError
	}

	res := d.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	return nil
}

// MarkUndeliverable marks a row failed with retry_count pinned at retryCount,
// so it never re-enters the retry loop.
func (d *Driver) MarkUndeliverable(ctx context.Context, id, lastError string, retryCount int) error {
	now := time.Now().UTC()
	res := d.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(map[string]any{
		"status":      string(contracts.OutboxFailed),
		"failed_at":   &now,
		"last_error":  lastError,
		"retry_count": retryCount,
		"claimed_by":  "",
		"claimed_at":  nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	return nil
}

// FetchPending claims up to limit pending rows for claimedBy and returns them
// oldest first. Claiming is a compare-and-set on the claim columns so
// concurrent dispatchers never double-publish; it stays portable across
// SQLite and Postgres where SKIP LOCKED is not.
func (d *Driver) FetchPending(ctx context.Context, limit int, tenantID, claimedBy string) ([]*contracts.OutboxEntry, error) {
	now := time.Now().UTC()
	stale := now.Add(-claimStaleAfter)

	var rows []Entry
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&Entry{}).
			Where("status = ?", string(contracts.OutboxPending)).
			Where("claimed_at IS NULL OR claimed_at < ?", stale).
			Order("created_at ASC").
			Limit(limit)
		if tenantID != "" {
			sub = sub.Where("tenant_id = ?", tenantID)
		}
		var ids []string
		if err := sub.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&Entry{}).
			Where("id IN ?", ids).
			Where("claimed_at IS NULL OR claimed_at < ?", stale).
			Updates(map[string]any{"claimed_by": claimedBy, "claimed_at": &now})
		if res.Error != nil {
			return res.Error
		}

		return tx.Where("claimed_by = ? AND claimed_at > ? AND status = ?",
			claimedBy, stale, string(contracts.OutboxPending)).
			Order("created_at ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// FetchRetryable returns failed rows that still have retry budget and have
// not expired, oldest failure first.
func (d *Driver) FetchRetryable(ctx context.Context, limit, maxRetries int) ([]*contracts.OutboxEntry, error) {
	now := time.Now().UTC()
	var rows []Entry
	err := d.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", string(contracts.OutboxFailed), maxRetries).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("failed_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// MarkExpired transitions overdue pending and failed rows to expired.
func (d *Driver) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Model(&Entry{}).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Where("status IN ?", []string{string(contracts.OutboxPending), string(contracts.OutboxFailed)}).
		Update("status", string(contracts.OutboxExpired))
	return res.RowsAffected, res.Error
}

// DeleteExpiredBefore removes expired rows older than cutoff.
func (d *Driver) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(contracts.OutboxExpired), cutoff).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Stats counts rows per status.
func (d *Driver) Stats(ctx context.Context) (*contracts.OutboxStats, error) {
	type count struct {
		Status string
		N      int64
	}
	var counts []count
	err := d.db.WithContext(ctx).Model(&Entry{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&counts).Error
	if err != nil {
		return nil, err
	}
	stats := &contracts.OutboxStats{}
	for _, c := range counts {
		switch contracts.OutboxStatus(c.Status) {
		case contracts.OutboxPending:
			stats.Pending = c.N
		case contracts.OutboxPublished:
			stats.Published = c.N
		case contracts.OutboxFailed:
			stats.Failed = c.N
		case contracts.OutboxExpired:
			stats.Expired = c.N
		}
	}
	return stats, nil
}

// Staging writes outbox rows through an open business transaction. Commit the
// transaction and the rows become visible to the dispatcher; roll it back and
// they never existed.
type Staging struct {
	tx  *gorm.DB
	ttl time.Duration
}

// NewStaging binds a staging context to an open transaction. ttl bounds how
// long an undispatched row stays deliverable; zero means no expiry.
func NewStaging(tx *gorm.DB, ttl time.Duration) *Staging {
	return &Staging{tx: tx, ttl: ttl}
}

// Add stages one envelope for dispatch after the surrounding transaction
// commits.
func (s *Staging) Add(env *envelope.Envelope) error {
	if env == nil {
		return &contracts.ValidationError{Field: "envelope", Reason: "required"}
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	row := &Entry{
		ID:           uuid.NewString(),
		TenantID:     env.TenantID,
		EnvelopeID:   env.ID,
		Topic:        env.TopicName(),
		EnvelopeData: data,
		Status:       string(contracts.OutboxPending),
		CreatedAt:    time.Now().UTC(),
	}
	if s.ttl > 0 {
		exp := row.CreatedAt.Add(s.ttl)
		row.ExpiresAt = &exp
	}
	if err := s.tx.Create(row).Error; err != nil {
		if isDuplicateErr(err) {
			return &contracts.ConflictError{Resource: "outbox entry " + env.ID}
		}
		return err
	}
	return nil
}

func toRow(e *contracts.OutboxEntry) *Entry {
	row := &Entry{
		ID:           e.ID,
		TenantID:     e.TenantID,
		EnvelopeID:   e.EnvelopeID,
		Topic:        e.Topic,
		EnvelopeData: e.EnvelopeData,
		Status:       string(e.Status),
		CreatedAt:    e.CreatedAt,
		PublishedAt:  e.PublishedAt,
		FailedAt:     e.FailedAt,
		RetryCount:   e.RetryCount,
		LastError:    e.LastError,
		ExpiresAt:    e.ExpiresAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = string(contracts.OutboxPending)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return row
}

func fromRow(r *Entry) *contracts.OutboxEntry {
	return &contracts.OutboxEntry{
		ID:           r.ID,
		TenantID:     r.TenantID,
		EnvelopeID:   r.EnvelopeID,
		Topic:        r.Topic,
		EnvelopeData: r.EnvelopeData,
		Status:       contracts.OutboxStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		PublishedAt:  r.PublishedAt,
		FailedAt:     r.FailedAt,
		RetryCount:   r.RetryCount,
		LastError:    r.LastError,
		ExpiresAt:    r.ExpiresAt,
	}
}

func fromRows(rows []Entry) []*contracts.OutboxEntry {
	out := make([]*contracts.OutboxEntry, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out
}

// isDuplicateErr recognizes a unique-constraint violation. ErrDuplicatedKey
// needs TranslateError enabled on the gorm handle, so fall back to the raw
// driver messages too.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Ensure Driver implements contracts.OutboxStore
var _ contracts.OutboxStore = (*Driver)(nil)
