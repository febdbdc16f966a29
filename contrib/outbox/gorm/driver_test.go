package gorm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"gorm.io/driver/sqlite"
	gormpkg "gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gormpkg.DB {
	t.Helper()
	db, err := gormpkg.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gormpkg.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM outbox_entries")
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func setupTestStore(t *testing.T) (*Driver, *gormpkg.DB) {
	t.Helper()
	db := setupTestDB(t)
	store := NewDriver(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, db
}

func testEnvelope(id, key string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:            id,
		Type:          "svc.activation.requested.v1",
		SchemaVersion: envelope.SchemaVersion,
		TenantID:      "T1",
		OccurredAt:    time.Now().UTC(),
		Data:          map[string]any{"service_id": key},
	}
}

func stage(t *testing.T, db *gormpkg.DB, env *envelope.Envelope) {
	t.Helper()
	err := db.Transaction(func(tx *gormpkg.DB) error {
		return NewStaging(tx, 24*time.Hour).Add(env)
	})
	if err != nil {
		t.Fatalf("stage %s: %v", env.ID, err)
	}
}

func TestStagingCommitMakesRowsVisible(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	stage(t, db, testEnvelope("E1", "S1"))
	stage(t, db, testEnvelope("E2", "S1"))

	entries, err := store.FetchPending(ctx, 10, "", "node-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("pending = %d, want 2", len(entries))
	}
	if entries[0].EnvelopeID != "E1" || entries[1].EnvelopeID != "E2" {
		t.Errorf("order = %s,%s, want E1,E2", entries[0].EnvelopeID, entries[1].EnvelopeID)
	}
	if entries[0].Topic != "tenant-T1.svc.activation.requested" {
		t.Errorf("topic = %s", entries[0].Topic)
	}
	if entries[0].ExpiresAt == nil {
		t.Error("ttl should set expires_at")
	}
}

func TestStagingRollbackLeavesNoRows(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("business rule failed")
	err := db.Transaction(func(tx *gormpkg.DB) error {
		staging := NewStaging(tx, 0)
		if err := staging.Add(testEnvelope("E1", "S1")); err != nil {
			return err
		}
		if err := staging.Add(testEnvelope("E2", "S1")); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("transaction error = %v, want sentinel", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 || stats.Published != 0 || stats.Failed != 0 {
		t.Errorf("rolled-back staging left rows: %+v", stats)
	}
}

func TestDuplicateEnvelopeIDConflicts(t *testing.T) {
	store, db := setupTestStore(t)
	_ = store

	stage(t, db, testEnvelope("E1", "S1"))
	err := db.Transaction(func(tx *gormpkg.DB) error {
		return NewStaging(tx, 0).Add(testEnvelope("E1", "S1"))
	})
	var ce *contracts.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("duplicate stage: %v, want ConflictError", err)
	}
}

func TestFetchPendingClaimsRows(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	stage(t, db, testEnvelope("E1", "S1"))

	first, err := store.FetchPending(ctx, 10, "", "node-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first fetch = %d rows, want 1", len(first))
	}

	// A second dispatcher polling right after sees nothing: the row is
	// claimed by node-1 and the claim is not yet stale.
	second, err := store.FetchPending(ctx, 10, "", "node-2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("claimed row re-fetched by another node: %d rows", len(second))
	}
}

func TestFetchPendingTenantFilter(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	envA := testEnvelope("E1", "S1")
	envB := testEnvelope("E2", "S1")
	envB.TenantID = "T2"
	stage(t, db, envA)
	stage(t, db, envB)

	entries, err := store.FetchPending(ctx, 10, "T2", "node-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 1 || entries[0].TenantID != "T2" {
		t.Errorf("tenant filter returned %d rows", len(entries))
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	stage(t, db, testEnvelope("E1", "S1"))
	entries, err := store.FetchPending(ctx, 1, "", "node-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(entries))
	}
	id := entries[0].ID

	if err := store.UpdateStatus(ctx, id, contracts.OutboxFailed, "broker down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	e, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != contracts.OutboxFailed || e.RetryCount != 1 || e.FailedAt == nil {
		t.Fatalf("after failure: status=%s retries=%d", e.Status, e.RetryCount)
	}
	if e.LastError != "broker down" {
		t.Errorf("last_error = %q", e.LastError)
	}

	retryable, err := store.FetchRetryable(ctx, 10, 5)
	if err != nil || len(retryable) != 1 {
		t.Fatalf("retryable: %v (%d rows)", err, len(retryable))
	}
	if none, err := store.FetchRetryable(ctx, 10, 1); err != nil || len(none) != 0 {
		t.Errorf("exhausted budget still retryable: %v (%d rows)", err, len(none))
	}

	if err := store.UpdateStatus(ctx, id, contracts.OutboxPublished, ""); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	e, _ = store.GetEntry(ctx, id)
	if e.Status != contracts.OutboxPublished || e.PublishedAt == nil {
		t.Errorf("after publish: status=%s", e.Status)
	}

	var nfe *contracts.NotFoundError
	if err := store.UpdateStatus(ctx, "missing", contracts.OutboxPublished, ""); !errors.As(err, &nfe) {
		t.Errorf("missing id: %v, want NotFoundError", err)
	}
}

func TestMarkExpiredAndDelete(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gormpkg.DB) error {
		return NewStaging(tx, time.Millisecond).Add(testEnvelope("E1", "S1"))
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	now := time.Now().UTC()
	n, err := store.MarkExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("mark expired: %v (n=%d)", err, n)
	}

	stats, _ := store.Stats(ctx)
	if stats.Expired != 1 || stats.Pending != 0 {
		t.Errorf("stats after expiry: %+v", stats)
	}

	deleted, err := store.DeleteExpiredBefore(ctx, now.Add(time.Second))
	if err != nil || deleted != 1 {
		t.Fatalf("delete expired: %v (n=%d)", err, deleted)
	}
}

func TestMarkUndeliverablePinsRetryCount(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	stage(t, db, testEnvelope("E1", "S1"))
	entries, err := store.FetchPending(ctx, 1, "", "node-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(entries))
	}
	id := entries[0].ID

	if err := store.MarkUndeliverable(ctx, id, "permanent: bad payload", 5); err != nil {
		t.Fatalf("mark undeliverable: %v", err)
	}
	e, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != contracts.OutboxFailed || e.RetryCount != 5 || e.FailedAt == nil {
		t.Fatalf("after mark: status=%s retries=%d", e.Status, e.RetryCount)
	}
	if e.LastError != "permanent: bad payload" {
		t.Errorf("last_error = %q", e.LastError)
	}

	// The pinned row is outside every retry budget.
	if rows, err := store.FetchRetryable(ctx, 10, 5); err != nil || len(rows) != 0 {
		t.Errorf("undeliverable row still retryable: %v (%d rows)", err, len(rows))
	}

	var nfe *contracts.NotFoundError
	if err := store.MarkUndeliverable(ctx, "missing", "permanent: x", 5); !errors.As(err, &nfe) {
		t.Errorf("missing id: %v, want NotFoundError", err)
	}
}

func TestStatsCountsPerStatus(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stage(t, db, testEnvelope(fmt.Sprintf("E%d", i), "S1"))
	}
	entries, err := store.FetchPending(ctx, 1, "", "node-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("fetch: %v", err)
	}
	if err := store.UpdateStatus(ctx, entries[0].ID, contracts.OutboxPublished, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 || stats.Published != 1 {
		t.Errorf("stats = %+v, want 2 pending / 1 published", stats)
	}
}
