package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Driver) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewDriver(client)
}

func TestTryBeginClaimsOnce(t *testing.T) {
	_, d := setupTestStore(t)
	ctx := context.Background()

	won, existing, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-1", time.Hour)
	if err != nil || !won || existing != nil {
		t.Fatalf("first claim: won=%v existing=%v err=%v", won, existing, err)
	}

	won, existing, err = d.TryBegin(ctx, "T1", "g1", "E1", "node-2", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim must lose")
	}
	if existing == nil || existing.Status != contracts.DedupeProcessing || existing.ProcessingNode != "node-1" {
		t.Errorf("existing = %+v", existing)
	}
	if existing.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", existing.AttemptCount)
	}
}

func TestClaimsAreScopedByGroup(t *testing.T) {
	_, d := setupTestStore(t)
	ctx := context.Background()

	if won, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "n", time.Hour); err != nil || !won {
		t.Fatalf("g1 claim: won=%v err=%v", won, err)
	}
	if won, _, err := d.TryBegin(ctx, "T1", "g2", "E1", "n", time.Hour); err != nil || !won {
		t.Errorf("g2 claim should be independent: won=%v err=%v", won, err)
	}
}

func TestExpiredClaimCanBeReclaimed(t *testing.T) {
	mr, d := setupTestStore(t)
	ctx := context.Background()

	if won, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-1", time.Second); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	mr.FastForward(2 * time.Second)

	won, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-2", time.Second)
	if err != nil || !won {
		t.Errorf("expired record should be reclaimable: won=%v err=%v", won, err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	_, d := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-1", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := d.MarkFailed(ctx, "T1", "g1", "E1", "downstream unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec, err := d.Get(ctx, "T1", "g1", "E1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != contracts.DedupeFailed || rec.LastError != "downstream unavailable" {
		t.Errorf("after failure: %+v", rec)
	}

	retried, err := d.Retry(ctx, "T1", "g1", "E1", "node-2")
	if err != nil || !retried {
		t.Fatalf("retry: retried=%v err=%v", retried, err)
	}
	rec, _ = d.Get(ctx, "T1", "g1", "E1")
	if rec.Status != contracts.DedupeProcessing || rec.AttemptCount != 2 || rec.ProcessingNode != "node-2" {
		t.Errorf("after retry: %+v", rec)
	}

	// Retry on a non-failed record loses.
	if retried, err := d.Retry(ctx, "T1", "g1", "E1", "node-3"); err != nil || retried {
		t.Errorf("retry of processing record: retried=%v err=%v", retried, err)
	}

	if err := d.MarkCompleted(ctx, "T1", "g1", "E1"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	rec, _ = d.Get(ctx, "T1", "g1", "E1")
	if rec.Status != contracts.DedupeCompleted {
		t.Errorf("after completion: %s", rec.Status)
	}
}

func TestMarkUnknownRecord(t *testing.T) {
	_, d := setupTestStore(t)
	var nfe *contracts.NotFoundError
	if err := d.MarkCompleted(context.Background(), "T1", "g1", "missing"); !errors.As(err, &nfe) {
		t.Errorf("mark unknown: %v, want NotFoundError", err)
	}
}

func TestDeleteAndGet(t *testing.T) {
	_, d := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "n", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := d.Delete(ctx, "T1", "g1", "E1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var nfe *contracts.NotFoundError
	if _, err := d.Get(ctx, "T1", "g1", "E1"); !errors.As(err, &nfe) {
		t.Errorf("get after delete: %v, want NotFoundError", err)
	}
}

func TestDeleteExpiredSweepsStaleRecords(t *testing.T) {
	mr, d := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "n", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := d.TryBegin(ctx, "T1", "g1", "E2", "n", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulate a record that lost its key TTL but kept the stored expiry.
	key := recordKey("T1", "g1", "E1")
	mr.SetTTL(key, 0)
	mr.HSet(key, fieldExpiresAt, time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano))

	n, err := d.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d records, want 1", n)
	}
	if _, err := d.Get(ctx, "T1", "g1", "E2"); err != nil {
		t.Errorf("live record swept: %v", err)
	}
}

func TestClaimWritesRecordAndTTLAtomically(t *testing.T) {
	mr, d := setupTestStore(t)
	ctx := context.Background()

	if won, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-1", time.Hour); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	key := recordKey("T1", "g1", "E1")
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Errorf("claimed key has no TTL: %v", ttl)
	}
	rec, err := d.Get(ctx, "T1", "g1", "E1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ExpiresAt.IsZero() || rec.StartedAt.IsZero() || rec.AttemptCount != 1 {
		t.Errorf("claim wrote a partial record: %+v", rec)
	}
}

func TestDeleteExpiredSweepsRecordsWithoutExpiry(t *testing.T) {
	mr, d := setupTestStore(t)
	ctx := context.Background()

	// A half-written claim: status only, no expires_at field and no key TTL.
	// The sweep must remove it so its envelope is not wedged forever.
	key := recordKey("T1", "g1", "E1")
	mr.HSet(key, fieldStatus, string(contracts.DedupeProcessing))

	if _, _, err := d.TryBegin(ctx, "T1", "g1", "E2", "n", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := d.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d records, want 1", n)
	}
	if won, _, err := d.TryBegin(ctx, "T1", "g1", "E1", "node-2", time.Hour); err != nil || !won {
		t.Errorf("swept envelope should be claimable again: won=%v err=%v", won, err)
	}
	if _, err := d.Get(ctx, "T1", "g1", "E2"); err != nil {
		t.Errorf("live record swept: %v", err)
	}
}
