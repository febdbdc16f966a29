package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/broker/memory"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// fakeStore is an in-memory OutboxStore for dispatcher tests.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*contracts.OutboxEntry
	seq     int

	fetchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]*contracts.OutboxEntry{}}
}

func (s *fakeStore) CreateEntry(ctx context.Context, entry *contracts.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.EnvelopeID == entry.EnvelopeID {
			return &contracts.ConflictError{Resource: "outbox entry " + entry.EnvelopeID}
		}
	}
	s.seq++
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Millisecond)
	}
	cp.Status = contracts.OutboxPending
	s.entries[cp.ID] = &cp
	return nil
}

func (s *fakeStore) GetEntry(ctx context.Context, id string) (*contracts.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status contracts.OutboxStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	e.Status = status
	e.LastError = lastError
	now := time.Now().UTC()
	switch status {
	case contracts.OutboxPublished:
		e.PublishedAt = &now
	case contracts.OutboxFailed:
		e.FailedAt = &now
		e.RetryCount++
	}
	return nil
}

func (s *fakeStore) MarkUndeliverable(ctx context.Context, id, lastError string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &contracts.NotFoundError{Resource: "outbox entry " + id}
	}
	now := time.Now().UTC()
	e.Status = contracts.OutboxFailed
	e.FailedAt = &now
	e.LastError = lastError
	e.RetryCount = retryCount
	return nil
}

func (s *fakeStore) FetchPending(ctx context.Context, limit int, tenantID, claimedBy string) ([]*contracts.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []*contracts.OutboxEntry
	for _, e := range s.entries {
		if e.Status != contracts.OutboxPending {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) FetchRetryable(ctx context.Context, limit, maxRetries int) ([]*contracts.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.OutboxEntry
	for _, e := range s.entries {
		if e.Status != contracts.OutboxFailed || e.RetryCount >= maxRetries {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) &&
			(e.Status == contracts.OutboxPending || e.Status == contracts.OutboxFailed) {
			e.Status = contracts.OutboxExpired
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.Status == contracts.OutboxExpired && e.ExpiresAt != nil && e.ExpiresAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Stats(ctx context.Context) (*contracts.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &contracts.OutboxStats{}
	for _, e := range s.entries {
		switch e.Status {
		case contracts.OutboxPending:
			st.Pending++
		case contracts.OutboxPublished:
			st.Published++
		case contracts.OutboxFailed:
			st.Failed++
		case contracts.OutboxExpired:
			st.Expired++
		}
	}
	return st, nil
}

var _ contracts.OutboxStore = (*fakeStore)(nil)

func stageEnvelope(t *testing.T, store *fakeStore, id, key string) *contracts.OutboxEntry {
	t.Helper()
	env := &envelope.Envelope{
		ID:            id,
		Type:          "svc.activation.requested.v1",
		SchemaVersion: envelope.SchemaVersion,
		TenantID:      "T1",
		OccurredAt:    time.Now().UTC(),
		Data:          map[string]any{"service_id": key},
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	entry := &contracts.OutboxEntry{
		ID:           "row-" + id,
		TenantID:     env.TenantID,
		EnvelopeID:   id,
		Topic:        "tenant-T1.svc.activation.requested",
		EnvelopeData: data,
	}
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func testBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Disconnect(context.Background()) })
	return b
}

func TestDispatchPublishesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	broker := testBroker(t)

	stageEnvelope(t, store, "E1", "S1")
	stageEnvelope(t, store, "E2", "S1")

	d := NewDispatcher(store, broker, nil, nil, nil)
	d.dispatchOnce(ctx)

	for _, id := range []string{"row-E1", "row-E2"} {
		e, err := store.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if e.Status != contracts.OutboxPublished {
			t.Errorf("%s status = %s, want published", id, e.Status)
		}
		if e.PublishedAt == nil {
			t.Errorf("%s missing published_at", id)
		}
	}

	sub, err := broker.Subscribe(ctx, []string{"tenant-T1.svc.activation.requested"}, "g1",
		contracts.SubscribeOptions{AutoCommit: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for _, want := range []string{"E1", "E2"} {
		rec, err := sub.Next(waitCtx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if rec.Envelope.ID != want {
			t.Errorf("delivered %s, want %s", rec.Envelope.ID, want)
		}
	}
}

func TestDispatchMarksFailedAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	broker := testBroker(t)

	entry := stageEnvelope(t, store, "E1", "S1")

	// Disconnected broker: the dispatch fails and the row records the error.
	if err := broker.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	d := NewDispatcher(store, broker, nil, nil, nil)
	d.dispatchOnce(ctx)

	e, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != contracts.OutboxFailed || e.RetryCount != 1 || e.LastError == "" {
		t.Fatalf("after failure: status=%s retries=%d err=%q", e.Status, e.RetryCount, e.LastError)
	}

	// Broker recovers: the retry loop republishes it.
	if err := broker.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	d.retryOnce(ctx)

	e, err = store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != contracts.OutboxPublished {
		t.Errorf("after retry: status = %s, want published", e.Status)
	}
}

func TestRetrySkipsExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	broker := testBroker(t)

	entry := stageEnvelope(t, store, "E1", "S1")
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	for i := 0; i < cfg.MaxRetries; i++ {
		if err := store.UpdateStatus(ctx, entry.ID, contracts.OutboxFailed, "broker down"); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	d := NewDispatcher(store, broker, cfg, nil, nil)
	d.retryOnce(ctx)

	e, _ := store.GetEntry(ctx, entry.ID)
	if e.Status != contracts.OutboxFailed {
		t.Errorf("exhausted entry republished: status = %s", e.Status)
	}
}

func TestDispatchMalformedEnvelopeMarkedFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	broker := testBroker(t)

	entry := &contracts.OutboxEntry{
		ID:           "row-bad",
		TenantID:     "T1",
		EnvelopeID:   "bad",
		Topic:        "tenant-T1.svc.activation.requested",
		EnvelopeData: []byte("{not json"),
	}
	if err := store.CreateEntry(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := NewDispatcher(store, broker, nil, nil, nil)
	d.dispatchOnce(ctx)

	e, _ := store.GetEntry(ctx, entry.ID)
	if e.Status != contracts.OutboxFailed {
		t.Errorf("malformed entry status = %s, want failed", e.Status)
	}
	// Pinned at the retry ceiling: the retry loop must never re-decode it.
	if e.RetryCount != d.cfg.MaxRetries {
		t.Errorf("retry_count = %d, want pinned at %d", e.RetryCount, d.cfg.MaxRetries)
	}

	d.retryOnce(ctx)
	e, _ = store.GetEntry(ctx, entry.ID)
	if e.RetryCount != d.cfg.MaxRetries || e.Status != contracts.OutboxFailed {
		t.Errorf("after retry pass: status=%s retries=%d, want failed at %d",
			e.Status, e.RetryCount, d.cfg.MaxRetries)
	}
}

func TestCleanupExpiresAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	broker := testBroker(t)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	e1 := stageEnvelope(t, store, "E1", "S1")
	e2 := stageEnvelope(t, store, "E2", "S1")
	store.mu.Lock()
	store.entries[e1.ID].ExpiresAt = &old
	store.entries[e2.ID].ExpiresAt = &recent
	store.mu.Unlock()

	d := NewDispatcher(store, broker, nil, nil, nil)
	d.cleanupOnce(ctx)

	// The long-dead row is swept; the recently expired one is retained for
	// inspection.
	if _, err := store.GetEntry(ctx, e1.ID); err == nil {
		t.Error("old expired row should be deleted")
	}
	got, err := store.GetEntry(ctx, e2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != contracts.OutboxExpired {
		t.Errorf("recent row status = %s, want expired", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	store := newFakeStore()
	broker := testBroker(t)
	stageEnvelope(t, store, "E1", "S1")

	cfg := DefaultConfig()
	cfg.DispatchInterval = 10 * time.Millisecond
	d := NewDispatcher(store, broker, cfg, nil, nil)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second start should fail")
	}

	deadline := time.After(2 * time.Second)
	for {
		e, err := store.GetEntry(context.Background(), "row-E1")
		if err == nil && e.Status == contracts.OutboxPublished {
			break
		}
		select {
		case <-deadline:
			t.Fatal("entry never published")
		case <-time.After(10 * time.Millisecond):
		}
	}
	d.Stop()
}

func TestDispatchToleratesStoreError(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("db down")
	d := NewDispatcher(store, testBroker(t), nil, nil, nil)
	d.dispatchOnce(context.Background()) // must not panic
}
