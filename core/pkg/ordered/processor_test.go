package ordered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

func keyedRecord(id, key string) *contracts.ConsumerRecord {
	return &contracts.ConsumerRecord{
		Envelope: &envelope.Envelope{
			ID:            id,
			Type:          "svc.activation.requested.v1",
			SchemaVersion: envelope.SchemaVersion,
			TenantID:      "T1",
			OccurredAt:    time.Now().UTC(),
			Data:          map[string]any{"service_id": key},
		},
		Topic: "tenant-T1.svc.activation.requested",
	}
}

func TestSameKeyCompletesInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var completed []string

	// Later submissions finish faster in isolation; strict per-key FIFO
	// must still complete them in submission order.
	delays := map[string]time.Duration{
		"E1": 50 * time.Millisecond,
		"E2": 10 * time.Millisecond,
		"E3": time.Millisecond,
	}
	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		time.Sleep(delays[rec.Envelope.ID])
		mu.Lock()
		completed = append(completed, rec.Envelope.ID)
		mu.Unlock()
		return nil
	}, nil)

	ctx := context.Background()
	for _, id := range []string{"E1", "E2", "E3"} {
		if _, err := p.Submit(ctx, keyedRecord(id, "K")); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{"E1", "E2", "E3"}
	if len(completed) != len(want) {
		t.Fatalf("completed = %v", completed)
	}
	for i, id := range want {
		if completed[i] != id {
			t.Fatalf("completed = %v, want %v", completed, want)
		}
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	// Two keys on different lanes: a slow key must not delay a fast one.
	entered := make(chan string, 2)
	release := make(chan struct{})

	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		entered <- rec.Envelope.ID
		if rec.Envelope.ID == "slow" {
			<-release
		}
		return nil
	}, nil)
	defer p.Close()

	// Pick two keys that hash to different lanes.
	keyA := "S1"
	keyB := ""
	for _, candidate := range []string{"T1", "U1", "V1", "W1", "X1"} {
		if envelope.Partition(candidate, 16) != envelope.Partition(keyA, 16) {
			keyB = candidate
			break
		}
	}
	if keyB == "" {
		t.Fatal("no key candidate landed on a different lane")
	}

	ctx := context.Background()
	if _, err := p.Submit(ctx, keyedRecord("slow", keyA)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.Submit(ctx, keyedRecord("fast", keyB)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-entered:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("handlers did not run concurrently, saw %v", seen)
		}
	}
	close(release)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		return nil
	}, nil)
	defer p.Close()

	ctx := context.Background()
	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := p.Submit(ctx, keyedRecord("E", "K"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq %d not monotonic after %d", seq, last)
		}
		last = seq
	}
}

func TestHandlerFailureDoesNotHaltLane(t *testing.T) {
	var mu sync.Mutex
	var completed []string

	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		if rec.Envelope.ID == "E1" {
			return errors.New("boom")
		}
		mu.Lock()
		completed = append(completed, rec.Envelope.ID)
		mu.Unlock()
		return nil
	}, nil)

	ctx := context.Background()
	for _, id := range []string{"E1", "E2"} {
		if _, err := p.Submit(ctx, keyedRecord(id, "K")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Close()

	if len(completed) != 1 || completed[0] != "E2" {
		t.Errorf("completed = %v, want [E2] behind the failure", completed)
	}
}

func TestExemptEnvelopesSpreadByID(t *testing.T) {
	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		return nil
	}, nil)
	defer p.Close()

	env := &envelope.Envelope{
		ID:            "E1",
		Type:          "system.health.check.v1",
		SchemaVersion: envelope.SchemaVersion,
		OccurredAt:    time.Now().UTC(),
	}
	if !env.Exempt() {
		t.Fatal("system envelope should be exempt")
	}
	if got := p.laneFor(env); got != envelope.Partition("E1", 16) {
		t.Errorf("exempt lane = %d, want hash of envelope ID", got)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewProcessor(func(ctx context.Context, rec *contracts.ConsumerRecord) error {
		return nil
	}, nil)
	p.Close()

	if _, err := p.Submit(context.Background(), keyedRecord("E1", "K")); !errors.Is(err, contracts.ErrSubscriptionClosed) {
		t.Errorf("submit after close: %v", err)
	}
	if err := p.Close(); err == nil {
		t.Error("second close should fail")
	}
}
