package redisstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

func setupTestDriver(t *testing.T) (*miniredis.Miniredis, *Driver) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewDriver(client, &Config{
		DefaultPartitions: 3,
		StreamMaxLen:      1000,
		MaxPollRecords:    64,
		ReadCount:         16,
		Logger:            contracts.NopLogger{},
	})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return mr, d
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

func TestPublishAssignsStablePartition(t *testing.T) {
	_, d := setupTestDriver(t)
	ctx := context.Background()

	r1, err := d.Publish(ctx, "svc.activation.requested", testEnvelope("E1", "S1"), "S1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	r2, err := d.Publish(ctx, "svc.activation.requested", testEnvelope("E2", "S1"), "S1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := envelope.Partition("S1", 3)
	if r1.Partition != want || r2.Partition != want {
		t.Errorf("partitions = %d,%d, want %d", r1.Partition, r2.Partition, want)
	}
	if r1.Offset != 1 || r2.Offset != 2 {
		t.Errorf("offsets = %d,%d, want 1,2", r1.Offset, r2.Offset)
	}
}

func TestPublishWritesToPartitionStream(t *testing.T) {
	mr, d := setupTestDriver(t)
	ctx := context.Background()

	res, err := d.Publish(ctx, "svc.activation.requested", testEnvelope("E1", "S1"), "S1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	key := fmt.Sprintf("svc.activation.requested-%d", res.Partition)
	if !mr.Exists(key) {
		t.Errorf("stream key %s should exist", key)
	}
}

func TestSubscribeConsumeAck(t *testing.T) {
	_, d := setupTestDriver(t)
	ctx := context.Background()
	topic := "svc.activation.requested"

	if _, err := d.Publish(ctx, topic, testEnvelope("E1", "S1"), "S1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := d.Subscribe(ctx, []string{topic}, "g1", contracts.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := sub.Next(waitCtx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Envelope.ID != "E1" {
		t.Errorf("envelope = %s, want E1", rec.Envelope.ID)
	}
	if rec.StreamID == "" {
		t.Error("record should carry the stream entry ID")
	}
	if err := sub.Commit(ctx, rec); err != nil {
		t.Errorf("commit: %v", err)
	}
}

func TestCreateTopicConflict(t *testing.T) {
	_, d := setupTestDriver(t)
	ctx := context.Background()

	if err := d.CreateTopic(ctx, "svc.a.b", contracts.TopicConfig{Partitions: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var ce *contracts.ConflictError
	if err := d.CreateTopic(ctx, "svc.a.b", contracts.TopicConfig{}); !errors.As(err, &ce) {
		t.Errorf("duplicate create: %v, want ConflictError", err)
	}
}

func TestTopicLifecycle(t *testing.T) {
	_, d := setupTestDriver(t)
	ctx := context.Background()

	if err := d.CreateTopic(ctx, "svc.a.b", contracts.TopicConfig{Partitions: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	d.Publish(ctx, "svc.a.b", testEnvelope("E1", "S1"), "S1")

	topics, err := d.ListTopics(ctx)
	if err != nil || len(topics) != 1 || topics[0] != "svc.a.b" {
		t.Errorf("topics = %v (%v)", topics, err)
	}

	info, err := d.GetTopicInfo(ctx, "svc.a.b")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Partitions) != 2 {
		t.Errorf("partitions = %d, want 2", len(info.Partitions))
	}
	var total int64
	for _, p := range info.Partitions {
		total += p.MessageCount
	}
	if total != 1 {
		t.Errorf("message count = %d, want 1", total)
	}

	if err := d.DeleteTopic(ctx, "svc.a.b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var nfe *contracts.NotFoundError
	if _, err := d.GetTopicInfo(ctx, "svc.a.b"); !errors.As(err, &nfe) {
		t.Errorf("info after delete: %v, want NotFoundError", err)
	}
}

func TestGroupRegistry(t *testing.T) {
	_, d := setupTestDriver(t)
	ctx := context.Background()
	topic := "svc.activation.requested"

	sub, err := d.Subscribe(ctx, []string{topic}, "g1", contracts.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	groups, err := d.ListConsumerGroups(ctx)
	if err != nil || len(groups) != 1 || groups[0] != "g1" {
		t.Errorf("groups = %v (%v)", groups, err)
	}

	info, err := d.GetConsumerGroupInfo(ctx, "g1")
	if err != nil {
		t.Fatalf("group info: %v", err)
	}
	if len(info.Members) != 1 {
		t.Errorf("members = %v, want one", info.Members)
	}

	var nfe *contracts.NotFoundError
	if _, err := d.GetConsumerGroupInfo(ctx, "missing"); !errors.As(err, &nfe) {
		t.Errorf("missing group: %v, want NotFoundError", err)
	}
}

func TestCommitOffsetUnsupported(t *testing.T) {
	_, d := setupTestDriver(t)
	var ve *contracts.ValidationError
	if err := d.CommitOffset(context.Background(), "g1", "t", 0, 1); !errors.As(err, &ve) {
		t.Errorf("commit offset: %v, want ValidationError", err)
	}
}

func TestParseStreamTime(t *testing.T) {
	ts, err := parseStreamTime("1700000000000-0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.UnixMilli() != 1700000000000 {
		t.Errorf("ms = %d", ts.UnixMilli())
	}
	if _, err := parseStreamTime("bogus"); err == nil {
		t.Error("malformed id should fail")
	}
}
