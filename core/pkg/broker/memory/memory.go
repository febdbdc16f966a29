// Package memory provides an in-process implementation of the Broker
// contract for tests and single-process deployments.
//
// Topics are bounded per-partition FIFOs. Subscriptions replay everything
// past the group's committed offset, then stream live publishes through a
// bounded per-subscription queue. A full queue drops the overflow message
// and counts it; the publisher never blocks.
//
// Usage:
//
//	broker := memory.New(nil)
//	_ = broker.Connect(ctx)
//	res, _ := broker.Publish(ctx, "tenant-t1.svc.activation.requested", env, "S1")
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// Config for the memory broker.
type Config struct {
	// DefaultPartitions is used when a topic is auto-created on first
	// publish.
	DefaultPartitions int

	// MaxMessagesPerTopic bounds each partition FIFO. The oldest message is
	// dropped when the bound is hit.
	MaxMessagesPerTopic int

	// SubscriberBuffer bounds each subscription queue.
	SubscriberBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultPartitions:   3,
		MaxMessagesPerTopic: 10000,
		SubscriberBuffer:    256,
	}
}

type message struct {
	env       *envelope.Envelope
	offset    int64
	timestamp time.Time
}

type partitionLog struct {
	messages   []*message
	nextOffset int64 // offsets start at 1; string form of a message ID
	dropped    int64
}

type topicState struct {
	cfg             contracts.TopicConfig
	partitions      []*partitionLog
	overflowDropped int64
}

// Broker implements contracts.Broker in process memory.
type Broker struct {
	mu        sync.RWMutex
	cfg       *Config
	connected bool
	topics    map[string]*topicState
	// committed maps group -> topic -> partition -> offset.
	committed map[string]map[string]map[int]int64
	subs      map[*subscription]struct{}
}

// New creates a memory broker.
func New(cfg *Config) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Broker{
		cfg:       cfg,
		topics:    make(map[string]*topicState),
		committed: make(map[string]map[string]map[int]int64),
		subs:      make(map[*subscription]struct{}),
	}
}

// Name returns "memory".
func (b *Broker) Name() string { return "memory" }

// Connect marks the broker available. Idempotent.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect closes every subscription and marks the broker unavailable.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.connected = false
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Ping reports availability.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return &contracts.TransportError{Broker: "memory", Err: fmt.Errorf("not connected")}
	}
	return nil
}

// IsConnected returns connection status.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish appends the envelope to the partition selected by partitionKey.
// The topic is auto-created with defaults when absent.
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope, partitionKey string) (*contracts.PublishResult, error) {
	if env == nil || env.ID == "" || env.Type == "" {
		return nil, &contracts.ValidationError{Field: "envelope", Reason: "id and type are required"}
	}
	if partitionKey == "" {
		partitionKey = env.PartitionKey()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &contracts.TransportError{Broker: "memory", Err: fmt.Errorf("not connected")}
	}

	ts := b.topics[topic]
	if ts == nil {
		ts = b.newTopicLocked(contracts.TopicConfig{
			Partitions:  b.cfg.DefaultPartitions,
			Replication: 1,
		})
		b.topics[topic] = ts
	}

	partition := envelope.Partition(partitionKey, len(ts.partitions))
	pl := ts.partitions[partition]

	msg := &message{env: env, offset: pl.nextOffset, timestamp: time.Now()}
	pl.nextOffset++

	if len(pl.messages) >= b.cfg.MaxMessagesPerTopic {
		pl.messages = pl.messages[1:]
		pl.dropped++
	}
	pl.messages = append(pl.messages, msg)

	rec := &contracts.ConsumerRecord{
		Envelope:  env,
		Topic:     topic,
		Partition: partition,
		Offset:    msg.offset,
		Timestamp: msg.timestamp,
	}
	for s := range b.subs {
		if s.wants(topic) {
			s.deliver(rec, ts)
		}
	}

	return &contracts.PublishResult{
		EventID:   env.ID,
		Topic:     topic,
		Partition: partition,
		Offset:    msg.offset,
		Timestamp: msg.timestamp,
	}, nil
}

// PublishBatch publishes envelopes one by one, stopping at the first error.
func (b *Broker) PublishBatch(ctx context.Context, topic string, envs []*envelope.Envelope, partitionKeys []string) ([]*contracts.PublishResult, error) {
	results := make([]*contracts.PublishResult, 0, len(envs))
	for i, env := range envs {
		key := ""
		if i < len(partitionKeys) {
			key = partitionKeys[i]
		}
		res, err := b.Publish(ctx, topic, env, key)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Broker) newTopicLocked(cfg contracts.TopicConfig) *topicState {
	if cfg.Partitions <= 0 {
		cfg.Partitions = b.cfg.DefaultPartitions
	}
	ts := &topicState{cfg: cfg, partitions: make([]*partitionLog, cfg.Partitions)}
	for i := range ts.partitions {
		ts.partitions[i] = &partitionLog{nextOffset: 1}
	}
	return ts
}

// CreateTopic creates a topic explicitly.
func (b *Broker) CreateTopic(ctx context.Context, name string, cfg contracts.TopicConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return &contracts.ConflictError{Resource: "topic " + name}
	}
	b.topics[name] = b.newTopicLocked(cfg)
	return nil
}

// DeleteTopic removes a topic and its messages.
func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return &contracts.NotFoundError{Resource: "topic " + name}
	}
	delete(b.topics, name)
	return nil
}

// ListTopics returns topic names sorted.
func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo returns per-partition offsets and counts.
func (b *Broker) GetTopicInfo(ctx context.Context, name string) (*contracts.TopicInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.topics[name]
	if !ok {
		return nil, &contracts.NotFoundError{Resource: "topic " + name}
	}
	info := &contracts.TopicInfo{Name: name}
	for i, pl := range ts.partitions {
		pi := contracts.PartitionInfo{ID: i, MessageCount: int64(len(pl.messages))}
		if len(pl.messages) > 0 {
			pi.EarliestOffset = pl.messages[0].offset
			pi.LatestOffset = pl.messages[len(pl.messages)-1].offset
		}
		info.Partitions = append(info.Partitions, pi)
	}
	return info, nil
}

// ListConsumerGroups returns group IDs with committed offsets or live
// subscriptions.
func (b *Broker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	for g := range b.committed {
		seen[g] = true
	}
	for s := range b.subs {
		seen[s.group] = true
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// DeleteConsumerGroup drops a group's committed offsets.
func (b *Broker) DeleteConsumerGroup(ctx context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.committed[group]; !ok {
		return &contracts.NotFoundError{Resource: "group " + group}
	}
	delete(b.committed, group)
	return nil
}

// GetConsumerGroupInfo returns the group's committed offsets and members.
func (b *Broker) GetConsumerGroupInfo(ctx context.Context, group string) (*contracts.ConsumerGroupInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	offsets, ok := b.committed[group]
	info := &contracts.ConsumerGroupInfo{Group: group, Offsets: make(map[string]map[int]int64)}
	for s := range b.subs {
		if s.group == group {
			info.Members = append(info.Members, s.id)
			ok = true
		}
	}
	if !ok {
		return nil, &contracts.NotFoundError{Resource: "group " + group}
	}
	for topic, parts := range offsets {
		cp := make(map[int]int64, len(parts))
		for p, off := range parts {
			cp[p] = off
		}
		info.Offsets[topic] = cp
	}
	sort.Strings(info.Members)
	return info, nil
}

// CommitOffset records the committed offset for (group, topic, partition).
func (b *Broker) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitLocked(group, topic, partition, offset)
	return nil
}

func (b *Broker) commitLocked(group, topic string, partition int, offset int64) {
	byTopic := b.committed[group]
	if byTopic == nil {
		byTopic = make(map[string]map[int]int64)
		b.committed[group] = byTopic
	}
	byPart := byTopic[topic]
	if byPart == nil {
		byPart = make(map[int]int64)
		byTopic[topic] = byPart
	}
	byPart[partition] = offset
}

func (b *Broker) committedLocked(group, topic string, partition int) int64 {
	if byTopic, ok := b.committed[group]; ok {
		if byPart, ok := byTopic[topic]; ok {
			return byPart[partition]
		}
	}
	return 0
}

// GetLatestOffset returns the newest retained message offset, 0 when empty.
func (b *Broker) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pl, err := b.partitionLocked(topic, partition)
	if err != nil {
		return 0, err
	}
	if len(pl.messages) == 0 {
		return 0, nil
	}
	return pl.messages[len(pl.messages)-1].offset, nil
}

// GetEarliestOffset returns the oldest retained message offset, 0 when
// empty.
func (b *Broker) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pl, err := b.partitionLocked(topic, partition)
	if err != nil {
		return 0, err
	}
	if len(pl.messages) == 0 {
		return 0, nil
	}
	return pl.messages[0].offset, nil
}

func (b *Broker) partitionLocked(topic string, partition int) (*partitionLog, error) {
	ts, ok := b.topics[topic]
	if !ok {
		return nil, &contracts.NotFoundError{Resource: "topic " + topic}
	}
	if partition < 0 || partition >= len(ts.partitions) {
		return nil, &contracts.NotFoundError{Resource: fmt.Sprintf("partition %d of %s", partition, topic)}
	}
	return ts.partitions[partition], nil
}

// DroppedOldest returns how many messages a topic evicted at the FIFO bound.
func (b *Broker) DroppedOldest(topic string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	var n int64
	for _, pl := range ts.partitions {
		n += pl.dropped
	}
	return n
}

// DroppedOverflow returns how many records were dropped because subscriber
// queues were full.
func (b *Broker) DroppedOverflow(topic string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return ts.overflowDropped
}

var _ contracts.Broker = (*Broker)(nil)
