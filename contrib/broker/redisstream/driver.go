// Package redisstream provides a Redis Streams implementation of the
// eventbus Broker contract.
//
// Partitions are emulated as distinct stream keys <topic>-<partition>.
// Consumer groups map to Redis consumer groups (created idempotently on
// first subscribe); commit maps to XACK. Streams are trimmed to a maximum
// length on publish.
//
// Usage:
//
//	import (
//	    "github.com/madcok-co/eventbus/contrib/broker/redisstream"
//	    goredis "github.com/redis/go-redis/v9"
//	)
//
//	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	driver := redisstream.NewDriver(rdb, nil)
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

const (
	topicRegistryKey = "eventbus:topics"
	groupRegistryKey = "eventbus:groups"

	fieldEnvelope = "envelope"
	fieldKey      = "key"
	fieldEventID  = "event_id"
)

// Config for the Redis Streams driver.
type Config struct {
	// DefaultPartitions is used when a topic is auto-created on publish.
	DefaultPartitions int

	// StreamMaxLen trims each stream on publish (approximate trimming).
	StreamMaxLen int64

	// MaxPollRecords bounds each subscription queue.
	MaxPollRecords int

	// ReadCount is the XREADGROUP COUNT per poll.
	ReadCount int64

	Logger contracts.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultPartitions: 3,
		StreamMaxLen:      100000,
		MaxPollRecords:    256,
		ReadCount:         16,
		Logger:            contracts.NopLogger{},
	}
}

// Driver implements contracts.Broker over Redis Streams.
type Driver struct {
	client    *redis.Client
	config    *Config
	mu        sync.RWMutex
	connected bool
	subs      map[*subscription]struct{}
}

// NewDriver creates a new Redis Streams driver.
func NewDriver(client *redis.Client, cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	return &Driver{
		client: client,
		config: cfg,
		subs:   make(map[*subscription]struct{}),
	}
}

// Client returns the underlying Redis client.
func (d *Driver) Client() *redis.Client { return d.client }

// Name returns "redisstream".
func (d *Driver) Name() string { return "redisstream" }

// Connect verifies connectivity. Idempotent.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Disconnect stops subscriptions. The client is owned by the caller and
// stays open.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = make(map[*subscription]struct{})
	d.connected = false
	d.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return nil
}

// IsConnected returns connection status.
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func streamKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}

// topicPartitions resolves the partition count, auto-registering the topic
// with defaults when create is set.
func (d *Driver) topicPartitions(ctx context.Context, topic string, create bool) (int, error) {
	n, err := d.client.HGet(ctx, topicRegistryKey, topic).Int()
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	if !create {
		return 0, &contracts.NotFoundError{Resource: "topic " + topic}
	}
	if err := d.client.HSetNX(ctx, topicRegistryKey, topic, d.config.DefaultPartitions).Err(); err != nil {
		return 0, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return d.client.HGet(ctx, topicRegistryKey, topic).Int()
}

// Publish appends the envelope to the stream for its partition and trims to
// StreamMaxLen.
func (d *Driver) Publish(ctx context.Context, topic string, env *envelope.Envelope, partitionKey string) (*contracts.PublishResult, error) {
	if env == nil || env.ID == "" || env.Type == "" {
		return nil, &contracts.ValidationError{Field: "envelope", Reason: "id and type are required"}
	}
	if partitionKey == "" {
		partitionKey = env.PartitionKey()
	}

	partitions, err := d.topicPartitions(ctx, topic, true)
	if err != nil {
		return nil, err
	}
	partition := envelope.Partition(partitionKey, partitions)

	data, err := env.Encode()
	if err != nil {
		return nil, &contracts.ValidationError{Field: "envelope", Reason: err.Error()}
	}

	stream := streamKey(topic, partition)
	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: d.config.StreamMaxLen,
		Approx: true,
		Values: map[string]any{
			fieldEnvelope: string(data),
			fieldKey:      partitionKey,
			fieldEventID:  env.ID,
		},
	}).Result()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
	}

	length, err := d.client.XLen(ctx, stream).Result()
	if err != nil {
		length = 0
	}

	res := &contracts.PublishResult{
		EventID:   env.ID,
		Topic:     topic,
		Partition: partition,
		Offset:    length,
	}
	if t, perr := parseStreamTime(id); perr == nil {
		res.Timestamp = t
	}
	return res, nil
}

// PublishBatch publishes envelopes one by one, stopping at the first error.
func (d *Driver) PublishBatch(ctx context.Context, topic string, envs []*envelope.Envelope, partitionKeys []string) ([]*contracts.PublishResult, error) {
	results := make([]*contracts.PublishResult, 0, len(envs))
	for i, env := range envs {
		key := ""
		if i < len(partitionKeys) {
			key = partitionKeys[i]
		}
		res, err := d.Publish(ctx, topic, env, key)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// CommitOffset is not supported: Redis stream cursors are entry IDs, not
// integral offsets. Commit through the subscription (XACK). This mirrors
// the transport: group state lives with the live consumer.
func (d *Driver) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	return &contracts.ValidationError{
		Field:  "offset",
		Reason: "redis streams commit by record; use Subscription.Commit",
	}
}

// CreateTopic registers the topic and creates its partition streams.
func (d *Driver) CreateTopic(ctx context.Context, name string, cfg contracts.TopicConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = d.config.DefaultPartitions
	}
	ok, err := d.client.HSetNX(ctx, topicRegistryKey, name, partitions).Result()
	if err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	if !ok {
		return &contracts.ConflictError{Resource: "topic " + name}
	}
	return nil
}

// DeleteTopic removes the registry entry and all partition streams.
func (d *Driver) DeleteTopic(ctx context.Context, name string) error {
	partitions, err := d.topicPartitions(ctx, name, false)
	if err != nil {
		return err
	}
	keys := make([]string, 0, partitions+1)
	for p := 0; p < partitions; p++ {
		keys = append(keys, streamKey(name, p))
	}
	pipe := d.client.Pipeline()
	pipe.HDel(ctx, topicRegistryKey, name)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return nil
}

// ListTopics returns registered topics sorted.
func (d *Driver) ListTopics(ctx context.Context) ([]string, error) {
	names, err := d.client.HKeys(ctx, topicRegistryKey).Result()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo reports per-partition entry counts. Offsets are positional:
// 1..XLEN of the retained window.
func (d *Driver) GetTopicInfo(ctx context.Context, name string) (*contracts.TopicInfo, error) {
	partitions, err := d.topicPartitions(ctx, name, false)
	if err != nil {
		return nil, err
	}
	info := &contracts.TopicInfo{Name: name}
	for p := 0; p < partitions; p++ {
		length, err := d.client.XLen(ctx, streamKey(name, p)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
		}
		pi := contracts.PartitionInfo{ID: p, MessageCount: length}
		if length > 0 {
			pi.EarliestOffset = 1
			pi.LatestOffset = length
		}
		info.Partitions = append(info.Partitions, pi)
	}
	return info, nil
}

// ListConsumerGroups returns groups registered by subscriptions.
func (d *Driver) ListConsumerGroups(ctx context.Context) ([]string, error) {
	groups, err := d.client.SMembers(ctx, groupRegistryKey).Result()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	sort.Strings(groups)
	return groups, nil
}

// DeleteConsumerGroup destroys the group on every registered stream.
func (d *Driver) DeleteConsumerGroup(ctx context.Context, group string) error {
	member, err := d.client.SIsMember(ctx, groupRegistryKey, group).Result()
	if err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	if !member {
		return &contracts.NotFoundError{Resource: "group " + group}
	}

	topics, err := d.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		partitions, err := d.topicPartitions(ctx, topic, false)
		if err != nil {
			continue
		}
		for p := 0; p < partitions; p++ {
			if err := d.client.XGroupDestroy(ctx, streamKey(topic, p), group).Err(); err != nil && !isNoGroupErr(err) {
				return &contracts.TransportError{Broker: "redisstream", Err: err}
			}
		}
	}
	if err := d.client.SRem(ctx, groupRegistryKey, group).Err(); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return nil
}

// GetConsumerGroupInfo reports group existence. Redis streams have no
// integral committed offsets, so Offsets stays empty.
func (d *Driver) GetConsumerGroupInfo(ctx context.Context, group string) (*contracts.ConsumerGroupInfo, error) {
	member, err := d.client.SIsMember(ctx, groupRegistryKey, group).Result()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	if !member {
		return nil, &contracts.NotFoundError{Resource: "group " + group}
	}
	info := &contracts.ConsumerGroupInfo{Group: group, Offsets: make(map[string]map[int]int64)}
	d.mu.RLock()
	for s := range d.subs {
		if s.group == group {
			info.Members = append(info.Members, s.consumer)
		}
	}
	d.mu.RUnlock()
	sort.Strings(info.Members)
	return info, nil
}

// GetLatestOffset returns the positional offset of the newest entry (XLEN).
func (d *Driver) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	if _, err := d.topicPartitions(ctx, topic, false); err != nil {
		return 0, err
	}
	length, err := d.client.XLen(ctx, streamKey(topic, partition)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return length, nil
}

// GetEarliestOffset returns 1 when the stream has entries, 0 otherwise.
func (d *Driver) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	length, err := d.GetLatestOffset(ctx, topic, partition)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}
	return 1, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

var _ contracts.Broker = (*Driver)(nil)
