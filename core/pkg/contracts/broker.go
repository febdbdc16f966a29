package contracts

import (
	"context"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// Broker adalah generic interface untuk event transport.
// Implementasi bisa Kafka, Redis Streams, atau in-memory untuk test.
type Broker interface {
	// Publishing. Partition assignment is deterministic from partitionKey
	// (MD5 of the UTF-8 bytes, big-endian, modulo partition count).
	Publish(ctx context.Context, topic string, env *envelope.Envelope, partitionKey string) (*PublishResult, error)
	PublishBatch(ctx context.Context, topic string, envs []*envelope.Envelope, partitionKeys []string) ([]*PublishResult, error)

	// Subscribing. The subscription yields records in partition order until
	// closed. With AutoCommit the offset of a record is committed once the
	// consumer has advanced past it (next call to Next, or Close).
	Subscribe(ctx context.Context, topics []string, group string, opts SubscribeOptions) (Subscription, error)

	// CommitOffset sets the committed offset for (group, topic, partition).
	CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error

	// Admin
	CreateTopic(ctx context.Context, name string, cfg TopicConfig) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]string, error)
	GetTopicInfo(ctx context.Context, name string) (*TopicInfo, error)
	ListConsumerGroups(ctx context.Context) ([]string, error)
	DeleteConsumerGroup(ctx context.Context, group string) error
	GetConsumerGroupInfo(ctx context.Context, group string) (*ConsumerGroupInfo, error)

	// Offsets
	GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error)
	GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error)

	// Connection management. Connect is idempotent; Disconnect drains
	// in-flight I/O and stops all subscriptions.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
	IsConnected() bool

	// Name returns "memory", "kafka" or "redisstream".
	Name() string
}

// Subscription is a pull-based record stream bound to a consumer group.
type Subscription interface {
	// Next blocks until a record is available, the context is done, or the
	// subscription is closed (ErrSubscriptionClosed).
	Next(ctx context.Context) (*ConsumerRecord, error)

	// Commit commits the record's offset explicitly (AutoCommit=false).
	Commit(ctx context.Context, rec *ConsumerRecord) error

	// Seeking repositions the group's read cursor. The next call to Next
	// after a seek starts at the requested position. Seek lives on the live
	// subscription because log-based brokers need the live consumer to seek.
	SeekToBeginning(ctx context.Context, topic string, partition int) error
	SeekToEnd(ctx context.Context, topic string, partition int) error
	SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error

	// Close stops the stream and the underlying consumer.
	Close() error
}

// SubscribeOptions controls delivery behavior.
type SubscribeOptions struct {
	AutoCommit     bool
	MaxPollRecords int // per-subscription buffer bound; 0 means driver default
}

// PublishResult is the broker's delivery record for one envelope.
type PublishResult struct {
	EventID   string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// ConsumerRecord is one delivered envelope plus its broker coordinates.
type ConsumerRecord struct {
	Envelope  *envelope.Envelope
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Group     string

	// StreamID is the backend-native cursor when offsets are not integral
	// (Redis stream entry IDs). Empty for log-based brokers.
	StreamID string
}

// TopicConfig describes a topic at creation time.
type TopicConfig struct {
	Partitions  int
	Replication int
	Config      map[string]string
}

// DefaultTopicConfig returns the bus-wide defaults.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{Partitions: 3, Replication: 1}
}

// TopicInfo describes an existing topic.
type TopicInfo struct {
	Name       string
	Partitions []PartitionInfo
}

// PartitionInfo describes one partition of a topic.
type PartitionInfo struct {
	ID             int
	EarliestOffset int64
	LatestOffset   int64
	MessageCount   int64
}

// ConsumerGroupInfo describes a consumer group and its committed offsets.
type ConsumerGroupInfo struct {
	Group   string
	Members []string
	// Offsets maps topic -> partition -> committed offset.
	Offsets map[string]map[int]int64
}
