// Package kafka provides a Kafka implementation of the eventbus Broker
// contract using Sarama.
//
// Usage:
//
//	import (
//	    "github.com/madcok-co/eventbus/contrib/broker/kafka"
//	)
//
//	driver := kafka.NewDriver(&kafka.Config{
//	    Brokers: []string{"localhost:9092"},
//	})
//	_ = driver.Connect(ctx)
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// Driver implements contracts.Broker using Kafka (Sarama).
type Driver struct {
	config    *Config
	client    sarama.Client
	producer  sarama.SyncProducer
	admin     sarama.ClusterAdmin
	mu        sync.RWMutex
	connected bool
	subs      map[*subscription]struct{}
}

// Config for the Kafka driver.
type Config struct {
	Brokers  []string
	ClientID string
	Version  string // Kafka version, e.g., "3.6.0"

	// Producer settings
	RequiredAcks    sarama.RequiredAcks
	Compression     sarama.CompressionCodec
	MaxMessageBytes int
	BatchSize       int
	LingerMS        time.Duration

	// Consumer settings
	OffsetInitial      int64 // OffsetNewest or OffsetOldest
	SessionTimeout     time.Duration
	HeartbeatInterval  time.Duration
	RebalanceStrategy  string // "range", "roundrobin", "sticky"
	AutoCommitInterval time.Duration
	MaxPollRecords     int

	// Admin defaults for CreateTopic when TopicConfig leaves them zero
	DefaultPartitions  int32
	DefaultReplication int16

	// TLS/SASL
	UseSASL       bool
	SASLMechanism string // "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	SASLUser      string
	SASLPassword  string

	Logger contracts.Logger
}

// DefaultConfig returns sensible defaults: acks=all, snappy compression,
// earliest offset reset.
func DefaultConfig() *Config {
	return &Config{
		Brokers:            []string{"localhost:9092"},
		ClientID:           "eventbus-client",
		Version:            "3.6.0",
		RequiredAcks:       sarama.WaitForAll,
		Compression:        sarama.CompressionSnappy,
		MaxMessageBytes:    1024 * 1024,
		BatchSize:          100,
		LingerMS:           10 * time.Millisecond,
		OffsetInitial:      sarama.OffsetOldest,
		SessionTimeout:     10 * time.Second,
		HeartbeatInterval:  3 * time.Second,
		RebalanceStrategy:  "roundrobin",
		AutoCommitInterval: 1 * time.Second,
		MaxPollRecords:     256,
		DefaultPartitions:  3,
		DefaultReplication: 1,
		Logger:             contracts.NopLogger{},
	}
}

// NewDriver creates a new Kafka driver.
func NewDriver(cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	return &Driver{
		config: cfg,
		subs:   make(map[*subscription]struct{}),
	}
}

// buildSaramaConfig builds the Sarama configuration from ours. autoCommit
// mirrors the subscription's AutoCommit option.
func (d *Driver) buildSaramaConfig(autoCommit bool) (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(d.config.Version)
	if err != nil {
		version = sarama.V3_6_0_0
	}
	cfg.Version = version
	cfg.ClientID = d.config.ClientID

	// Producer
	cfg.Producer.RequiredAcks = d.config.RequiredAcks
	cfg.Producer.Compression = d.config.Compression
	cfg.Producer.MaxMessageBytes = d.config.MaxMessageBytes
	cfg.Producer.Flush.Messages = d.config.BatchSize
	cfg.Producer.Flush.Frequency = d.config.LingerMS
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = newPartitioner

	// Consumer
	cfg.Consumer.Offsets.Initial = d.config.OffsetInitial
	cfg.Consumer.Group.Session.Timeout = d.config.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = d.config.HeartbeatInterval

	switch d.config.RebalanceStrategy {
	case "range":
		cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	case "sticky":
		cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	default:
		cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	}

	cfg.Consumer.Offsets.AutoCommit.Enable = autoCommit
	cfg.Consumer.Offsets.AutoCommit.Interval = d.config.AutoCommitInterval

	if d.config.UseSASL {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = d.config.SASLUser
		cfg.Net.SASL.Password = d.config.SASLPassword
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(d.config.SASLMechanism)
	}

	return cfg, nil
}

// Connect establishes the client, producer and admin. Idempotent.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}

	cfg, err := d.buildSaramaConfig(true)
	if err != nil {
		return err
	}

	client, err := sarama.NewClient(d.config.Brokers, cfg)
	if err != nil {
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}

	d.client = client
	d.producer = producer
	d.admin = admin
	d.connected = true
	return nil
}

// Disconnect stops subscriptions and closes producer, admin and client.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = make(map[*subscription]struct{})
	d.connected = false
	producer, admin, client := d.producer, d.admin, d.client
	d.producer, d.admin, d.client = nil, nil, nil
	d.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	if admin != nil {
		_ = admin.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	return nil
}

// Ping refreshes cluster metadata.
func (d *Driver) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected || d.client == nil {
		return &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}
	if err := d.client.RefreshMetadata(); err != nil {
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	return nil
}

// IsConnected returns connection status.
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Name returns "kafka".
func (d *Driver) Name() string { return "kafka" }

// Publish sends one envelope. Value is the canonical JSON of the envelope,
// key the UTF-8 bytes of the partition key; the partitioner applies the MD5
// rule so placement agrees with every other adapter.
func (d *Driver) Publish(ctx context.Context, topic string, env *envelope.Envelope, partitionKey string) (*contracts.PublishResult, error) {
	if env == nil || env.ID == "" || env.Type == "" {
		return nil, &contracts.ValidationError{Field: "envelope", Reason: "id and type are required"}
	}
	if partitionKey == "" {
		partitionKey = env.PartitionKey()
	}
	d.mu.RLock()
	producer := d.producer
	connected := d.connected
	d.mu.RUnlock()
	if !connected || producer == nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}

	value, err := env.Encode()
	if err != nil {
		return nil, &contracts.ValidationError{Field: "envelope", Reason: err.Error()}
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(partitionKey),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	return &contracts.PublishResult{
		EventID:   env.ID,
		Topic:     topic,
		Partition: int(partition),
		Offset:    offset,
		Timestamp: msg.Timestamp,
	}, nil
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

// CommitOffset commits through a group offset manager. This works without a
// live subscription, unlike seeking, which needs the live consumer.
func (d *Driver) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}

	om, err := sarama.NewOffsetManagerFromClient(group, client)
	if err != nil {
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	defer om.Close()

	pom, err := om.ManagePartition(topic, int32(partition))
	if err != nil {
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	defer pom.Close()

	// Kafka committed offsets are the next offset to read.
	pom.MarkOffset(offset+1, "")
	om.Commit()
	return nil
}

// GetLatestOffset returns the high watermark minus one (newest message).
func (d *Driver) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return d.getOffset(topic, partition, sarama.OffsetNewest)
}

// GetEarliestOffset returns the log start offset.
func (d *Driver) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return d.getOffset(topic, partition, sarama.OffsetOldest)
}

func (d *Driver) getOffset(topic string, partition int, at int64) (int64, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return 0, &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}
	off, err := client.GetOffset(topic, int32(partition), at)
	if err != nil {
		if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return 0, &contracts.NotFoundError{Resource: fmt.Sprintf("topic %s partition %d", topic, partition)}
		}
		return 0, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	if at == sarama.OffsetNewest && off > 0 {
		off-- // high watermark is the next offset to be written
	}
	return off, nil
}

var _ contracts.Broker = (*Driver)(nil)
