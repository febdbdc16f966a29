// Package bus is the composition surface of the event platform: it builds
// envelopes, runs authorization and schema validation, routes publishes
// directly to the broker or durably through the outbox, and pumps
// subscriptions through the exactly-once and ordered processors.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/madcok-co/eventbus/core/pkg/auth"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/dedupe"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"github.com/madcok-co/eventbus/core/pkg/ordered"
)

// Config wires the optional collaborators. Every field may be nil; a bare
// bus is just envelope construction plus the broker.
type Config struct {
	// Authorizer enforces publish/consume rules. When set, every operation
	// requires an identity.
	Authorizer *auth.Authorizer

	// Validator is the schema-registry seam, called before publish.
	Validator contracts.Validator

	// Outbox enables the durable publish path (Durable option on Publish).
	// The dispatcher owns moving these entries to the broker.
	Outbox    contracts.OutboxStore
	OutboxTTL time.Duration

	Logger  contracts.Logger
	Metrics contracts.Metrics
}

// Bus is the producer- and consumer-facing facade.
type Bus struct {
	broker  contracts.Broker
	cfg     *Config
	log     contracts.Logger
	metrics contracts.Metrics
}

// New wires a bus around a connected broker.
func New(broker contracts.Broker, cfg *Config) *Bus {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	return &Bus{
		broker:  broker,
		cfg:     cfg,
		log:     cfg.Logger.Named("bus"),
		metrics: cfg.Metrics,
	}
}

// PublishOptions refine one publish call.
type PublishOptions struct {
	// Identity authenticates the producer. Required when the bus carries an
	// authorizer.
	Identity *auth.ProducerIdentity

	// PartitionKey overrides the implicit data-field key.
	PartitionKey string

	// IdempotencyKey becomes the envelope ID, so retried calls stage or
	// publish the same envelope instead of a new one. Must be a UUID.
	IdempotencyKey string

	TraceID       string
	CorrelationID string
	CausationID   string
	Source        string

	// Durable routes through the outbox instead of publishing inline.
	Durable bool
}

// Publish validates, authorizes and routes one event. The returned result
// carries broker coordinates for direct publishes; durable publishes return
// coordinates once the dispatcher delivers them, so Offset is zero here.
func (b *Bus) Publish(ctx context.Context, eventType, tenantID string, data map[string]any, opts *PublishOptions) (*contracts.PublishResult, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}

	env := envelope.New(eventType, tenantID, data)
	if opts.IdempotencyKey != "" {
		env.ID = opts.IdempotencyKey
	}
	env.TraceID = opts.TraceID
	env.CorrelationID = opts.CorrelationID
	env.CausationID = opts.CausationID
	env.Source = opts.Source
	if opts.PartitionKey != "" {
		env.Data = withPartitionKey(data, opts.PartitionKey)
	}

	if err := env.Validate(); err != nil {
		b.countError("publish")
		return nil, &contracts.ValidationError{Field: "envelope", Reason: err.Error()}
	}

	if b.cfg.Validator != nil {
		base, version := splitVersion(env.Type)
		if ok, issues := b.cfg.Validator.Validate(base, version, env.Data); !ok {
			b.countError("publish")
			reason := "schema validation failed"
			if len(issues) > 0 {
				reason = fmt.Sprintf("schema validation failed: %s %s", issues[0].Field, issues[0].Message)
			}
			return nil, &contracts.ValidationError{Field: "data", Reason: reason}
		}
	}

	if b.cfg.Authorizer != nil {
		if err := b.cfg.Authorizer.AuthorizePublish(ctx, opts.Identity, env); err != nil {
			b.countError("publish")
			return nil, err
		}
	}

	topic := env.TopicName()
	if opts.Durable && b.cfg.Outbox != nil {
		return b.stageDurable(ctx, topic, env)
	}

	res, err := b.broker.Publish(ctx, topic, env, env.PartitionKey())
	if err != nil {
		b.countError("publish")
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.Counter(contracts.MetricPublishCount, contracts.T("topic", topic)).Inc()
	}
	return res, nil
}

// stageDurable inserts an outbox row instead of touching the broker. The
// dispatcher picks it up on its next tick.
func (b *Bus) stageDurable(ctx context.Context, topic string, env *envelope.Envelope) (*contracts.PublishResult, error) {
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	entry := &contracts.OutboxEntry{
		ID:           uuid.NewString(),
		TenantID:     env.TenantID,
		EnvelopeID:   env.ID,
		Topic:        topic,
		EnvelopeData: data,
		Status:       contracts.OutboxPending,
		CreatedAt:    time.Now().UTC(),
	}
	if b.cfg.OutboxTTL > 0 {
		exp := entry.CreatedAt.Add(b.cfg.OutboxTTL)
		entry.ExpiresAt = &exp
	}
	if err := b.cfg.Outbox.CreateEntry(ctx, entry); err != nil {
		b.countError("publish")
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.Counter(contracts.MetricPublishCount, contracts.T("topic", topic)).Inc()
	}
	return &contracts.PublishResult{
		EventID:   env.ID,
		Topic:     topic,
		Timestamp: entry.CreatedAt,
	}, nil
}

// SubscribeRequest describes one consumer-group subscription by event type.
type SubscribeRequest struct {
	EventTypes     []string
	TenantID       string
	Group          string
	AutoCommit     bool
	MaxPollRecords int
	Identity       *auth.ProducerIdentity
}

// Subscribe authorizes and opens a subscription over the tenant's topics for
// the given event types.
func (b *Bus) Subscribe(ctx context.Context, req SubscribeRequest) (contracts.Subscription, error) {
	if len(req.EventTypes) == 0 {
		return nil, &contracts.ValidationError{Field: "event_types", Reason: "required"}
	}
	if req.Group == "" {
		return nil, &contracts.ValidationError{Field: "group", Reason: "required"}
	}

	topics := make([]string, len(req.EventTypes))
	for i, t := range req.EventTypes {
		topics[i] = envelope.TopicName(req.TenantID, t)
		if b.cfg.Authorizer != nil {
			if err := b.cfg.Authorizer.AuthorizeConsume(ctx, req.Identity, req.TenantID, topics[i]); err != nil {
				return nil, err
			}
		}
	}

	sub, err := b.broker.Subscribe(ctx, topics, req.Group, contracts.SubscribeOptions{
		AutoCommit:     req.AutoCommit,
		MaxPollRecords: req.MaxPollRecords,
	})
	if err != nil {
		b.countError("subscribe")
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.Gauge(contracts.MetricActiveSubscriptions).Inc()
	}
	return &countedSubscription{Subscription: sub, bus: b, group: req.Group}, nil
}

// countedSubscription layers consume metrics over the broker subscription.
type countedSubscription struct {
	contracts.Subscription
	bus    *Bus
	group  string
	closed bool
}

func (s *countedSubscription) Next(ctx context.Context) (*contracts.ConsumerRecord, error) {
	rec, err := s.Subscription.Next(ctx)
	if err == nil && s.bus.metrics != nil {
		s.bus.metrics.Counter(contracts.MetricConsumeCount, contracts.T("group", s.group)).Inc()
	}
	return rec, err
}

func (s *countedSubscription) Close() error {
	err := s.Subscription.Close()
	if !s.closed {
		s.closed = true
		if s.bus.metrics != nil {
			s.bus.metrics.Gauge(contracts.MetricActiveSubscriptions).Dec()
		}
	}
	return err
}

// ConsumeOptions select the processing layers for a consume pump.
type ConsumeOptions struct {
	// ExactlyOnce routes every record through the dedupe processor.
	ExactlyOnce *dedupe.Processor

	// Ordered serializes handler execution per partition key.
	Ordered *ordered.Processor
}

// Consume subscribes and pumps records through the configured processing
// layers until ctx is cancelled or the subscription closes. Handler and
// transport errors are logged and never stop the pump.
func (b *Bus) Consume(ctx context.Context, req SubscribeRequest, handler dedupe.Handler, opts *ConsumeOptions) error {
	if opts == nil {
		opts = &ConsumeOptions{}
	}
	sub, err := b.Subscribe(ctx, req)
	if err != nil {
		return err
	}
	defer sub.Close()

	process := handler
	if opts.ExactlyOnce != nil {
		wrapped := opts.ExactlyOnce.Wrap(req.Group, handler)
		process = func(ctx context.Context, rec *contracts.ConsumerRecord) error {
			_, err := wrapped(ctx, rec)
			return err
		}
	}

	backoff := 100 * time.Millisecond
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == contracts.ErrSubscriptionClosed {
				return nil
			}
			b.log.Warn("consume stream error",
				"group", req.Group, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if opts.Ordered != nil {
			// The lane executes the full chain, so the exactly-once wrapper
			// still guards records that are both deduped and ordered.
			if _, err := opts.Ordered.SubmitFunc(ctx, rec, ordered.Handler(process)); err != nil {
				b.log.Error("ordered submit failed",
					"group", req.Group, "envelope_id", rec.Envelope.ID, "error", err)
			}
			continue
		}
		if err := process(ctx, rec); err != nil {
			// Already recorded by the dedupe layer when present.
			b.log.Warn("handler failed",
				"group", req.Group, "envelope_id", rec.Envelope.ID, "error", err)
		}
	}
}

// Replay rereads a topic's history and hands every envelope whose
// occurred_at falls inside [from, to] to the handler. A zero bound is open.
// It uses a throwaway consumer group and removes it afterwards.
func (b *Bus) Replay(ctx context.Context, eventType, tenantID string, from, to time.Time, handler dedupe.Handler) (int, error) {
	topic := envelope.TopicName(tenantID, eventType)
	info, err := b.broker.GetTopicInfo(ctx, topic)
	if err != nil {
		return 0, err
	}

	// Snapshot the end of each partition: the replay covers history up to
	// here, not publishes racing with it.
	remaining := map[int]int64{}
	var extent int64
	for _, p := range info.Partitions {
		if p.LatestOffset > 0 {
			remaining[p.ID] = p.LatestOffset
			extent += p.LatestOffset
		}
	}
	if len(remaining) == 0 {
		return 0, nil
	}

	// The subscriber queue must hold the whole snapshot: adapters replay
	// retained history into it at subscribe time and drop on overflow.
	poll := 256
	if extent > int64(poll) {
		poll = int(extent)
	}

	group := "replay-" + uuid.NewString()
	sub, err := b.broker.Subscribe(ctx, []string{topic}, group, contracts.SubscribeOptions{
		AutoCommit:     true,
		MaxPollRecords: poll,
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		sub.Close()
		if err := b.broker.DeleteConsumerGroup(context.WithoutCancel(ctx), group); err != nil {
			b.log.Debug("replay group cleanup failed", "group", group, "error", err)
		}
	}()

	for _, p := range info.Partitions {
		if err := sub.SeekToBeginning(ctx, topic, p.ID); err != nil {
			return 0, err
		}
	}

	matched := 0
	for len(remaining) > 0 {
		rec, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return matched, ctx.Err()
			}
			return matched, err
		}

		at := rec.Envelope.OccurredAt
		if (from.IsZero() || !at.Before(from)) && (to.IsZero() || !at.After(to)) {
			if herr := handler(ctx, rec); herr != nil {
				b.log.Warn("replay handler failed",
					"envelope_id", rec.Envelope.ID, "error", herr)
			} else {
				matched++
			}
		}

		if end, ok := remaining[rec.Partition]; ok && rec.Offset >= end {
			delete(remaining, rec.Partition)
		}
	}
	return matched, nil
}

// Lag is one partition's distance between the committed offset and the head
// of the log.
type Lag struct {
	Topic     string
	Partition int
	Committed int64
	Latest    int64
	Lag       int64
}

// ConsumerLag reports per-partition lag for one consumer group.
func (b *Bus) ConsumerLag(ctx context.Context, group string) ([]Lag, error) {
	info, err := b.broker.GetConsumerGroupInfo(ctx, group)
	if err != nil {
		return nil, err
	}

	var lags []Lag
	var total int64
	for topic, partitions := range info.Offsets {
		for partition, committed := range partitions {
			latest, err := b.broker.GetLatestOffset(ctx, topic, partition)
			if err != nil {
				return nil, err
			}
			lag := latest - committed
			if lag < 0 {
				lag = 0
			}
			lags = append(lags, Lag{
				Topic:     topic,
				Partition: partition,
				Committed: committed,
				Latest:    latest,
				Lag:       lag,
			})
			total += lag
		}
	}
	if b.metrics != nil {
		b.metrics.Gauge(contracts.MetricConsumerLag, contracts.T("group", group)).Set(float64(total))
	}
	return lags, nil
}

// OutboxStats snapshots the outbox table for operators. Requires a
// configured outbox store.
func (b *Bus) OutboxStats(ctx context.Context) (*contracts.OutboxStats, error) {
	if b.cfg.Outbox == nil {
		return nil, &contracts.NotFoundError{Resource: "outbox store"}
	}
	return b.cfg.Outbox.Stats(ctx)
}

// ListTopics lists the broker's topics.
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	return b.broker.ListTopics(ctx)
}

// TopicInfo describes one topic.
func (b *Bus) TopicInfo(ctx context.Context, eventType, tenantID string) (*contracts.TopicInfo, error) {
	return b.broker.GetTopicInfo(ctx, envelope.TopicName(tenantID, eventType))
}

func (b *Bus) countError(op string) {
	if b.metrics != nil {
		b.metrics.Counter(contracts.MetricErrorCount, contracts.T("op", op)).Inc()
	}
}

// withPartitionKey copies data with an explicit partition_key, leaving the
// caller's map untouched.
func withPartitionKey(data map[string]any, key string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["partition_key"] = key
	return out
}

// splitVersion splits "svc.activation.requested.v1" into its base type and
// numeric version. Version 0 means no parseable suffix.
func splitVersion(eventType string) (string, int) {
	i := strings.LastIndex(eventType, ".v")
	if i <= 0 {
		return eventType, 0
	}
	n, err := strconv.Atoi(eventType[i+2:])
	if err != nil {
		return eventType, 0
	}
	return eventType[:i], n
}
