package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

var consumerSeq atomic.Int64

type streamRef struct {
	topic     string
	partition int
	key       string
}

// subscription reads every partition stream of the subscribed topics with
// XREADGROUP and acknowledges with XACK.
type subscription struct {
	driver     *Driver
	group      string
	consumer   string
	autoCommit bool
	streams    []streamRef

	records chan *contracts.ConsumerRecord
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	pending *contracts.ConsumerRecord
	closed  bool

	// delivered counts records per stream to derive positional offsets.
	delivered map[string]int64
}

// Subscribe creates the consumer groups idempotently and starts reading.
func (d *Driver) Subscribe(ctx context.Context, topics []string, group string, opts contracts.SubscribeOptions) (contracts.Subscription, error) {
	if group == "" {
		return nil, &contracts.ValidationError{Field: "group", Reason: "required"}
	}
	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if !connected {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: errors.New("not connected")}
	}

	var streams []streamRef
	for _, topic := range topics {
		partitions, err := d.topicPartitions(ctx, topic, true)
		if err != nil {
			return nil, err
		}
		for p := 0; p < partitions; p++ {
			key := streamKey(topic, p)
			err := d.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
			if err != nil && !isBusyGroupErr(err) {
				return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
			}
			streams = append(streams, streamRef{topic: topic, partition: p, key: key})
		}
	}
	if err := d.client.SAdd(ctx, groupRegistryKey, group).Err(); err != nil {
		return nil, &contracts.TransportError{Broker: "redisstream", Err: err}
	}

	buffer := opts.MaxPollRecords
	if buffer <= 0 {
		buffer = d.config.MaxPollRecords
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		driver:     d,
		group:      group,
		consumer:   fmt.Sprintf("%s-%d", group, consumerSeq.Add(1)),
		autoCommit: opts.AutoCommit,
		streams:    streams,
		records:    make(chan *contracts.ConsumerRecord, buffer),
		cancel:     cancel,
		done:       make(chan struct{}),
		delivered:  make(map[string]int64),
	}
	go s.readLoop(loopCtx)

	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// readLoop polls all streams of the subscription, backing off on transport
// errors so one failing poll never spins.
func (s *subscription) readLoop(ctx context.Context) {
	log := s.driver.config.Logger
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	streams := make([]string, 0, len(s.streams)*2)
	for _, ref := range s.streams {
		streams = append(streams, ref.key)
	}
	for range s.streams {
		streams = append(streams, ">")
	}

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.driver.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  streams,
			Count:    s.driver.config.ReadCount,
			Block:    500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Warn("redis stream read error, backing off",
				"group", s.group, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, stream := range res {
			ref, ok := s.lookup(stream.Stream)
			if !ok {
				continue
			}
			for _, msg := range stream.Messages {
				rec := s.toRecord(ref, msg)
				if rec == nil {
					// Malformed entry: acknowledge so it never wedges the
					// group, then move on.
					_ = s.driver.client.XAck(ctx, ref.key, s.group, msg.ID).Err()
					continue
				}
				select {
				case s.records <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *subscription) lookup(key string) (streamRef, bool) {
	for _, ref := range s.streams {
		if ref.key == key {
			return ref, true
		}
	}
	return streamRef{}, false
}

func (s *subscription) toRecord(ref streamRef, msg redis.XMessage) *contracts.ConsumerRecord {
	raw, ok := msg.Values[fieldEnvelope].(string)
	if !ok {
		s.driver.config.Logger.Error("stream entry missing envelope field",
			"stream", ref.key, "id", msg.ID)
		return nil
	}
	env, err := envelope.Decode([]byte(raw))
	if err != nil {
		s.driver.config.Logger.Error("stream entry is not a valid envelope",
			"stream", ref.key, "id", msg.ID, "error", err)
		return nil
	}

	s.mu.Lock()
	s.delivered[ref.key]++
	offset := s.delivered[ref.key]
	s.mu.Unlock()

	rec := &contracts.ConsumerRecord{
		Envelope:  env,
		Topic:     ref.topic,
		Partition: ref.partition,
		Offset:    offset,
		Group:     s.group,
		StreamID:  msg.ID,
	}
	if t, err := parseStreamTime(msg.ID); err == nil {
		rec.Timestamp = t
	}
	return rec
}

// Next returns the next record. With auto-commit the previous record is
// acknowledged once the caller advances past it.
func (s *subscription) Next(ctx context.Context) (*contracts.ConsumerRecord, error) {
	s.advance(ctx)

	select {
	case rec := <-s.records:
		return s.yield(rec), nil
	default:
	}

	select {
	case rec := <-s.records:
		return s.yield(rec), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case rec := <-s.records:
			return s.yield(rec), nil
		default:
			return nil, contracts.ErrSubscriptionClosed
		}
	}
}

func (s *subscription) yield(rec *contracts.ConsumerRecord) *contracts.ConsumerRecord {
	s.mu.Lock()
	s.pending = rec
	s.mu.Unlock()
	return rec
}

func (s *subscription) advance(ctx context.Context) {
	s.mu.Lock()
	rec := s.pending
	s.pending = nil
	s.mu.Unlock()
	if rec != nil && s.autoCommit {
		_ = s.ack(ctx, rec)
	}
}

func (s *subscription) ack(ctx context.Context, rec *contracts.ConsumerRecord) error {
	if rec.StreamID == "" {
		return nil
	}
	key := streamKey(rec.Topic, rec.Partition)
	if err := s.driver.client.XAck(ctx, key, s.group, rec.StreamID).Err(); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return nil
}

// Commit acknowledges one record (XACK).
func (s *subscription) Commit(ctx context.Context, rec *contracts.ConsumerRecord) error {
	return s.ack(ctx, rec)
}

// SeekToBeginning resets the group cursor to the start of the stream.
func (s *subscription) SeekToBeginning(ctx context.Context, topic string, partition int) error {
	return s.setGroupID(ctx, topic, partition, "0")
}

// SeekToEnd resets the group cursor past the newest entry.
func (s *subscription) SeekToEnd(ctx context.Context, topic string, partition int) error {
	return s.setGroupID(ctx, topic, partition, "$")
}

// SeekToOffset is not supported: Redis stream cursors are entry IDs, not
// integral offsets.
func (s *subscription) SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error {
	return &contracts.ValidationError{
		Field:  "offset",
		Reason: "redis streams seek by entry ID; use SeekToBeginning or SeekToEnd",
	}
}

func (s *subscription) setGroupID(ctx context.Context, topic string, partition int, id string) error {
	key := streamKey(topic, partition)
	if err := s.driver.client.XGroupSetID(ctx, key, s.group, id).Err(); err != nil {
		return &contracts.TransportError{Broker: "redisstream", Err: err}
	}
	return nil
}

// Close stops the read loop.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.advance(context.Background())
	s.cancel()

	s.driver.mu.Lock()
	delete(s.driver.subs, s)
	s.driver.mu.Unlock()

	close(s.done)
	return nil
}

// parseStreamTime extracts the millisecond timestamp from a stream entry ID
// of the form "<ms>-<seq>".
func parseStreamTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n), nil
}

var _ contracts.Subscription = (*subscription)(nil)
