package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// subscription adapts a Sarama consumer group to the pull-based
// Subscription contract. Claims feed a bounded channel; Next pulls from it.
// Commit and seek go through the live session, which is why they live here
// and not on the driver.
type subscription struct {
	driver     *Driver
	group      string
	topics     []string
	autoCommit bool

	cg      sarama.ConsumerGroup
	records chan *contracts.ConsumerRecord
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
	pending *contracts.ConsumerRecord
	closed  bool
}

// Subscribe starts a consumer group over the given topics.
func (d *Driver) Subscribe(ctx context.Context, topics []string, group string, opts contracts.SubscribeOptions) (contracts.Subscription, error) {
	if group == "" {
		return nil, &contracts.ValidationError{Field: "group", Reason: "required"}
	}
	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if !connected {
		return nil, &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}

	cfg, err := d.buildSaramaConfig(opts.AutoCommit)
	if err != nil {
		return nil, err
	}

	cg, err := sarama.NewConsumerGroup(d.config.Brokers, group, cfg)
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}

	buffer := opts.MaxPollRecords
	if buffer <= 0 {
		buffer = d.config.MaxPollRecords
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		driver:     d,
		group:      group,
		topics:     topics,
		autoCommit: opts.AutoCommit,
		cg:         cg,
		records:    make(chan *contracts.ConsumerRecord, buffer),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	handler := &groupHandler{sub: s, ready: make(chan struct{})}
	go s.consumeLoop(loopCtx, handler)

	select {
	case <-handler.ready:
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// consumeLoop keeps the group session alive, backing off exponentially on
// transport errors. A rebalance just re-enters Consume.
func (s *subscription) consumeLoop(ctx context.Context, handler *groupHandler) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	log := s.driver.config.Logger

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.cg.Consume(ctx, s.topics, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("kafka consume error, backing off",
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
	}
}

// Next returns the next record. With auto-commit the previous record is
// marked consumed once the caller advances past it.
func (s *subscription) Next(ctx context.Context) (*contracts.ConsumerRecord, error) {
	s.advance()

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

func (s *subscription) advance() {
	s.mu.Lock()
	rec, sess := s.pending, s.session
	s.pending = nil
	s.mu.Unlock()
	if rec != nil && s.autoCommit && sess != nil {
		sess.MarkOffset(rec.Topic, int32(rec.Partition), rec.Offset+1, "")
	}
}

// Commit marks and flushes the record's offset through the live session.
func (s *subscription) Commit(ctx context.Context, rec *contracts.ConsumerRecord) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return &contracts.TransportError{Broker: "kafka", Err: errors.New("no live session")}
	}
	sess.MarkOffset(rec.Topic, int32(rec.Partition), rec.Offset+1, "")
	sess.Commit()
	return nil
}

// SeekToBeginning repositions the group to the log start.
func (s *subscription) SeekToBeginning(ctx context.Context, topic string, partition int) error {
	earliest, err := s.driver.GetEarliestOffset(ctx, topic, partition)
	if err != nil {
		return err
	}
	return s.SeekToOffset(ctx, topic, partition, earliest)
}

// SeekToEnd repositions the group past the newest message.
func (s *subscription) SeekToEnd(ctx context.Context, topic string, partition int) error {
	latest, err := s.driver.GetLatestOffset(ctx, topic, partition)
	if err != nil {
		return err
	}
	return s.SeekToOffset(ctx, topic, partition, latest+1)
}

// SeekToOffset rewinds the live session. Kafka applies the reset after the
// next offset flush, so the new position is visible on the following poll
// cycle.
func (s *subscription) SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return &contracts.TransportError{Broker: "kafka", Err: errors.New("no live session")}
	}
	sess.ResetOffset(topic, int32(partition), offset, "")
	sess.Commit()
	return nil
}

// Close stops the consume loop and the consumer group.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.advance()
	s.cancel()
	err := s.cg.Close()

	s.driver.mu.Lock()
	delete(s.driver.subs, s)
	s.driver.mu.Unlock()

	close(s.done)
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler, pumping claims into
// the subscription's record channel.
type groupHandler struct {
	sub       *subscription
	ready     chan struct{}
	readyOnce sync.Once
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.sub.mu.Lock()
	h.sub.session = sess
	h.sub.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.sub.mu.Lock()
	h.sub.session = nil
	h.sub.mu.Unlock()
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.sub.driver.config.Logger
	for message := range claim.Messages() {
		env, err := envelope.Decode(message.Value)
		if err != nil {
			// A malformed message never blocks the partition; skip past it.
			log.Error("kafka message is not a valid envelope, skipping",
				"topic", message.Topic, "partition", message.Partition,
				"offset", message.Offset, "error", err)
			sess.MarkMessage(message, "")
			continue
		}

		rec := &contracts.ConsumerRecord{
			Envelope:  env,
			Topic:     message.Topic,
			Partition: int(message.Partition),
			Offset:    message.Offset,
			Timestamp: message.Timestamp,
			Group:     h.sub.group,
		}

		select {
		case h.sub.records <- rec:
		case <-sess.Context().Done():
			return nil
		}
	}
	return nil
}

var _ contracts.Subscription = (*subscription)(nil)
var _ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
