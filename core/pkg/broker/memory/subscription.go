package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
)

var subSeq atomic.Int64

// subscription is a pull stream over a bounded queue. Replayed history is
// queued at subscribe time, live publishes are broadcast in afterwards, so
// partition order is preserved end to end.
type subscription struct {
	id         string
	broker     *Broker
	group      string
	topics     map[string]bool
	autoCommit bool

	mu     sync.Mutex
	queue  chan *contracts.ConsumerRecord
	closed bool
	done   chan struct{}

	// pending is the last record handed to the consumer and not yet
	// committed. With autoCommit it is committed once the consumer advances
	// past it (next call to Next, or Close).
	pending *contracts.ConsumerRecord
}

// Subscribe registers a consumer-group subscription. History past the
// group's committed offset is replayed first, then live publishes stream in.
func (b *Broker) Subscribe(ctx context.Context, topics []string, group string, opts contracts.SubscribeOptions) (contracts.Subscription, error) {
	if group == "" {
		return nil, &contracts.ValidationError{Field: "group", Reason: "required"}
	}
	buffer := opts.MaxPollRecords
	if buffer <= 0 {
		buffer = b.cfg.SubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &contracts.TransportError{Broker: "memory", Err: fmt.Errorf("not connected")}
	}

	s := &subscription{
		id:         fmt.Sprintf("member-%d", subSeq.Add(1)),
		broker:     b,
		group:      group,
		topics:     make(map[string]bool, len(topics)),
		autoCommit: opts.AutoCommit,
		queue:      make(chan *contracts.ConsumerRecord, buffer),
		done:       make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = true
		s.replayLocked(t)
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// replayLocked queues retained messages past the committed offset. Caller
// holds the broker lock.
func (s *subscription) replayLocked(topic string) {
	ts, ok := s.broker.topics[topic]
	if !ok {
		return
	}
	for partition, pl := range ts.partitions {
		committed := s.broker.committedLocked(s.group, topic, partition)
		for _, m := range pl.messages {
			if m.offset <= committed {
				continue
			}
			s.deliver(&contracts.ConsumerRecord{
				Envelope:  m.env,
				Topic:     topic,
				Partition: partition,
				Offset:    m.offset,
				Timestamp: m.timestamp,
				Group:     s.group,
			}, ts)
		}
	}
}

func (s *subscription) wants(topic string) bool {
	return s.topics[topic]
}

// deliver enqueues a record without ever blocking the publisher. Overflow is
// dropped and counted on the topic.
func (s *subscription) deliver(rec *contracts.ConsumerRecord, ts *topicState) {
	cp := *rec
	cp.Group = s.group
	select {
	case s.queue <- &cp:
	default:
		ts.overflowDropped++
	}
}

// Next returns the next record in partition order. After Close the remaining
// queue drains, then ErrSubscriptionClosed.
func (s *subscription) Next(ctx context.Context) (*contracts.ConsumerRecord, error) {
	s.advance(ctx)

	// Drain before reporting closed.
	select {
	case rec := <-s.queue:
		return s.yield(rec), nil
	default:
	}

	select {
	case rec := <-s.queue:
		return s.yield(rec), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case rec := <-s.queue:
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

// advance commits the previously yielded record when auto-commit is on.
func (s *subscription) advance(ctx context.Context) {
	s.mu.Lock()
	rec := s.pending
	s.pending = nil
	s.mu.Unlock()
	if rec != nil && s.autoCommit {
		_ = s.broker.CommitOffset(ctx, s.group, rec.Topic, rec.Partition, rec.Offset)
	}
}

// Commit commits one record's offset explicitly.
func (s *subscription) Commit(ctx context.Context, rec *contracts.ConsumerRecord) error {
	return s.broker.CommitOffset(ctx, s.group, rec.Topic, rec.Partition, rec.Offset)
}

// SeekToBeginning repositions to the start of the retained log.
func (s *subscription) SeekToBeginning(ctx context.Context, topic string, partition int) error {
	return s.seek(topic, partition, 0)
}

// SeekToEnd repositions past the newest retained message.
func (s *subscription) SeekToEnd(ctx context.Context, topic string, partition int) error {
	s.broker.mu.RLock()
	pl, err := s.broker.partitionLocked(topic, partition)
	var latest int64
	if err == nil && len(pl.messages) > 0 {
		latest = pl.messages[len(pl.messages)-1].offset
	}
	s.broker.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.seek(topic, partition, latest)
}

// SeekToOffset repositions so the next record has offset >= offset.
func (s *subscription) SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error {
	return s.seek(topic, partition, offset-1)
}

// seek commits the cursor to committed and rebuilds the queue: buffered
// records for the seeked partition are discarded and history past the new
// cursor is replayed.
func (s *subscription) seek(topic string, partition int, committed int64) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.partitionLocked(topic, partition); err != nil {
		return err
	}
	b.commitLocked(s.group, topic, partition, committed)

	var kept []*contracts.ConsumerRecord
	for {
		select {
		case rec := <-s.queue:
			if rec.Topic == topic && rec.Partition == partition {
				continue
			}
			kept = append(kept, rec)
		default:
			goto drained
		}
	}
drained:
	ts := b.topics[topic]
	for _, rec := range kept {
		select {
		case s.queue <- rec:
		default:
			ts.overflowDropped++
		}
	}
	pl := ts.partitions[partition]
	for _, m := range pl.messages {
		if m.offset <= committed {
			continue
		}
		select {
		case s.queue <- &contracts.ConsumerRecord{
			Envelope:  m.env,
			Topic:     topic,
			Partition: partition,
			Offset:    m.offset,
			Timestamp: m.timestamp,
			Group:     s.group,
		}:
		default:
			ts.overflowDropped++
		}
	}
	return nil
}

// Close stops the stream, commits the pending record under auto-commit and
// unregisters from the broker.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.advance(context.Background())

	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	close(s.done)
	return nil
}

var _ contracts.Subscription = (*subscription)(nil)
