// Package ordered serializes handler execution per partition key.
//
// Records with the same key run strictly one after another in submission
// order; records with different keys run concurrently across a fixed set of
// internal lanes. Exempt envelopes (system.*, admin.*, health.*) have no
// business key and are spread by envelope ID instead.
package ordered

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// Handler processes one record.
type Handler func(ctx context.Context, rec *contracts.ConsumerRecord) error

// Config for the ordered processor.
type Config struct {
	// Lanes is the internal partition count. Keys map to lanes with the
	// same stable hash the brokers use, so ordering survives restarts.
	Lanes int

	// QueueSize bounds each lane's FIFO. Submit blocks when the lane is
	// full.
	QueueSize int

	Logger  contracts.Logger
	Metrics contracts.Metrics
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Lanes:     16,
		QueueSize: 256,
		Logger:    contracts.NopLogger{},
	}
}

type task struct {
	ctx context.Context
	rec *contracts.ConsumerRecord
	seq uint64
	fn  Handler // overrides the construction-time handler when set
}

// Processor fans records out to per-key FIFO lanes.
type Processor struct {
	cfg     *Config
	handler Handler
	log     contracts.Logger
	lanes   []chan task
	seq     atomic.Uint64
	depth   atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewProcessor starts the lane goroutines immediately.
func NewProcessor(handler Handler, cfg *Config) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	p := &Processor{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger.Named("ordered"),
		lanes:   make([]chan task, cfg.Lanes),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan task, cfg.QueueSize)
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Submit enqueues a record on its key's lane and returns the assigned
// sequence number. It blocks when the lane is full until there is room or
// ctx is cancelled.
func (p *Processor) Submit(ctx context.Context, rec *contracts.ConsumerRecord) (uint64, error) {
	return p.SubmitFunc(ctx, rec, nil)
}

// SubmitFunc enqueues a record that runs fn instead of the construction-time
// handler, on the same lane its key maps to. The bus uses this to run the
// exactly-once wrapper inside the lane, so dedupe and ordering compose. A nil
// fn falls back to the construction-time handler.
func (p *Processor) SubmitFunc(ctx context.Context, rec *contracts.ConsumerRecord, fn Handler) (uint64, error) {
	if rec == nil || rec.Envelope == nil {
		return 0, &contracts.ValidationError{Field: "record", Reason: "required"}
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, contracts.ErrSubscriptionClosed
	}
	seq := p.seq.Add(1)
	lane := p.lanes[p.laneFor(rec.Envelope)]
	p.mu.Unlock()

	select {
	case lane <- task{ctx: ctx, rec: rec, seq: seq, fn: fn}:
		p.depth.Add(1)
		p.gaugeDepth()
		return seq, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// laneFor maps an envelope to a lane. Exempt envelopes carry no business
// key, so their ID spreads them evenly instead of serializing them all on
// one lane.
func (p *Processor) laneFor(env *envelope.Envelope) int {
	key := env.PartitionKey()
	if env.Exempt() {
		key = env.ID
	}
	return envelope.Partition(key, len(p.lanes))
}

func (p *Processor) run(lane int) {
	defer p.wg.Done()
	for t := range p.lanes[lane] {
		fn := t.fn
		if fn == nil {
			fn = p.handler
		}
		if err := fn(t.ctx, t.rec); err != nil {
			// One bad record must not halt the lane behind it.
			p.log.Error("ordered handler failed",
				"lane", lane, "seq", t.seq,
				"envelope_id", t.rec.Envelope.ID, "error", err)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.Counter(contracts.MetricErrorCount,
					contracts.T("component", "ordered")).Inc()
			}
		}
		p.depth.Add(-1)
		p.gaugeDepth()
	}
}

func (p *Processor) gaugeDepth() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Gauge(contracts.MetricOrderedQueueDepth).Set(float64(p.depth.Load()))
	}
}

// Depth reports how many records are queued or in flight.
func (p *Processor) Depth() int64 {
	return p.depth.Load()
}

// Close stops accepting work and waits for every lane to drain.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("ordered: already closed")
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
