// Package dedupe upgrades at-least-once delivery to effectively-once
// processing.
//
// Workers claim each (tenant, group, envelope) triple in a shared DedupeStore
// before invoking the handler. The claim (TryBegin) is the only
// synchronization between workers; everything after it is local bookkeeping.
// When the store itself is unreachable the processor fails open and runs the
// handler anyway: duplicate side effects are preferred over a stalled
// pipeline.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
)

// Outcome classifies one processing attempt.
type Outcome string

const (
	// OutcomeProcessed means the handler ran and succeeded.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the envelope was already handled (or is being
	// handled) and the handler was skipped.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeFailed means the handler ran and failed; a later delivery may
	// retry it.
	OutcomeFailed Outcome = "failed"
	// OutcomePoison means the envelope exhausted its attempt budget and was
	// handed to the dead-letter hook.
	OutcomePoison Outcome = "poison"
)

// Handler processes one delivered record.
type Handler func(ctx context.Context, rec *contracts.ConsumerRecord) error

// DeadLetterFunc receives envelopes that exhausted their attempt budget.
type DeadLetterFunc func(ctx context.Context, rec *contracts.ConsumerRecord, lastError string)

// Config for the exactly-once processor.
type Config struct {
	// TTL bounds how long a processing record blocks redelivery. An expired
	// record permits intentional replay.
	TTL time.Duration

	// MaxAttempts is the attempt budget before an envelope is declared
	// poison and dead-lettered.
	MaxAttempts int

	// Node identifies this worker in processing records.
	Node string

	// CleanupInterval drives the expired-record sweep.
	CleanupInterval time.Duration

	// DeadLetter, when set, receives poison envelopes. Nil drops them after
	// logging.
	DeadLetter DeadLetterFunc

	Logger  contracts.Logger
	Metrics contracts.Metrics
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:             time.Hour,
		MaxAttempts:     3,
		Node:            "worker-1",
		CleanupInterval: 5 * time.Minute,
		Logger:          contracts.NopLogger{},
	}
}

// Processor wraps handlers with claim-then-process semantics.
type Processor struct {
	store contracts.DedupeStore
	cfg   *Config
	log   contracts.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewProcessor wires a processor around a shared store.
func NewProcessor(store contracts.DedupeStore, cfg *Config) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	return &Processor{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.Named("dedupe"),
	}
}

// Wrap binds a handler to a consumer group. The returned function carries the
// full claim/skip/retry decision for every record.
func (p *Processor) Wrap(group string, handler Handler) func(ctx context.Context, rec *contracts.ConsumerRecord) (Outcome, error) {
	return func(ctx context.Context, rec *contracts.ConsumerRecord) (Outcome, error) {
		return p.Process(ctx, group, rec, handler)
	}
}

// Process runs one record through the decision table:
//
//	no record            -> claim, run handler
//	completed            -> skip (duplicate)
//	processing (live)    -> skip (another worker owns it)
//	failed, budget left  -> re-claim, run handler
//	failed, exhausted    -> dead-letter (poison)
//	store unreachable    -> fail open, run handler
func (p *Processor) Process(ctx context.Context, group string, rec *contracts.ConsumerRecord, handler Handler) (Outcome, error) {
	env := rec.Envelope
	if env == nil {
		return OutcomeFailed, &contracts.ValidationError{Field: "envelope", Reason: "required"}
	}

	claimed, existing, err := p.store.TryBegin(ctx, env.TenantID, group, env.ID, p.cfg.Node, p.cfg.TTL)
	if err != nil {
		p.log.Warn("dedupe store unreachable, failing open",
			"envelope_id", env.ID, "group", group, "error", err)
		if herr := handler(ctx, rec); herr != nil {
			return OutcomeFailed, herr
		}
		p.count(contracts.MetricDedupeProcessed, group)
		return OutcomeProcessed, nil
	}

	if !claimed {
		switch existing.Status {
		case contracts.DedupeCompleted:
			p.log.Debug("skipping duplicate",
				"envelope_id", env.ID, "group", group)
			p.count(contracts.MetricDedupeSkipped, group)
			return OutcomeDuplicate, nil

		case contracts.DedupeProcessing:
			p.log.Debug("envelope claimed by another worker",
				"envelope_id", env.ID, "group", group, "node", existing.ProcessingNode)
			p.count(contracts.MetricDedupeSkipped, group)
			return OutcomeDuplicate, nil

		case contracts.DedupeFailed:
			if existing.AttemptCount >= p.cfg.MaxAttempts {
				return p.poison(ctx, group, rec, existing.LastError), nil
			}
			retried, err := p.store.Retry(ctx, env.TenantID, group, env.ID, p.cfg.Node)
			if err != nil {
				p.log.Warn("dedupe retry claim failed, failing open",
					"envelope_id", env.ID, "group", group, "error", err)
			} else if !retried {
				// Lost the retry race to another worker.
				p.count(contracts.MetricDedupeSkipped, group)
				return OutcomeDuplicate, nil
			}

		default:
			return OutcomeFailed, fmt.Errorf("dedupe: unknown status %q for envelope %s", existing.Status, env.ID)
		}
	}

	if herr := handler(ctx, rec); herr != nil {
		if err := p.store.MarkFailed(ctx, env.TenantID, group, env.ID, herr.Error()); err != nil {
			p.log.Error("mark failed failed",
				"envelope_id", env.ID, "group", group, "error", err)
		}
		return OutcomeFailed, herr
	}

	if err := p.store.MarkCompleted(ctx, env.TenantID, group, env.ID); err != nil {
		// The work is done; a lost completion mark only risks one redundant
		// redelivery.
		p.log.Error("mark completed failed",
			"envelope_id", env.ID, "group", group, "error", err)
	}
	p.count(contracts.MetricDedupeProcessed, group)
	return OutcomeProcessed, nil
}

func (p *Processor) poison(ctx context.Context, group string, rec *contracts.ConsumerRecord, lastError string) Outcome {
	env := rec.Envelope
	p.log.Error("envelope exhausted attempt budget, dead-lettering",
		"envelope_id", env.ID, "group", group, "last_error", lastError)
	if p.cfg.DeadLetter != nil {
		p.cfg.DeadLetter(ctx, rec, lastError)
	}
	p.count(contracts.MetricDedupeSkipped, group)
	return OutcomePoison
}

func (p *Processor) count(name, group string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter(name, contracts.T("group", group)).Inc()
	}
}

// Start launches the expired-record sweep.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("dedupe: processor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				n, err := p.store.DeleteExpired(loopCtx)
				if err != nil {
					p.log.Warn("dedupe cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					p.log.Debug("dedupe cleanup", "deleted", n)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the sweep and waits for it.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.started = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
