// Package outbox moves staged envelopes from the producer's database to the
// broker.
//
// Rows are written inside the producer's business transaction (see
// contrib/outbox/gorm), so a committed transaction guarantees eventual
// delivery and an aborted one guarantees silence. The dispatcher here is the
// sole publisher of outbox-originating envelopes: it claims pending rows,
// replays them through the broker adapter and records the outcome per row.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// Config for the dispatcher loops.
type Config struct {
	// DispatchInterval is the pending-row poll interval. The retry loop
	// runs every 10 dispatch intervals.
	DispatchInterval time.Duration

	// BatchSize bounds one dispatch fetch. FIFO order holds per tenant
	// inside a batch, so one slow tenant delays others by at most a batch.
	BatchSize int

	// MaxRetries bounds redispatch attempts for failed rows.
	MaxRetries int

	// CleanupInterval drives the expiry sweep.
	CleanupInterval time.Duration

	// RetainExpired keeps expired rows around for inspection before the
	// sweep deletes them.
	RetainExpired time.Duration

	// Node identifies this dispatcher when claiming rows.
	Node string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DispatchInterval: time.Second,
		BatchSize:        100,
		MaxRetries:       5,
		CleanupInterval:  5 * time.Minute,
		RetainExpired:    7 * 24 * time.Hour,
		Node:             "dispatcher-1",
	}
}

// Dispatcher runs the dispatch, retry and cleanup loops.
type Dispatcher struct {
	store   contracts.OutboxStore
	broker  contracts.Broker
	cfg     *Config
	log     contracts.Logger
	metrics contracts.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewDispatcher wires a dispatcher. logger and metrics may be nil.
func NewDispatcher(store contracts.OutboxStore, broker contracts.Broker, cfg *Config, logger contracts.Logger, metrics contracts.Metrics) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Dispatcher{
		store:   store,
		broker:  broker,
		cfg:     cfg,
		log:     logger.Named("outbox"),
		metrics: metrics,
	}
}

// Start launches the three loops. They exit within one interval of Stop or
// context cancellation.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("outbox: dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = true

	d.wg.Add(3)
	go d.loop(loopCtx, d.cfg.DispatchInterval, d.dispatchOnce)
	go d.loop(loopCtx, 10*d.cfg.DispatchInterval, d.retryOnce)
	go d.loop(loopCtx, d.cfg.CleanupInterval, d.cleanupOnce)

	d.log.Info("outbox dispatcher started",
		"interval", d.cfg.DispatchInterval, "batch_size", d.cfg.BatchSize)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.started = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// dispatchOnce claims one batch of pending rows and replays them in FIFO
// order. A failing row is marked and left for the retry loop; it never
// blocks the rest of the batch.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.cfg.BatchSize, "", d.cfg.Node)
	if err != nil {
		d.log.Error("fetch pending failed", "error", err)
		return
	}
	for _, entry := range entries {
		d.dispatchEntry(ctx, entry)
	}
	d.publishStats(ctx)
}

// retryOnce re-dispatches failed rows that still have retry budget.
func (d *Dispatcher) retryOnce(ctx context.Context) {
	entries, err := d.store.FetchRetryable(ctx, d.cfg.BatchSize, d.cfg.MaxRetries)
	if err != nil {
		d.log.Error("fetch retryable failed", "error", err)
		return
	}
	for _, entry := range entries {
		d.log.Debug("retrying outbox entry",
			"entry_id", entry.ID, "retry_count", entry.RetryCount)
		d.dispatchEntry(ctx, entry)
	}
}

func (d *Dispatcher) dispatchEntry(ctx context.Context, entry *contracts.OutboxEntry) {
	env, err := envelope.Decode(entry.EnvelopeData)
	if err != nil {
		// Permanent serialization failure: pin at the retry ceiling so the
		// retry loop skips it and stats surface it for the operator.
		d.log.Error("outbox entry has malformed envelope",
			"entry_id", entry.ID, "error", err)
		if uerr := d.store.MarkUndeliverable(ctx, entry.ID,
			fmt.Sprintf("permanent: %v", err), d.cfg.MaxRetries); uerr != nil {
			d.log.Error("mark undeliverable failed", "entry_id", entry.ID, "error", uerr)
		}
		return
	}

	if _, err := d.broker.Publish(ctx, entry.Topic, env, env.PartitionKey()); err != nil {
		d.log.Warn("outbox publish failed",
			"entry_id", entry.ID, "topic", entry.Topic, "error", err)
		if uerr := d.store.UpdateStatus(ctx, entry.ID, contracts.OutboxFailed, err.Error()); uerr != nil {
			d.log.Error("mark failed failed", "entry_id", entry.ID, "error", uerr)
		}
		return
	}

	if err := d.store.UpdateStatus(ctx, entry.ID, contracts.OutboxPublished, ""); err != nil {
		d.log.Error("mark published failed", "entry_id", entry.ID, "error", err)
	}
}

// cleanupOnce expires overdue rows and deletes long-expired ones.
func (d *Dispatcher) cleanupOnce(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := d.store.MarkExpired(ctx, now)
	if err != nil {
		d.log.Error("mark expired failed", "error", err)
		return
	}
	deleted, err := d.store.DeleteExpiredBefore(ctx, now.Add(-d.cfg.RetainExpired))
	if err != nil {
		d.log.Error("delete expired failed", "error", err)
		return
	}
	if expired > 0 || deleted > 0 {
		d.log.Info("outbox cleanup", "expired", expired, "deleted", deleted)
	}
}

func (d *Dispatcher) publishStats(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return
	}
	d.metrics.Gauge(contracts.MetricOutboxPending).Set(float64(stats.Pending))
	d.metrics.Gauge(contracts.MetricOutboxFailed).Set(float64(stats.Failed))
}
