package contracts

// Metrics adalah generic interface untuk metrics collection.
// Implementasi bisa Prometheus, StatsD, atau in-memory untuk test.
type Metrics interface {
	// Counter - nilai yang hanya naik (publish count, error count)
	Counter(name string, tags ...Tag) Counter

	// Gauge - nilai yang bisa naik/turun (active subscriptions, queue depth)
	Gauge(name string, tags ...Tag) Gauge

	// WithTags returns metrics with additional default tags
	WithTags(tags ...Tag) Metrics

	// Handler returns the HTTP handler for the metrics endpoint, if any.
	Handler() any
}

// Counter untuk counting events
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge untuk nilai yang bisa berubah
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
}

// Tag untuk labeling metrics
type Tag struct {
	Key   string
	Value string
}

// T adalah shortcut untuk membuat Tag
func T(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// ============ Pre-defined Metric Names ============

const (
	MetricPublishCount        = "publish_count"
	MetricConsumeCount        = "consume_count"
	MetricErrorCount          = "error_count"
	MetricOutboxPending       = "outbox_pending"
	MetricOutboxFailed        = "outbox_failed"
	MetricDedupeSkipped       = "dedupe_skipped"
	MetricDedupeProcessed     = "dedupe_processed"
	MetricOrderedQueueDepth   = "ordered_queue_depth"
	MetricActiveSubscriptions = "active_subscriptions"
	MetricConsumerLag         = "consumer_lag"
	MetricReplayRefusedTotal  = "replay_refused_total"
)
