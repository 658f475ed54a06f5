package workers

import (
	"chat-relay/observability"
	"context"
	"log/slog"
	"time"
)

// NamedQueue is a buffered queue whose fill level is sampled. Depth must
// not block.
type NamedQueue struct {
	Name  string
	Depth func() (length, capacity int)
}

// QueueSampler periodically publishes the length and fill ratio of each
// queue. Reading a channel's len and cap does not interfere with its
// producers, and a missed sample is harmless.
type QueueSampler struct {
	log      *slog.Logger
	queues   []NamedQueue
	metrics  *observability.Metrics
	interval time.Duration
}

func NewQueueSampler(log *slog.Logger, queues []NamedQueue, metrics *observability.Metrics, interval time.Duration) *QueueSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &QueueSampler{log: log, queues: queues, metrics: metrics, interval: interval}
}

func (w *QueueSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping queue sampling")
			return nil
		case <-ticker.C:
			w.Sample()
		}
	}
}

func (w *QueueSampler) Sample() {
	for _, q := range w.queues {
		length, capacity := q.Depth()
		w.metrics.QueueLength.WithLabelValues(q.Name).Set(float64(length))
		if capacity > 0 {
			w.metrics.QueueFill.WithLabelValues(q.Name).Set(float64(length) / float64(capacity))
		}
	}
}
