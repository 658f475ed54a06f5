package workers

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/observability"
	"context"
	"log/slog"
	"sync"
)

// HistoryTrimmer is the maintenance worker keeping bounded history at its
// size limit. Trims run off the publish path; a topic scheduled many times
// before the worker gets to it is trimmed once.
type HistoryTrimmer struct {
	log     *slog.Logger
	store   contract.HistoryStore
	limit   int
	queue   chan domain.Topic
	metrics *observability.Metrics

	mu      sync.Mutex
	pending map[domain.Topic]struct{}
}

func NewHistoryTrimmer(log *slog.Logger, store contract.HistoryStore, limit, bufferSize int, metrics *observability.Metrics) *HistoryTrimmer {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &HistoryTrimmer{
		log:     log,
		store:   store,
		limit:   limit,
		queue:   make(chan domain.Topic, bufferSize),
		metrics: metrics,
		pending: make(map[domain.Topic]struct{}),
	}
}

// Backlog is the number of topics waiting and the queue capacity.
func (w *HistoryTrimmer) Backlog() (int, int) { return len(w.queue), cap(w.queue) }

// Schedule never blocks. It returns false when the queue is full, the
// next append on the same topic schedules it again.
func (w *HistoryTrimmer) Schedule(topic domain.Topic) bool {
	w.mu.Lock()
	if _, ok := w.pending[topic]; ok {
		w.mu.Unlock()
		return true
	}
	w.pending[topic] = struct{}{}
	w.mu.Unlock()

	select {
	case w.queue <- topic:
		return true
	default:
		w.mu.Lock()
		delete(w.pending, topic)
		w.mu.Unlock()
		w.log.Warn("Trim queue full, trim deferred", "topic", topic.String())
		return false
	}
}

func (w *HistoryTrimmer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case topic := <-w.queue:
			w.trim(ctx, topic)
		}
	}
}

// Drain trims everything still queued. It stops early when ctx is done.
func (w *HistoryTrimmer) Drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case topic := <-w.queue:
			w.trim(ctx, topic)
		default:
			return nil
		}
	}
}

func (w *HistoryTrimmer) trim(ctx context.Context, topic domain.Topic) {
	w.mu.Lock()
	delete(w.pending, topic)
	w.mu.Unlock()

	if err := w.store.Trim(ctx, topic, w.limit); err != nil {
		w.log.Error("Unable to trim history", "topic", topic.String(), "error", err)
		if w.metrics != nil {
			w.metrics.StoreFailures.Inc()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.Trims.Inc()
	}
}
