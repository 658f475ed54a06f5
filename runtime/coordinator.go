package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/runtime/workers"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var _ contract.ICoordinator = (*Coordinator)(nil)

const defaultSinkTimeout = 2 * time.Second

type CoordinatorConfig struct {
	Mode   domain.Mode
	Roster domain.Roster
	// HistoryLimit bounds each topic's history. Zero keeps everything and
	// never schedules a trim.
	HistoryLimit   int
	TrimBufferSize int
	// SinkTimeout is how long one slow connection may hold a delivery.
	SinkTimeout time.Duration
	// SampleInterval paces the trim queue gauges.
	SampleInterval time.Duration
}

// Coordinator applies the relay rules to what connections ask for.
// It owns the backplane listeners: one per topic that has at least one
// local subscriber, opened with the first and closed with the last.
type Coordinator struct {
	log        *slog.Logger
	registry   contract.IRegistry
	backplane  contract.Backplane
	history    contract.HistoryStore
	supervisor contract.ISupervisor
	metrics    *observability.Metrics
	cfg        CoordinatorConfig
	trimmer    *workers.HistoryTrimmer
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	locksMu sync.Mutex
	locks   map[domain.Topic]*topicLock

	listenersMu sync.Mutex
	listeners   map[domain.Topic]context.CancelFunc

	opMu     sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

type topicLock struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator(
	log *slog.Logger,
	registry contract.IRegistry,
	backplane contract.Backplane,
	history contract.HistoryStore,
	supervisor contract.ISupervisor,
	metrics *observability.Metrics,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		log:        log,
		registry:   registry,
		backplane:  backplane,
		history:    history,
		supervisor: supervisor,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		locks:      make(map[domain.Topic]*topicLock),
		listeners:  make(map[domain.Topic]context.CancelFunc),
	}
	if c.bounded() {
		c.trimmer = workers.NewHistoryTrimmer(log, history, cfg.HistoryLimit, cfg.TrimBufferSize, metrics)
	}
	return c
}

// Start ties the listeners and the maintenance worker to ctx.
// It must be called before the first connection is accepted.
func (c *Coordinator) Start(ctx context.Context) {
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.trimmer != nil {
		c.supervisor.Start(c.ctx, c.trimmer)
		c.supervisor.Start(c.ctx, workers.NewQueueSampler(c.log,
			[]workers.NamedQueue{{Name: "trim", Depth: c.trimmer.Backlog}},
			c.metrics, c.cfg.SampleInterval))
	}
}

func (c *Coordinator) bounded() bool { return c.cfg.HistoryLimit > 0 }

func (c *Coordinator) OnConnect(ctx context.Context, conn domain.ConnectionID, sink contract.EventSink) {
	if !c.begin() {
		_ = sink.Consume(ctx, event.FromError(errors.ErrShuttingDown))
		return
	}
	defer c.inflight.Done()

	c.registry.Connect(conn, sink)
	c.metrics.Connections.Inc()
	c.log.Debug("Connection opened", "conn", conn)

	if c.cfg.Mode == domain.ModePeers {
		c.emit(ctx, conn, event.Init{
			Roster:   c.cfg.Roster.Parties(),
			Channels: topicStrings(c.cfg.Roster.Channels()),
		})
	}
}

func (c *Coordinator) OnSubscribe(ctx context.Context, conn domain.ConnectionID, topic domain.Topic) {
	if !c.begin() {
		c.emit(ctx, conn, event.FromError(errors.ErrShuttingDown))
		return
	}
	defer c.inflight.Done()

	if !topic.Valid() {
		c.reject(ctx, conn, fmt.Errorf("%w: missing topic", errors.ErrMalformedEvent))
		return
	}
	if c.cfg.Mode == domain.ModePeers && !c.cfg.Roster.Derivable(topic) {
		c.reject(ctx, conn, errors.Scoped(topic.String(), errors.ErrUnknownChannel))
		return
	}

	added, _ := c.registry.Subscribe(conn, topic)
	if !added {
		return
	}

	if err := c.ensureListener(ctx, topic); err != nil {
		c.log.Warn("Unable to open backplane listener", "topic", topic.String(), "error", err)
		c.rollback(ctx, conn, topic)
		c.emit(ctx, conn, event.FromError(errors.Scoped(topic.String(), err)))
		return
	}

	entries, err := c.history.Read(ctx, topic)
	if err != nil {
		c.log.Warn("Unable to read history", "topic", topic.String(), "error", err)
		c.metrics.StoreFailures.Inc()
		c.rollback(ctx, conn, topic)
		c.emit(ctx, conn, event.FromError(errors.Scoped(topic.String(), err)))
		return
	}

	c.emit(ctx, conn,
		event.Subscribed{Topic: topic},
		event.Topics{Topics: c.registry.TopicsOf(conn)},
		event.NewTopicHistory(topic, entries),
	)
}

func (c *Coordinator) OnUnsubscribe(ctx context.Context, conn domain.ConnectionID, topic domain.Topic) {
	if !c.begin() {
		c.emit(ctx, conn, event.FromError(errors.ErrShuttingDown))
		return
	}
	defer c.inflight.Done()

	removed, last := c.registry.Unsubscribe(conn, topic)
	if !removed {
		return
	}
	if last {
		c.releaseListener(ctx, topic)
	}
	c.emit(ctx, conn,
		event.Unsubscribed{Topic: topic},
		event.Topics{Topics: c.registry.TopicsOf(conn)},
	)
}

func (c *Coordinator) OnSend(ctx context.Context, conn domain.ConnectionID, cmd domain.SendCommand) {
	if !c.begin() {
		c.emit(ctx, conn, event.FromError(errors.ErrShuttingDown))
		return
	}
	defer c.inflight.Done()

	if cmd.Message == "" {
		c.reject(ctx, conn, fmt.Errorf("%w: missing message", errors.ErrMalformedEvent))
		return
	}

	var msg domain.Message
	switch c.cfg.Mode {
	case domain.ModePeers:
		if !cmd.Peer() {
			c.reject(ctx, conn, fmt.Errorf("%w: missing sender and recipient", errors.ErrMalformedEvent))
			return
		}
		channel, err := c.cfg.Roster.Resolve(cmd.Sender, cmd.Recipient)
		if err != nil {
			c.reject(ctx, conn, err)
			return
		}
		msg = domain.NewMessage(channel, cmd.Sender, domain.PeerText(cmd.Sender, cmd.Message), c.now())
	default:
		if !cmd.Topic.Valid() {
			c.reject(ctx, conn, fmt.Errorf("%w: missing topic", errors.ErrMalformedEvent))
			return
		}
		if !c.registry.IsSubscribed(conn, cmd.Topic) {
			c.reject(ctx, conn, errors.Scoped(cmd.Topic.String(), errors.ErrNotSubscribed))
			return
		}
		msg = domain.NewMessage(cmd.Topic, string(conn), cmd.Message, c.now())
	}

	if err := c.backplane.Publish(ctx, msg); err != nil {
		c.log.Warn("Unable to publish", "topic", msg.Topic.String(), "error", err)
		c.metrics.BackplaneFailures.Inc()
		c.emit(ctx, conn, event.FromError(errors.Scoped(msg.Topic.String(), err)))
		return
	}
	c.metrics.Published.Inc()

	// The message is out, a storage failure only concerns the sender.
	if err := c.history.Append(ctx, msg); err != nil {
		c.log.Warn("Unable to append history", "topic", msg.Topic.String(), "error", err)
		c.metrics.StoreFailures.Inc()
		c.emit(ctx, conn, event.FromError(errors.Scoped(msg.Topic.String(), err)))
		return
	}
	if c.trimmer != nil {
		c.trimmer.Schedule(msg.Topic)
	}
}

func (c *Coordinator) OnHistoryRequest(ctx context.Context, conn domain.ConnectionID, channel domain.Topic) {
	if !c.begin() {
		c.emit(ctx, conn, event.FromError(errors.ErrShuttingDown))
		return
	}
	defer c.inflight.Done()

	if !channel.Valid() {
		c.reject(ctx, conn, fmt.Errorf("%w: missing channel", errors.ErrMalformedEvent))
		return
	}
	entries, err := c.history.Read(ctx, channel)
	if err != nil {
		c.metrics.StoreFailures.Inc()
		c.emit(ctx, conn, event.FromError(errors.Scoped(channel.String(), err)))
		return
	}
	c.emit(ctx, conn, event.HistoryResponse{Channel: channel, History: entries})
}

// OnDisconnect still runs while closing so that listeners of abandoned
// topics are not left behind.
func (c *Coordinator) OnDisconnect(ctx context.Context, conn domain.ConnectionID) {
	if c.begin() {
		defer c.inflight.Done()
	}

	if _, ok := c.registry.Sink(conn); !ok {
		return
	}
	emptied := c.registry.DropConnection(conn)
	c.metrics.Connections.Dec()
	for _, topic := range emptied {
		c.releaseListener(ctx, topic)
	}
	c.log.Debug("Connection closed", "conn", conn, "released", len(emptied))
}

// Shutdown refuses new operations, waits for the running ones, drains the
// pending trims and closes every listener then the backplane. Whatever is
// still running when ctx is done is abandoned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.opMu.Lock()
	c.closing = true
	c.opMu.Unlock()

	var err error
	if waitErr := wait(ctx, &c.inflight); waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("waiting in-flight operations: %w", waitErr))
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.trimmer != nil {
		g.Go(func() error { return c.trimmer.Drain(gctx) })
	}
	for _, topic := range c.listening() {
		g.Go(func() error {
			c.closeListener(gctx, topic)
			return nil
		})
	}
	err = multierr.Append(err, g.Wait())

	c.cancel()
	if waitErr := c.supervisor.Wait(ctx); waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("waiting workers: %w", waitErr))
	}
	return multierr.Append(err, c.backplane.Close())
}

// Listening reports whether a backplane listener is open for topic.
func (c *Coordinator) Listening(topic domain.Topic) bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	_, ok := c.listeners[topic]
	return ok
}

func (c *Coordinator) ListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

func (c *Coordinator) listening() []domain.Topic {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	topics := make([]domain.Topic, 0, len(c.listeners))
	for topic := range c.listeners {
		topics = append(topics, topic)
	}
	return topics
}

func (c *Coordinator) begin() bool {
	c.opMu.RLock()
	defer c.opMu.RUnlock()
	if c.closing {
		return false
	}
	c.inflight.Add(1)
	return true
}

// lockTopic serializes listener changes of one topic. Entries are
// reference counted so the map only holds topics being worked on.
func (c *Coordinator) lockTopic(topic domain.Topic) func() {
	c.locksMu.Lock()
	l, ok := c.locks[topic]
	if !ok {
		l = &topicLock{}
		c.locks[topic] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, topic)
		}
		c.locksMu.Unlock()
	}
}

// ensureListener opens the topic's listener unless one is open or the
// registry no longer has subscribers for it.
func (c *Coordinator) ensureListener(ctx context.Context, topic domain.Topic) error {
	unlock := c.lockTopic(topic)
	defer unlock()

	if c.Listening(topic) || c.registry.Count(topic) == 0 {
		return nil
	}
	inbound, err := c.backplane.Subscribe(ctx, topic)
	if err != nil {
		c.metrics.BackplaneFailures.Inc()
		if !stderrors.Is(err, errors.ErrBackplane) && !stderrors.Is(err, errors.ErrBackplaneClosed) {
			err = fmt.Errorf("%w: %v", errors.ErrBackplane, err)
		}
		return err
	}

	lctx, cancel := context.WithCancel(c.ctx)
	c.listenersMu.Lock()
	c.listeners[topic] = cancel
	c.listenersMu.Unlock()

	c.supervisor.Start(lctx, workers.NewTopicListener(
		c.log, topic, inbound, c.registry, c.cfg.Mode, c.cfg.SinkTimeout, c.metrics,
	))
	c.metrics.Listeners.Inc()
	c.log.Debug("Listener opened", "topic", topic.String())
	return nil
}

// releaseListener closes the topic's listener if the registry has no
// subscriber left for it.
func (c *Coordinator) releaseListener(ctx context.Context, topic domain.Topic) {
	unlock := c.lockTopic(topic)
	defer unlock()

	if c.registry.Count(topic) > 0 {
		return
	}
	c.closeListenerLocked(ctx, topic)
}

func (c *Coordinator) closeListener(ctx context.Context, topic domain.Topic) {
	unlock := c.lockTopic(topic)
	defer unlock()
	c.closeListenerLocked(ctx, topic)
}

func (c *Coordinator) closeListenerLocked(ctx context.Context, topic domain.Topic) {
	c.listenersMu.Lock()
	cancel, ok := c.listeners[topic]
	delete(c.listeners, topic)
	c.listenersMu.Unlock()
	if !ok {
		return
	}

	cancel()
	if err := c.backplane.Unsubscribe(ctx, topic); err != nil {
		c.log.Warn("Unable to unsubscribe from backplane", "topic", topic.String(), "error", err)
		c.metrics.BackplaneFailures.Inc()
	}
	c.metrics.Listeners.Dec()
	c.log.Debug("Listener closed", "topic", topic.String())
}

// rollback undoes a subscription that could not be completed.
func (c *Coordinator) rollback(ctx context.Context, conn domain.ConnectionID, topic domain.Topic) {
	if _, last := c.registry.Unsubscribe(conn, topic); last {
		c.releaseListener(ctx, topic)
	}
}

func (c *Coordinator) reject(ctx context.Context, conn domain.ConnectionID, err error) {
	reason := observability.ReasonMalformed
	if errors.IsAuthorization(err) {
		reason = observability.ReasonUnauthorized
	}
	c.metrics.Rejected.WithLabelValues(reason).Inc()
	c.log.Debug("Request rejected", "conn", conn, "reason", reason, "error", err)
	c.emit(ctx, conn, event.FromError(err))
}

// emit sends events to one connection, in order. A connection that cannot
// keep up loses them.
func (c *Coordinator) emit(ctx context.Context, conn domain.ConnectionID, events ...event.DomainEvent) {
	sink, ok := c.registry.Sink(conn)
	if !ok {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, c.cfg.SinkTimeout)
	defer cancel()
	for _, e := range events {
		if err := sink.Consume(sinkCtx, e); err != nil {
			c.log.Debug("Event lost", "conn", conn, "event", e.Name(), "error", err)
			return
		}
	}
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func topicStrings(topics []domain.Topic) []string {
	return lo.Map(topics, func(item domain.Topic, _ int) string { return item.String() })
}
