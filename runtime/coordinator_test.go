package runtime

import (
	"chat-relay/backplane"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/observability"
	"chat-relay/repositories"
	"chat-relay/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// recorder is a connection sink keeping everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []event.DomainEvent
}

func (r *recorder) Consume(_ context.Context, e event.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) named(name string) []event.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.DomainEvent
	for _, e := range r.events {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []event.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.DomainEvent(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, name string, count int) []event.DomainEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.named(name)) >= count
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s event(s)", count, name)
	return r.named(name)
}

type harness struct {
	coord    *Coordinator
	registry *Registry
	bus      *backplane.MemoryBus
	store    *repositories.MemoryStore
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, cfg CoordinatorConfig) *harness {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	bus := backplane.NewMemoryBus()
	store, err := repositories.NewMemoryStore(0, 0)
	require.NoError(t, err)
	h := &harness{
		registry: NewRegistry(),
		bus:      bus,
		store:    store,
		metrics:  observability.NewMetrics(),
	}
	h.coord = NewCoordinator(log, h.registry, backplane.NewMemoryBackplane(log, bus, 16), store,
		workers.NewSupervisor(log, 10*time.Millisecond), h.metrics, cfg)
	h.coord.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.coord.Shutdown(ctx)
	})
	return h
}

func (h *harness) connect(ctx context.Context) (domain.ConnectionID, *recorder) {
	conn := domain.NewConnectionID()
	sink := &recorder{}
	h.coord.OnConnect(ctx, conn, sink)
	return conn, sink
}

// outOfBand publishes as another relay instance would.
func (h *harness) outOfBand(t *testing.T, topic domain.Topic, text string) {
	t.Helper()
	other := backplane.NewMemoryBackplane(slog.Default(), h.bus, 16)
	defer func() { _ = other.Close() }()
	require.NoError(t, other.Publish(context.Background(), domain.NewMessage(topic, "elsewhere", text, time.Now())))
}

func (h *harness) listenerMatchesRegistry(topics ...domain.Topic) bool {
	for _, topic := range topics {
		if h.coord.Listening(topic) != (h.registry.Count(topic) > 0) {
			return false
		}
	}
	return true
}

func TestCoordinator_Late_Joiner_Receives_History(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics, HistoryLimit: 100})

	// Given a first connection subscribed to sports that sent "hi"
	first, firstSink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, first, "sports")
	h.coord.OnSend(ctx, first, domain.SendCommand{Topic: "sports", Message: "hi"})
	// And the sender got its own message through the backplane
	msgs := firstSink.waitFor(t, event.NewMessageType, 1)
	req.Equal(event.NewMessage{Topic: "sports", Message: "hi"}, msgs[0])

	// When a second connection subscribes to sports
	second, secondSink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, second, "sports")

	// Then its acknowledgements carry the history with "hi"
	req.Equal([]event.DomainEvent{
		event.Subscribed{Topic: "sports"},
		event.Topics{Topics: []domain.Topic{"sports"}},
		event.TopicHistory{Topic: "sports", Messages: []string{"hi"}},
	}, secondSink.all())

	req.Equal(float64(1), testutil.ToFloat64(h.metrics.Published))
}

func TestCoordinator_Unsubscribe_Last_Tears_Down_Listener(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	conn, sink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, conn, "news")
	req.True(h.coord.Listening("news"))

	// Given the only subscriber left
	h.coord.OnUnsubscribe(ctx, conn, "news")
	req.False(h.coord.Listening("news"))
	req.Equal([]event.DomainEvent{
		event.Unsubscribed{Topic: "news"},
		event.Topics{Topics: []domain.Topic{}},
	}, sink.all()[3:])

	// When another instance publishes on news
	h.outOfBand(t, "news", "nobody listens")
	time.Sleep(50 * time.Millisecond)

	// Then nothing is delivered locally
	req.Empty(sink.named(event.NewMessageType))
	req.Equal(float64(0), testutil.ToFloat64(h.metrics.Listeners))
}

func TestCoordinator_Out_Of_Band_Message_Reaches_Current_Subscribers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	first, firstSink := h.connect(ctx)
	second, secondSink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, first, "t")
	// Joins after the listener exists
	h.coord.OnSubscribe(ctx, second, "t")

	h.outOfBand(t, "t", "hello")

	req.Equal(event.NewMessage{Topic: "t", Message: "hello"}, firstSink.waitFor(t, event.NewMessageType, 1)[0])
	req.Equal(event.NewMessage{Topic: "t", Message: "hello"}, secondSink.waitFor(t, event.NewMessageType, 1)[0])
	req.Equal(1, h.coord.ListenerCount())
}

func TestCoordinator_Subscribe_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	conn, sink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, conn, "t")
	h.coord.OnSubscribe(ctx, conn, "t")

	req.Len(sink.all(), 3)
	req.Equal(1, h.registry.Count("t"))
}

func TestCoordinator_Unsubscribe_Unknown_Is_Silent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	conn, sink := h.connect(ctx)
	h.coord.OnUnsubscribe(ctx, conn, "never")

	req.Empty(sink.all())
}

func TestCoordinator_Send_Without_Subscription_Publishes_Nothing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	log := slog.Default()

	// Given a backplane and a store expecting no call at all
	bp := mocks.NewMockBackplane(ctrl)
	store := mocks.NewMockHistoryStore(ctrl)
	bp.EXPECT().Close().Return(nil).AnyTimes()
	metrics := observability.NewMetrics()
	registry := NewRegistry()
	coord := NewCoordinator(log, registry, bp, store, workers.NewSupervisor(log, 0), metrics,
		CoordinatorConfig{Mode: domain.ModeTopics, HistoryLimit: 10})
	coord.Start(ctx)
	defer func() { _ = coord.Shutdown(ctx) }()

	conn := domain.NewConnectionID()
	sink := &recorder{}
	coord.OnConnect(ctx, conn, sink)

	// When sending to a topic it never joined
	coord.OnSend(ctx, conn, domain.SendCommand{Topic: "secret", Message: "leak"})

	// Then the sender alone is told, with the topic in the message
	errs := sink.named(event.ErrorType)
	req.Len(errs, 1)
	req.Equal("secret: "+errors.ErrNotSubscribed.Error(), errs[0].Data())
	req.Equal(float64(1), testutil.ToFloat64(metrics.Rejected.WithLabelValues(observability.ReasonUnauthorized)))
}

func TestCoordinator_Send_Malformed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})
	conn, sink := h.connect(ctx)

	h.coord.OnSend(ctx, conn, domain.SendCommand{Message: "no topic"})
	h.coord.OnSend(ctx, conn, domain.SendCommand{Topic: "t"})

	req.Len(sink.named(event.ErrorType), 2)
	req.Equal(float64(2), testutil.ToFloat64(h.metrics.Rejected.WithLabelValues(observability.ReasonMalformed)))
}

func TestCoordinator_Subscribe_Backplane_Failure_Rolls_Back(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	log := slog.Default()

	bp := mocks.NewMockBackplane(ctrl)
	store := mocks.NewMockHistoryStore(ctrl)
	bp.EXPECT().Subscribe(gomock.Any(), domain.Topic("sports")).
		Return(nil, fmt.Errorf("%w: connection refused", errors.ErrBackplane))
	bp.EXPECT().Close().Return(nil).AnyTimes()

	registry := NewRegistry()
	coord := NewCoordinator(log, registry, bp, store, workers.NewSupervisor(log, 0), nil,
		CoordinatorConfig{Mode: domain.ModeTopics})
	coord.Start(ctx)
	defer func() { _ = coord.Shutdown(ctx) }()

	conn := domain.NewConnectionID()
	sink := &recorder{}
	coord.OnConnect(ctx, conn, sink)

	// When the backplane refuses the subscription
	coord.OnSubscribe(ctx, conn, "sports")

	// Then the registry holds nothing and the error names the topic
	req.False(registry.IsSubscribed(conn, "sports"))
	req.Zero(registry.Count("sports"))
	req.False(coord.Listening("sports"))
	errs := sink.named(event.ErrorType)
	req.Len(errs, 1)
	req.Contains(errs[0].Data(), "sports: ")
	req.Contains(errs[0].Data(), errors.ErrBackplane.Error())
}

func TestCoordinator_Subscribe_Store_Failure_Rolls_Back_Listener(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	log := slog.Default()

	bp := mocks.NewMockBackplane(ctrl)
	store := mocks.NewMockHistoryStore(ctrl)
	inbound := make(chan domain.Message)
	gomock.InOrder(
		bp.EXPECT().Subscribe(gomock.Any(), domain.Topic("t")).Return((<-chan domain.Message)(inbound), nil),
		store.EXPECT().Read(gomock.Any(), domain.Topic("t")).Return(nil, errors.ErrStore),
		bp.EXPECT().Unsubscribe(gomock.Any(), domain.Topic("t")).Return(nil),
	)
	bp.EXPECT().Close().Return(nil).AnyTimes()

	registry := NewRegistry()
	metrics := observability.NewMetrics()
	coord := NewCoordinator(log, registry, bp, store, workers.NewSupervisor(log, 0), metrics,
		CoordinatorConfig{Mode: domain.ModeTopics})
	coord.Start(ctx)
	defer func() { _ = coord.Shutdown(ctx) }()

	conn := domain.NewConnectionID()
	sink := &recorder{}
	coord.OnConnect(ctx, conn, sink)
	coord.OnSubscribe(ctx, conn, "t")

	req.False(registry.IsSubscribed(conn, "t"))
	req.False(coord.Listening("t"))
	req.Equal(float64(1), testutil.ToFloat64(metrics.StoreFailures))
	req.Equal(float64(0), testutil.ToFloat64(metrics.Listeners))
	req.Len(sink.named(event.ErrorType), 1)
}

func TestCoordinator_Append_Failure_Does_Not_Retract_Publish(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	log := slog.Default()

	bus := backplane.NewMemoryBus()
	store := mocks.NewMockHistoryStore(ctrl)
	store.EXPECT().Read(gomock.Any(), domain.Topic("t")).Return(nil, nil)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.ErrStore)

	registry := NewRegistry()
	coord := NewCoordinator(log, registry, backplane.NewMemoryBackplane(log, bus, 4), store,
		workers.NewSupervisor(log, 0), nil, CoordinatorConfig{Mode: domain.ModeTopics, HistoryLimit: 10})
	coord.Start(ctx)
	defer func() { _ = coord.Shutdown(ctx) }()

	conn := domain.NewConnectionID()
	sink := &recorder{}
	coord.OnConnect(ctx, conn, sink)
	coord.OnSubscribe(ctx, conn, "t")
	coord.OnSend(ctx, conn, domain.SendCommand{Topic: "t", Message: "kept"})

	// Then the failure is reported and the message was still delivered
	errs := sink.named(event.ErrorType)
	req.Len(errs, 1)
	req.Contains(errs[0].Data(), errors.ErrStore.Error())
	req.Equal(event.NewMessage{Topic: "t", Message: "kept"}, sink.waitFor(t, event.NewMessageType, 1)[0])
}

func TestCoordinator_Disconnect_Releases_Emptied_Topics_Only(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	// Given c1 on T1 and T2, c2 on T2
	c1, _ := h.connect(ctx)
	c2, c2Sink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, c1, "T1")
	h.coord.OnSubscribe(ctx, c1, "T2")
	h.coord.OnSubscribe(ctx, c2, "T2")

	// When c1 disconnects
	h.coord.OnDisconnect(ctx, c1)

	// Then T1 is torn down and T2 still serves c2
	req.False(h.coord.Listening("T1"))
	req.True(h.coord.Listening("T2"))
	req.Empty(h.registry.SubscribersOf("T1"))
	req.Equal([]domain.ConnectionID{c2}, h.registry.SubscribersOf("T2"))
	req.Equal([]domain.Topic{"T2"}, h.registry.TopicsOf(c2))
	req.Equal(float64(1), testutil.ToFloat64(h.metrics.Connections))

	h.outOfBand(t, "T2", "still here")
	c2Sink.waitFor(t, event.NewMessageType, 1)

	// A second disconnect is a no-op
	h.coord.OnDisconnect(ctx, c1)
	req.Equal(float64(1), testutil.ToFloat64(h.metrics.Connections))
}

func TestCoordinator_Listener_Follows_Subscriber_Count(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	a, _ := h.connect(ctx)
	b, _ := h.connect(ctx)
	steps := []func(){
		func() { h.coord.OnSubscribe(ctx, a, "x") },
		func() { h.coord.OnSubscribe(ctx, b, "x") },
		func() { h.coord.OnUnsubscribe(ctx, a, "x") },
		func() { h.coord.OnSubscribe(ctx, a, "y") },
		func() { h.coord.OnUnsubscribe(ctx, b, "x") },
		func() { h.coord.OnSubscribe(ctx, b, "y") },
		func() { h.coord.OnDisconnect(ctx, a) },
		func() { h.coord.OnDisconnect(ctx, b) },
	}
	for i, step := range steps {
		step()
		req.True(h.listenerMatchesRegistry("x", "y"), "step %d", i)
	}
	req.Zero(h.coord.ListenerCount())
}

func TestCoordinator_Concurrent_Subscriptions_Keep_Listener_Consistent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})
	topics := []domain.Topic{"a", "b", "c"}

	var wg sync.WaitGroup
	for g := 0; g < 12; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			conn, _ := h.connect(ctx)
			for i := 0; i < 200; i++ {
				topic := topics[rnd.Intn(len(topics))]
				if rnd.Intn(2) == 0 {
					h.coord.OnSubscribe(ctx, conn, topic)
				} else {
					h.coord.OnUnsubscribe(ctx, conn, topic)
				}
			}
			if seed%3 == 0 {
				h.coord.OnDisconnect(ctx, conn)
			}
		}(int64(g))
	}
	wg.Wait()

	req.True(h.listenerMatchesRegistry(topics...))
	req.True(consistent(h.registry))
}

func TestCoordinator_Bounded_History_Is_Trimmed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics, HistoryLimit: 2, TrimBufferSize: 8})

	conn, _ := h.connect(ctx)
	h.coord.OnSubscribe(ctx, conn, "t")
	for i := 0; i < 5; i++ {
		h.coord.OnSend(ctx, conn, domain.SendCommand{Topic: "t", Message: fmt.Sprintf("m%d", i)})
	}

	require.Eventually(t, func() bool {
		entries, err := h.store.Read(ctx, "t")
		return err == nil && len(entries) == 2 && entries[0].Text == "m3" && entries[1].Text == "m4"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_History_Request_Needs_No_Subscription(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModeTopics})

	at := time.Now()
	req.NoError(h.store.Append(ctx, domain.NewMessage("archive", "x", "old", at)))

	conn, sink := h.connect(ctx)
	h.coord.OnHistoryRequest(ctx, conn, "archive")

	responses := sink.named(event.HistoryResponseType)
	req.Len(responses, 1)
	resp := responses[0].(event.HistoryResponse)
	req.Equal(domain.Topic("archive"), resp.Channel)
	req.Len(resp.History, 1)
	req.Equal("old", resp.History[0].Text)
	req.False(h.registry.IsSubscribed(conn, "archive"))
}

func TestCoordinator_Peer_Mode(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	roster := domain.NewRoster([]string{"alice", "bob", "carol"})
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModePeers, Roster: roster})

	// Given a connection joining, it receives the roster and its channels
	alice, aliceSink := h.connect(ctx)
	inits := aliceSink.named(event.InitType)
	req.Len(inits, 1)
	req.Equal(event.Init{
		Roster:   []string{"alice", "bob", "carol"},
		Channels: []string{"public", "alice:bob", "alice:carol", "bob:carol"},
	}, inits[0])

	bob, bobSink := h.connect(ctx)
	h.coord.OnSubscribe(ctx, bob, domain.DeriveChannel("bob", "alice"))

	// When alice writes to bob
	h.coord.OnSend(ctx, alice, domain.SendCommand{Sender: "alice", Recipient: "bob", Message: "hi"})

	// Then bob gets it on the derived channel, prefixed with the sender
	req.Equal(event.NewMessage{Channel: "alice:bob", Message: "alice: hi"}, bobSink.waitFor(t, event.NewMessageType, 1)[0])

	// And the history request returns it
	h.coord.OnHistoryRequest(ctx, bob, "alice:bob")
	resp := bobSink.named(event.HistoryResponseType)[0].(event.HistoryResponse)
	req.Len(resp.History, 1)
	req.Equal("alice: hi", resp.History[0].Text)
}

func TestCoordinator_Peer_Mode_Rejections(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	roster := domain.NewRoster([]string{"alice", "bob"})
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModePeers, Roster: roster})

	conn, sink := h.connect(ctx)
	h.coord.OnSend(ctx, conn, domain.SendCommand{Sender: "mallory", Recipient: "public", Message: "x"})
	h.coord.OnSend(ctx, conn, domain.SendCommand{Sender: "alice", Recipient: "mallory", Message: "x"})
	h.coord.OnSubscribe(ctx, conn, "alice:mallory")

	errs := sink.named(event.ErrorType)
	req.Len(errs, 3)
	req.Contains(errs[2].Data(), errors.ErrUnknownChannel.Error())
	req.Equal(float64(3), testutil.ToFloat64(h.metrics.Rejected.WithLabelValues(observability.ReasonUnauthorized)))
	req.Equal(float64(0), testutil.ToFloat64(h.metrics.Published))

	entries, err := h.store.Read(ctx, domain.PublicChannel)
	req.NoError(err)
	req.Empty(entries)
}

func TestCoordinator_Peer_Mode_Topic_Send_Is_Malformed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	roster := domain.NewRoster([]string{"alice", "bob"})
	h := newHarness(t, CoordinatorConfig{Mode: domain.ModePeers, Roster: roster})
	conn, sink := h.connect(ctx)

	// Given a topic-mode command sent to a peer relay
	h.coord.OnSend(ctx, conn, domain.SendCommand{Topic: "public", Message: "x"})

	// Then it is refused as malformed, not as an unknown party
	errs := sink.named(event.ErrorType)
	req.Len(errs, 1)
	req.Contains(errs[0].Data(), errors.ErrMalformedEvent.Error())
	req.Equal(float64(1), testutil.ToFloat64(h.metrics.Rejected.WithLabelValues(observability.ReasonMalformed)))
	req.Equal(float64(0), testutil.ToFloat64(h.metrics.Rejected.WithLabelValues(observability.ReasonUnauthorized)))
	req.Equal(float64(0), testutil.ToFloat64(h.metrics.Published))
}

func TestCoordinator_Shutdown(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := slog.Default()
	bus := backplane.NewMemoryBus()
	bp := backplane.NewMemoryBackplane(log, bus, 4)
	store, err := repositories.NewMemoryStore(10, 0)
	req.NoError(err)
	sup := workers.NewSupervisor(log, 0)
	registry := NewRegistry()
	coord := NewCoordinator(log, registry, bp, store, sup, nil,
		CoordinatorConfig{Mode: domain.ModeTopics, HistoryLimit: 10, TrimBufferSize: 4})
	coord.Start(ctx)

	conn := domain.NewConnectionID()
	sink := &recorder{}
	coord.OnConnect(ctx, conn, sink)
	coord.OnSubscribe(ctx, conn, "t")
	coord.OnSend(ctx, conn, domain.SendCommand{Topic: "t", Message: "before"})

	// When shutting down
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req.NoError(coord.Shutdown(shutdownCtx))

	// Then listeners and workers are gone and new requests are refused
	req.Zero(coord.ListenerCount())
	req.NoError(sup.Wait(shutdownCtx))
	coord.OnSubscribe(ctx, conn, "u")
	errs := sink.named(event.ErrorType)
	req.Len(errs, 1)
	req.Equal(errors.ErrShuttingDown.Error(), errs[0].Data())
	req.ErrorIs(bp.Publish(ctx, domain.NewMessage("t", "x", "after", time.Now())), errors.ErrBackplaneClosed)

	// Disconnects are still accepted
	coord.OnDisconnect(ctx, conn)
	req.False(registry.IsSubscribed(conn, "t"))
}
