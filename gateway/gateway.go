// Package gateway terminates client WebSocket connections and translates
// their frames into coordinator operations.
package gateway

import (
	"chat-relay/contract"
	"chat-relay/observability"
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

type Gateway struct {
	log         *slog.Logger
	coordinator contract.ICoordinator
	metrics     *observability.Metrics
	cfg         Config
	origins     originPolicy
	upgrader    websocket.Upgrader

	// ctx outlives HTTP requests, it is what coordinator calls run under.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(log *slog.Logger, coordinator contract.ICoordinator, metrics *observability.Metrics, cfg Config) *Gateway {
	cfg = sanitizeConfig(cfg)
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		log:         log,
		coordinator: coordinator,
		metrics:     metrics,
		cfg:         cfg,
		origins:     newOriginPolicy(log, cfg.AllowedOrigins),
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[*Client]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.origins.allows(r) {
		return true
	}
	g.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(g, conn, r.RemoteAddr)
	if !g.track(client) {
		client.closeConnection()
		return
	}
	g.coordinator.OnConnect(g.ctx, client.id, client.sink)

	go client.writePump()
	go client.readPump(g.ctx)
}

func (g *Gateway) track(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.clients[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		g.wg.Done()
	}
}

// Clients is the number of open connections.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown asks every connection to close and waits for their disconnect
// to be processed. Connections still open when ctx is done are cut.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.sink.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.closeConnection()
		}
		g.cancel()
		return ctx.Err()
	}
}
