package gateway

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/sink"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client is one WebSocket connection. The read pump turns frames into
// coordinator calls, one at a time; the write pump drains the sink.
type Client struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	sink    *sink.ConnectionSink
	gateway *Gateway
	addr    string
	limiter *rate.Limiter
	log     *slog.Logger
}

func newClient(g *Gateway, conn *websocket.Conn, addr string) *Client {
	conn.SetReadLimit(g.cfg.MaxMessageSize)
	id := domain.NewConnectionID()
	return &Client{
		id:      id,
		conn:    conn,
		sink:    sink.NewConnectionSink(g.cfg.BufferSize),
		gateway: g,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(float64(g.cfg.Burst)/g.cfg.RefillInterval.Seconds()), g.cfg.Burst),
		log:     g.log.With("conn", id, "addr", addr),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.coordinator.OnDisconnect(ctx, c.id)
		c.sink.Close()
		c.closeConnection()
		c.gateway.untrack(c)
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.log.Debug("Rate limit exceeded, discarding message")
			c.gateway.metrics.Rejected.WithLabelValues(observability.ReasonRateLimited).Inc()
			continue
		}
		c.processMessage(ctx, raw)
	}
}

// handleReadError only decides how loud the end of the connection is.
func (c *Client) handleReadError(err error) {
	switch {
	case stderrors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "max", c.gateway.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("Client disconnected", "error", err)
	case stderrors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Connection closed", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

func (c *Client) processMessage(ctx context.Context, raw []byte) {
	req, err := Decode(raw)
	if err != nil {
		c.log.Debug("Invalid message", "error", err)
		c.gateway.metrics.Rejected.WithLabelValues(observability.ReasonMalformed).Inc()
		c.reply(ctx, event.FromError(err))
		return
	}

	coordinator := c.gateway.coordinator
	switch req.Event {
	case SubscribeEvent:
		coordinator.OnSubscribe(ctx, c.id, req.Topic)
	case UnsubscribeEvent:
		coordinator.OnUnsubscribe(ctx, c.id, req.Topic)
	case SendMessageEvent:
		coordinator.OnSend(ctx, c.id, req.Send)
	case RequestHistoryEvent:
		coordinator.OnHistoryRequest(ctx, c.id, req.Topic)
	}
}

func (c *Client) reply(ctx context.Context, e event.DomainEvent) {
	replyCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := c.sink.Consume(replyCtx, e); err != nil {
		c.log.Debug("Reply lost", "event", e.Name(), "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case e := <-c.sink.Events():
			if !c.writeEvent(e) {
				return
			}
		case <-c.sink.Done():
			c.writeClose()
			return
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeEvent sends one event per text frame.
func (c *Client) writeEvent(e event.DomainEvent) bool {
	payload, err := Encode(e)
	if err != nil {
		c.log.Error("Unable to encode event", "event", e.Name(), "error", err)
		return true
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, errors.ErrShuttingDown.Error())
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "error", err)
	}
}

// writePing sends a ping message to keep the connection alive
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping", "error", err)
		return false
	}
	return true
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection", "error", err)
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
