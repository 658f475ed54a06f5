package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SetupRoutes mounts the WebSocket endpoint, the health check and the
// metrics exposition.
func SetupRoutes(g *Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", g)
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/metrics", g.metrics.Handler())
	return mux
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ok")
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// WriteTimeout stays unset, hijacked WebSocket connections manage their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer stops accepting connections and waits for in-flight HTTP
// requests until timeout.
func ShutdownServer(log *slog.Logger, server *http.Server, timeout time.Duration) error {
	log.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
		return err
	}
	log.Info("HTTP server shutdown completed")
	return nil
}
