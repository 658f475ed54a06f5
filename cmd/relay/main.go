package main

import (
	"chat-relay/backplane"
	"chat-relay/contract"
	"chat-relay/gateway"
	"chat-relay/internal"
	"chat-relay/observability"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until a signal arrives and tears
// everything down in reverse order. Deferred closes run before main exits.
func run() (err error) {
	// 1. Configuration & Logger
	config, err := internal.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	mode, err := config.Mode()
	if err != nil {
		return err
	}

	// 2. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Redis, shared by the backplane and the bounded history
	var client *redis.Client
	if config.UsesRedis() {
		client = redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		defer func() {
			log.Info("Closing Redis client...")
			err = multierr.Append(err, client.Close())
		}()
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			return fmt.Errorf("redis unreachable at %s: %w", config.RedisAddr, pingErr)
		}
	}

	// 4. History store
	history, closeHistory, err := openHistory(log, config, client)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing history store...")
		err = multierr.Append(err, closeHistory())
	}()

	// 5. Backplane
	var bp contract.Backplane
	switch config.Backplane {
	case internal.BackplaneRedis:
		bp = backplane.NewRedisBackplane(ctx, log, client, client, config.RedisChannelPrefix, config.BackplaneBufferSize)
	default:
		bp = backplane.NewMemoryBackplane(log, backplane.NewMemoryBus(), config.BackplaneBufferSize)
	}

	// 6. Coordinator under supervision
	metrics := observability.NewMetrics()
	sup := workers.NewSupervisor(log, config.RestartInterval)
	historyLimit := 0
	if config.Bounded() {
		historyLimit = config.HistoryLimit
	}
	coordinator := runtime.NewCoordinator(log, runtime.NewRegistry(), bp, history, sup, metrics,
		runtime.CoordinatorConfig{
			Mode:           mode,
			Roster:         config.ParsedRoster(),
			HistoryLimit:   historyLimit,
			TrimBufferSize: config.TrimBufferSize,
			SinkTimeout:    config.SinkTimeout,
			SampleInterval: config.MetricInterval,
		})
	coordinator.Start(ctx)

	// 7. Gateway & HTTP server
	gw := gateway.NewGateway(log, coordinator, metrics, gateway.Config{
		AllowedOrigins: config.Origins(),
		MaxMessageSize: config.MaxMessageSize,
		Burst:          config.RateLimitBurst,
		RefillInterval: config.RateLimitInterval,
		BufferSize:     config.ConnectionBufferSize,
	})
	server := gateway.CreateServer(config.Address(), gateway.SetupRoutes(gw))

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting relay", "address", config.Address(), "mode", mode,
			"backplane", config.Backplane, "history", config.HistoryMode, "at", time.Now().UTC())
		if serveErr := server.ListenAndServe(); serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", serveErr)
		}
	}()

	// 8. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err = <-errChan:
		log.Error("Server failed", "error", err)
	}

	// 9. Final Cleanup: stop accepting, close clients, drain the coordinator
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	err = multierr.Combine(
		err,
		gateway.ShutdownServer(log, server, config.ShutdownTimeout),
		gw.Shutdown(shutdownCtx),
		coordinator.Shutdown(shutdownCtx),
	)
	log.Info("Relay stopped")
	return err
}

// openHistory returns the configured store and what releases its resources.
func openHistory(log *slog.Logger, config internal.Config, client redis.UniversalClient) (contract.HistoryStore, func() error, error) {
	if config.UsesBadger() {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		repository := repositories.NewMessageRepository(db, log)
		if config.Bounded() {
			repository = repository.WithLimit(config.HistoryLimit)
		}
		return repository, db.Close, nil
	}

	if config.HistoryBackend == internal.BackplaneRedis {
		store := repositories.NewBoundedRedisStore(client, log, config.HistoryLimit)
		return store, store.Close, nil
	}
	store, err := repositories.NewMemoryStore(config.HistoryLimit, config.HistoryMaxTopics)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
