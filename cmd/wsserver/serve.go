package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wsmesh/wsmesh/internal/adapter"
	"github.com/wsmesh/wsmesh/internal/config"
	"github.com/wsmesh/wsmesh/internal/logging"
	"github.com/wsmesh/wsmesh/internal/wsserver"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

// runServe mirrors the teacher's main(): build the dependent pieces,
// start the long-running service, then wait for a termination signal
// and tear down cleanly.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	a, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return fmt.Errorf("adapter: %w", err)
	}

	srv, err := wsserver.New(cfg, logger, a)
	if err != nil {
		return fmt.Errorf("wsserver: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	select {
	case <-term:
		logger.Infof("wsserver: received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	return srv.Close()
}

// buildAdapter constructs the configured Adapter backing. Only the
// command layer dials out to Redis/Mongo; wsserver itself stays
// storage-agnostic and defaults to an in-process MemoryAdapter.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Kind {
	case "", "memory":
		return adapter.NewMemoryAdapter(), nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			opts = &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		}
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = "ws"
		}
		return adapter.NewRedisAdapter(opts, prefix, 30*time.Second), nil

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo.Connect: %w", err)
		}
		dbName := cfg.MongoDB
		if dbName == "" {
			dbName = "wsmesh"
		}
		prefix := cfg.MongoPrefix
		if prefix == "" {
			prefix = "ws"
		}
		return adapter.NewMongoAdapter(client.Database(dbName), prefix, 30*time.Second), nil

	default:
		return nil, fmt.Errorf("unknown adapter kind %q", cfg.Kind)
	}
}
