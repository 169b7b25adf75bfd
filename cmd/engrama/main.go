// Engrama is a multi-tenant memory service for AI applications.
//
// The binary starts the HTTP API backed by a relational metadata store,
// a Qdrant vector index, and a TEI-compatible embedding endpoint.
//
// Usage:
//
//	# Start with defaults (SQLite under ./data, Qdrant on localhost)
//	engrama
//
//	# Start with a config file; environment variables still win
//	engrama -config engrama.yaml
//
//	# Configure via environment
//	ENGRAMA_SERVER_PORT=9090 ENGRAMA_QDRANT_HOST=qdrant.internal engrama
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/config"
	"github.com/fyrsmithlabs/engrama/internal/embeddings"
	"github.com/fyrsmithlabs/engrama/internal/logging"
	"github.com/fyrsmithlabs/engrama/internal/memory"
	"github.com/fyrsmithlabs/engrama/internal/metastore"
	"github.com/fyrsmithlabs/engrama/internal/ratelimit"
	"github.com/fyrsmithlabs/engrama/internal/server"
	"github.com/fyrsmithlabs/engrama/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  engrama [-config path]   Start the engrama server\n")
			fmt.Fprintf(os.Stderr, "  engrama version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "engrama: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("engrama\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every dependency and blocks until the context is cancelled or
// the server fails:
//  1. Configuration and logger
//  2. Metadata store (SQLite or Postgres) with schema migration
//  3. Qdrant vector index with collection bootstrap
//  4. Embedding service
//  5. Rate limiter (Redis-backed with in-process failover, or in-process only)
//  6. Channel manager, memory engine, HTTP server
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	server.Version = version
	logger.Info("starting engrama",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		logging.RedactedString("admin_token", cfg.Auth.AdminToken))

	if cfg.Auth.AdminToken == "" {
		logger.Warn("no admin token configured; the channel management surface will deny every request")
	}

	if err := os.MkdirAll(cfg.Metadata.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := metastore.Open(ctx, cfg.Metadata.URI, logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() { _ = store.Close() }()

	index, err := vectorindex.NewIndex(vectorindex.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
		VectorSize: cfg.Qdrant.VectorSize,
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer func() { _ = index.Close() }()

	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensuring qdrant collection: %w", err)
	}
	logger.Info("vector index ready",
		zap.String("host", cfg.Qdrant.Host),
		zap.String("collection", cfg.Qdrant.Collection),
		zap.Uint64("vector_size", cfg.Qdrant.VectorSize))

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	limiter, closeLimiter, err := buildLimiter(cfg, logger)
	if err != nil {
		return fmt.Errorf("building rate limiter: %w", err)
	}
	defer closeLimiter()

	manager := channel.NewManager(store, index, logger)
	engine := memory.NewEngine(store, index, embedder, logger)

	srv, err := server.NewServer(server.Config{
		Port:             cfg.Server.Port,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		CORSOrigins:      cfg.Server.Origins(),
		AdminToken:       cfg.Auth.AdminToken,
		MaxContentLength: cfg.Limits.MaxContentLength,
		MaxNameLength:    cfg.Limits.MaxNameLength,
		MaxTags:          cfg.Limits.MaxTags,
	}, engine, manager, limiter, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// buildLimiter assembles the rate limiter per configuration. With a Redis
// URL the window is shared across replicas and a per-process limiter takes
// over whenever Redis errors; without one the per-process limiter runs alone.
func buildLimiter(cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RateLimit.PerMinute == 0 {
		logger.Warn("rate limiting disabled")
		return ratelimit.NoLimiter{}, func() {}, nil
	}

	inProcess := ratelimit.NewMemoryLimiter(cfg.RateLimit.PerMinute)
	if cfg.Redis.URL == "" {
		logger.Info("rate limiter running in-process", zap.Int("per_minute", cfg.RateLimit.PerMinute))
		return inProcess, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	logger.Info("rate limiter backed by redis",
		zap.String("addr", opts.Addr),
		zap.Int("per_minute", cfg.RateLimit.PerMinute))

	primary := ratelimit.NewRedisLimiter(client, cfg.RateLimit.PerMinute)
	failover := ratelimit.NewFailoverLimiter(primary, inProcess, func(err error) {
		logger.Warn("redis limiter failed; serving from in-process fallback", zap.Error(err))
	})
	return failover, func() { _ = client.Close() }, nil
}
