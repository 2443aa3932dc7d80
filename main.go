package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/internal/api"
	"dvermarket/catalogworker/internal/importer"
	"dvermarket/catalogworker/internal/jobs"
	"dvermarket/catalogworker/internal/normalize"
	"dvermarket/catalogworker/internal/ranking"
	"dvermarket/catalogworker/internal/scraper"
	"dvermarket/catalogworker/internal/store"
	"dvermarket/catalogworker/logger"
	"dvermarket/catalogworker/services/cache"
	"dvermarket/catalogworker/services/publisher"
	"dvermarket/catalogworker/services/worker"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("http_addr", cfg.HTTPAddr).
		Int("workers", cfg.WorkerCount).
		Msg("Starting catalog worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize infrastructure services
	services, err := initializeServices(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	// Build the import pipeline
	synonyms, err := normalize.LoadSynonyms(cfg.SynonymsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load synonym table")
	}
	imp := importer.New(services.Store, normalize.New(synonyms), cfg.MatchThreshold)

	// Build the vendor adapters
	fetcher := scraper.NewFetcher(&cfg, services.Cache)
	browser := scraper.NewBrowserClient(&cfg)
	adapters := scraper.NewAdapters(&cfg, fetcher, browser)
	if len(adapters) == 0 {
		log.Fatal().Msg("No vendor adapters were created")
	}

	// Start the job pool and orchestrator
	pool := worker.NewPool(cfg.WorkerCount, 0)
	pool.Start()
	manager := jobs.NewManager(&cfg, adapters, imp, pool, services.Store, services.Publisher)

	// Start the ranking scheduler
	engine := ranking.New(services.Store, &cfg)
	scheduler := ranking.NewScheduler(engine)
	if err := scheduler.Start(cfg.RankingCron); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ranking scheduler")
	}

	// Serve the admin API
	router := api.New(manager, services.Store, scheduler).Router()
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- router.Start(cfg.HTTPAddr)
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("Admin API listening")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server exited with error")
		}
	}

	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timed out waiting for ranking scheduler")
	}

	// Stop cancels running jobs; their terminal states are still persisted.
	pool.Stop()
	browser.Shutdown(shutdownCtx)
}

// Services holds the shared infrastructure clients
type Services struct {
	Store     *store.Postgres
	Cache     cache.CacheService
	Publisher publisher.Publisher
}

// Cleanup closes all services
func (s *Services) Cleanup() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// initializeServices connects the catalog store, cache and event publisher
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	services.Store = pg

	logger.Info("Connected to Postgres")

	services.Cache = cache.NewMemcacheService(cfg.MemcacheAddr)

	logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)

	services.Publisher = publisher.NewRedisPublisher(
		ctx,
		cfg.RedisAddr,
		cfg.RedisDB,
		cfg.RedisStream,
		cfg.RedisStreamCount,
		cfg.RedisStreamMaxLength,
	)

	logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
		cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)

	return services, nil
}
