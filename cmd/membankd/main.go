// Command membankd runs the conversational memory daemon: the HTTP API,
// the enrichment worker pool, and the nightly consolidation scheduler.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/config"
	"github.com/chartmann1590/mumble-ai-memory/internal/engine"
	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/observability"
	"github.com/chartmann1590/mumble-ai-memory/internal/server"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/postgres"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/rediscache"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage/sqlite"
)

var dataPath = flag.String("data", "", "Data directory for sqlite storage (overrides config)")

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	cache, err := openCache(cfg)
	if err != nil {
		log.Fatalf("Failed to open session cache: %v", err)
	}
	defer cache.Close()

	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to create text generator: %v", err)
	}

	// Without an embedder the engine still runs: search degrades to
	// lexical-only and turns skip the embedding stage.
	var embedder llm.EmbeddingGenerator
	if embedder, err = llm.NewEmbeddingGenerator(cfg.LLM); err != nil {
		log.Printf("WARNING: Embedding generator unavailable, running lexical-only: %v", err)
		embedder = nil
	}

	metrics := observability.NewMetrics("membank")

	manager, err := engine.NewManager(store, cache, generator, embedder, metrics, engine.ConfigFromApp(cfg))
	if err != nil {
		log.Fatalf("Failed to create memory engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start memory engine: %v", err)
	}

	scheduler := engine.NewScheduler(manager, cfg.Consolidation.SchedulerHour)
	scheduler.Start()

	addr, err := server.Start(ctx, cfg, manager)
	if err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
	log.Printf("membankd ready on %s (storage=%s)", addr, cfg.Storage.Engine)

	<-ctx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: Engine shutdown: %v", err)
	}

	log.Println("Shutdown complete")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(filepath.Join(cfg.Storage.DataPath, "membank.db"))
	}
}

func openCache(cfg *config.Config) (storage.SessionCache, error) {
	if cfg.Cache.RedisAddr == "" {
		return rediscache.NewMemory(cfg.Cache.WindowSize, cfg.Cache.TTL), nil
	}
	return rediscache.New(rediscache.Config{
		Addr:       cfg.Cache.RedisAddr,
		Password:   cfg.Cache.RedisPassword,
		DB:         cfg.Cache.RedisDB,
		WindowSize: cfg.Cache.WindowSize,
		TTL:        cfg.Cache.TTL,
	})
}
