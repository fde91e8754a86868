// Kestrel - Multi-signal risk decisioning with an audit trail.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/taxonomy"
	"github.com/opensource-finance/kestrel/internal/text"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logger
	slog.SetDefault(config.NewLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"embeddings", cfg.Embeddings.Provider,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Taxonomy (fatal when invalid)
	registry, err := taxonomy.NewRegistry(cfg.Taxonomy.Path)
	if err != nil {
		return err
	}
	slog.Info("taxonomy loaded",
		"path", cfg.Taxonomy.Path,
		"version", registry.Version(),
		"categories", len(registry.Current().Categories),
	)

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	if err := repo.SaveTaxonomySnapshot(ctx, registry.Loaded().Snapshot()); err != nil {
		return fmt.Errorf("failed to pin taxonomy %s: %w", registry.Version(), err)
	}

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Fraud source
	card, err := fraud.LoadModelCard(cfg.Fraud.ModelPath)
	if err != nil {
		return err
	}
	fraudScorer, err := fraud.NewLinearScorer(card)
	if err != nil {
		return err
	}
	fraudSource := fraud.NewSource(fraudScorer, cfg.Fraud.TopK)
	slog.Info("fraud model loaded", "model", card.Name, "model_version", card.Version)

	// Text source
	embedder := newEmbedder(cfg.Embeddings, cacheImpl)
	labelIndex, err := text.LoadOrBuildLabelIndex(ctx, cfg.Taxonomy.LabelIndexDir, embedder, registry.Current(), registry.Loaded().Hash)
	if err != nil {
		return fmt.Errorf("failed to prepare label index: %w", err)
	}
	textRules, err := text.NewRuleEngine(text.DefaultRules())
	if err != nil {
		return err
	}
	cases, err := loadRetriever(embedder, cfg.Embeddings.CaseIndexPath)
	if err != nil {
		return err
	}
	documents, err := loadRetriever(embedder, cfg.Embeddings.DocumentIndexPath)
	if err != nil {
		return err
	}
	textSource, err := text.NewSource(text.SourceConfig{
		Rules:      textRules,
		Embedder:   embedder,
		LabelIndex: labelIndex,
		Cases:      cases,
		Documents:  documents,
		Contacts:   velocity.NewService(repo, cacheImpl, cfg.Orchestrator.ContactWindow),
	})
	if err != nil {
		return err
	}

	// Decision engine and orchestrator
	policy, err := decision.PolicyFromConfig(cfg.Decision)
	if err != nil {
		return err
	}
	orch := orchestrator.New(
		decision.NewEngine(registry, policy),
		[]domain.SignalSource{fraudSource, textSource},
		cfg.Orchestrator,
	)
	slog.Info("orchestrator initialized",
		"sources", len(orch.Sources()),
		"policy_version", policy.Version,
		"signal_timeout", cfg.Orchestrator.SignalTimeout,
	)

	// Risk service
	writer := audit.NewRepositoryWriter(repo, audit.Options{Env: cfg.Env, ServiceName: cfg.Tracing.ServiceName})
	svc := service.New(orch, writer, service.WithEventBus(busImpl))

	// Async worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Scorer:   svc,
		Registry: registry,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		OnReload: func(ctx context.Context, l *taxonomy.Loaded) error {
			idx, err := text.LoadOrBuildLabelIndex(ctx, cfg.Taxonomy.LabelIndexDir, embedder, l.Taxonomy, l.Hash)
			if err != nil {
				return err
			}
			textSource.SetLabelIndex(idx)
			return nil
		},
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, registry.Version(), Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// newEmbedder returns the configured embedder behind the embedding cache.
func newEmbedder(cfg domain.EmbeddingsConfig, c domain.Cache) text.Embedder {
	var inner text.Embedder
	if cfg.Provider == "http" {
		inner = text.NewHTTPEmbedder(cfg)
	} else {
		inner = text.NewHashingEmbedder(cfg.HashDim)
	}
	slog.Info("embedder initialized", "provider", cfg.Provider, "model", inner.Model())
	return text.NewCachedEmbedder(inner, c, cfg.CacheTTL)
}

// loadRetriever opens an optional vector store. An empty path disables it.
func loadRetriever(emb text.Embedder, path string) (text.Retriever, error) {
	if path == "" {
		return nil, nil
	}
	store, err := text.LoadVectorStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load vector store %s: %w", path, err)
	}
	slog.Info("vector store loaded", "path", path, "documents", store.Len())
	return text.NewStoreRetriever(emb, store), nil
}

func printBanner(cfg *domain.Config, taxonomyVersion, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║       Multi-signal risk decisioning       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Taxonomy: %s\n", taxonomyVersion)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /risk/score                   - Score a request (?explain=1)")
	fmt.Println("    GET  /decisions/{id}               - Get an audited decision")
	fmt.Println("    GET  /decisions                    - List decisions by entity")
	fmt.Println("    GET  /taxonomy                     - Active taxonomy")
	fmt.Println("    GET  /taxonomy/snapshots/{version} - Pinned taxonomy")
	fmt.Println("    POST /taxonomy/reload              - Hot-reload the taxonomy")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println("    GET  /metrics                      - Prometheus metrics")
	fmt.Println()
}
