// Package server is the public entry point for composing the Maestro
// orchestrator: it wires the registry, supervisor, retrieval, routing,
// engine, and HTTP surface into one ready-to-listen server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/api"
	"github.com/maestro-llm/maestro/internal/api/handlers"
	"github.com/maestro-llm/maestro/internal/cgrag"
	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/embeddings"
	"github.com/maestro-llm/maestro/internal/engine"
	"github.com/maestro-llm/maestro/internal/events"
	"github.com/maestro-llm/maestro/internal/inference"
	"github.com/maestro-llm/maestro/internal/pipeline"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/internal/routing"
	"github.com/maestro-llm/maestro/internal/supervisor"
	"github.com/maestro-llm/maestro/internal/telemetry"
	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// watchDebounce coalesces bursts of model-directory events into one rescan.
const watchDebounce = 2 * time.Second

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	Config     *config.Config
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Engine     *engine.Engine
	Bus        *events.Bus

	telemetryShutdown func(context.Context) error
	sweeperStop       chan struct{}
	watchCancel       context.CancelFunc
}

// New initializes all components from the environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bus := events.NewBus()

	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		reg = registry.New(cfg.RegistryPath(), cfg.ScanPath, cfg.PortRange, cfg.TierThresholds)
		log.Info().Str("path", cfg.RegistryPath()).Msg("Starting with a fresh registry")
	} else {
		reg.SetScanPath(cfg.ScanPath)
	}
	if n, err := reg.Scan(); err != nil {
		log.Warn().Err(err).Msg("Initial registry scan failed")
	} else {
		log.Info().Int("models", n).Msg("Registry scanned")
	}

	var watchCancel context.CancelFunc
	if cfg.WatchModels {
		var wctx context.Context
		wctx, watchCancel = context.WithCancel(context.Background())
		go func() {
			if err := reg.Watch(wctx, watchDebounce); err != nil {
				log.Warn().Err(err).Msg("Model directory watch stopped")
			}
		}()
	}

	sup := supervisor.New(reg, bus, supervisor.Options{
		Bin:          cfg.LlamaServerBin,
		ReadyTimeout: cfg.ReadyTimeout,
		StopGrace:    cfg.StopGrace,
		Defaults:     cfg.Settings,
	})

	embedder := embeddings.NewOllamaDriver(cfg.EmbedEndpoint, cfg.EmbedModel)
	retriever := cgrag.NewRetriever(loadIndex(ctx, cfg, embedder), embedder)

	tracker := pipeline.NewTracker(bus)
	sweeperStop := make(chan struct{})
	tracker.StartSweeper(sweeperStop)

	router := routing.New(reg, sup.IsReady)
	profiles := engine.DefaultProfiles()
	eng := engine.New(engine.Options{
		Registry:  reg,
		Selector:  router,
		Ready:     sup.IsReady,
		Retriever: retriever,
		Tracker:   tracker,
		Events:    bus,
		Clients:   inference.Factory,
		Settings:  cfg.Settings,
		Personas:  profiles,
	})

	h := &handlers.Handlers{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Engine:     eng,
		Tracker:    tracker,
		Bus:        bus,
		Retriever:  retriever,
		Indexer:    cgrag.NewIndexer(embedder),
		Profiles:   profiles,
	}

	return &Server{
		Handler:           api.NewRouter(h),
		Port:              cfg.Port,
		Config:            cfg,
		Registry:          reg,
		Supervisor:        sup,
		Engine:            eng,
		Bus:               bus,
		telemetryShutdown: shutdown,
		sweeperStop:       sweeperStop,
		watchCancel:       watchCancel,
	}, nil
}

// loadIndex opens the configured CGRAG backend: pgvector when a connection
// URL is set, the persisted flat-file index otherwise. A missing index is
// normal on first boot; the retriever stays empty until one is built.
func loadIndex(ctx context.Context, cfg *config.Config, embedder contracts.EmbeddingDriver) contracts.VectorStore {
	if cfg.PgvectorURL != "" {
		store, err := cgrag.NewPgvectorStore(ctx, cfg.PgvectorURL, embedder.Dimensions())
		if err != nil {
			log.Warn().Err(err).Msg("pgvector unavailable, falling back to file index")
		} else {
			return store
		}
	}

	store, err := cgrag.LoadFileStore(cfg.IndexDir())
	switch {
	case err == nil:
		return store
	case errors.Is(err, models.ErrIndexMissing):
		log.Info().Str("dir", cfg.IndexDir()).Msg("No CGRAG index yet")
	default:
		log.Warn().Err(err).Msg("CGRAG index unusable")
	}
	return nil
}

// Shutdown stops the orchestrator in dependency order: no new queries (the
// caller has already closed the listener), then servers, sweeper, bus, and
// finally telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if err := s.Supervisor.StopAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Supervisor stop-all incomplete")
	}
	close(s.sweeperStop)
	s.Bus.Close()
	return s.telemetryShutdown(ctx)
}
