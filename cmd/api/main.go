package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visualai/lenslike/internal/api"
	"github.com/visualai/lenslike/internal/catalog"
	"github.com/visualai/lenslike/internal/config"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/fetch"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
	"github.com/visualai/lenslike/internal/repository"
	"github.com/visualai/lenslike/internal/service"
	"github.com/visualai/lenslike/internal/storage"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(logger.FromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	stateRepo := repository.NewSearchStateRepository(db)
	jobRepo := repository.NewReindexJobRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx, cleanup, err := buildIndex(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize vector index")
	}
	if cleanup != nil {
		defer cleanup()
	}

	embedder := embedding.NewRemoteEmbedder(&embedding.RemoteConfig{
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
	})
	extractor := embedding.NewExtractor(embedder, cfg.Embedding.Timeout)

	var store storage.ObjectStorage
	if cfg.Storage.Enabled {
		s3Store, err := storage.NewS3Store(&storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize object storage")
		}
		store = s3Store
	}
	fetcher := fetch.New(store, cfg.Catalog.Timeout)

	catalogClient := catalog.NewClient(&catalog.ClientConfig{
		BaseURL: cfg.Catalog.BaseURL,
		Timeout: cfg.Catalog.Timeout,
	})

	searchService := service.NewSearchService(extractor, idx, catalogClient, appLogger, &service.SearchConfig{
		ScoreThreshold: cfg.Search.ScoreThreshold,
		MaxTopK:        cfg.Search.MaxTopK,
	})
	syncService := service.NewSyncService(idx, extractor, fetcher, stateRepo, appLogger, &service.SyncConfig{
		Workers:        cfg.Sync.Workers,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		InitialBackoff: cfg.Sync.InitialBackoff,
	})
	reindexService := service.NewReindexService(
		idx, extractor, fetcher, catalogClient, stateRepo, jobRepo, appLogger,
		&service.ReindexConfig{
			Workers:      cfg.Reindex.Workers,
			SnapshotPath: cfg.Index.SnapshotPath,
		},
	)

	// Catalog mutations flow from the poller into the sync workers for as
	// long as the server runs.
	poller := catalog.NewPoller(catalogClient, cfg.Catalog.PollInterval)
	go poller.Run(ctx)
	go syncService.Run(ctx, poller.Events())

	if cfg.Reindex.OnStart && idx.Size() == 0 {
		go func() {
			appLogger.Info("Index is empty, starting initial reindex")
			if _, err := reindexService.Reindex(ctx); err != nil {
				appLogger.WithError(err).Error("Initial reindex failed")
			}
		}()
	}

	var allowedOrigins []string
	if !cfg.Server.CORS.AllowAllOrigins {
		allowedOrigins = cfg.Server.CORS.AllowedOrigins
	}
	router := api.SetupRouter(api.RouterDeps{
		Search:    searchService,
		Reindexer: reindexService,
		Index:     idx,
		States:    stateRepo,
		Jobs:      jobRepo,
	}, cfg.Server.Mode, allowedOrigins)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}

// buildIndex selects the configured index backend. The flat backend loads
// its last saved snapshot when one exists, so restarts do not start cold.
func buildIndex(ctx context.Context, cfg *config.Config) (index.Index, func() error, error) {
	switch cfg.Index.Backend {
	case "qdrant":
		q, err := index.NewQdrant(ctx, &index.QdrantConfig{
			Host:       cfg.Index.Qdrant.Host,
			Port:       cfg.Index.Qdrant.Port,
			Collection: cfg.Index.Qdrant.Collection,
			APIKey:     cfg.Index.Qdrant.APIKey,
			UseTLS:     cfg.Index.Qdrant.UseTLS,
			Dims:       cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "", "flat":
		flat, err := index.NewFlat(cfg.Embedding.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		if path := cfg.Index.SnapshotPath; path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				if err := flat.Load(path); err != nil {
					return nil, nil, fmt.Errorf("load index snapshot: %w", err)
				}
			}
		}
		return flat, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}
}
