package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

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

// One-shot full reindex. Embeds every catalog product and swaps the index
// in one atomic rebuild, then saves the flat snapshot when configured.
func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "lenslike-reindex",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	configPath := flag.String("config", "", "Path to config file")
	workers := flag.Int("workers", 0, "Embedding worker count (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Reindex.Workers = *workers
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	stateRepo := repository.NewSearchStateRepository(db)
	jobRepo := repository.NewReindexJobRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLogger.Warn("Interrupted, cancelling reindex")
		cancel()
	}()

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

	reindexService := service.NewReindexService(
		idx, extractor, fetcher, catalogClient, stateRepo, jobRepo, appLogger,
		&service.ReindexConfig{
			Workers:      cfg.Reindex.Workers,
			SnapshotPath: cfg.Index.SnapshotPath,
		},
	)

	stats, err := reindexService.Reindex(ctx)
	if err != nil {
		appLogger.WithError(err).Fatal("Reindex failed")
	}

	appLogger.WithFields(logger.Fields{
		"job_id":    stats.JobID,
		"total":     stats.Total,
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"duration":  stats.Duration.String(),
	}).Info("Reindex completed")
}

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
	default:
		flat, err := index.NewFlat(cfg.Embedding.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		return flat, nil, nil
	}
}
