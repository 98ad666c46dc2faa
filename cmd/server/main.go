// Package main provides the entry point for the definition extraction
// service: the HTTP API, the task engine workers, the stale-task reaper,
// and the optional Kafka event relay, all in one process.
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

	"golang.org/x/sync/errgroup"

	"github.com/defscope/definition-extraction-service/internal/analysis/automation"
	"github.com/defscope/definition-extraction-service/internal/analysis/segmenter"
	"github.com/defscope/definition-extraction-service/internal/analysis/tei"
	"github.com/defscope/definition-extraction-service/internal/classify"
	"github.com/defscope/definition-extraction-service/internal/config"
	"github.com/defscope/definition-extraction-service/internal/database"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/outbox"
	"github.com/defscope/definition-extraction-service/internal/pipeline"
	"github.com/defscope/definition-extraction-service/internal/query"
	"github.com/defscope/definition-extraction-service/internal/repository"
	httpserver "github.com/defscope/definition-extraction-service/internal/server/http"
	"github.com/defscope/definition-extraction-service/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("definition-extraction-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("definition_extraction")
	}

	// Create repositories.
	paperRepo := repository.NewPgPaperRepository(db.Pool())
	sectionRepo := repository.NewPgSectionRepository(db.Pool())
	sentenceRepo := repository.NewPgSentenceRepository(db.Pool())
	taskRepo := repository.NewPgTaskRepository(db.Pool())

	// Content-addressed file storage and URL downloader.
	fileStore, err := storage.NewStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("create file store: %w", err)
	}
	downloader := storage.NewDownloader(storage.DownloaderConfig{
		Timeout:           cfg.Storage.DownloadTimeout,
		MaxSize:           cfg.Storage.MaxUploadBytes,
		AllowPrivateHosts: cfg.Storage.AllowPrivateHosts,
	})

	// External analysis clients.
	extractorClient := tei.NewClient(tei.Config{
		BaseURL:   cfg.Extractor.BaseURL,
		Timeout:   cfg.Extractor.Timeout,
		RateLimit: cfg.Extractor.RateLimit,
		BurstSize: cfg.Extractor.BurstSize,
	}, nil)
	segmenterClient := segmenter.NewClient(segmenter.Config{
		BaseURL:   cfg.Segmenter.BaseURL,
		Timeout:   cfg.Segmenter.Timeout,
		RateLimit: cfg.Segmenter.RateLimit,
		BurstSize: cfg.Segmenter.BurstSize,
	}, nil)
	automationClient := automation.NewClient(automation.Config{
		BaseURL:      cfg.Automation.BaseURL,
		APIKey:       cfg.Automation.APIKey,
		Timeout:      cfg.Automation.Timeout,
		RateLimit:    cfg.Automation.RateLimit,
		BurstSize:    cfg.Automation.BurstSize,
		ClassifyPath: cfg.Automation.ClassifyPath,
		SectionsPath: cfg.Automation.SectionsPath,
		KeywordsPath: cfg.Automation.KeywordsPath,
		ComposePath:  cfg.Automation.ComposePath,
	}, nil)

	// Sentence classification retry engine.
	classifyEngine := classify.NewEngine(automationClient, sentenceRepo, classify.Config{
		MaxRetries:  cfg.Classification.MaxRetries,
		BaseDelay:   cfg.Classification.BaseDelay,
		MaxDelay:    cfg.Classification.MaxDelay,
		Concurrency: cfg.Classification.Concurrency,
	}, logger, metrics)

	// Pipeline orchestrator, worker engine, and stale-task reaper.
	orchestrator := pipeline.NewOrchestrator(
		paperRepo, sectionRepo, sentenceRepo, taskRepo,
		fileStore, downloader,
		extractorClient, segmenterClient, classifyEngine,
		pipeline.Config{
			MaxUploadBytes: cfg.Storage.MaxUploadBytes,
			TaskMaxRetries: cfg.Pipeline.TaskMaxRetries,
			TaskTimeout:    cfg.Pipeline.TaskTimeout,
		},
		logger, metrics,
	)
	engine := pipeline.NewEngine(taskRepo, paperRepo, orchestrator, pipeline.EngineConfig{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.PollInterval,
	}, logger, metrics)
	reaper, err := pipeline.NewReaper(taskRepo, paperRepo, cfg.Pipeline.ReaperSchedule, logger, metrics)
	if err != nil {
		return fmt.Errorf("create reaper: %w", err)
	}

	// Progress projection and query orchestrator.
	statusReader := pipeline.NewStatusReader(paperRepo, taskRepo)
	queryOrchestrator := query.NewOrchestrator(
		paperRepo, sectionRepo, sentenceRepo, automationClient,
		query.Config{
			MaxResults:    cfg.Query.MaxResults,
			SnippetLength: cfg.Query.SnippetLength,
			StageTimeout:  cfg.Query.StageTimeout,
		},
		logger, metrics,
	)

	// Optional Kafka event relay over the transactional outbox.
	var relay *outbox.Relay
	if cfg.Kafka.Enabled {
		publisher := outbox.NewKafkaPublisher(outbox.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		relay = outbox.NewRelay(
			db,
			func(tx database.DBTX) outbox.EventSource { return repository.NewPgTaskRepository(tx) },
			publisher,
			outbox.Config{
				PollInterval: cfg.Relay.PollInterval,
				BatchSize:    cfg.Relay.BatchSize,
			},
			logger, metrics,
		)
		defer func() {
			if closeErr := relay.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close event relay")
			}
		}()
	}

	// HTTP REST API server.
	httpSrv := httpserver.NewServer(
		httpserver.Config{
			Address:         cfg.Server.HTTPAddress(),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    5 * time.Minute, // Long timeout for SSE streaming.
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxUploadBytes:  cfg.Storage.MaxUploadBytes,
		},
		orchestrator, engine, statusReader, queryOrchestrator,
		paperRepo, sentenceRepo, taskRepo,
		db, logger, metrics,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("task engine: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("task reaper: %w", err)
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event relay: %w", err)
			}
			return nil
		})
	}

	// Shut the HTTP server down once the group context ends, whether from a
	// signal or a component failure.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down definition-extraction-service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Int("workers", cfg.Pipeline.Workers).
		Bool("kafka_enabled", cfg.Kafka.Enabled).
		Msg("definition-extraction-service is ready")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("definition-extraction-service shutdown complete")
	return nil
}
