// Command server wires the extraction, report, and conversational pipelines
// behind the HTTP surface and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/authclient"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/blobstore"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/cache"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/config"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/decoder"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/embedclient"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/gcpclient"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/ingest"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/llmclient"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/mapping"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/middleware"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/notifier"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/repository"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/router"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

const Version = "0.2.0"

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Postgres: interaction store, service registry, record source.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	shard := "test"
	if cfg.Environment == "production" {
		shard = "prod"
	}
	interactionRepo, err := repository.NewInteractionRepo(pool, shard)
	if err != nil {
		return err
	}
	registryRepo := repository.NewRegistryRepo(pool)

	// Pub/Sub-backed negative-feedback fan-out.
	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	defer pubsubClient.Close()
	trackerSvc := tracker.New(interactionRepo, registryRepo, notifier.New(pubsubClient.Topic(cfg.PubSubTopic)))

	// GCP adapters: blobs, Document AI, embeddings, generation.
	blobs, err := blobstore.New(ctx)
	if err != nil {
		return err
	}
	defer blobs.Close()

	docAI, err := gcpclient.NewDocumentAIAdapter(ctx, cfg.GCPProject, cfg.DocAILocation)
	if err != nil {
		return err
	}
	defer docAI.Close()
	processor := fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		cfg.GCPProject, cfg.DocAILocation, cfg.DocAIProcessorID)
	dec := decoder.New(docAI, processor)

	embedder, err := embedclient.New(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return err
	}
	queryCache := cache.NewEmbeddingCache(cache.DefaultEmbeddingTTL())
	defer queryCache.Stop()
	embedder = embedder.WithQueryCache(queryCache)

	llm, err := llmclient.New(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
	if err != nil {
		return err
	}
	defer llm.Close()

	// Vector store plus the alias-swap reindexer behind corpus refreshes.
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	vs := vectorstore.New(httpClient, cfg.OpenSearchURL, cfg.OpenSearchUsername, cfg.OpenSearchPassword, cfg.OpenSearchIndex)
	scheduler := ingest.New(recordsource.New(pool), embedder, vs, vectorstore.NewReindexer(vs), cfg.EmbeddingDimensions)

	composer, err := promptcompose.New(cfg.PromptsDir)
	if err != nil {
		return err
	}

	mapper := mapping.New(httpClient, []mapping.Config{
		{
			Type:         model.MappingStaff,
			BaseURL:      cfg.MappingOpenSearchURL,
			Index:        cfg.MappingStaffIndex,
			Username:     cfg.MappingOpenSearchUsername,
			Password:     cfg.MappingOpenSearchPassword,
			SearchFields: []string{"first_name^2", "last_name^2"},
		},
		{
			Type:         model.MappingInstitution,
			BaseURL:      cfg.MappingOpenSearchURL,
			Index:        cfg.MappingInstitutionIndex,
			Username:     cfg.MappingOpenSearchUsername,
			Password:     cfg.MappingOpenSearchPassword,
			SearchFields: []string{"acronym^2", "name"},
		},
	}, cfg.MappingMaxRetries, time.Duration(cfg.MappingRetryBaseDelayMS)*time.Millisecond)

	// Firebase token validation, one verifier per accepted environment.
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID})
	if err != nil {
		return fmt.Errorf("firebase app: %w", err)
	}
	fbAuth, err := app.Auth(ctx)
	if err != nil {
		return fmt.Errorf("firebase auth: %w", err)
	}
	verifiers := make(map[string]authclient.TokenVerifier)
	for _, env := range cfg.AuthEnvironmentURLs {
		verifiers[env] = fbAuth
	}
	validator := authclient.New(verifiers)

	// Redis-backed conversational session memory.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	sessions := pipeline.NewRedisSessionStore(rdb, 24*time.Hour)

	// Metrics: one registry shared by HTTP and pipeline collectors.
	reg := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics(reg)
	pipelineMetrics := pipeline.NewMetrics(reg)

	extraction := pipeline.NewExtraction(
		blobs, dec, embedder, vs, llm, composer, mapper, trackerSvc, validator, scheduler, pipelineMetrics,
		pipeline.ExtractionConfig{
			BatchSize: cfg.BulkUploadBatchSize,
			Workers:   cfg.BulkUploadWorkers,
		},
	)
	report := pipeline.NewReport(
		recordsource.New(pool), embedder, vs, llm, composer, trackerSvc, scheduler, pipelineMetrics,
		pipeline.ReportConfig{},
	)
	conversation := pipeline.NewConversation(
		embedder, vs, llm, composer, sessions, trackerSvc, scheduler, pipelineMetrics,
		pipeline.ConversationConfig{},
	)

	deps := &router.Dependencies{
		DB:                 pool,
		Verifier:           authclient.NewUserVerifier(fbAuth),
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            httpMetrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		Extraction:         extraction,
		Report:             report,
		Chat:               conversation,
		Interactions:       trackerSvc,
		Scheduler:          scheduler,
		GeneralRateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 60, Window: time.Minute}),
		ChatRateLimiter:    middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 10, Window: time.Minute}),
	}

	// Fail fast if a generation dependency cannot be reached, rather than
	// surfacing it on the first request.
	if cfg.Environment == "production" {
		healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := embedder.HealthCheck(healthCtx); err != nil {
			cancel()
			return err
		}
		if err := llm.HealthCheck(healthCtx); err != nil {
			cancel()
			return err
		}
		cancel()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 20 * time.Minute, // generation endpoints stream for a while
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
