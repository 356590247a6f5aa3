// Command loresmithd is LoreSmith's composition root: it loads
// configuration, wires every concrete adapter (Postgres, the object
// store, the vector index, the LLM provider, Kafka, Redis,
// ClickHouse, OTel) into the component constructors under internal/,
// and runs the HTTP API and/or the queue-worker loop depending on
// Config.Service.Mode. Wiring-once-at-process-start and graceful
// shutdown on SIGINT/SIGTERM follow this corpus's cmd/webui pattern.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ofisk/loresmith/internal/auth"
	"github.com/ofisk/loresmith/internal/changelog"
	"github.com/ofisk/loresmith/internal/chunkplan"
	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/dedup"
	"github.com/ofisk/loresmith/internal/embed"
	"github.com/ofisk/loresmith/internal/extraction"
	"github.com/ofisk/loresmith/internal/graph"
	"github.com/ofisk/loresmith/internal/httpapi"
	"github.com/ofisk/loresmith/internal/llm"
	llmanthropic "github.com/ofisk/loresmith/internal/llm/anthropic"
	llmgoogle "github.com/ofisk/loresmith/internal/llm/google"
	llmopenai "github.com/ofisk/loresmith/internal/llm/openai"
	"github.com/ofisk/loresmith/internal/logging"
	"github.com/ofisk/loresmith/internal/maintenance"
	"github.com/ofisk/loresmith/internal/mcpsession"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/persistence/metadata"
	"github.com/ofisk/loresmith/internal/persistence/vectorindex"
	"github.com/ofisk/loresmith/internal/pipeline"
	"github.com/ofisk/loresmith/internal/planning"
	"github.com/ofisk/loresmith/internal/queue"
	"github.com/ofisk/loresmith/internal/rebuild"
	"github.com/ofisk/loresmith/internal/staging"
	"github.com/ofisk/loresmith/internal/telemetry"
	"github.com/ofisk/loresmith/internal/transcribe"
)

func main() {
	configPath := flag.String("config", os.Getenv("LORESMITH_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load_config_failed")
	}
	observability.InitLogger("", cfg.LogLevel)
	if err := logging.Configure(cfg.LogLevel, cfg.Logging.FilePath); err != nil {
		logging.Log.WithError(err).Fatal("load_config_failed")
	}

	logging.Log.WithField("mode", cfg.Service.Mode).Info("loresmithd_starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.OTel)
	if err != nil {
		log.Fatal().Err(err).Msg("init_otel_failed")
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	app, err := build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build_failed")
	}
	defer app.close()

	var wg sync.WaitGroup

	if cfg.Service.Mode == "api" || cfg.Service.Mode == "all" {
		srv := &http.Server{Addr: cfg.Service.HTTPAddr, Handler: app.httpServer}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.Service.HTTPAddr).Msg("http_listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http_server_failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http_shutdown_failed")
			}
		}()
	}

	if cfg.Service.Mode == "worker" || cfg.Service.Mode == "all" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.queueSvc.Run(ctx, "loresmithd-worker", app.queueReader, app.dispatcher.Process)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runMaintenanceLoop(ctx, app.maintenance, cfg.Maintenance.SweepInterval)
		}()
	}

	wg.Wait()
	logging.Log.Info("loresmithd_stopped")
}

func runMaintenanceLoop(ctx context.Context, svc *maintenance.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		svc.Run(ctx, "loresmithd-maintenance")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// application holds every wired top-level object main needs to start
// and stop the process; it exists only to keep build() a single
// function with a single return value instead of a dozen.
type application struct {
	httpServer  http.Handler
	queueSvc    *queue.Service
	queueReader queue.Reader
	dispatcher  *pipeline.Dispatcher
	maintenance *maintenance.Service
	closers     []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every adapter and component exactly once, per
// SPEC_FULL.md §9's "composition root" redesign note: every service
// below is an explicit constructor argument, never a package-level
// singleton.
func build(ctx context.Context, cfg config.Config) (*application, error) {
	app := &application{}

	pool, err := metadata.OpenPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, pool.Close)

	store, err := metadata.New(ctx, pool)
	if err != nil {
		return nil, err
	}

	blobs, err := buildObjectStore(cfg)
	if err != nil {
		return nil, err
	}

	index, err := buildVectorIndex(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}

	provider, providerName, err := buildLLMProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	router := llm.NewRouter(provider, providerName)

	chatModel, embeddingModel := modelsFor(cfg)

	embedder := embed.New(router, index, embeddingModel, cfg.Embedding)
	dedupSvc := dedup.New(embedder, index, cfg.Redis, 10*time.Minute, cfg.Dedup)
	extractionSvc := extraction.New(router, chatModel)
	graphSvc := graph.New(store)
	changelogSvc := changelog.New(store)
	rebuildSvc := rebuild.New(changelogSvc, store, store, embedder, cfg.Rebuild)

	contentProvider := &pipeline.BlobContentProvider{Blobs: blobs}
	stagingSvc := staging.New(contentProvider, extractionSvc, dedupSvc, store, rebuildSvc, store, cfg.Staging)
	chunkSvc := chunkplan.New(store, cfg.ChunkPlan)

	var producer queue.Producer
	var reader queue.Reader
	if cfg.Kafka.Enabled {
		producer = queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		reader = queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	}
	queueSvc := queue.New(store, producer, cfg.Kafka.Topic, cfg.Redis, cfg.Queue)

	dispatcher := pipeline.New(store, chunkSvc, stagingSvc, rebuildSvc)

	latency, err := telemetry.NewClickHouseRecorder(ctx, telemetry.QueryLatencyConfig{
		Enabled:  cfg.ClickHouse.Enabled,
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	})
	if err != nil {
		return nil, err
	}
	nameExtractor := planning.NewLLMNameExtractor(router, chatModel)
	planningSvc := planning.New(embedder, index, graphSvc, nameExtractor, latency, cfg.Planning)
	if cfg.MCPSession.Enabled {
		planningSvc.WithSessionHistory(mcpsession.New(cfg.MCPSession))
	}

	if cfg.Transcribe.ModelPath != "" {
		engine, err := transcribe.LoadWhisperEngine(cfg.Transcribe.ModelPath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = engine.Close() })
		digestIndexer := planning.NewIndexer(embedder)
		transcribeSvc := transcribe.New(engine, blobs, store, router, chatModel, digestIndexer)
		dispatcher.WithTranscriber(transcribeSvc)
	}

	maintenanceSvc := maintenance.New(store, store, blobs, queueSvc, rebuildSvc, dispatcher.Process, cfg.Maintenance)

	var mw func(http.Handler) http.Handler
	if cfg.Auth.Issuer != "" {
		verifier, err := auth.NewJWKSVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		mw = auth.TenantMiddleware(verifier, "tenant", "admin")
	}

	fileApp := &httpapi.FileApp{Blobs: blobs, Files: store, Campaign: store, Queue: queueSvc}

	var recordings httpapi.RecordingService
	if cfg.Transcribe.ModelPath != "" {
		recordings = fileApp
	}

	httpSrv := httpapi.NewServer(httpapi.Server{
		Files:      fileApp,
		Campaigns:  fileApp,
		Entities:   graphSvc,
		Planner:    planningSvc,
		Rebuilds:   store,
		Changelog:  changelogSvc,
		Health:     store,
		Recordings: recordings,
		Middleware: mw,
	})

	app.httpServer = httpSrv
	app.queueSvc = queueSvc
	app.queueReader = reader
	app.dispatcher = dispatcher
	app.maintenance = maintenanceSvc
	return app, nil
}

func modelsFor(cfg config.Config) (chatModel, embeddingModel string) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return cfg.LLM.Anthropic.Model, cfg.LLM.OpenAI.EmbeddingModel
	case "google":
		return cfg.LLM.Google.Model, cfg.LLM.OpenAI.EmbeddingModel
	default:
		return cfg.LLM.OpenAI.ChatModel, cfg.LLM.OpenAI.EmbeddingModel
	}
}

func buildObjectStore(cfg config.Config) (objectstore.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		log.Warn().Msg("s3 bucket not configured; falling back to an in-memory object store")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(context.Background(), objectstore.S3Config{
		Bucket:       cfg.S3.Bucket,
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		Prefix:       cfg.S3.Prefix,
		UsePathStyle: cfg.S3.UsePathStyle,
	})
}

func buildVectorIndex(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (vectorindex.Index, error) {
	switch cfg.VectorIndex {
	case config.VectorBackendPGVector:
		return vectorindex.NewPGVector(pool, cfg.PGVector.Table, cfg.Qdrant.Dimensions), nil
	default:
		if cfg.Qdrant.DSN == "" {
			log.Warn().Msg("qdrant dsn not configured; falling back to an in-memory vector index")
			return vectorindex.NewMemory(cfg.Qdrant.Dimensions), nil
		}
		return vectorindex.New(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric)
	}
}

func buildLLMProvider(ctx context.Context, cfg config.Config) (llm.Provider, string, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llmanthropic.New(cfg.LLM.Anthropic), "anthropic", nil
	case "google":
		client, err := llmgoogle.New(ctx, cfg.LLM.Google)
		if err != nil {
			return nil, "", err
		}
		return client, "google", nil
	default:
		httpClient := observability.NewHTTPClient(nil)
		return llmopenai.New(cfg.LLM.OpenAI, httpClient), "openai", nil
	}
}
