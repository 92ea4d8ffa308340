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

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/koe/internal/config"
	"github.com/ashita-ai/koe/internal/llm"
	"github.com/ashita-ai/koe/internal/mcp"
	"github.com/ashita-ai/koe/internal/orchestrator"
	"github.com/ashita-ai/koe/internal/queue"
	"github.com/ashita-ai/koe/internal/ratelimit"
	"github.com/ashita-ai/koe/internal/realtime"
	"github.com/ashita-ai/koe/internal/search"
	"github.com/ashita-ai/koe/internal/server"
	"github.com/ashita-ai/koe/internal/service/embedding"
	"github.com/ashita-ai/koe/internal/speech"
	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/telemetry"
	"github.com/ashita-ai/koe/internal/tools"
	"github.com/ashita-ai/koe/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("KOE_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KOE_LOG_FORMAT") == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("koe starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and run migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	metrics, err := telemetry.NewAgentMetrics("koe")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Embedding provider: real when the model API key is set, deterministic
	// noop otherwise (dev mode — knowledge search still works, just not
	// semantically).
	var embedder embedding.Provider
	if cfg.OpenRouterAPIKey != "" {
		embedder = embedding.NewOpenAIProvider(cfg.OpenRouterURL, cfg.OpenRouterAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	} else {
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		logger.Info("embedding: noop provider (no OPENROUTER_API_KEY)")
	}

	// Qdrant knowledge index and its sync worker (optional).
	var (
		searcher    search.Searcher
		indexWorker *search.IndexWorker
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		indexWorker = search.NewIndexWorker(db, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		indexWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	knowledgeSvc := search.NewKnowledgeService(embedder, db, searcher, logger)

	// Tool registry: the capabilities the model can invoke during a turn.
	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewKnowledgeSearchTool(knowledgeSvc, 5),
		tools.NewFAQLookupTool(nil),
		tools.NewOrderLookupTool(nil),
		tools.NewWebSearchTool(cfg.TavilyAPIKey, "", logger),
		tools.NewWebFetchTool(),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	// Broadcast bus: Redis when configured, in-process otherwise.
	var (
		publisher  realtime.Publisher
		subscriber realtime.Subscriber
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse url: %w", err)
		}
		bus := realtime.NewRedisBus(redis.NewClient(opts), logger)
		if err := bus.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = bus.Close() }()
		publisher, subscriber = bus, bus
		logger.Info("realtime: redis bus")
	} else {
		bus := realtime.NewMemoryBus(logger)
		publisher, subscriber = bus, bus
		logger.Info("realtime: in-process bus (no REDIS_URL)")
	}

	// Speech synthesis and transcription tokens (optional).
	var synth speech.Synthesizer
	if cfg.ElevenLabsAPIKey != "" {
		synth = speech.NewElevenLabsClient("", cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoice, "")
		logger.Info("speech: elevenlabs enabled")
	}
	var tokens *speech.DeepgramTokenProvider
	var transcriber speech.Transcriber
	if cfg.DeepgramAPIKey != "" {
		tokens = speech.NewDeepgramTokenProvider("", cfg.DeepgramAPIKey, os.Getenv("DEEPGRAM_PROJECT_ID"), 0)
		transcriber = speech.NewDeepgramTranscriber("", cfg.DeepgramAPIKey)
	}

	// The orchestration loop.
	modelClient := llm.NewClient(llm.Config{
		BaseURL: cfg.OpenRouterURL,
		APIKey:  cfg.OpenRouterAPIKey,
		Timeout: cfg.ModelTimeout,
		Logger:  logger,
	})
	orch := orchestrator.New(modelClient, registry, db, publisher, synth, metrics, orchestrator.Config{
		Model:           cfg.Model,
		MaxToolRounds:   cfg.MaxToolRounds,
		ModelTimeout:    cfg.ModelTimeout,
		AudioChunkBytes: cfg.AudioChunkBytes,
	}, logger)

	// Queue: QStash when configured, in-process otherwise.
	var (
		enqueuer   queue.Enqueuer
		inline     *queue.Inline
		verifier   *queue.Verifier
		queueLabel string
	)
	if cfg.QueueURL != "" {
		enqueuer = queue.NewClient(cfg.QueueURL, cfg.QueueToken, cfg.WebhookURL, logger)
		verifier = queue.NewVerifier(cfg.QueueSigningKey, cfg.QueueNextSigningKey)
		queueLabel = "qstash"
	} else {
		inline = queue.NewInline(ctx, orch.ProcessTurn, logger)
		enqueuer = inline
		queueLabel = "inline"
	}
	logger.Info("queue: " + queueLabel)

	// SSE broker (requires the LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Retention sweeper.
	sweeper := storage.NewRetentionSweeper(db, logger, cfg.SessionRetention, cfg.RetentionInterval)
	go sweeper.Run(ctx)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server exposing the tool catalog and session transcripts.
	mcpSrv := mcp.New(registry, db, logger)

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			DB:                  db,
			Enqueuer:            enqueuer,
			Verifier:            verifier,
			Processor:           orch,
			Broker:              broker,
			Bus:                 subscriber,
			Synth:               synth,
			Tokens:              tokens,
			Transcriber:         transcriber,
			Embedder:            embedder,
			Searcher:            searcher,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Limiter:      limiter,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight, (2) finish in-process jobs, (3) sync
	// remaining knowledge documents to the search index.
	slog.Info("koe shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if inline != nil {
		inline.Wait()
	}

	if indexWorker != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		indexWorker.Drain(drainCtx)
		drainCancel()
	}

	return nil
}
