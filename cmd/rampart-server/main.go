package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/rampart-ai/rampart/internal/api"
	"github.com/rampart-ai/rampart/internal/auth"
	"github.com/rampart-ai/rampart/internal/chread"
	"github.com/rampart-ai/rampart/internal/config"
	"github.com/rampart-ai/rampart/internal/engine"
	"github.com/rampart-ai/rampart/internal/engine/detectors"
	"github.com/rampart-ai/rampart/internal/metrics"
	"github.com/rampart-ai/rampart/internal/storage"
	"github.com/rampart-ai/rampart/internal/weightstore"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := envOrDefault("RAMPART_CONFIG", "rampart.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Logging)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting rampart server",
		zap.String("config", configPath),
		zap.String("addr", cfg.Server.Addr),
		zap.String("default_policy", cfg.DefaultPolicy),
		zap.Int("policies", len(cfg.Policies)),
	)

	m := metrics.New(nil)

	// Weight store — write-back cache over the configured backend
	store, storeCloser := buildDurableStore(cfg, logger)
	if storeCloser != nil {
		defer storeCloser()
	}
	cache := weightstore.New(store, weightstore.Config{
		FlushInterval: cfg.WeightStore.FlushInterval.Std(),
		FlushBatch:    cfg.WeightStore.FlushBatch,
		Observer:      m,
	}, logger)
	defer cache.Close()

	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cache.WarmUp(warmCtx); err != nil {
		logger.Warn("weight store warm-up failed, starting cold", zap.Error(err))
	}
	cancelWarm()

	janitor, err := weightstore.NewJanitor(cache, cfg.WeightStore.DecaySchedule, cfg.WeightStore.DecayMaxAge.Std(), logger)
	if err != nil {
		logger.Fatal("invalid decay schedule", zap.String("schedule", cfg.WeightStore.DecaySchedule), zap.Error(err))
	}
	janitor.Start()
	defer janitor.Stop()

	// Detectors — wired up here to avoid import cycle
	dets := []engine.Detector{
		detectors.NewUserAgentDetector(),
		detectors.NewHeaderHeuristicsDetector(),
	}

	ipDet, err := detectors.NewIPReputationDetector(cfg.Detectors.IPReputationFile, logger)
	if err != nil {
		logger.Error("failed to create ip reputation detector, skipping",
			zap.String("file", cfg.Detectors.IPReputationFile),
			zap.Error(err),
		)
	} else {
		dets = append(dets, ipDet)
		defer ipDet.Close() //nolint:errcheck
	}

	tracker := detectors.NewRateTracker(cfg.Detectors.Behavior.Window.Std(), cfg.Detectors.Behavior.BucketSize.Std())
	dets = append(dets, detectors.NewBehaviorDetector(tracker, cfg.Detectors.Behavior.SoftLimit, cfg.Detectors.Behavior.HardLimit))

	// LLM judge — only when enabled and the API key is present
	if cfg.Detectors.LLM.Enabled {
		keyEnv := cfg.Detectors.LLM.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		if apiKey := os.Getenv(keyEnv); apiKey != "" {
			client := openai.NewClient(apiKey)
			dets = append(dets, detectors.NewLLMDetector(client, cfg.Detectors.LLM.Model, cache, logger))
			logger.Info("llm judge detector enabled", zap.String("model", cfg.Detectors.LLM.Model))
		} else {
			logger.Warn("llm judge enabled but api key env is empty, skipping",
				zap.String("env", keyEnv),
			)
		}
	}

	orch := engine.NewOrchestrator(dets, logger, engine.Options{
		MaxParallel: int64(cfg.Engine.MaxParallel),
		Observer:    m,
	})

	// Policies and path resolution
	enginePolicies := cfg.EnginePolicies()
	policies := make([]*engine.Policy, 0, len(enginePolicies))
	for i := range enginePolicies {
		if enginePolicies[i].RequestBudget == 0 {
			enginePolicies[i].RequestBudget = cfg.Engine.RequestBudget.Std()
		}
		policies = append(policies, &enginePolicies[i])
	}
	set, err := engine.NewPolicySet(policies, cfg.DefaultPolicy)
	if err != nil {
		logger.Fatal("failed to build policy set", zap.Error(err))
	}
	mappings := append(engine.DefaultMappings(), cfg.EngineMappings()...)
	resolver := engine.NewPathResolver(set, mappings, logger)

	// Decision storage — ClickHouse or LogWriter fallback
	var writer storage.DecisionWriter
	if cfg.Storage.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.Storage.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse dsn set, decisions go to the log")
	}
	defer writer.Close()

	// ClickHouse reader (decision/analytics HTTP endpoints)
	var reader *chread.Reader
	if cfg.Storage.ClickHouseDSN != "" {
		reader, err = chread.NewReader(cfg.Storage.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// Auth — no configured keys leaves /v1/classify open (dev mode)
	var verifier *auth.Verifier
	if len(cfg.Server.APIKeys) > 0 {
		keys := make([]auth.Key, 0, len(cfg.Server.APIKeys))
		for _, k := range cfg.Server.APIKeys {
			keys = append(keys, auth.Key{Name: k.Name, Hash: k.Hash})
		}
		verifier = auth.NewVerifier(auth.Config{Keys: keys, Logger: logger})
		logger.Info("api key auth enabled", zap.Int("keys", len(keys)))
	} else {
		logger.Warn("no api keys configured, classify endpoint is open")
	}

	deps := &api.Dependencies{
		Policies:     set,
		Resolver:     resolver,
		Orchestrator: orch,
		Writer:       writer,
		Reader:       reader,
		Verifier:     verifier,
		Registry:     m.Registry(),
		Logger:       logger,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("rampart server stopped")
}

// buildDurableStore opens the configured weight store backend. A nil
// store means the cache runs memory-only.
func buildDurableStore(cfg *config.Config, logger *zap.Logger) (weightstore.DurableStore, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.WeightStore.Backend {
	case "postgres":
		db, err := sql.Open("pgx", cfg.WeightStore.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		store, err := weightstore.NewPostgresStore(ctx, db)
		if err != nil {
			logger.Fatal("failed to init postgres weight store", zap.Error(err))
		}
		logger.Info("postgres weight store connected")
		return store, func() { _ = db.Close() }
	case "sqlite":
		store, err := weightstore.NewSQLiteStore(ctx, cfg.WeightStore.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite weight store",
				zap.String("path", cfg.WeightStore.SQLitePath),
				zap.Error(err),
			)
		}
		logger.Info("sqlite weight store opened", zap.String("path", cfg.WeightStore.SQLitePath))
		return store, func() { _ = store.Close() }
	default:
		logger.Info("weight store running memory-only")
		return nil, nil
	}
}

func mustBuildLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "json"
	encoderCfg := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encoding = "console"
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
