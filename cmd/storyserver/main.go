// Package main provides the story server binary: the session engine behind
// a websocket endpoint, an optional line-oriented TCP endpoint and a gRPC
// health service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/config"
	"github.com/cory-johannsen/storyweave/internal/frontend/handlers"
	"github.com/cory-johannsen/storyweave/internal/frontend/tcp"
	"github.com/cory-johannsen/storyweave/internal/frontend/websocket"
	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/memory"
	"github.com/cory-johannsen/storyweave/internal/game/prompt"
	"github.com/cory-johannsen/storyweave/internal/game/session"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
	"github.com/cory-johannsen/storyweave/internal/llm/anthropic"
	"github.com/cory-johannsen/storyweave/internal/llm/openai"
	"github.com/cory-johannsen/storyweave/internal/llm/translate"
	"github.com/cory-johannsen/storyweave/internal/observability"
	"github.com/cory-johannsen/storyweave/internal/scripting"
	"github.com/cory-johannsen/storyweave/internal/server"
	"github.com/cory-johannsen/storyweave/internal/storage/file"
	"github.com/cory-johannsen/storyweave/internal/storage/postgres"
	"github.com/cory-johannsen/storyweave/internal/storage/redis"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty = defaults and environment only")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	leveled, err := observability.NewLeveledLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	logger := leveled.Logger
	defer logger.Sync()

	logger.Info("starting story server",
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("provider", cfg.Generation.Provider),
		zap.String("model", cfg.Generation.Model),
		zap.String("storage", cfg.Storage.Backend),
	)

	metrics := observability.NewMetrics()
	lifecycle := server.NewLifecycle(logger)

	// Generation and translation
	gen, err := newGenerator(cfg.Generation, logger)
	if err != nil {
		logger.Fatal("creating generator", zap.Error(err))
	}
	var translator llm.Translator
	if cfg.Translation.Enabled {
		translator = translate.New(gen, logger)
	}

	// Prompts and scripting
	templates := prompt.Default()
	if cfg.Session.PromptsFile != "" {
		templates, err = prompt.LoadFile(cfg.Session.PromptsFile)
		if err != nil {
			logger.Fatal("loading prompt templates", zap.Error(err))
		}
	}
	var hook prompt.Hook
	if cfg.Session.ScriptDir != "" {
		scriptMgr := scripting.NewManager(logger)
		defer scriptMgr.Close()
		if err := scriptMgr.LoadGlobal(cfg.Session.ScriptDir, cfg.Session.ScriptInstructionLimit); err != nil {
			logger.Fatal("loading framing scripts", zap.Error(err))
		}
		hook = scriptMgr
		logger.Info("framing scripts loaded", zap.String("dir", cfg.Session.ScriptDir))
	}
	builder, err := prompt.NewBuilder(templates, hook, logger)
	if err != nil {
		logger.Fatal("building prompts", zap.Error(err))
	}

	estimator := newEstimator(cfg.Memory, logger)

	// Snapshot store
	storeStart := time.Now()
	store, err := newStore(ctx, cfg, lifecycle, logger)
	if err != nil {
		logger.Fatal("opening snapshot store", zap.Error(err))
	}
	logger.Info("snapshot store ready",
		zap.String("backend", cfg.Storage.Backend),
		zap.Duration("elapsed", time.Since(storeStart)),
	)

	// Session engine
	h := hub.New(logger, metrics)
	defaultLang := story.LanguageConfig{
		Language:           cfg.Session.DefaultLanguage,
		TranslationEnabled: cfg.Translation.Enabled,
	}
	registry := session.NewRegistry(session.Config{
		WorkingLanguage:    cfg.Translation.WorkingLanguage,
		DefaultSetting:     cfg.Session.DefaultSetting,
		DefaultLanguage:    defaultLang,
		GenerationTimeout:  cfg.Generation.Timeout,
		TranslationTimeout: cfg.Translation.Timeout,
		PersistTimeout:     cfg.Storage.Timeout,
		MemoryBudget:       cfg.Memory.TokenBudget,
		Estimator:          estimator,
	}, session.Deps{
		Generator:  gen,
		Translator: translator,
		Store:      store,
		Hub:        h,
		Prompts:    builder,
		Metrics:    metrics,
		Logger:     logger,
	})
	dispatcher := handlers.NewDispatcher(handlers.Options{
		DefaultSessionID: cfg.Session.DefaultID,
		DefaultLanguage:  defaultLang,
		SendBuffer:       cfg.WebSocket.SendBuffer,
	}, registry, h, metrics, logger)

	// Transports
	ws := websocket.NewServer(cfg.WebSocket, dispatcher, metrics, leveled.Level, logger)
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: ws.Start,
		StopFn:  ws.Stop,
	})

	if cfg.TCP.Enabled {
		acceptor := tcp.NewAcceptor(cfg.TCP, tcp.NewDispatchHandler(dispatcher, logger), logger)
		lifecycle.Add("tcp", &server.FuncService{
			StartFn: acceptor.ListenAndServe,
			StopFn:  acceptor.Stop,
		})
	}

	healthSvc := server.NewHealthService(cfg.GRPC.Addr(), logger)
	lifecycle.Add("health", healthSvc)

	logger.Info("story server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.Bool("tcp_enabled", cfg.TCP.Enabled),
		zap.String("grpc_addr", cfg.GRPC.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newGenerator(cfg config.GenerationConfig, logger *zap.Logger) (llm.Generator, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
		}, logger), nil
	case "openai":
		return openai.New(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: float32(cfg.Temperature),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

func newEstimator(cfg config.MemoryConfig, logger *zap.Logger) memory.Estimator {
	if cfg.Encoding == "" {
		return memory.ApproxEstimator
	}
	est, err := memory.NewTokenizerEstimator(cfg.Encoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, using approximate token counts",
			zap.String("encoding", cfg.Encoding),
			zap.Error(err),
		)
		return memory.ApproxEstimator
	}
	return est
}

// newStore opens the configured snapshot store and registers any
// connection it owns with lifecycle.
func newStore(ctx context.Context, cfg config.Config, lifecycle *server.Lifecycle, logger *zap.Logger) (session.Store, error) {
	switch cfg.Storage.Backend {
	case "file":
		store, err := file.New(cfg.Storage.Dir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "postgres":
		if err := postgres.MigrateUp(cfg.Database.DSN()); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
		)
		done := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				return pool.Watch(done, 30*time.Second, 5*time.Second)
			},
			StopFn: func() {
				close(done)
				pool.Close()
			},
		})
		return postgres.NewSnapshotStore(pool.DB(), logger), nil

	case "redis":
		client, err := redis.NewClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		done := make(chan struct{})
		lifecycle.Add("redis", &server.FuncService{
			StartFn: func() error {
				<-done
				return nil
			},
			StopFn: func() {
				close(done)
				if err := client.Close(); err != nil {
					logger.Warn("closing redis client", zap.Error(err))
				}
			},
		})
		return redis.New(client, cfg.Storage.Redis.KeyPrefix, logger), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
