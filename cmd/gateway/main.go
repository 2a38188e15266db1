package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/config"
	"github.com/abdhe/llm-media-gateway/pkg/generation"
	"github.com/abdhe/llm-media-gateway/pkg/ledger"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/resilience"
	"github.com/abdhe/llm-media-gateway/pkg/server"
	"github.com/abdhe/llm-media-gateway/pkg/session"
	"github.com/abdhe/llm-media-gateway/pkg/staging"
	"github.com/abdhe/llm-media-gateway/pkg/upload"
)

// backend is what the gateway needs from its primary provider.
type backend interface {
	provider.ObjectStore
	provider.Generator
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		panic(fmt.Sprintf("failed loading config: %s", err))
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("Failed init logger")
	}
	log := logger.Sugar()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var primary backend
	switch cfg.Provider {
	case "mock":
		primary = provider.NewMock()
		log.Warnw("using the in-process mock provider")
	default:
		g, err := provider.NewGemini(ctx, cfg.Gemini.APIKeys, log)
		if err != nil {
			log.Fatalw("failed creating gemini client", "error", err)
		}
		defer func() { _ = g.Close() }()
		primary = g
		log.Infow("gemini key pool", "keys", len(cfg.Gemini.APIKeys))
	}

	generators := map[string]provider.Generator{primary.Name(): primary}
	if cfg.OpenAI.APIKey != "" {
		o, err := provider.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		if err != nil {
			log.Fatalw("failed creating openai client", "error", err)
		}
		generators[o.Name()] = o
	}

	var handles ledger.Ledger = ledger.NewMemory()
	if cfg.Redis.Addr != "" {
		r := ledger.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Key)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatalw("failed ping to redis", "addr", cfg.Redis.Addr, "error", err)
		}
		handles = r
		log.Infow("handle ledger on redis", "addr", cfg.Redis.Addr, "key", r.Key())
	}
	defer func() { _ = handles.Close() }()

	// Handles a previous process left behind.
	sweepCtx, cancel := context.WithTimeout(ctx, cfg.Limits.CleanupTimeout.Duration)
	if n, err := ledger.Sweep(sweepCtx, handles, primary, log); err != nil {
		log.Warnw("startup sweep incomplete", "released", n, "error", err)
	} else if n > 0 {
		log.Infow("startup sweep", "released", n)
	}
	cancel()

	stager, err := staging.New(cfg.Upload.StagingDir, cfg.Upload.MaxUploadBytes, log)
	if err != nil {
		log.Fatalw("failed creating staging area", "dir", cfg.Upload.StagingDir, "error", err)
	}

	upCfg := upload.DefaultConfig()
	upCfg.PollInterval = cfg.Upload.PollInterval.Duration
	upCfg.PollTimeout = cfg.Upload.PollTimeout.Duration
	upCfg.PollRetries = cfg.Upload.PollRetries
	uploader := upload.New(primary, handles, upCfg, log)

	invoker := generation.New(generation.Config{
		Generators:   generators,
		Fallback:     primary.Name(),
		Timeout:      cfg.Limits.GenerationTimeout.Duration,
		CountTimeout: cfg.Limits.CountTokensTimeout.Duration,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Limits.CBFailureThreshold,
			Cooldown:         cfg.Limits.CBCooldown.Duration,
		},
	}, log)

	sessions := session.NewStore(session.Deps{
		Stager:         stager,
		Uploader:       uploader,
		Generator:      invoker,
		CleanupTimeout: cfg.Limits.CleanupTimeout.Duration,
		Log:            log,
	}, cfg.Limits.SessionIdleTTL.Duration)
	defer sessions.CloseAll()

	go reap(ctx, sessions, cfg.Limits.SessionIdleTTL.Duration, log)

	srv := server.New(log, server.Config{
		Addr:           cfg.HTTPAddr,
		Defaults:       cfg.Generation,
		MaxUploadBytes: cfg.Upload.MaxUploadBytes,
	}, sessions, invoker)
	go func() {
		if err := srv.Start(); err != nil {
			log.Errorw("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
}

// reap closes idle sessions until ctx is done.
func reap(ctx context.Context, sessions *session.Store, ttl time.Duration, log *zap.SugaredLogger) {
	every := ttl / 4
	if every < time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := sessions.Reap(now); n > 0 {
				log.Infow("reaped idle sessions", "count", n)
			}
		}
	}
}
