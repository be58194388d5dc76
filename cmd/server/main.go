// Package main is the entry point for the web3-signals service. It wires the
// storage backend, the five collection agents, the fusion engine, the
// orchestrator loop, and the public HTTP API, then runs until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/derivatives"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/agents/technical"
	"github.com/manavaga/web3-signals/internal/agents/whale"
	"github.com/manavaga/web3-signals/internal/config"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/llm"
	"github.com/manavaga/web3-signals/internal/metrics"
	"github.com/manavaga/web3-signals/internal/orchestrator"
	"github.com/manavaga/web3-signals/internal/performance"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/reliability"
	"github.com/manavaga/web3-signals/internal/server"
	"github.com/manavaga/web3-signals/internal/storage"
	"github.com/manavaga/web3-signals/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting web3-signals")

	store, sqliteStore, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()
	log.Info().Str("backend", store.Backend()).Msg("Store opened")

	p, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load profile")
	}
	log.Info().Str("profile", p.Name).Int("assets", len(p.Assets)).Msg("Profile loaded")

	httpClient := httpx.New(log)

	collectors := []agent.Collector{
		whale.New(p, httpClient, store, whale.Credentials{
			WhaleAlertKey: cfg.WhaleAlertAPIKey,
			EtherscanKey:  cfg.EtherscanAPIKey,
		}),
		technical.New(p, httpClient),
		derivatives.New(p, httpClient),
		narrative.New(p, httpClient, store, narrative.Credentials{
			CryptoPanicKey:     cfg.CryptoPanicAPIKey,
			RedditClientID:     cfg.RedditClientID,
			RedditClientSecret: cfg.RedditClientSecret,
		}),
		market.New(p, httpClient),
	}

	eng := fusion.New(p, store, log)

	var sentiment *llm.SentimentRunner
	if cfg.AnthropicAPIKey != "" {
		llmClient := llm.NewClient(httpClient, cfg.AnthropicAPIKey, log)
		eng.Insights = llm.NewInsights(p, llmClient)
		sentiment = llm.NewSentimentRunner(p, store, llmClient, cfg.LLMSentimentCycleHours, log)
		log.Info().Msg("LLM features enabled")
	} else {
		log.Info().Msg("ANTHROPIC_API_KEY not set, LLM features disabled")
	}

	tracker := performance.New(p, store, httpClient, performance.Config{
		SnapshotIntervalHours: cfg.PerfSnapshotIntervalHours,
		EvalIntervalHours:     cfg.PerfEvalIntervalHours,
	}, log)

	registry := metrics.NewRegistry()

	orch := orchestrator.New(collectors, eng, store, registry,
		time.Duration(cfg.OrchestratorIntervalSec)*time.Second, log)
	orch.Sentiment = sentiment
	orch.Tracker = tracker

	srv := server.New(server.Config{
		Log:     log,
		Store:   store,
		Profile: p,
		Tracker: tracker,
		Metrics: registry,
		Config:  cfg,
		Fusion:  eng,
	})

	maint := setupMaintenance(cfg, store, sqliteStore, log)
	if err := maint.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance jobs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	orch.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	cancel()
	orch.Stop()
	maint.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}

// openStore selects the backend from configuration. The second return value
// is non-nil only for the embedded backend, where maintenance jobs need the
// raw database handle.
func openStore(cfg *config.Config, log zerolog.Logger) (storage.Store, *storage.SQLiteStore, error) {
	if cfg.UsePostgres() {
		store, err := storage.NewPostgres(cfg.DatabaseURL, log)
		return store, nil, err
	}
	store, err := storage.NewSQLite(cfg.SQLitePath(), log)
	return store, store, err
}

// setupMaintenance wires the retention jobs, plus WAL upkeep and off-site
// backups when running on the embedded backend.
func setupMaintenance(cfg *config.Config, store storage.Store, sqliteStore *storage.SQLiteStore, log zerolog.Logger) *reliability.Maintenance {
	if sqliteStore == nil {
		return reliability.NewMaintenance(store, nil, nil, reliability.DefaultRetention(), cfg.DataDir, log)
	}

	var backup *reliability.BackupService
	if cfg.Backup.Enabled() {
		ctx, cancelS3 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelS3()
		s3Client, err := reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to init backup client, backups disabled")
		} else {
			backup = reliability.NewBackupService(s3Client, sqliteStore.DB().Path(), cfg.DataDir, log)
			log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Off-site backups enabled")
		}
	}

	return reliability.NewMaintenance(store, sqliteStore.DB(), backup, reliability.DefaultRetention(), cfg.DataDir, log)
}
