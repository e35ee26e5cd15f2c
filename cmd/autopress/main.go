package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/autopress/internal/adapters/duckdb"
	"github.com/manthysbr/autopress/internal/adapters/filestore"
	"github.com/manthysbr/autopress/internal/adapters/llm"
	"github.com/manthysbr/autopress/internal/adapters/publisher"
	"github.com/manthysbr/autopress/internal/adapters/scoring"
	appconfig "github.com/manthysbr/autopress/internal/config"
	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
	"github.com/manthysbr/autopress/internal/core/services"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $AUTOPRESS_CONFIG or ./autopress.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the effective config, API keys sealed, back to the config path and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *writeConfig {
		if err := writeEffectiveConfig(logger, *configPath); err != nil {
			logger.Error("failed to write config", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting autopress")
	if err := run(logger, *configPath); err != nil {
		logger.Error("autopress failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.Load(logger, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: appconfig.ParseLogLevel(cfg.LogLevel),
	}))
	masked := appconfig.Masked(cfg)
	logger.Info("config loaded",
		"data_dir", cfg.DataDir,
		"llm_provider", cfg.LLM.Provider,
		"llm_api_key", masked.LLM.APIKey,
		"publisher_endpoint", cfg.Publisher.Endpoint,
		"triggers", len(cfg.Triggers),
	)

	clk := clock.New()

	// Initialize Adapters
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to init file store: %w", err)
	}

	var sinks []ports.RecordSink
	var records *duckdb.Repository
	var analytics ports.RecordAnalytics
	if cfg.Records.DuckDBPath != "" {
		records, err = duckdb.NewRepository(cfg.Records.DuckDBPath)
		if err != nil {
			return fmt.Errorf("failed to init record database: %w", err)
		}
		defer records.Close()
		sinks = append(sinks, records)
		analytics = records
	}

	textProvider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to init llm provider: %w", err)
	}
	generator := llm.NewArticleGenerator(logger, textProvider)

	pub, err := publisher.NewWebhook(logger, cfg.Publisher, clk)
	if err != nil {
		return fmt.Errorf("failed to init publisher: %w", err)
	}

	// Initialize Core Services
	eventBus := services.NewEventBus(logger)
	stats := services.NewStatsTracker(logger, store, clk, sinks...)

	styleUpdate := services.FuncHandler{
		Run: func(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
			return domain.JobResult{"style": job.Config.String("style")}, nil
		},
	}
	orchestrator := services.NewJobOrchestrator(logger, cfg.Orchestrator, store, eventBus, clk, map[domain.JobType]services.JobHandler{
		domain.JobTypeCollection:  services.CollectionHandler{},
		domain.JobTypeStyleUpdate: styleUpdate,
		domain.JobTypeReport:      services.NewReportHandler(store, analytics),
		domain.JobTypePublish:     services.NewPublishHandler(logger, pub),
	})
	// analysis and generation read the results of the jobs they depend on
	orchestrator.RegisterHandler(domain.JobTypeAnalysis, services.AnalysisHandler{Jobs: orchestrator})

	manager := services.NewWorkflowManager(services.WorkflowDeps{
		Logger:      logger,
		Generator:   generator,
		Scorer:      scoring.NewRubric(),
		Publisher:   pub,
		Notifier:    eventBus,
		Store:       store,
		Jobs:        orchestrator,
		Events:      eventBus,
		Stats:       stats,
		Clock:       clk,
		Preparation: cfg.Preparation,
	}, cfg.Workflow, cfg.Registry.RetireAfter)
	orchestrator.RegisterHandler(domain.JobTypeGeneration, services.NewWorkflowLaunchHandler(logger, manager, orchestrator))

	if err := orchestrator.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}

	cron, err := services.NewCronScheduler(logger, orchestrator, clk, cfg.Triggers)
	if err != nil {
		return fmt.Errorf("failed to init triggers: %w", err)
	}

	// Application Loop
	g, gCtx := errgroup.WithContext(ctx)

	// 1. Job orchestrator (queue + retention sweep)
	g.Go(func() error {
		return orchestrator.Run(gCtx)
	})

	// 2. Cron triggers
	g.Go(func() error {
		return cron.Run(gCtx)
	})

	// 3. Notification log
	g.Go(func() error {
		logNotifications(gCtx, logger, eventBus)
		return nil
	})

	// 4. Job history mirror
	if records != nil {
		g.Go(func() error {
			mirrorJobRuns(gCtx, logger, eventBus, records)
			return nil
		})
	}

	// 5. Graceful shutdown of live workflows
	g.Go(func() error {
		<-gCtx.Done()
		manager.Shutdown()
		return nil
	})

	return g.Wait()
}

// logNotifications is the default notification sink: every workflow and job
// notification is written to the structured log.
func logNotifications(ctx context.Context, logger *slog.Logger, bus *services.EventBus) {
	events, unsub := bus.SubscribeGlobal()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, err := services.DecodeNotification(e)
			if err != nil {
				logger.Warn("undecodable event", "topic", e.Topic, "error", err)
				continue
			}
			level := slog.LevelInfo
			switch n.Type {
			case domain.NotifyFailed, domain.NotifyPublishUnverified, domain.NotifyQualityWarning:
				level = slog.LevelWarn
			case domain.NotifyProgress, domain.NotifyJobStatus:
				level = slog.LevelDebug
			}
			logger.Log(ctx, level, "notification",
				"type", n.Type,
				"workflow_id", n.WorkflowID,
				"job_id", n.JobID,
				"title", n.Title,
				"message", n.Message,
			)
		}
	}
}

// mirrorJobRuns copies finished-job notifications into the record database.
func mirrorJobRuns(ctx context.Context, logger *slog.Logger, bus *services.EventBus, repo *duckdb.Repository) {
	events, unsub := bus.SubscribeGlobal()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != services.EventTypeJobStatus {
				continue
			}
			n, err := services.DecodeNotification(e)
			if err != nil {
				continue
			}
			if err := repo.RecordJobStatus(ctx, n); err != nil {
				logger.Warn("failed to mirror job run", "job_id", n.JobID, "error", err)
			}
		}
	}
}

// writeEffectiveConfig loads the config with defaults and environment
// overrides applied and saves it back with its API keys sealed.
func writeEffectiveConfig(logger *slog.Logger, configPath string) error {
	cfg, err := appconfig.Load(logger, configPath)
	if err != nil {
		return err
	}
	path := appconfig.ResolvePath(configPath)
	if err := appconfig.Save(path, cfg); err != nil {
		return err
	}
	logger.Info("config written", "path", path, "data_dir", cfg.DataDir)
	return nil
}
