package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/admission"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/crawl"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/pipeline"
	"github.com/ternarybob/trawler/internal/queue"
	"github.com/ternarybob/trawler/internal/services/events"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
	"github.com/ternarybob/trawler/internal/webhook"
	"github.com/ternarybob/trawler/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *storage.BadgerDB
	StateStore interfaces.StateStore
	Crawls     interfaces.CrawlStore
	Documents  interfaces.DocumentStore
	Jobs       interfaces.JobStore

	EventService interfaces.EventService
	QueueManager interfaces.QueueManager
	Webhooks     interfaces.WebhookDispatcher

	Admitter      *admission.Admitter
	Scorer        *admission.Scorer
	CrawlRegistry *crawl.Registry
	Engines       *engine.Registry
	Pipeline      *pipeline.Pipeline
	Worker        *worker.Worker
	Gate          *worker.ResourceGate

	maintenance *cron.Cron
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Bool("fetch_engine", cfg.Engines.FetchEnabled).
		Bool("browser_engine", cfg.Engines.Browser.Enabled).
		Bool("pdf_engine", cfg.Engines.PDFEnabled).
		Int("worker_concurrency", cfg.Worker.Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens Badger and builds the stores on top of it
func (a *App) initStorage() error {
	db, err := storage.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger: %w", err)
	}
	a.DB = db

	a.StateStore = storage.NewStateStore(db, a.Logger)
	a.Crawls = storage.NewCrawlStorage(db, a.Logger)
	a.Documents = storage.NewDocumentStorage(db, a.Logger)
	a.Jobs = storage.NewJobStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the scheduling and scraping services in dependency
// order
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	queueMgr, err := queue.NewBadgerManager(
		a.DB.Raw(),
		a.Config.Queue.QueueName,
		common.ParseDurationOr(a.Config.Queue.VisibilityTimeout, 0),
		a.Config.Queue.MaxReceive,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	a.QueueManager = queueMgr
	a.Logger.Debug().Str("queue_name", a.Config.Queue.QueueName).Msg("Queue manager initialized")

	policy := models.NewPlanPolicy(a.Config.Plans.Enterprise)
	a.Admitter = admission.NewAdmitter(a.StateStore, a.QueueManager, policy, a.Logger)
	a.Scorer = admission.NewScorer(a.StateStore, policy, a.Logger)
	a.CrawlRegistry = crawl.NewRegistry(a.StateStore, a.Crawls, a.Logger)

	var engines []engine.Engine
	if a.Config.Engines.FetchEnabled {
		engines = append(engines, engine.NewFetchEngine(a.Config.Crawler.UserAgent, a.Config.Engines.TempDir, a.Logger))
	}
	if a.Config.Engines.Browser.Enabled {
		engines = append(engines, engine.NewBrowserEngine(&a.Config.Engines.Browser, a.Config.Crawler.UserAgent, a.Logger))
	}
	if a.Config.Engines.PDFEnabled {
		engines = append(engines, engine.NewPDFEngine(a.Config.Engines.TempDir, a.Logger))
	}
	a.Engines = engine.NewRegistry(a.Logger, engines...)

	transformer := pipeline.NewTransformer(a.Logger)
	a.Pipeline = pipeline.NewPipeline(a.Engines, transformer, a.Config.Engines.ScrapeTimeout, a.Logger)

	a.Webhooks = webhook.NewDispatcher(&a.Config.Webhook, a.Logger)
	a.Gate = worker.NewResourceGate(a.Config.Worker.MaxCPUFraction, a.Config.Worker.MaxMemFraction, a.EventService, a.Logger)

	a.Worker = worker.NewWorker(
		a.Config,
		a.QueueManager,
		a.Admitter,
		a.Scorer,
		a.CrawlRegistry,
		a.Pipeline,
		a.Documents,
		a.Jobs,
		a.Webhooks,
		a.EventService,
		a.Gate,
		a.Logger,
	)
	queueMgr.SetDeadLetterHandler(a.Worker.HandleDeadLetter)

	// Maintenance: stall sweeps and expired-crawl cleanup
	a.maintenance = cron.New()
	if _, err := a.maintenance.AddFunc("@every 1m", a.runMaintenance); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	return nil
}

// Start launches the queue, workers and the maintenance scheduler
func (a *App) Start() error {
	if err := a.QueueManager.Start(); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}
	if err := a.Worker.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	a.maintenance.Start()
	return nil
}

func (a *App) runMaintenance() {
	ctx := context.Background()

	if swept, err := a.Admitter.SweepAll(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Admission sweep failed")
	} else if swept > 0 {
		a.Logger.Debug().Int("tenants", swept).Msg("Admission sweep complete")
	}

	if _, err := a.CrawlRegistry.SweepExpired(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Crawl cleanup sweep failed")
	}
}

// Close shuts down all application resources in reverse dependency order
func (a *App) Close() error {
	if a.maintenance != nil {
		a.maintenance.Stop()
	}

	if a.Worker != nil {
		if err := a.Worker.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop workers")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop queue manager")
		}
	}

	if a.Webhooks != nil {
		if err := a.Webhooks.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close webhook dispatcher")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
