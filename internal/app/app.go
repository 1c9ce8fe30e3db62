package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/handlers"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/schemas"
	"github.com/ternarybob/indago/internal/services/calibration"
	"github.com/ternarybob/indago/internal/services/events"
	"github.com/ternarybob/indago/internal/services/notify"
	"github.com/ternarybob/indago/internal/services/research"
	"github.com/ternarybob/indago/internal/services/rules"
	"github.com/ternarybob/indago/internal/services/scheduler"
	"github.com/ternarybob/indago/internal/services/status"
	"github.com/ternarybob/indago/internal/services/tools"
	"github.com/ternarybob/indago/internal/state"
	"github.com/ternarybob/indago/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Tool contract
	SchemaRegistry *schemas.Registry
	Router         *tools.Router

	// Event-driven services
	EventService     interfaces.EventService
	Notifier         *queue.Notifier
	SchedulerService *scheduler.Service

	// Job execution
	ActionRegistry *queue.ActionRegistry
	QueueService   *queue.Service
	Dispatcher     *queue.Dispatcher

	// Task state and status
	StateManager  *state.Manager
	StatusService *status.Service

	// Domain services
	CalibrationService *calibration.Service
	NotifyService      *notify.Service
	TargetAction       *research.TargetAction

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	ToolsHandler     *handlers.ToolsHandler
	SchemasHandler   *handlers.SchemasHandler
	StatusHandler    *handlers.StatusHandler
	PageHandler      *handlers.PageHandler
	SchedulerHandler *handlers.SchedulerHandler
	MCPHandler       *handlers.MCPHandler
	WSHandler        *handlers.WebSocketHandler

	started bool
}

// New constructs the application: stores, services, tool router, handlers.
// Nothing runs until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	if err := a.initServices(); err != nil {
		storageManager.Close()
		return nil, err
	}

	if err := a.initRouter(); err != nil {
		storageManager.Close()
		return nil, err
	}

	a.initHandlers()

	logger.Info().
		Str("sqlite", cfg.Storage.SQLite.Path).
		Str("badger", cfg.Storage.Badger.Path).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initServices() error {
	cfg := a.Config
	logger := a.Logger

	registry, err := schemas.NewRegistry(logger, cfg.Schemas.Dir)
	if err != nil {
		return fmt.Errorf("failed to load tool schemas: %w", err)
	}
	a.SchemaRegistry = registry

	a.EventService = events.NewService(logger)
	a.Notifier = queue.NewNotifier()

	stateManager, err := state.NewManager(
		a.StorageManager.SearchStorage(),
		a.StorageManager.EvidenceStorage(),
		a.Notifier,
		&cfg.State,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize exploration state: %w", err)
	}
	a.StateManager = stateManager

	a.ActionRegistry = queue.NewActionRegistry(logger)
	a.Dispatcher = queue.NewDispatcher(
		a.StorageManager.JobStorage(),
		a.ActionRegistry,
		a.EventService,
		a.Notifier,
		&cfg.Queue,
		logger,
	)
	a.QueueService = queue.NewService(
		a.StorageManager.TaskStorage(),
		a.StorageManager.JobStorage(),
		a.ActionRegistry,
		a.Dispatcher,
		a.EventService,
		a.Notifier,
		logger,
	)

	a.StatusService = status.NewService(
		a.StorageManager.TaskStorage(),
		a.StorageManager.JobStorage(),
		a.StorageManager.InterventionStorage(),
		a.StorageManager.RuleStorage(),
		a.StateManager,
		a.Notifier,
		&cfg.Status,
		logger,
	)

	a.CalibrationService = calibration.NewService(a.StorageManager.CalibrationStorage(), logger)

	var sink interfaces.NotificationSink
	if cfg.Notify.SinkURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.SinkURL, cfg.Notify.TimeoutDuration(), logger)
	}
	notifyService, err := notify.NewService(a.StorageManager.DB(), sink, &cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize notification outbox: %w", err)
	}
	a.NotifyService = notifyService

	// The target action serves both the canonical kind and the legacy
	// search_queue alias so historical rows stay runnable
	provider := research.NewHTTPSearchProvider(&cfg.Search, logger)
	fetcher := research.NewFetcher(&cfg.Fetcher, logger)
	extractor := research.NewExtractor(logger)
	a.TargetAction = research.NewTargetAction(
		a.StorageManager,
		a.StateManager,
		a.QueueService,
		provider,
		fetcher,
		extractor,
		&cfg.Search,
		logger,
	)
	if err := a.ActionRegistry.Register(a.TargetAction.Kind(), a.TargetAction); err != nil {
		return fmt.Errorf("failed to register target action: %w", err)
	}
	if err := a.ActionRegistry.Register("search_queue", a.TargetAction); err != nil {
		return fmt.Errorf("failed to register legacy search action: %w", err)
	}

	a.SchedulerService = scheduler.NewService(logger)
	maintenance := &scheduler.Maintenance{
		State:         a.StateManager,
		Notifier:      a.Notifier,
		Jobs:          a.StorageManager.JobStorage(),
		Interventions: a.StorageManager.InterventionStorage(),
		Calibration:   a.StorageManager.CalibrationStorage(),
		Config:        cfg,
		Logger:        logger,
	}
	if err := maintenance.Register(a.SchedulerService); err != nil {
		return fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	return nil
}

func (a *App) initRouter() error {
	a.Router = tools.NewRouter(a.SchemaRegistry, a.Logger)

	toolset := &tools.Toolset{
		Tasks: tools.NewTaskTools(
			a.StorageManager.TaskStorage(),
			a.QueueService,
			a.StateManager,
			a.Notifier,
			a.EventService,
			a.Config.Budget,
			a.Logger,
		),
		Status: tools.NewStatusTools(a.StatusService),
		Queue: tools.NewQueueTools(
			a.StorageManager.TaskStorage(),
			a.StorageManager.EvidenceStorage(),
			a.QueueService,
			a.Logger,
		),
		Materials: tools.NewMaterialsTools(
			a.StorageManager.TaskStorage(),
			a.StorageManager.EvidenceStorage(),
			a.Logger,
		),
		Calibration: tools.NewCalibrationTools(a.CalibrationService),
		Auth: tools.NewAuthTools(
			a.StorageManager.InterventionStorage(),
			a.QueueService,
			a.Notifier,
			a.Logger,
		),
		Notify: tools.NewNotifyTools(a.NotifyService, a.Logger),
		Feedback: tools.NewFeedbackHandler(
			a.StorageManager.RuleStorage(),
			a.StorageManager.EvidenceStorage(),
			a.CalibrationService,
			a.EventService,
			a.Notifier,
			a.Logger,
		),
	}

	if err := toolset.Register(a.Router); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.ToolsHandler = handlers.NewToolsHandler(a.Router, a.Logger)
	a.SchemasHandler = handlers.NewSchemasHandler(a.SchemaRegistry)
	a.StatusHandler = handlers.NewStatusHandler(
		a.StorageManager.TaskStorage(),
		a.Dispatcher,
		a.SchedulerService,
		a.NotifyService,
		a.Logger,
	)
	a.PageHandler = handlers.NewPageHandler(a.StorageManager.ContentStorage(), a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
	a.MCPHandler = handlers.NewMCPHandler(a.Router, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// Start brings the background machinery up: seed rules, dispatcher workers,
// notification pump, maintenance scheduler.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return fmt.Errorf("app already started")
	}

	seedLoader := rules.NewLoader(a.StorageManager.RuleStorage(), &a.Config.Rules, a.Logger)
	if err := seedLoader.LoadSeedRules(ctx); err != nil {
		// Seed files are optional; a bad directory should not hold up startup
		a.Logger.Warn().Err(err).Msg("Domain rule seeding failed")
	}

	if err := a.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if err := a.NotifyService.Start(); err != nil {
		a.Dispatcher.Stop(ctx)
		return fmt.Errorf("failed to start notification pump: %w", err)
	}

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.started = true
	a.Logger.Info().Msg("Application started")
	return nil
}

// Close shuts down background work and closes the stores. Safe to call
// after a failed Start.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}

	if a.Dispatcher != nil {
		if err := a.Dispatcher.Stop(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Dispatcher stop failed")
		}
	}

	if a.NotifyService != nil {
		if err := a.NotifyService.Stop(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Notification outbox flush failed")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	var err error
	if a.StorageManager != nil {
		err = a.StorageManager.Close()
	}

	a.started = false
	a.Logger.Info().Msg("Application stopped")
	return err
}
