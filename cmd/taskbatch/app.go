package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360studio/taskbatch/api"
	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/config"
	"github.com/c360studio/taskbatch/llm"
	"github.com/c360studio/taskbatch/observability"
	"github.com/c360studio/taskbatch/pool"
	taskorchestrator "github.com/c360studio/taskbatch/processor/task-orchestrator"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/machine"
	"github.com/c360studio/taskbatch/workflow/runner"
)

// Mode selects how submitted executions are run.
type Mode string

const (
	// ModeInProcess runs executions on the in-process runner.
	ModeInProcess Mode = "in-process"
	// ModeBroker publishes executions to JetStream for the orchestrator.
	ModeBroker Mode = "broker"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	mode   Mode

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	pools  *pool.Manager
	caches *cache.Contexts
	db     *storage.Postgres
	repo   storage.Repository
	states *storage.StateStore

	// Execution
	generator    machine.Generator
	registry     *prometheus.Registry
	alerter      *observability.Alerter
	machine      *machine.Machine
	runner       *runner.Runner
	orchestrator *taskorchestrator.Component

	// HTTP
	echo *echo.Echo
}

// AppOption configures an App.
type AppOption func(*App)

// WithMode selects how executions run.
func WithMode(m Mode) AppOption {
	return func(a *App) {
		a.mode = m
	}
}

// WithGenerator replaces the LLM-backed generator.
func WithGenerator(g machine.Generator) AppOption {
	return func(a *App) {
		a.generator = g
	}
}

// WithRepository replaces the configured persistence.
func WithRepository(r storage.Repository) AppOption {
	return func(a *App) {
		a.repo = r
	}
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{cfg: cfg, logger: logger, mode: ModeInProcess}
	for _, opt := range opts {
		opt(app)
	}
	if app.mode != ModeInProcess && app.mode != ModeBroker {
		return nil, fmt.Errorf("unknown mode %q", app.mode)
	}
	return app, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if err := a.startStorage(ctx); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}

	states, err := storage.NewStateStore(ctx, a.js, a.cfg.NATS.StateTTL)
	if err != nil {
		return fmt.Errorf("initialize state store: %w", err)
	}
	a.states = states

	if err := a.startMachine(); err != nil {
		return err
	}

	a.runner = runner.New(a.machine,
		runner.WithLogger(a.logger),
		runner.WithCheckpointer(a.states))

	if a.mode == ModeBroker {
		orchestrator, err := taskorchestrator.NewComponent(a.cfg.Orchestrator, a.js, a.machine, a.states, a.logger)
		if err != nil {
			return fmt.Errorf("create orchestrator: %w", err)
		}
		if err := orchestrator.Start(ctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}
		a.orchestrator = orchestrator
	}

	a.logger.Info("Components initialized", "mode", a.mode, "persistence", a.persistenceKind())
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name("taskbatch"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL(), nats.Name("taskbatch"))
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

func (a *App) startStorage(ctx context.Context) error {
	a.pools = pool.NewManager(a.cfg.Pools.Categories(), pool.WithLogger(a.logger))

	if a.repo == nil {
		if dsn := a.cfg.Database.DSN; dsn != "" {
			db, err := storage.Open(ctx, dsn, a.pools, storage.WithLogger(a.logger))
			if err != nil {
				return err
			}
			if a.cfg.Database.Migrate {
				if err := db.Migrate(ctx); err != nil {
					db.Close()
					return err
				}
			}
			a.db = db
			a.repo = db
		} else {
			var fixtures storage.Fixtures
			if path := a.cfg.Database.Fixtures; path != "" {
				f, err := storage.LoadFixtures(path)
				if err != nil {
					return err
				}
				fixtures = f
			}
			a.repo = storage.NewMemory(fixtures)
		}
	}

	a.caches = cache.NewContexts(a.cfg.Cache.Goals, a.cfg.Cache.Actions, cache.WithLogger(a.logger))
	a.caches.Start(ctx)
	return nil
}

func (a *App) persistenceKind() string {
	switch {
	case a.db != nil:
		return "postgres"
	case a.cfg.Database.Fixtures != "":
		return "memory+fixtures"
	default:
		return "memory"
	}
}

func (a *App) startMachine() error {
	if a.generator == nil {
		client := llm.NewClient(a.cfg.Generation,
			llm.WithHTTPClient(a.pools.HTTPClient(a.cfg.Generation.Timeout)),
			llm.WithLogger(a.logger))
		a.generator = llm.NewGenerator(client, llm.WithGeneratorLogger(a.logger))
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(a.registry)
	observability.RegisterCacheStats(a.registry, a.caches)
	observability.RegisterPoolStats(a.registry, a.pools)

	publisher := observability.NewPublisher(a.natsConn)
	a.alerter = observability.NewAlerter(a.cfg.Alerts, []observability.AlertSink{
		observability.LogSink{Logger: a.logger},
		publisher,
	})

	cached := storage.NewCached(a.repo, a.caches, a.logger)
	m, err := machine.New(machine.Deps{
		Contexts:  cached,
		Tasks:     cached,
		Status:    a.repo,
		Generator: a.generator,
		Notifier:  publisher,
	}, a.cfg.Workflow,
		machine.WithLogger(a.logger),
		machine.WithObserver(observability.Fanout{metrics, a.alerter}),
		machine.WithProgress(publisher),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	a.machine = m
	return nil
}

// Submitter returns where new executions go in the current mode.
func (a *App) Submitter() api.Submitter {
	if a.mode == ModeBroker {
		return taskorchestrator.NewSubmitter(a.js, a.cfg.Orchestrator.TriggerSubject)
	}
	return a.runner
}

// Run executes one input synchronously on the in-process runner.
func (a *App) Run(ctx context.Context, input workflow.WorkflowInput) (workflow.WorkflowState, error) {
	return a.runner.Run(ctx, input)
}

// Reconfigure applies a reloaded configuration. Only the execution tuning
// is live; everything else needs a restart.
func (a *App) Reconfigure(cfg *config.Config) {
	if err := a.machine.Reconfigure(cfg.Workflow); err != nil {
		a.logger.Warn("Rejected reloaded workflow config", "error", err)
	}
}

// StartHTTP serves the API on addr in the background.
func (a *App) StartHTTP(addr string) {
	opts := []api.Option{
		api.WithPools(a.pools),
		api.WithCaches(a.caches),
		api.WithGatherer(a.registry),
		api.WithLogger(a.logger),
	}
	if a.mode == ModeInProcess {
		opts = append(opts, api.WithCanceller(a.runner))
	}
	a.echo = api.NewServer(a.Submitter(), a.repo, opts...).Echo()

	go func() {
		a.logger.Info("HTTP server listening", "addr", addr)
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops all components. Running executions get until
// timeout to finish before they are cancelled.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.echo != nil {
		if err := a.echo.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.orchestrator != nil {
		if err := a.orchestrator.Stop(timeout); err != nil {
			a.logger.Warn("Orchestrator stop incomplete", "error", err)
		}
	}
	if a.runner != nil {
		if err := a.runner.Shutdown(ctx); err != nil {
			a.logger.Warn("Executions cancelled at shutdown", "error", err)
		}
	}
	if a.caches != nil {
		a.caches.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Debug("NATS drain failed", "error", err)
		}
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Goodbye")
}
