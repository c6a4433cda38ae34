// Package conduit wires the pipeline execution engine together: durable
// storage, the job queue and worker pool, the workflow executor, the
// document stage machine, and the HTTP surface.
package conduit

import (
	"context"
	"log/slog"

	"github.com/eleven-am/conduit/internal/adapters/embedding"
	"github.com/eleven-am/conduit/internal/adapters/events"
	"github.com/eleven-am/conduit/internal/adapters/llm"
	"github.com/eleven-am/conduit/internal/adapters/queue"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/adapters/workers"
	"github.com/eleven-am/conduit/internal/config"
	"github.com/eleven-am/conduit/internal/docindex"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/engine"
	"github.com/eleven-am/conduit/internal/httpapi"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/steps"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived component. It is constructed once at startup
// with explicit dependency wiring and torn down at shutdown; nothing here is
// a package-level global.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	storage    *storage.Storage
	queue      *queue.Queue
	events     *events.Manager
	pool       *workers.Pool
	registry   *steps.Registry
	connectors *steps.Connectors
	executor   *engine.Executor
	machine    *docindex.Machine
	server     *httpapi.Server
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.Storage.Dir, logger)
	if err != nil {
		return nil, err
	}

	jobQueue := queue.New(cfg.Workers.QueueName, store, logger)
	manager := events.NewManager(logger)

	pool, err := workers.NewPool(cfg.Workers.PoolSize, jobQueue, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	workflows := storage.NewWorkflowRepository(store)
	executions := storage.NewExecutionRepository(store)
	documents := storage.NewDocumentRepository(store)
	entities := storage.NewEntityRepository(store)

	completer, err := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Token:       cfg.LLM.Token,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	embedder, err := embedding.New(embedding.Config{
		BaseURL:  cfg.Embed.BaseURL,
		Token:    cfg.Embed.Token,
		Model:    cfg.Embed.Model,
		Provider: cfg.Embed.Provider,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	processor := steps.NewProcessor(entities, func(string, string, float64) (ports.Completer, error) {
		return completer, nil
	}, logger)

	connectors := steps.NewConnectors()
	connectors.Register(steps.StaticConnector{})

	registry := steps.NewRegistry()
	registry.Register(steps.NewDataSource(connectors, logger))
	registry.Register(steps.NewFilter(logger))
	registry.Register(steps.NewDuplicate(logger))
	registry.Register(steps.NewUpsert(entities, logger))
	registry.Register(steps.NewDeleter(entities, logger))
	registry.Register(steps.NewLLMProcess(processor, logger))
	registry.Register(steps.NewDocumentIndex(pool, logger))

	executor := engine.NewExecutor(workflows, executions, registry, connectors, manager, logger)
	machine := docindex.NewMachine(documents, embedder, completer, pool, manager, logger)

	pool.Register(domain.JobWorkflowExecute, executor.HandleJob)
	pool.Register(domain.JobDocumentStage, machine.HandleJob)
	pool.Register(domain.JobLLMProcess, processor.HandleJob)

	server := httpapi.NewServer(
		cfg.HTTP.Addr,
		workflows,
		executions,
		executor,
		registry,
		machine,
		pool,
		manager,
		logger,
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		storage:    store,
		queue:      jobQueue,
		events:     manager,
		pool:       pool,
		registry:   registry,
		connectors: connectors,
		executor:   executor,
		machine:    machine,
		server:     server,
	}, nil
}

// RegisterStep adds a custom step implementation before Start.
func (a *App) RegisterStep(step ports.Step) {
	a.registry.Register(step)
}

// RegisterConnector adds an external data-source connector before Start.
func (a *App) RegisterConnector(connector ports.Connector) {
	a.connectors.Register(connector)
}

// Start runs the worker pool and HTTP server until ctx is cancelled, then
// shuts everything down in reverse dependency order.
func (a *App) Start(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.server.Start(groupCtx)
	})

	err := group.Wait()
	a.shutdown()
	return err
}

func (a *App) shutdown() {
	if err := a.pool.Stop(); err != nil {
		a.logger.Error("failed to stop worker pool", "error", err.Error())
	}
	if err := a.events.Close(); err != nil {
		a.logger.Error("failed to close event manager", "error", err.Error())
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Error("failed to close queue", "error", err.Error())
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err.Error())
	}
	a.logger.Info("shutdown complete")
}
