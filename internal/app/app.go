package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/services/maintenance"
	"github.com/ternarybob/lumen/internal/storage/badger"
	"github.com/ternarybob/lumen/internal/workflow"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB   *badger.BadgerDB
	Jobs *badger.JobStorage

	// Generation pipeline
	Engine    *engine.Client
	Registry  *relay.Registry
	Resolver  *relay.Resolver
	Workflows *workflow.Store

	// Background services
	Maintenance *maintenance.Service
}

// New wires up all application components
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	a.DB = db
	a.Jobs = badger.NewJobStorage(db, logger)

	a.Engine = engine.NewClient(&config.Engine, logger)
	a.Registry = relay.NewRegistry(logger)
	a.Resolver = relay.NewResolver(a.Engine, logger)
	a.Workflows = workflow.NewStore(config.Workflows.Dir, logger)

	a.Maintenance = maintenance.NewService(&config.Maintenance, &config.Uploads, a.Jobs, a.Registry, logger)

	return a, nil
}

// Start launches background services
func (a *App) Start() error {
	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance service: %w", err)
	}
	return nil
}

// Context returns the application lifetime context
func (a *App) Context() context.Context {
	return a.ctx
}

// Shutdown stops background services and closes storage
func (a *App) Shutdown() {
	a.Logger.Info().Msg("Shutting down application...")

	a.Maintenance.Stop()
	a.cancelCtx()

	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Job store close failed")
	}

	a.Logger.Info().Msg("Application stopped")
}
