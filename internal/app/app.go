package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/config"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/db"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// App wires the render worker process: Postgres, repos, media toolchain,
// the pipeline registry and the queue worker. The embedding application
// reaches the submission API through Services.Jobs.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      config.PipelineConfig
	Repos    Repos
	Services Services
	cancel   context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("Failed to init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("Failed to init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("Postgres auto migration failed: %w", err)
	}
	theDB := pg.DB()

	cfg, err := config.LoadPipelineConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("Could not load pipeline config: %w", err)
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(context.Background(), theDB, log, cfg, reposet)
	if err != nil {
		log.Sync()
		return nil, err
	}

	return &App{
		Log:      log,
		DB:       theDB,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
	}, nil
}

func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Services.Worker.Start(ctx)
	if err := a.Services.Sweeper.Start(); err != nil {
		cancel()
		a.cancel = nil
		return fmt.Errorf("Could not start sweeper: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Sweeper != nil {
		a.Services.Sweeper.Stop()
	}
	a.Services.close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
