// main.go - Entry point and dependency injection
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/sstent/veloengine/internal/config"
	"github.com/sstent/veloengine/internal/database"
	"github.com/sstent/veloengine/internal/engine"
	"github.com/sstent/veloengine/internal/provider"
	"github.com/sstent/veloengine/internal/sections"
	"github.com/sstent/veloengine/internal/supersession"
	"github.com/sstent/veloengine/internal/sync"
	"github.com/sstent/veloengine/internal/web"
)

type App struct {
	cfg         config.Config
	logger      *slog.Logger
	db          *database.SQLiteDB
	resolver    *supersession.Resolver
	engine      *engine.Engine
	cron        *cron.Cron
	server      *http.Server
	syncService *sync.SyncService
	shutdown    chan os.Signal
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: make(chan os.Signal, 1),
	}

	if err := app.init(context.Background()); err != nil {
		logger.Error("failed to initialize app", "error", err)
		app.stop()
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		logger.Error("failed to start app", "error", err)
		app.stop()
		os.Exit(1)
	}

	signal.Notify(app.shutdown, os.Interrupt, syscall.SIGTERM)
	<-app.shutdown

	app.stop()
}

func (app *App) init(ctx context.Context) error {
	var err error

	if err := os.MkdirAll(app.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	app.db, err = database.Open(ctx, app.cfg.DBPath, app.logger)
	if err != nil {
		return err
	}

	app.resolver, err = supersession.Open(app.cfg.SupersessionDir, app.logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	detection := sections.DefaultConfig()
	detection.MinActivities = app.cfg.MinSectionActivities
	routes := sections.DefaultRouteOptions()
	routes.MinActivities = app.cfg.RouteGroupMinActivities

	lock := sync.NewLock()
	app.engine, err = engine.New(engine.Options{
		Store:             app.db,
		Resolver:          app.resolver,
		Lock:              lock,
		Detection:         detection,
		Routes:            routes,
		SimplifyTolerance: app.cfg.SimplifyTolerance,
		Metrics:           engine.NewMetrics(reg),
		Logger:            app.logger,
	})
	if err != nil {
		return err
	}

	// a nil *provider.Client must not become a non-nil interface
	var metrics sync.MetricsSource
	if app.cfg.ProviderURL != "" {
		metrics = provider.NewClient(app.cfg.ProviderURL, app.logger)
	}
	app.syncService = sync.NewSyncService(app.engine, metrics, lock, app.cfg.DataDir, app.logger)
	if err := os.MkdirAll(app.syncService.InboxDir(), 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	app.cron = cron.New()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	web.NewWebHandler(engine.NewAPI(app.engine, app.cfg.SlowCallThreshold), app.syncService, reg, app.logger).RegisterRoutes(router)

	app.server = &http.Server{
		Addr:    app.cfg.HTTPAddr,
		Handler: router,
	}

	return nil
}

func (app *App) start() error {
	if app.cfg.DetectionCron != "" {
		_, err := app.cron.AddFunc(app.cfg.DetectionCron, func() {
			app.logger.Info("starting scheduled sync")
			err := app.syncService.Start()
			if errors.Is(err, sync.ErrSyncInProgress) {
				app.logger.Info("scheduled sync skipped, a cycle is already running")
			} else if err != nil {
				app.logger.Error("scheduled sync failed to start", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid DETECTION_CRON %q: %w", app.cfg.DetectionCron, err)
		}
	}
	app.cron.Start()

	go func() {
		app.logger.Info("server starting", "addr", app.cfg.HTTPAddr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("server error", "error", err)
			app.shutdown <- syscall.SIGTERM
		}
	}()
	return nil
}

func (app *App) stop() {
	app.logger.Info("shutting down")

	if app.cron != nil {
		<-app.cron.Stop().Done()
	}

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("server shutdown error", "error", err)
		}
	}

	if app.syncService != nil {
		app.syncService.Stop()
	}
	if app.engine != nil {
		app.engine.Close()
	}
	if app.resolver != nil {
		if err := app.resolver.Close(); err != nil {
			app.logger.Error("failed to close supersession store", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}

	app.logger.Info("shutdown complete")
}
