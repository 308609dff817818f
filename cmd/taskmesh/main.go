package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/taskmesh/internal/agent"
	"github.com/nidhogg/taskmesh/internal/api"
	"github.com/nidhogg/taskmesh/internal/bus"
	"github.com/nidhogg/taskmesh/internal/config"
	"github.com/nidhogg/taskmesh/internal/executor"
	"github.com/nidhogg/taskmesh/internal/orchestrator"
	pgstore "github.com/nidhogg/taskmesh/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/taskmesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting TaskMesh...", zap.String("config", cfgPath))

	// Initialize PostgreSQL archive
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without task archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize event bus
	var eventBus *bus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := bus.New(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(busErr))
		} else {
			eventBus = b
		}
	}

	// Build agents from config
	var sampler agent.ResourceSampler
	if ps, serr := agent.NewProcessSampler(); serr != nil {
		logger.Warn("resource sampling unavailable", zap.Error(serr))
	} else {
		sampler = ps
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, logger)
	if pgStore != nil {
		orch.SetArchiver(pgStore)
	}
	if eventBus != nil {
		orch.SetEventSink(eventBus)
	}

	ctx := context.Background()
	for _, ac := range cfg.Agents {
		handlers := make([]agent.Handler, 0, len(ac.Capabilities))
		for _, cc := range ac.Capabilities {
			exec, lerr := executor.Lookup(cc.Executor)
			if lerr != nil {
				logger.Fatal("bad capability", zap.String("agent", ac.ID), zap.Error(lerr))
			}
			handlers = append(handlers, agent.Handler{
				Capability: agent.Capability{
					Name:            cc.Name,
					Description:     cc.Description,
					InputKinds:      cc.InputTypes,
					OutputKinds:     cc.OutputTypes,
					ComplexityScore: cc.ComplexityScore,
					RequiresGPU:     cc.RequiresGPU,
				},
				Executor: exec,
			})
		}

		a := agent.New(agent.Config{
			ID:              ac.ID,
			Kind:            ac.Kind,
			Concurrency:     ac.Concurrency,
			HistorySize:     ac.HistorySize,
			HealthInterval:  time.Duration(ac.HealthIntervalSec) * time.Second,
			MetricsInterval: time.Duration(ac.MetricsIntervalSec) * time.Second,
			DrainTimeout:    time.Duration(ac.DrainTimeoutSec) * time.Second,
			GPUAvailable:    ac.GPUAvailable,
			Sampler:         sampler,
		}, handlers, logger)

		if err := a.Start(ctx); err != nil {
			logger.Fatal("agent failed to start", zap.String("agent", ac.ID), zap.Error(err))
		}
		orch.Register(a)
	}

	orch.Start(ctx)

	// Build HTTP handler
	handler := api.NewHandler(orch, pgStore, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("TaskMesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down TaskMesh...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	orch.Stop(shutdownCtx)
	if eventBus != nil {
		eventBus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}
