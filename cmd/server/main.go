package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/api"
	"github.com/harvey240/evcharger-scheduler/internal/config"
	"github.com/harvey240/evcharger-scheduler/internal/db"
	"github.com/harvey240/evcharger-scheduler/internal/executor"
	"github.com/harvey240/evcharger-scheduler/internal/handler"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Connect to the database
	gdb, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.Migrate(gdb); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Stores
	schedules := store.NewScheduleStore(gdb)
	history := store.NewHistoryStore(gdb, logger)

	// Job queue
	jobQueue := queue.New(gdb, logger, queue.Options{
		PollInterval: cfg.Queue.PollInterval,
		Concurrency:  cfg.Queue.Concurrency,
	})

	// Executor with work implementations
	taskExecutor := executor.New(jobQueue, schedules, history, logger)

	reportPublisher := handler.NewReportPublisher(logger, history)
	emailSender := handler.NewEmailSender(logger, handler.EmailConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		Recipients: cfg.SMTP.Recipients,
	})
	dataExporter := handler.NewDataExporter(logger, history, cfg.Export.Dir)
	sessionCleanup := handler.NewSessionCleanup(logger, history, cfg.History.Retention)

	taskExecutor.RegisterWork("report_publish", reportPublisher.Work)
	taskExecutor.RegisterWork("send_email", emailSender.Work)
	taskExecutor.RegisterWork("data_export", dataExporter.Work)
	taskExecutor.RegisterSystemWork("session_cleanup", sessionCleanup.Work)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := taskExecutor.Start(ctx); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}
	logger.Info("Job processing started",
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Duration("poll_interval", cfg.Queue.PollInterval))

	// HTTP surface
	reconciler := scheduler.NewReconciler(schedules, jobQueue, logger)
	router := api.NewRouter(cfg.App, reconciler, history, logger)
	server := &http.Server{
		Addr:    cfg.App.Addr,
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.App.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	taskExecutor.Stop()

	stats := taskExecutor.Stats()
	logger.Info("Scheduler stopped",
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped))
}
