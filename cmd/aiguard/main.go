package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/infra/auditlog"
	infraLogger "github.com/aegislabs/aiguard/pkg/infra/logger"
	"github.com/aegislabs/aiguard/pkg/safeguard"
	"github.com/aegislabs/aiguard/pkg/server"
)

func main() {
	logger := infraLogger.NewLogger()
	if err := run(logger); err != nil {
		logger.Fatalf("aiguard: %v", err)
	}
}

func run(logger *logrus.Logger) error {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	cfg, err := config.Load("./config")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sink, err := auditlog.NewSinkFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to initialize audit sink: %w", err)
	}
	audit := auditlog.NewService(sink, logger, &auditlog.Opts{
		RecentBufferSize: cfg.Audit.RecentBufferSize,
		QueueSize:        cfg.Audit.QueueSize,
	})
	defer func() {
		if err := audit.Close(); err != nil {
			logger.Errorf("failed to close audit service: %v", err)
		}
	}()

	manager, err := safeguard.NewManager(cfg.Safeguard, audit, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize safeguard manager: %w", err)
	}

	srv := server.NewDiagnosticsServer(cfg.Server, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("diagnostics server stopped: %w", err)
	case <-quit:
		logger.Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			return fmt.Errorf("failed to shut down diagnostics server: %w", err)
		}
	}
	return nil
}
