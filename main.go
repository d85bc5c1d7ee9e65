package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mailsync_server/config"
	"mailsync_server/internal/bootstrap"
	"mailsync_server/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "mailsync",
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("Config: %s", w)
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "api":
		run(cfg, deps, true, false)
	case "worker":
		run(cfg, deps, false, true)
	case "all":
		run(cfg, deps, true, true)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func run(cfg *config.Config, deps *bootstrap.Dependencies, withAPI, withWorker bool) {
	var (
		api *bootstrap.API
		wkr *bootstrap.Worker
		wg  sync.WaitGroup
	)

	if withWorker {
		wkr = bootstrap.NewWorker(deps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting worker...")
			wkr.Start()
		}()
	}

	serverErr := make(chan error, 1)
	if withAPI {
		var err error
		api, err = bootstrap.NewAPI(deps)
		if err != nil {
			logger.Fatal("Failed to initialize API: %v", err)
		}
		go func() {
			serverErr <- api.Listen(":" + cfg.Port)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server stopped: %v", err)
		}
	}

	logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if api != nil {
			if err := api.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down API: %v", err)
			}
		}
		if wkr != nil {
			wkr.Stop()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("Shut down gracefully")
	case <-ctx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
