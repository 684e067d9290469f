package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enclavekit/enclave/internal/infrastructure/config"
	"github.com/enclavekit/enclave/internal/infrastructure/logging"
	"github.com/enclavekit/enclave/internal/server"
)

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	modulesRoot := flag.String("modules", "", "Module root directory (overrides LOADER_ROOT)")
	policyPath := flag.String("policy", "", "Capability manifest path (overrides POLICY_PATH)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *modulesRoot != "" {
		cfg.Loader.Root = *modulesRoot
	}
	if *policyPath != "" {
		cfg.Loader.PolicyPath = *policyPath
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("server error", zap.Error(err))
	}
}
