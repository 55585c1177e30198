package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/vault-agent/internal/agent"
	"github.com/p-blackswan/vault-agent/internal/config"
	"github.com/p-blackswan/vault-agent/internal/mgmt"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return 2
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	rt, err := agent.Open(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start runtime")
		return 2
	}
	defer rt.Close()

	logger.Info().
		Str("environment", cfg.Environment).
		Str("agent", cfg.AgentID).
		Str("role", cfg.Role()).
		Str("vault", cfg.VaultPath).
		Bool("mgmt_enabled", cfg.MgmtEnabled).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting vault agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	var mgmtServer *mgmt.Server
	if cfg.MgmtEnabled {
		handlers := mgmt.NewHandlers(rt.Vault, rt.Workflow, rt.Checker, rt.Thresholds(), logger)
		mgmtServer = mgmt.NewServer(mgmt.ServerConfig{
			ListenAddr: cfg.MgmtListenAddr,
			AuthConfig: mgmt.AuthConfig{
				Mode:      cfg.MgmtAuthMode,
				APIKey:    cfg.MgmtAPIKey,
				Identity:  cfg.MgmtIdentity,
				JWTSecret: cfg.MgmtJWTSecret,
			},
			CORSOrigins: cfg.MgmtCORSOrigins,
		}, handlers, rt.Metrics, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgmtServer.Start(); err != nil {
				logger.Error().Err(err).Msg("management API server error")
			}
		}()
	}

	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- agent.New(rt, nil, logger).Run(ctx)
	}()

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-runErr:
		if err != nil {
			logger.Error().Err(err).Msg("agent stopped on system failure")
			exit = 1
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if mgmtServer != nil {
		if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("management API server shutdown error")
		}
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Int("exit", exit).Msg("vault agent stopped")
	return exit
}
