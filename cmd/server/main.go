package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obot-platform/agentrelay/internal/config"
	"github.com/obot-platform/agentrelay/internal/controlplane"
	"github.com/obot-platform/agentrelay/internal/crypto"
	"github.com/obot-platform/agentrelay/internal/database"
	"github.com/obot-platform/agentrelay/internal/handler"
	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/sandbox"
	dockerprovider "github.com/obot-platform/agentrelay/internal/sandbox/docker"
	"github.com/obot-platform/agentrelay/internal/sandbox/modal"
	"github.com/obot-platform/agentrelay/internal/session"
	"github.com/obot-platform/agentrelay/internal/store"
	"github.com/obot-platform/agentrelay/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	db, err := database.Open(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	st, err := store.New(db)
	if err != nil {
		return err
	}
	if cfg.EncryptionKey != "" {
		key, err := crypto.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("parse SESSION_ENCRYPTION_KEY: %w", err)
		}
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return err
		}
		st.UseSealer(sealer)
	}

	provider, closeProvider, err := buildProvider(cfg, log)
	if err != nil {
		return err
	}
	if closeProvider != nil {
		defer closeProvider()
	}

	registry := session.NewRegistry(session.Deps{
		Store:    st,
		Provider: provider,
		Log:      log,
	})

	validator := controlplane.New(cfg.ControlPlaneURL, "", log)
	h := handler.New(registry, validator, cfg, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h.Routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "version", version.Get(), "port", cfg.Port, "provider", cfg.SandboxProvider)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		log.Error("registry shutdown", "error", err)
	}
	return nil
}

// buildProvider selects the sandbox provider from configuration.
func buildProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, func() error, error) {
	switch cfg.SandboxProvider {
	case "modal":
		return modal.New(cfg.SandboxAPIBase, cfg.SandboxAPISecret, log), nil, nil
	case "docker":
		p, err := dockerprovider.New(dockerprovider.Config{
			Host:    cfg.DockerHost,
			Network: cfg.DockerNetwork,
			Image:   cfg.SandboxImage,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sandbox provider: %s", cfg.SandboxProvider)
	}
}
