package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/cache"
	"github.com/ossivalls/studysync/internal/config"
	"github.com/ossivalls/studysync/internal/engine"
	"github.com/ossivalls/studysync/internal/remote"
)

// app bundles the wired components behind the sync commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	auth   *auth.Authenticator
	store  *remote.Store
	engine *engine.Engine
}

// newAuthenticator wires the device-flow authenticator from config.
// Usable without any remote configuration, so login works on first run.
func newAuthenticator(cfg *config.Config, logger *slog.Logger) *auth.Authenticator {
	return auth.New(auth.Options{
		TokenPath:  cfg.Auth.TokenFile,
		OwnerLogin: cfg.Owner,
		ClientID:   cfg.Auth.ClientID,
		HTTPClient: &http.Client{Timeout: cfg.Network.TimeoutDuration()},
		Logger:     logger,
	})
}

// buildApp wires the full stack: authenticator, remote store, local cache,
// and sync engine. A broken local database degrades to in-memory state
// rather than failing; losing durability must never lose the display.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}

	authn := newAuthenticator(cfg, logger)

	client := remote.NewClient(
		cfg.Remote.API,
		&http.Client{Timeout: cfg.Network.TimeoutDuration()},
		authn,
		logger,
	)

	store, err := remote.NewStore(client, cfg.Remote.Repo, cfg.Remote.Branch, logger)
	if err != nil {
		return nil, err
	}

	var engineCache engine.Cache

	local, err := cache.NewStore(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Error("opening local state database failed, continuing in memory",
			slog.String("path", cfg.Storage.DBPath),
			slog.String("error", err.Error()),
		)

		engineCache = cache.NewMemory(nil)
	} else {
		engineCache = local
	}

	eng, err := engine.New(engine.Config{
		DocumentPath:   cfg.Remote.Path,
		Store:          store,
		Cache:          engineCache,
		Auth:           authn,
		Logger:         logger,
		PollInterval:   cfg.Sync.PollIntervalDuration(),
		Debounce:       cfg.Sync.DebounceDuration(),
		RequestTimeout: cfg.Network.TimeoutDuration(),
		MinBudget:      cfg.Sync.MinBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("building sync engine: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		auth:   authn,
		store:  store,
		engine: eng,
	}, nil
}

// Close releases the engine and its cache.
func (a *app) Close() error {
	return a.engine.Close()
}
