package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/config"
	"github.com/vidfriends/vidgen/internal/db"
	"github.com/vidfriends/vidgen/internal/gateway"
	"github.com/vidfriends/vidgen/internal/generation"
	"github.com/vidfriends/vidgen/internal/repositories"
	"github.com/vidfriends/vidgen/internal/storage"
	"github.com/vidfriends/vidgen/internal/studio"
)

// dependencies groups the concrete implementations shared by the session commands.
type dependencies struct {
	Auth     *auth.Manager
	Sessions *repositories.PostgresSessionStore
	Gateway  *gateway.Gateway
}

// buildDependencies wires the identity provider, repositories and object store
// into a gateway.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config) (dependencies, error) {
	if err := cfg.RequireAuth(); err != nil {
		return dependencies{}, err
	}

	objects, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
	if err != nil {
		return dependencies{}, fmt.Errorf("configure object store: %w", err)
	}

	sessions := repositories.NewPostgresSessionStore(pool)
	manager := auth.NewManager(
		[]byte(cfg.Auth.JWTSecret),
		cfg.Auth.AccessTTL,
		cfg.Auth.RefreshTTL,
		repositories.NewPostgresCredentialStore(pool),
		sessions,
	)

	gw := gateway.New(
		manager,
		repositories.NewPostgresUserRepository(pool),
		repositories.NewPostgresVideoRepository(pool),
		objects,
		gateway.Options{VideoSizeEstimate: cfg.VideoSizeEstimate},
	)

	return dependencies{Auth: manager, Sessions: sessions, Gateway: gw}, nil
}

// buildStudio starts a generation pipeline acting on behalf of account.
// Callers own the returned studio and must shut it down.
func buildStudio(cfg config.Config, account studio.Account, logger *slog.Logger) (*studio.Studio, error) {
	if err := cfg.RequireGeneration(); err != nil {
		return nil, err
	}

	client, err := generation.NewClient(generation.Config{
		APIKey:            cfg.Generation.APIKey,
		Endpoint:          cfg.Generation.Endpoint,
		Model:             cfg.Generation.Model,
		PollInterval:      cfg.Generation.PollInterval,
		MaxAttempts:       cfg.Generation.MaxPollAttempts,
		RequestTimeout:    cfg.Generation.RequestTimeout,
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("configure generation client: %w", err)
	}

	return studio.New(client, account, studio.Config{
		QueueSize: cfg.Studio.QueueSize,
		Workers:   cfg.Studio.Workers,
	}, logger), nil
}
