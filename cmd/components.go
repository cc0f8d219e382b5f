// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/config"
	"github.com/Manoj7ar/Users/internal/execution"
	"github.com/Manoj7ar/Users/internal/perception"
	"github.com/Manoj7ar/Users/internal/recovery"
	"github.com/Manoj7ar/Users/internal/resolver"
	"github.com/Manoj7ar/Users/internal/server"
	"github.com/Manoj7ar/Users/internal/speech"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/teach"
	"github.com/Manoj7ar/Users/internal/verify"
)

// openStore builds the persistence backend selected by store.driver.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		pg, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	case config.DriverSQLite:
		return store.OpenSQLite(ctx, cfg.SQLite.Path, logger)
	case config.DriverMemory, "":
		logger.Warn("Using in-memory store; sessions and workflows are lost on exit")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// buildServices wires the perception oracle into the teach and execution services.
func buildServices(ctx context.Context, cfg *config.Config, st store.Store, logger *zap.Logger) (server.Services, error) {
	gateway, err := perception.NewGateway(ctx, cfg.Perception, logger)
	if err != nil {
		return server.Services{}, fmt.Errorf("failed to initialize perception gateway: %w", err)
	}

	services := server.Services{
		Teach: teach.NewService(st, gateway, logger),
		Executions: execution.NewManager(st,
			resolver.New(gateway, logger),
			verify.New(gateway, logger),
			recovery.New(st, logger),
			cfg.Execution,
			logger,
		),
	}

	if cfg.Speech.Enabled {
		model, err := perception.NewGeminiModel(ctx, cfg.Perception, logger,
			perception.WithPlainText(),
			perception.WithModelName(cfg.Speech.Model),
		)
		if err != nil {
			return server.Services{}, fmt.Errorf("failed to initialize speech model: %w", err)
		}
		services.Transcriber = speech.NewTranscriber(model, logger)
	}
	return services, nil
}
