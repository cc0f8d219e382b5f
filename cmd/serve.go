// File: cmd/serve.go
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Manoj7ar/Users/internal/observability"
	"github.com/Manoj7ar/Users/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the teach and execute HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			st, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Warn("Error closing store", zap.Error(err))
				}
			}()

			services, err := buildServices(ctx, cfg, st, logger)
			if err != nil {
				return err
			}

			logger.Info("Starting users API",
				zap.String("version", Version),
				zap.String("addr", cfg.Server.Addr),
				zap.String("store", string(cfg.Store.Driver)),
				zap.String("perception", string(cfg.Perception.Provider)),
				zap.Bool("auth", cfg.Server.Auth.JWTSecret != ""),
				zap.Bool("speech", services.Transcriber != nil),
			)

			srv := server.New(cfg.Server, services, logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
