package commands

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/spherical/ocr-pipeline/internal/api"
	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/ledger"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cfg.Ledger.Driver == ledger.DriverNone {
				return domain.ConfigError("run ledger is disabled (ledger.driver: none)", nil)
			}

			logger := newLogger(cmd, g, cfg)
			ctx := cmd.Context()

			l, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.LedgerDSN())
			if err != nil {
				return err
			}
			defer l.Close()

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      api.NewRouter(l, logger, cfg.Server.WriteTimeout),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			serverErrors := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", srv.Addr).Str("ledger", cfg.Ledger.Driver).Msg("HTTP server listening")
				serverErrors <- srv.ListenAndServe()
			}()

			select {
			case err := <-serverErrors:
				if !errors.Is(err, http.ErrServerClosed) {
					return domain.IOError("http server", err)
				}
				return nil
			case <-ctx.Done():
				logger.Info().Msg("Shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.GracefulShutdown)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Graceful shutdown failed")
				if err := srv.Close(); err != nil {
					logger.Error().Err(err).Msg("Forced shutdown failed")
				}
			}
			logger.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}
