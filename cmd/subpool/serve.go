package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/gayhub/subpool/internal/db"
	"github.com/gayhub/subpool/internal/metrics"
	"github.com/gayhub/subpool/internal/secret"
	"github.com/gayhub/subpool/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.HTTPAddr = addrFlag
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			lock := flock.New(filepath.Join(cfg.DataDir, "subpool.lock"))
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another subpool instance is already using " + cfg.DataDir)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release data dir lock", "error", err)
				}
			}()

			database, err := db.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo := db.NewRepository(database, secret.New(cfg.AppSecret))
			if err := repo.EnsureDefaults(runCtx, *cfg); err != nil {
				return fmt.Errorf("initialize defaults: %w", err)
			}
			// The database holds everything changed through the API since the
			// last start, so it wins over the file.
			if cfg.Pool.ProviderConfigs, err = repo.ProviderConfigs(runCtx); err != nil {
				return fmt.Errorf("load provider configs: %w", err)
			}
			if cfg.Pool.Providers, err = repo.EnabledProviders(runCtx); err != nil {
				return fmt.Errorf("load enabled providers: %w", err)
			}

			m := metrics.New()
			reg := newRegistry()
			subs, err := newPool(poolOptions(*cfg, reg, logger, m))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				subs.Terminate(shutdownCtx)
			}()

			srv := server.New(*cfg, server.Deps{
				Repo:    repo,
				Pool:    subs,
				Known:   reg.Names(),
				Metrics: m.Handler(),
				Logger:  logger.With("component", "http"),
				Version: version,
			})
			httpServer := &http.Server{
				Addr:        cfg.HTTPAddr,
				Handler:     srv.Routes(),
				ReadTimeout: 10 * time.Second,
				IdleTimeout: 60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("subpool listening", "addr", cfg.HTTPAddr, "providers", cfg.Pool.Providers)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-runCtx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown error", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides http_addr)")
	return cmd
}
