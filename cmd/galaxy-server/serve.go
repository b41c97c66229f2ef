package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ansible/content-repository/pkg/config"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and, unless tasks.enabled is false, run task workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				glog.Fatalf("Failed to initialize: %v", err)
			}
			defer a.Close()
			srv, err := a.handler()
			if err != nil {
				glog.Fatalf("Failed to build API: %v", err)
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.pool.Run(ctx)
			}()

			httpServer := &http.Server{Addr: cfg.Server.Listen, Handler: srv.Routes()}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					glog.Fatalf("HTTP server error: %v", err)
				}
			}()
			logger.Info("galaxy server ready",
				"listen", cfg.Server.Listen,
				"contentOrigin", cfg.Server.ContentOrigin,
				"database", cfg.Database.Type,
				"storage", cfg.Storage.Type,
				"workers", cfg.Tasks.Enabled)

			<-ctx.Done()
			logger.Info("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", "error", err)
			}
			wg.Wait()
			logger.Info("galaxy server stopped")
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newWorkerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run task workers without the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Tasks.Enabled = true
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				glog.Fatalf("Failed to initialize: %v", err)
			}
			defer a.Close()
			a.pool.Run(ctx)
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var rebuildIndex bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Database.AutoMigrate = true
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if rebuildIndex {
				if err := a.indexer.Rebuild(ctx, a.db); err != nil {
					return err
				}
				logger.Info("search index rebuilt")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuildIndex, "rebuild-index", false, "recompute the cross-repository search index")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			raw, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(raw)
			return err
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}
