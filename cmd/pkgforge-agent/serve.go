package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkgforge-agent/internal/api"
	"pkgforge-agent/internal/depgraph"
	"pkgforge-agent/internal/mdns"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the read-only inspection API with mDNS announcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}

			graphs := func() (*depgraph.Graph, error) {
				return buildGraph(cfg, store, logger), nil
			}
			router := api.NewRouter(cfg, store, graphs, logger)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.APIPort),
				Handler: router,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mdnsService := mdns.NewService(logger)
			if err := mdnsService.Register(ctx, cfg.APIPort); err != nil {
				logger.Warn("mDNS registration failed, continuing without discovery", "error", err)
			}
			defer mdnsService.Shutdown()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting inspection API", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server error: %w", err)
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}
}
