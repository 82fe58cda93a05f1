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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certmint/handlers"
	"certmint/logger"
	"certmint/routers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the certificate HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Logger.Info("Starting certificate server...")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		for _, n := range cfg.Networks {
			report, err := a.repo.RepairIndex(n.Key)
			if err != nil {
				return err
			}
			if !report.Consistent() {
				logger.Logger.Warn("Repaired local record index", zap.String("network", n.Key),
					zap.Int("unindexed", len(report.Unindexed)), zap.Int("dangling", len(report.Dangling)))
			}
		}

		h := handlers.NewHandler(a.orchestrator, a.reconciler, a.gateway, a.provider, cfg.Networks, cfg.Network)
		h.Index = a.repo

		r := mux.NewRouter()
		routers.RegisterRoutes(r, h)
		routers.RegisterMetrics(r, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: r,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Logger.Error("Server stopped", zap.Error(err))
			}
		}()

		logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port), zap.String("network", cfg.Network))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		<-sigCh
		logger.Logger.Info("Shutdown signal received, exiting...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
