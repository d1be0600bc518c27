package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/barnowl/internal/config"
	"github.com/wisbric/barnowl/internal/grpcserver"
	"github.com/wisbric/barnowl/internal/httpserver"
	"github.com/wisbric/barnowl/internal/telemetry"
	"github.com/wisbric/barnowl/pkg/state"
)

// Run is the main application entry point. It builds the state store
// service, serves the component protocol on the Unix domain socket, and
// optionally exposes ops endpoints (health, metrics) over HTTP.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting barnowl",
		"socket", cfg.SocketPath(),
		"ops_addr", cfg.OpsAddr,
	)

	metricsReg := telemetry.NewMetricsRegistry()

	// No database connection yet: the sidecar delivers the connection
	// string in the Init RPC, so the service starts cold.
	svc := state.NewService(logger)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("closing state store", "error", err)
		}
	}()

	handler := state.NewHandler(svc, logger)
	grpcSrv := grpcserver.NewServer(handler, cfg.SocketPath(), logger)

	errCh := make(chan error, 2)

	go func() {
		if err := grpcSrv.Serve(); err != nil {
			errCh <- fmt.Errorf("component server: %w", err)
		}
	}()

	var opsSrv *http.Server
	if cfg.OpsAddr != "" {
		opsSrv = &http.Server{
			Addr:         cfg.OpsAddr,
			Handler:      httpserver.NewServer(cfg, logger, svc, metricsReg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", "addr", cfg.OpsAddr)
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.Shutdown(shutdownCtx)
		if opsSrv != nil {
			if err := opsSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down ops server: %w", err)
			}
		}
		return nil
	case err := <-errCh:
		return err
	}
}
