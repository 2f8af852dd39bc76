package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"equiroute/internal/api"
	"equiroute/internal/app"
	"equiroute/internal/buildinfo"
	"equiroute/internal/config"
	"equiroute/internal/logging"
	"equiroute/internal/metrics"
	"equiroute/internal/tasks"
)

func main() {
	configPath := flag.String("config", "", "path to equiroute.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "equiroute-api")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterDefault()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}
	defer func() { _ = a.Close() }()
	if err := a.Seed(ctx, cfg, log); err != nil {
		return err
	}

	queue := tasks.New(cfg.TaskQueueSize, cfg.TaskWorkers, cfg.TaskTimeout, log)
	queue.Retain(cfg.TaskRetention)
	queue.Start(ctx)

	srv := api.NewServer(api.Deps{
		Store:     a.Store,
		Scorer:    a.Scorer,
		Models:    a.Models,
		Catalog:   a.Catalog,
		Planner:   a.Planner,
		Tasks:     queue,
		Broker:    a.Broker,
		Log:       log,
		Settings:  app.Settings(cfg),
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", httpSrv.Addr), zap.String("version", buildinfo.Version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	queue.Stop(shutdownCtx)
	return nil
}
