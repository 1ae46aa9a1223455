package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
	"cowlend/services/keeperd/config"
	"cowlend/services/keeperd/keeper"
	"cowlend/services/lending/client"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/keeperd/config.yaml", "path to keeperd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service: "keeperd",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), "keeperd", cfg.Environment, cfg.Telemetry)
	if err != nil {
		fatal(logger, "init telemetry", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lendingd, err := client.New(cfg.ClientConfig())
	if err != nil {
		fatal(logger, "lendingd client", err)
	}
	k, err := keeper.New(lendingd,
		keeper.WithInterval(cfg.Keeper.Interval),
		keeper.WithSlippage(cfg.Keeper.SlippageBps),
		keeper.WithWorkers(cfg.Keeper.Workers),
		keeper.WithRequestTimeout(cfg.Keeper.RequestTimeout),
		keeper.WithLogger(logger),
	)
	if err != nil {
		fatal(logger, "keeper", err)
	}

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	logger.Info("keeper started",
		slog.String("lendingd", cfg.Lendingd.BaseURL),
		slog.Duration("interval", cfg.Keeper.Interval),
		slog.Int("workers", cfg.Keeper.Workers))
	k.Run(ctx)
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
