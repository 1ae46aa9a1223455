package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cowlend/internal/passphrase"
	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
	"cowlend/services/cowd/config"
	"cowlend/services/cowd/matcher"
	"cowlend/services/cowd/server"
	"cowlend/services/cowd/store"
	"cowlend/services/lending/client"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cowd/config.yaml", "path to cowd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service: "cowd",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), "cowd", cfg.Environment, cfg.Telemetry)
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

	key, err := crypto.LoadFromKeystore(cfg.Operator.Keystore, mustPassphrase(logger, cfg.Operator.PassEnv))
	if err != nil {
		fatal(logger, "load operator key", err)
	}
	logger.Info("operator key loaded", slog.String("operator", key.Address().String()))

	domain, err := cfg.OrderDomain()
	if err != nil {
		fatal(logger, "domain", err)
	}
	book, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fatal(logger, "open intent store", err)
	}
	logger.Info("intent store open", slog.String("driver", cfg.Database.Driver), slog.String("dsn", cfg.Database.DSN))
	lendingd, err := client.New(cfg.Lendingd.ClientConfig(key.Address()))
	if err != nil {
		fatal(logger, "lendingd client", err)
	}
	runner, err := matcher.NewRunner(book, lendingd, key, domain, matcher.Config{
		Interval: cfg.Matching.Interval,
		MaxPairs: cfg.Matching.MaxPairs,
	})
	if err != nil {
		fatal(logger, "matcher", err)
	}
	runner.SetLogger(logger)

	deps := server.Deps{Store: book, Runner: runner, Domain: domain}
	if cfg.Lendingd.CheckNonces {
		deps.Nonces = lendingd
	}
	srv, err := server.New(deps, server.Options{
		Auth:          middleware.NewAuthenticator(cfg.Auth, logger),
		RateLimiter:   middleware.NewRateLimiter(rateLimits(cfg), logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "cowd", Namespace: "cowlend"}, prometheus.DefaultRegisterer, logger),
		CORS:          cfg.CORS,
		Metrics:       promhttp.Handler(),
		Logger:        logger,
	})
	if err != nil {
		fatal(logger, "configure http", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		fatal(logger, "listen", err)
	}
	tlsConfig, err := loadServerTLS(cfg.TLS)
	if err != nil {
		fatal(logger, "configure tls", err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		TLSConfig:         tlsConfig,
	}

	go runner.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("cowd listening",
			slog.String("addr", scheme+"://"+listener.Addr().String()),
			slog.Duration("round_interval", cfg.Matching.Interval))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "serve http", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
}

func mustPassphrase(logger *slog.Logger, envVar string) string {
	pass, err := passphrase.NewSource(envVar, "operator keystore").Get()
	if err != nil {
		fatal(logger, "operator passphrase", err)
	}
	return pass
}

func rateLimits(cfg config.Config) map[string]middleware.RateLimit {
	if len(cfg.RateLimits) > 0 {
		return cfg.RateLimits
	}
	return map[string]middleware.RateLimit{
		server.LimitRead:     {RatePerSecond: 20, Burst: 100},
		server.LimitWrite:    {RatePerSecond: 5, Burst: 20},
		server.LimitOperator: {RatePerSecond: 1, Burst: 5},
	}
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
