package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"

	"cowlend/core/events"
	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/integrations/natsbus"
	"cowlend/integrations/webhooks"
	"cowlend/native/amm"
	"cowlend/native/bank"
	nativecommon "cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/native/operators"
	"cowlend/native/oracle"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
	lendingserver "cowlend/services/lending/server"
	"cowlend/services/lendingd/config"
	"cowlend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service: "lendingd",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), "lendingd", cfg.Environment, cfg.Telemetry)
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

	node, err := assemble(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "assemble protocol", err)
	}
	defer node.Close()

	handler, err := node.handler(ctx, cfg)
	if err != nil {
		fatal(logger, "configure http", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		fatal(logger, "listen", err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if cfg.Environment != "dev" && !loopback {
			fatal(logger, "listen", errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment"))
		}
	}
	tlsConfig, err := loadServerTLS(cfg.TLS)
	if err != nil {
		fatal(logger, "configure tls", err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		TLSConfig:         tlsConfig,
	}
	serverErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("lendingd listening", slog.String("addr", scheme+"://"+listener.Addr().String()))
		serverErr <- server.Serve(listener)
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
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
}

type node struct {
	logger     *slog.Logger
	store      *storage.BoltStore
	journalDB  *storage.LevelDB
	journal    *events.Journal
	pauses     *nativecommon.Pauses
	balances   *bank.Ledger
	ledger     *lending.Ledger
	intake     *orders.Intake
	settler    *settlement.Settler
	operators  *operators.Set
	feed       *oracle.Feed
	pool       *amm.Pool
	liquidator *lending.Liquidator
	closers    []func() error
}

func assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	protocol, err := loadProtocol(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, path := range []string{cfg.Storage.BoltPath, cfg.Storage.JournalPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	n := &node{logger: logger, pauses: nativecommon.NewPauses(), balances: bank.NewLedger()}

	n.store, err = storage.OpenBolt(cfg.Storage.BoltPath, &bolt.Options{Timeout: time.Second}, lending.Buckets...)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.store.Close)
	n.journalDB, err = storage.NewLevelDB(cfg.Storage.JournalPath)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	n.closers = append(n.closers, n.journalDB.Close)
	n.journal, err = events.OpenJournal(n.journalDB, logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	if err := n.journal.Verify(); err != nil {
		n.Close()
		return nil, err
	}

	n.ledger = lending.NewLedger(n.store, n.balances, protocol)
	n.ledger.SetEmitter(n.journal)
	n.ledger.SetPauses(n.pauses)
	n.ledger.SetLogger(logger)

	domain, _ := cfg.OrderDomain()
	intakeID, _ := cfg.IntakeIdentity()
	settlerID, _ := cfg.SettlerIdentity()
	keeperID, _ := cfg.KeeperIdentity()
	poolAccount, _ := cfg.PoolAccount()
	n.ledger.AuthorizeOriginator(intakeID)
	n.ledger.AuthorizeOriginator(settlerID)

	validator := orders.NewValidator(domain)
	n.intake = orders.NewIntake(n.ledger, validator, intakeID)
	n.intake.SetPauses(n.pauses)
	n.intake.SetLogger(logger)
	maxAmount, _ := cfg.Quota.MaxAmount()
	n.intake.SetQuota(nativecommon.Quota{
		MaxRequestsPerEpoch: cfg.Quota.MaxRequestsPerEpoch,
		MaxAmountPerEpoch:   maxAmount,
		EpochSeconds:        uint32(cfg.Quota.Epoch / time.Second),
	})

	n.operators, err = operators.LoadSet(n.store, cfg.OperatorSeed()...)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.settler = settlement.NewSettler(n.ledger, validator, n.operators, settlerID)
	n.settler.SetPauses(n.pauses)
	n.settler.SetLogger(logger)

	n.feed = oracle.NewFeed(n.store, cfg.Oracle.Pair, cfg.Oracle.MaxAge, cfg.Oracle.MaxDeviationBps)
	n.feed.SetEmitter(n.journal)
	for _, signer := range cfg.OracleSigners() {
		n.feed.AddSigner(signer)
	}

	n.pool, err = amm.NewPool(n.balances, n.ledger, poolAccount, protocol.CollateralAsset, protocol.PrincipalAsset, cfg.Pool.FeeBps)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.pool.SetLogger(logger)
	n.liquidator = lending.NewLiquidator(n.ledger, n.feed, n.pool)
	n.liquidator.SetKeeper(keeperID)
	n.liquidator.SetLogger(logger)
	if cfg.Pool.SweepOnSwap {
		n.pool.Register(n.sweepHook(ctx))
	}

	if err := n.startSinks(ctx, cfg); err != nil {
		n.Close()
		return nil, err
	}
	logger.Info("protocol assembled",
		slog.String("principal", protocol.PrincipalAsset),
		slog.String("collateral", protocol.CollateralAsset),
		slog.String("intake", intakeID.String()),
		slog.String("settler", settlerID.String()),
		slog.Int("operators", len(n.operators.Members())),
		slog.Uint64("journalHead", n.journal.Head()))
	return n, nil
}

// sweepHook re-checks every active loan after an external swap moves the
// pool price. Only one sweep runs at a time; swaps landing during a sweep are
// covered by it or by the next one.
func (n *node) sweepHook(ctx context.Context) amm.SwapHook {
	var running atomic.Bool
	return amm.SwapHookFunc(func(_ context.Context, swap amm.SwapResult) {
		if !running.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer running.Store(false)
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			liquidated, err := n.liquidator.SweepActive(sweepCtx)
			if err != nil {
				n.logger.Warn("post-swap sweep incomplete", slog.Any("error", err))
			}
			if len(liquidated) > 0 {
				n.logger.Info("post-swap sweep liquidated loans",
					slog.Int("count", len(liquidated)),
					slog.String("trigger", swap.Trader.String()))
			}
		}()
	})
}

func (n *node) startSinks(ctx context.Context, cfg config.Config) error {
	if cfg.NATS.URL != "" {
		bus, err := natsbus.Connect(cfg.NATS, n.logger)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, bus.Close)
		if err := bus.EnsureStream(ctx); err != nil {
			return err
		}
		records, cancel := n.journal.Subscribe(256)
		n.closers = append(n.closers, func() error { cancel(); return nil })
		go func() {
			if err := bus.Run(ctx, records); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("nats publisher stopped", slog.Any("error", err))
			}
		}()
	}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithEventTypes(cfg.Webhook.Events...),
			webhooks.WithLogger(n.logger))
		if err != nil {
			return err
		}
		n.closers = append(n.closers, func() error { dispatcher.Close(); return nil })
		records, cancel := n.journal.Subscribe(256)
		n.closers = append(n.closers, func() error { cancel(); return nil })
		go func() {
			if err := dispatcher.Run(ctx, records); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("webhook dispatcher stopped", slog.Any("error", err))
			}
		}()
	}
	return nil
}

func (n *node) handler(ctx context.Context, cfg config.Config) (http.Handler, error) {
	opts := lendingserver.Options{
		Auth:          middleware.NewAuthenticator(cfg.Auth, n.logger),
		RateLimiter:   middleware.NewRateLimiter(rateLimits(cfg), n.logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "lendingd", Namespace: "cowlend"}, prometheus.DefaultRegisterer, n.logger),
		CORS:          cfg.CORS,
		Metrics:       promhttp.Handler(),
		Logger:        n.logger,
	}
	if cfg.Idempotency.Enabled() {
		rdb, err := middleware.OpenRedis(ctx, cfg.Idempotency.RedisAddr, cfg.Idempotency.RedisPassword, cfg.Idempotency.RedisDB)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, rdb.Close)
		opts.Idempotency = middleware.NewIdempotency(rdb, cfg.Idempotency.TTL, n.logger)
	}
	srv, err := lendingserver.New(lendingserver.Deps{
		Ledger:     n.ledger,
		Liquidator: n.liquidator,
		Intake:     n.intake,
		Settler:    n.settler,
		Bank:       n.balances,
		Feed:       n.feed,
		Pool:       n.pool,
		Operators:  n.operators,
		Pauses:     n.pauses,
		Journal:    n.journal,
	}, opts)
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

// Close releases resources in reverse order of acquisition.
func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	n.closers = nil
}

func loadProtocol(cfg config.Config, logger *slog.Logger) (lending.Config, error) {
	if cfg.ProtocolPath != "" {
		return lending.LoadConfig(cfg.ProtocolPath)
	}
	if cfg.Environment != "dev" {
		return lending.Config{}, errors.New("protocol parameters file required outside env=dev")
	}
	logger.Warn("no protocol file configured, using development defaults")
	protocol := lending.DefaultConfig()
	protocol.Escrow = crypto.NewAddress(crypto.LendPrefix, crypto.Keccak256([]byte("cowlend.escrow"))[12:])
	protocol.Treasury = crypto.NewAddress(crypto.LendPrefix, crypto.Keccak256([]byte("cowlend.treasury"))[12:])
	return protocol, protocol.Validate()
}

// rateLimits falls back to conservative per-group limits when none are set.
func rateLimits(cfg config.Config) map[string]middleware.RateLimit {
	if len(cfg.RateLimits) > 0 {
		return cfg.RateLimits
	}
	return map[string]middleware.RateLimit{
		lendingserver.LimitRead:     {RatePerSecond: 20, Burst: 100},
		lendingserver.LimitWrite:    {RatePerSecond: 2, Burst: 20},
		lendingserver.LimitOperator: {RatePerSecond: 5, Burst: 20},
		lendingserver.LimitAdmin:    {RatePerSecond: 1, Burst: 5},
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
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.MTLSEnabled() {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
