package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/config"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/db"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/httpapi"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/logging"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/service"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store/memory"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store/sqlite"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/pkpass"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/push"
)

// Dev ledger seed: one member with a ticket for one active event.
const (
	devAccount  = "1001"
	devEventID  = "1"
	devOperator = "gate-1"
)

type options struct {
	envFile    string
	httpAddr   string
	store      string
	ledgerAddr string
	devGRPC    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "passkeeper-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("passkeeper-server", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "optional .env file loaded before reading PASSKEEPER_* variables")
	flagSet.StringVar(&opts.httpAddr, "http-addr", "", "listen address (overrides PASSKEEPER_HTTP_ADDR)")
	flagSet.StringVar(&opts.store, "store", "", "sqlite or memory (overrides PASSKEEPER_STORE)")
	flagSet.StringVar(&opts.ledgerAddr, "ledger-addr", "", "ledger gateway address (overrides PASSKEEPER_LEDGER_ADDR)")
	flagSet.StringVar(&opts.devGRPC, "dev-ledger-grpc", "", "in dev, also serve the in-process ledger over gRPC on this address")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if opts.httpAddr != "" {
		cfg.HTTPAddr = opts.httpAddr
	}
	if opts.store != "" {
		cfg.Store = opts.store
	}
	if opts.ledgerAddr != "" {
		cfg.LedgerAddr = opts.ledgerAddr
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		ErrorFile: cfg.LogErrorFile,
		Console:   cfg.LogConsole,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, opts, logger)
}

func serve(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger) error {
	clk := clockwork.NewRealClock()

	// Stores
	states, subs, checkIns, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	// Ledger
	ledgerClient, closeLedger, err := openLedger(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	// Passes and push
	passTypes, err := config.LoadPassTypes(cfg.PassTypesFile)
	if err != nil {
		if cfg.Env == "prod" {
			return err
		}
		logger.Warn("pass type catalogue not loaded", zap.String("path", cfg.PassTypesFile), zap.Error(err))
		passTypes = &config.PassTypes{}
	}

	var signer *pkpass.Signer
	if cfg.SignerP12Path != "" {
		signer, err = pkpass.LoadSigner(cfg.SignerP12Path, cfg.SignerPassword, cfg.WWDRCertPath)
		if err != nil {
			return err
		}
	}
	builder := pkpass.NewBuilder(pkpass.Config{
		TeamID:        cfg.TeamID,
		WebServiceURL: cfg.WebServiceURL,
		AuthToken:     cfg.AuthToken,
		PassTypes:     passTypes,
		Signer:        signer,
	})
	if !builder.CanSign() {
		logger.Warn("no signing certificate configured; .pkpass downloads are disabled")
	}

	pusher, err := newPusher(cfg, logger)
	if err != nil {
		return err
	}

	// Services
	fanout := service.NewFanoutQueue(service.FanoutQueueConfig{
		Dispatcher: service.NewDispatcher(service.DispatcherConfig{
			Subscriptions:   subs,
			Pusher:          pusher,
			Concurrency:     cfg.FanoutConcurrency,
			DeliveryTimeout: time.Duration(cfg.DeliveryTimeoutSecond) * time.Second,
			Logger:          logger.Named("dispatch"),
		}),
		Workers: cfg.FanoutWorkers,
		Size:    cfg.FanoutQueueSize,
		Logger:  logger.Named("fanout"),
	})
	defer fanout.Close()

	consumer := service.NewEventConsumer(service.EventConsumerConfig{
		Ledger:          ledgerClient,
		PassStates:      states,
		Fanout:          fanout,
		Clock:           clk,
		Logger:          logger.Named("consumer"),
		BalanceDecimals: cfg.BalanceDecimals,
	})

	cleanup := service.NewScheduler(service.NewCleanupJob(service.CleanupConfig{
		Subscriptions: subs,
		Retention:     time.Duration(cfg.SubscriptionRetentionDays) * 24 * time.Hour,
		Clock:         clk,
		Logger:        logger.Named("cleanup"),
	}).Run, service.SchedulerConfig{
		Name:     "subscription-cleanup",
		Interval: time.Duration(cfg.CleanupIntervalHours) * time.Hour,
		Clock:    clk,
		Logger:   logger,
	})

	resync := service.NewScheduler(service.NewResyncJob(service.ResyncConfig{
		Ledger:          ledgerClient,
		PassStates:      states,
		Subscriptions:   subs,
		Fanout:          fanout,
		Clock:           clk,
		Logger:          logger.Named("resync"),
		BalanceDecimals: cfg.BalanceDecimals,
	}).Run, service.SchedulerConfig{
		Name:       "balance-resync",
		Interval:   time.Duration(cfg.ResyncIntervalMinutes) * time.Minute,
		RunOnStart: true,
		Clock:      clk,
		Logger:     logger,
	})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    logger.Named("http"),
		Addr:      cfg.HTTPAddr,
		AuthToken: cfg.AuthToken,
		Access: service.NewAccessEngine(service.AccessEngineConfig{
			Ledger:          ledgerClient,
			CheckIns:        checkIns,
			Clock:           clk,
			Logger:          logger.Named("access"),
			MaxHistoryDepth: cfg.MaxHistoryDepth,
		}),
		Registrations: service.NewRegistrationService(service.RegistrationServiceConfig{
			Subscriptions: subs,
			PassStates:    states,
			Clock:         clk,
			Logger:        logger.Named("registrations"),
		}),
		Passes:   service.NewPassService(states, builder),
		Consumer: consumer,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consumer.Run(gctx) })

	g.Go(func() error {
		cleanup.Start(gctx)
		resync.Start(gctx)
		<-gctx.Done()
		cleanup.Stop()
		resync.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env), zap.String("store", cfg.Store))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (
	store.PassStateStore, store.SubscriptionStore, store.CheckInLog, func(), error,
) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory stores; state is lost on restart")
		return memory.NewPassStateStore(), memory.NewSubscriptionStore(), memory.NewCheckInLog(), func() {}, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{Serials: []string{types.SerialForAccount(devAccount)}}); err != nil {
			_ = conn.Close()
			return nil, nil, nil, nil, err
		}
	}

	writer := db.NewWorker(conn)
	closeFn := func() {
		writer.Close()
		closeDB(conn, logger)
	}
	return sqlite.NewPassStateStore(conn, writer),
		sqlite.NewSubscriptionStore(conn, writer),
		sqlite.NewCheckInLog(conn, writer),
		closeFn, nil
}

func closeDB(conn *sql.DB, logger *zap.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("close database", zap.Error(err))
	}
}

// openLedger dials the ledger gateway, or in dev without an address runs
// a seeded in-process ledger.
func openLedger(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger) (ledger.Client, func(), error) {
	if cfg.LedgerAddr == "" {
		if cfg.Env == "prod" {
			return nil, nil, errors.New("PASSKEEPER_LEDGER_ADDR is required in prod")
		}
		mem := ledger.NewMemory()
		mem.AddAccount(devAccount, decimal.NewFromInt(100))
		mem.AddEvent(ledger.EventMetadata{
			ID:     devEventID,
			Name:   "Members Night",
			Venue:  "Main Hall",
			Date:   time.Now().UTC().AddDate(0, 0, 14),
			Active: true,
		})
		mem.AuthorizeOperator(devOperator)
		mem.Purchase(devAccount, devEventID)
		logger.Info("using in-process dev ledger", zap.String("account", devAccount), zap.String("event_id", devEventID))

		if opts.devGRPC == "" {
			return mem, func() {}, nil
		}
		gs, err := serveGateway(opts.devGRPC, mem, logger)
		if err != nil {
			return nil, nil, err
		}
		return mem, gs.GracefulStop, nil
	}

	creds := insecure.NewCredentials()
	if cfg.LedgerTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	client, err := ledger.Dial(cfg.LedgerAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, err
	}

	// The ledger being unreachable at startup is fatal; later outages are
	// retried by the consumer and the jobs.
	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitReady(readyCtx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ledger %s: %w", cfg.LedgerAddr, err)
	}
	logger.Info("connected to ledger gateway", zap.String("addr", cfg.LedgerAddr))

	return client, func() { _ = client.Close() }, nil
}

func serveGateway(addr string, c ledger.Client, logger *zap.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	ledger.RegisterGatewayServer(gs, c)
	go func() {
		if err := gs.Serve(lis); err != nil {
			logger.Error("dev ledger gateway stopped", zap.Error(err))
		}
	}()
	logger.Info("dev ledger gateway listening", zap.String("addr", addr))
	return gs, nil
}

func newPusher(cfg config.Config, logger *zap.Logger) (push.Pusher, error) {
	if cfg.APNsP12Path == "" {
		logger.Warn("no APNs certificate configured; pushes are only logged")
		return push.LogPusher{Logger: logger.Named("push")}, nil
	}

	cert, key, err := pkpass.LoadP12(cfg.APNsP12Path, cfg.APNsPassword)
	if err != nil {
		return nil, fmt.Errorf("apns certificate: %w", err)
	}
	return push.NewAPNs(push.APNsConfig{
		Host:        cfg.APNsHost,
		Certificate: &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert},
		RatePerSec:  cfg.PushRatePerSec,
		Logger:      logger.Named("apns"),
	})
}
