package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/config"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/migrations"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/server"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

func main() {
	configPath := flag.String("config", os.Getenv("KARNALIX_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "karnalixd: %v\n", err)
		os.Exit(1)
	}
	logger, closer := logging.Setup(logging.Options{
		Service:    "karnalixd",
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("karnalixd stopped", "error", err)
	}
	_ = closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := newApp(cfg, logger, reg, db)
	if err != nil {
		return err
	}
	if err := a.load(ctx); err != nil {
		return err
	}
	if err := a.bootstrap(ctx, cfg.Bootstrap); err != nil {
		return err
	}
	a.startWorkers(ctx, cfg.Wallet)

	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.api.Handler(),
		TLSConfig:    tlsCfg,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr, "tls", tlsCfg != nil, "version", cfg.Version)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		logger.Warn("no database configured, state is kept in memory only")
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.AutoMigrate {
		applied, err := migrations.Apply(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("migrations applied", "versions", applied)
	}
	return db, nil
}

func loadKeyset(cfg config.AuthConfig) (auth.HMACKeyset, error) {
	if cfg.KeysetFile != "" {
		return auth.LoadHMACKeysetFile(cfg.KeysetFile)
	}
	secret := cfg.JWTSecret
	if cfg.JWTKeys != "" && cfg.DefaultSecret() {
		secret = ""
	}
	return auth.ParseHMACKeyset(secret, cfg.JWTKeys, cfg.ActiveKID)
}

type app struct {
	core     *server.Core
	accounts *server.AccountService
	identity *server.IdentityService
	payments *server.PaymentService
	bonuses  *server.BonusService
	bets     *server.BettingService
	settle   *server.SettlementService
	report   *server.ReportingService
	limiter  *server.RateLimiter
	api      *server.API
}

func newApp(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry, db *sql.DB) (*app, error) {
	var dbs []*sql.DB
	if db != nil {
		dbs = append(dbs, db)
	}
	clk := clock.RealClock{}
	metrics := server.NewMetrics(reg)

	l := ledger.New(clk, ledger.NewStore(), dbs...)
	l.SetLogger(logger)
	l.SetObserver(metrics)
	dir := users.NewDirectory(clk, dbs...)
	rec := audit.NewRecorder(clk, audit.NewInMemoryStore(), "karnalix", dbs...)
	pins := auth.NewPinVerifier(clk, dir, cfg.PIN.SessionTTL)
	pins.SetLockoutPolicy(cfg.PIN.MaxAttempts, cfg.PIN.Lockout)

	core := server.NewCore(clk, l, dir, rec, pins, dbs...)
	core.Metrics = metrics
	core.Logger = logger
	core.DefaultExposureLimit = cfg.Wallet.DefaultExposureLimit.Minor()

	ks, err := loadKeyset(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configure jwt keyset: %w", err)
	}
	identity := server.NewIdentityService(clk, dir, auth.NewJWTSignerWithKeyset(ks), cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, dbs...)
	identity.Audit = rec
	identity.Metrics = metrics
	identity.SetLockoutPolicy(cfg.Auth.LoginMaxFailures, cfg.Auth.LoginLockout)
	identity.SetTOTPIssuer(cfg.Auth.TOTPIssuer)

	guard, err := server.NewRemoteAccessGuard(clk, rec, cfg.HTTP.TrustedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("configure remote access guard: %w", err)
	}
	guard.Logger = logger

	a := &app{
		core:     core,
		accounts: server.NewAccountService(core),
		identity: identity,
		payments: server.NewPaymentService(core),
		bonuses:  server.NewBonusService(core, cfg.Wallet.BonusValidity),
		settle:   server.NewSettlementService(core),
		limiter:  server.NewRateLimiter(cfg.HTTP.LoginRate, cfg.HTTP.LoginBurst, "login", metrics),
	}
	a.bets = server.NewBettingService(core, a.bonuses)
	a.report = server.NewReportingService(core, a.bets)
	a.api = &server.API{
		Accounts:     a.accounts,
		Identity:     identity,
		Payments:     a.payments,
		Bets:         a.bets,
		Bonuses:      a.bonuses,
		Transfers:    server.NewTransferService(core, cfg.Wallet.TransferLimit, cfg.Wallet.TransferWindow),
		Exposure:     server.NewExposureService(core),
		Settlements:  a.settle,
		Reporting:    a.report,
		Pins:         pins,
		Verifier:     auth.NewJWTVerifierWithKeyset(ks),
		Guard:        guard,
		LoginLimiter: a.limiter,
		Gatherer:     reg,
		Logger:       logger,
	}
	return a, nil
}

// load restores persisted state. The audit chain comes first so records
// written during load extend it; users precede wallets and requests.
func (a *app) load(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"audit", a.core.Audit.Load},
		{"users", a.core.Users.Load},
		{"ledger", a.core.Ledger.Load},
		{"payments", a.payments.Load},
		{"bonuses", a.bonuses.Load},
		{"bets", a.bets.Load},
		{"settlements", a.settle.Load},
		{"lockouts", a.identity.Load},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("load %s: %w", s.name, err)
		}
	}
	return nil
}

func (a *app) bootstrap(ctx context.Context, cfg config.BootstrapConfig) error {
	if cfg.PowerhouseEmail == "" {
		return nil
	}
	u, created, err := a.accounts.Bootstrap(ctx, cfg.PowerhouseEmail, cfg.PowerhousePassword, cfg.PowerhousePIN)
	if err != nil {
		return fmt.Errorf("bootstrap powerhouse: %w", err)
	}
	if created {
		a.core.Logger.Info("powerhouse account created", "user_id", u.ID, "email", u.Email)
	}
	return nil
}

func (a *app) startWorkers(ctx context.Context, cfg config.WalletConfig) {
	a.bonuses.StartExpiryWorker(ctx, cfg.BonusSweepInterval)
	a.report.StartReconcileWorker(ctx, cfg.ReconcileInterval)
	a.limiter.StartSweeper(ctx, time.Minute)
}
