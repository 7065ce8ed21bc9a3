package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/config"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
	"github.com/Mindburn-Labs/starpay/pkg/miniapp"
	"github.com/Mindburn-Labs/starpay/pkg/observability"
	"github.com/Mindburn-Labs/starpay/pkg/payments"
	"github.com/Mindburn-Labs/starpay/pkg/server"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
	"github.com/Mindburn-Labs/starpay/pkg/webhook"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver for the SQL RNG journal
	_ "modernc.org/sqlite" // CGO-free SQLite driver for the SQL RNG journal
)

var version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can swap in a stub.
var startServer = runServer

// Run is the entrypoint for testing. The gateway has no subcommands;
// anything beyond help or version on the command line is a mistake.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		case "version", "--version":
			_, _ = fmt.Fprintf(stdout, "starpay %s\n", version)
			return 0
		default:
			_, _ = fmt.Fprintf(stderr, "starpay: unknown argument %q\n", args[1])
			printUsage(stderr)
			return 2
		}
	}
	return startServer(stderr)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: starpay")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Runs the Stars payment gateway. Configuration comes from the")
	_, _ = fmt.Fprintln(w, "environment and the optional YAML file named by CONFIG_FILE;")
	_, _ = fmt.Fprintln(w, "environment values win. See config.example.yaml for the keys.")
}

//nolint:gocognit // wiring is linear and reads top to bottom
func runServer(stderr io.Writer) int {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "starpay: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "starpay",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	cases, err := loadCatalog(cfg.Cases.Path)
	if err != nil {
		logger.Error("case catalog load failed", "error", err, "path", cfg.Cases.Path)
		return 1
	}
	logger.Info("case catalog loaded", "path", cfg.Cases.Path, "cases", len(cases.List()))

	journal, journalDB, err := openJournal(ctx, cfg)
	if err != nil {
		logger.Error("rng journal init failed", "error", err, "storage", cfg.RNG.Storage)
		return 1
	}
	if journalDB != nil {
		defer func() { _ = journalDB.Close() }()
	}

	key, err := cfg.FairnessKey()
	if err != nil {
		logger.Error("fairness key decode failed", "error", err)
		return 1
	}
	engine, err := fairness.NewEngine(key, cases, journal, fairness.WithEngineLogger(logger))
	if err != nil {
		logger.Error("fairness engine init failed", "error", err)
		return 1
	}

	// Mint today's commitment up front so /fairness/today never races the
	// first paying user.
	commit, err := engine.EnsureTodayCommit(ctx)
	if err != nil {
		logger.Error("daily commitment failed", "error", err)
		return 1
	}
	logger.Info("daily commitment ready", "day", commit.DayUTC, "serverSeedHash", commit.ServerSeedHash)

	tg, err := telegram.NewClient(cfg.Telegram.BotToken, telegram.WithClientLogger(logger))
	if err != nil {
		logger.Error("platform client init failed", "error", err)
		return 1
	}

	payJournal := payments.NewPaymentJournal()
	awardJournal := payments.NewAwardJournal()
	refundJournal := payments.NewRefundJournal()

	awards := payments.NewAwardService(tg, cases, awardJournal, payments.WithAwardLogger(logger))
	refunds := payments.NewRefundService(tg, refundJournal, payments.WithRefundLogger(logger))

	payOpts := []payments.PaymentHandlerOption{
		payments.WithRefunder(refunds),
		payments.WithPaymentLogger(logger),
	}
	if cfg.Payments.ReceiptEnabled {
		payOpts = append(payOpts, payments.WithReceiptSender(tg))
	}
	settle := payments.NewPaymentHandler(payJournal, cases, engine, awards, cfg.Payments.Currency, payOpts...)

	velocity := antifraud.NewVelocityChecker(antifraud.DefaultVelocityConfig())
	buckets, err := newBucketStore(ctx, cfg)
	if err != nil {
		logger.Error("bucket store init failed", "error", err, "store", cfg.Antifraud.Store)
		return 1
	}
	suspicious := antifraud.NewSuspiciousIPStore()
	guard := antifraud.NewGuard(guardConfig(cfg), buckets, velocity, suspicious,
		antifraud.WithSubjectSource(func(r *http.Request) (int64, bool) {
			id, ok := miniapp.IdentityFromContext(r.Context())
			if !ok {
				return 0, false
			}
			return id.UserID, true
		}),
		antifraud.WithGuardLogger(logger),
	)

	invOpts := []payments.InvoiceOption{payments.WithInvoiceLogger(logger)}
	if cfg.Payments.TitlePrefix != "" {
		invOpts = append(invOpts, payments.WithTitlePrefix(cfg.Payments.TitlePrefix))
	}
	if cfg.Payments.BusinessConnectionID != "" {
		invOpts = append(invOpts, payments.WithBusinessConnectionID(cfg.Payments.BusinessConnectionID))
	}
	invoices := payments.NewInvoiceService(tg, cases, cfg.Payments.Currency, invOpts...)

	precheckout := payments.NewPreCheckoutHandler(tg, cases, cfg.Payments.Currency,
		payments.WithPreCheckoutVelocity(velocity),
		payments.WithPreCheckoutLogger(logger))

	router := &webhook.Router{
		PreCheckout:       precheckout.Handle,
		SuccessfulPayment: settle.Handle,
		Logger:            logger,
	}
	dispatcher := webhook.NewDispatcher(router.Route,
		webhook.WithWorkers(cfg.Dispatch.Workers),
		webhook.WithQueueCapacity(cfg.Dispatch.QueueSize),
		webhook.WithDedupTTL(time.Duration(cfg.Dispatch.DedupTTLSeconds)*time.Second),
		webhook.WithDispatcherLogger(logger))
	dispatcher.Start(ctx)

	deps := server.Deps{
		Invoices:   invoices,
		Engine:     engine,
		Suspicious: suspicious,
		Platform:   tg,
		Payments:   payJournal,
		Awards:     awardJournal,
		Refunds:    refundJournal,
		Guard:      guard.Middleware,
		Authn:      miniapp.Middleware(cfg.Telegram.BotToken, logger),
		Obs:        obs,
		Logger:     logger,
	}

	var poller *telegram.LongPoller
	switch cfg.Telegram.Mode {
	case config.ModeWebhook:
		deps.Webhook = webhook.NewEndpoint(cfg.Telegram.WebhookSecretToken, dispatcher.Enqueue, logger)
	case config.ModeLongPolling:
		poller = telegram.NewLongPoller(tg, dispatcher.Enqueue,
			telegram.WithPollTimeout(cfg.Telegram.LongPollTimeoutSec),
			telegram.WithPollerLogger(logger))
		poller.Start(ctx)
	}

	srv := server.New(server.Config{
		WebhookPath:          cfg.Telegram.WebhookPath,
		WebhookSecret:        cfg.Telegram.WebhookSecretToken,
		PublicBaseURL:        cfg.Telegram.PublicBaseURL,
		AdminToken:           cfg.Telegram.AdminToken,
		BanDefaultTTLSeconds: cfg.Antifraud.Ban.DefaultTTLSeconds,
	}, deps)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.ListenAddr, "mode", cfg.Telegram.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if poller != nil {
		poller.Stop()
	}
	dispatcher.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	logger.Info("gateway stopped")
	return code
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// loadCatalog refuses to start without cases: a gateway with nothing to
// sell would decline every invoice and pre-checkout.
func loadCatalog(path string) (*catalog.StaticStore, error) {
	if path == "" {
		return nil, errors.New("starpay: CASES_PATH is required")
	}
	return catalog.LoadFile(path)
}

// openJournal picks the commitment journal backend. The *sql.DB is non-nil
// only for db storage and the caller owns closing it.
func openJournal(ctx context.Context, cfg *config.Config) (fairness.Journal, *sql.DB, error) {
	switch cfg.RNG.Storage {
	case config.StorageMemory:
		return fairness.NewMemoryJournal(), nil, nil
	case config.StorageFile:
		j, err := fairness.NewFileJournal(cfg.RNG.DataDir)
		return j, nil, err
	case config.StorageDB:
		db, err := openJournalDB(ctx, cfg.RNG.DB)
		if err != nil {
			return nil, nil, err
		}
		j := fairness.NewSQLJournal(db)
		if err := j.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("starpay: init rng schema: %w", err)
		}
		return j, db, nil
	}
	return nil, nil, fmt.Errorf("starpay: unknown rng storage %q", cfg.RNG.Storage)
}

// journalDSN maps the configured URL to a driver and DSN. Postgres URLs
// keep their scheme with optional credential injection; anything else is
// treated as a SQLite file path, mirroring the managed/lite split.
func journalDSN(c config.DBConfig) (driver, dsn string, err error) {
	dsn = c.URL
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if c.User != "" {
			u, perr := url.Parse(dsn)
			if perr != nil {
				return "", "", fmt.Errorf("starpay: parse rng db url: %w", perr)
			}
			if c.Password != "" {
				u.User = url.UserPassword(c.User, c.Password)
			} else {
				u.User = url.User(c.User)
			}
			dsn = u.String()
		}
		return "postgres", dsn, nil
	}
	return "sqlite", dsn, nil
}

func openJournalDB(ctx context.Context, c config.DBConfig) (*sql.DB, error) {
	driver, dsn, err := journalDSN(c)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("starpay: create rng db dir: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("starpay: open rng db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("starpay: ping rng db: %w", err)
	}
	return db, nil
}

// newBucketStore picks the admission-bucket backend. Redis misconfiguration
// fails fast here because the guard fails open on store errors at runtime.
func newBucketStore(ctx context.Context, cfg *config.Config) (antifraud.BucketStore, error) {
	if cfg.Antifraud.Store != config.BucketStoreRedis {
		return antifraud.NewMemoryBucketStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Antifraud.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("starpay: ping redis %s: %w", cfg.Antifraud.RedisAddr, err)
	}
	return antifraud.NewRedisBucketStore(client, "starpay:bucket"), nil
}

func guardConfig(cfg *config.Config) antifraud.GuardConfig {
	return antifraud.GuardConfig{
		IPEnabled: cfg.Antifraud.IP.Enabled,
		IPParams: antifraud.Params{
			Capacity:                  cfg.Antifraud.IP.Capacity,
			RefillPerSecond:           cfg.Antifraud.IP.RPS,
			TTLSeconds:                cfg.Antifraud.IP.TTLSeconds,
			FallbackRetryAfterSeconds: cfg.Antifraud.RetryAfter,
		},
		SubjectEnabled: cfg.Antifraud.Subject.Enabled,
		SubjectParams: antifraud.Params{
			Capacity:                  cfg.Antifraud.Subject.Capacity,
			RefillPerSecond:           cfg.Antifraud.Subject.RPS,
			TTLSeconds:                cfg.Antifraud.Subject.TTLSeconds,
			FallbackRetryAfterSeconds: cfg.Antifraud.RetryAfter,
		},
		TrustProxy:        cfg.Antifraud.TrustProxy,
		IncludePaths:      cfg.Antifraud.IncludePaths,
		ExcludePaths:      cfg.Antifraud.ExcludePaths,
		EventType:         antifraud.EventInvoice,
		RetryAfterSeconds: cfg.Antifraud.RetryAfter,
	}
}
