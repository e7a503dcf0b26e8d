package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kantong-id/kantong/pkg/api"
	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/async"
	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/config"
	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/receipts"
	"github.com/kantong-id/kantong/pkg/storage"
	"github.com/kantong-id/kantong/pkg/transactions"
	"github.com/kantong-id/kantong/pkg/usage"
	"github.com/kantong-id/kantong/pkg/webhooks"
	"github.com/kantong-id/kantong/pkg/xendit"
)

const commandHelp = `Usage: kantong [command] [flags]

Commands:
  serve          run the HTTP API (default)
  create-user    create a user: -name -email [-admin]
  verify-email   mark a user's email verified: -user
  issue-token    print a new API token: -user [-name] [-ttl]
  sweep          expire lapsed subscriptions once
`

// meteredCounter is what both usage counters implement
type meteredCounter interface {
	usage.Counter
	usage.Meter
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.ServiceName)

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	ctx := observability.WithLogger(context.Background(), logger)
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "create-user":
		err = createUser(ctx, cfg, logger, args)
	case "verify-email":
		err = verifyEmail(ctx, cfg, logger, args)
	case "issue-token":
		err = issueToken(ctx, cfg, logger, args)
	case "sweep":
		err = sweepOnce(ctx, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, commandHelp)
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Errorf("%s failed", cmd)
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*sql.DB, error) {
	db, err := database.Open(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	logger.WithField("version", cfg.Observability.Version).Info("Starting kantong")

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Database connected")

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	// Plan catalog
	planFile, err := plans.LoadFile(cfg.Billing.PlansFile)
	if err != nil {
		return err
	}
	pgCatalog := plans.NewPostgresCatalog(db)
	if cfg.Billing.SeedPlans {
		res, err := pgCatalog.Seed(ctx, planFile.Plans)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"inserted": len(res.Inserted),
			"updated":  len(res.Updated),
			"skipped":  len(res.Skipped),
		}).Info("Plans seeded")
	}
	catalog := plans.NewCachedCatalog(pgCatalog, cfg.Billing.PlanCacheSize, cfg.Billing.PlanCacheTTL, metrics)
	rules := planFile.Rules()

	// Usage metering with the optional Redis read cache
	var redisClient *redis.Client
	pgCounter := usage.NewPostgresCounter(db, metrics)
	var counter meteredCounter = pgCounter
	if cfg.Redis.URL != "" {
		redisClient, err = database.OpenRedis(ctx, database.RedisConfig{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
		if err != nil {
			return err
		}
		counter = usage.NewCachedCounter(pgCounter, redisClient, time.Hour, metrics)
		logger.Info("Redis usage cache enabled")
	}

	health := observability.NewHealthChecker(db, redisClient, cfg.Observability.Version)

	// Billing
	notifier := webhooks.NewNotifier(webhooks.Config{
		URL:     cfg.Webhooks.URL,
		Secret:  cfg.Webhooks.Secret,
		Timeout: cfg.Webhooks.Timeout,
		Retry: webhooks.RetryConfig{
			MaxAttempts:       cfg.Webhooks.MaxRetries + 1,
			InitialDelay:      time.Second,
			MaxDelay:          time.Minute,
			BackoffMultiplier: 2,
		},
	}, logger, metrics)

	var gateway billing.Gateway
	if cfg.Xendit.SecretKey != "" {
		gateway = xendit.NewClient(xendit.Config{
			BaseURL:         cfg.Xendit.BaseURL,
			SecretKey:       cfg.Xendit.SecretKey,
			SuccessRedirect: cfg.Xendit.SuccessRedirect,
			FailureRedirect: cfg.Xendit.FailureRedirect,
			InvoiceDuration: cfg.Xendit.InvoiceDuration,
			Timeout:         cfg.Xendit.Timeout,
			MaxRetries:      cfg.Xendit.MaxRetries,
		}, logger)
	} else {
		logger.Warn("No Xendit secret key configured, payments stay pending until an admin reconciles them")
	}

	ledger := billing.NewPostgresLedger(db, metrics)
	gate := entitlement.NewGate(ledger, catalog, counter, rules, plans.NewCatalogSuggester(catalog, rules))

	auditDB, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Authenticator: auth.NewPostgresAuthenticator(db),
		Households:    households.NewPostgresService(db),
		Catalog:       catalog,
		Ledger:        ledger,
		Checkout:      billing.NewCheckout(db, catalog, gateway, metrics),
		Reconciler:    billing.NewReconciler(db, catalog, notifier, metrics),
		Gate:          gate,
		Transactions:  transactions.NewService(db, counter, gate),
		Publisher:     notifier,
		Metrics:       metrics,
		Audit:         audit.NewMultiLogger(auditDB, audit.NewStructuredLogger(logger.WithField("component", "audit"))),
		AuditStore:    auditDB,
		Health:        health,
		CallbackToken: cfg.Xendit.CallbackToken,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	}
	if registry != nil {
		apiCfg.MetricsHandler = observability.MetricsHandler(registry)
	}

	// Receipt storage
	if cfg.Storage.S3Bucket != "" {
		store, err := storage.NewS3Client(ctx, storage.Config{
			Endpoint:     cfg.Storage.S3Endpoint,
			Region:       cfg.Storage.S3Region,
			Bucket:       cfg.Storage.S3Bucket,
			AccessKey:    cfg.Storage.S3AccessKey,
			SecretKey:    cfg.Storage.S3SecretKey,
			UsePathStyle: cfg.Storage.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		health.AddCheck("receipts", store.HealthCheck)
		apiCfg.Receipts = receipts.NewService(db, store, counter, gate, cfg.Storage.MaxReceiptBytes)
		logger.WithField("bucket", store.Bucket()).Info("Receipt storage enabled")
	} else {
		logger.Info("No receipt bucket configured, receipt uploads disabled")
	}

	// Rate limits are shared through Redis when it is configured
	bgCtx, stopBackground := context.WithCancel(ctx)
	apiCfg.RateLimit = middleware.NewRateLimitMiddleware(
		newLimiter(bgCtx, redisClient, cfg.Server.RateLimitPerMinute, "ratelimit:user"),
		newLimiter(bgCtx, redisClient, cfg.Server.AnonRateLimitPerMinute, "ratelimit:anon"),
	)

	// Lapsed subscriptions are derived on read; the sweep keeps stored
	// statuses close to the truth for reporting
	var scheduler *cron.Cron
	if cfg.Billing.SweepEnabled {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Billing.SweepSchedule, func() {
			async.SafeGo(bgCtx, time.Minute, "subscription sweep", func(ctx context.Context) error {
				return sweep(ctx, ledger, metrics)
			})
		})
		if err != nil {
			return fmt.Errorf("failed to schedule sweep: %w", err)
		}
		scheduler.Start()
		logger.WithField("schedule", cfg.Billing.SweepSchedule).Info("Subscription sweep scheduled")
	}

	var handler http.Handler = api.NewServer(apiCfg)
	handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware,
	)(handler)
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.Version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	if otelProviders != nil {
		handler = otelhttp.NewHandler(handler, cfg.Observability.ServiceName)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("database", func(ctx context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("webhooks", func(ctx context.Context) error {
		return notifier.Close(10 * time.Second)
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", otelProviders.Shutdown)
	}
	shutdown.RegisterShutdownFunc("background", func(ctx context.Context) error {
		stopBackground()
		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		return nil
	})

	go func() {
		logger.Infof("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	return shutdown.WaitForShutdown()
}

// newLimiter returns nil for a zero limit so the middleware skips that
// class of client
func newLimiter(ctx context.Context, client *redis.Client, perMinute int, prefix string) middleware.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if client != nil {
		return middleware.NewRedisRateLimiter(client, middleware.PerMinute(perMinute), prefix)
	}
	limiter := middleware.NewRateLimiter(middleware.PerMinute(perMinute))
	limiter.StartCleanup(ctx)
	return limiter
}

func sweep(ctx context.Context, ledger billing.Ledger, metrics *observability.Metrics) error {
	n, err := ledger.ExpireLapsed(ctx, time.Now())
	if err != nil {
		return err
	}
	metrics.ObserveExpired(n)
	observability.FromContext(ctx).WithField("expired", n).Info("subscription sweep finished")
	return nil
}

func sweepOnce(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return sweep(ctx, billing.NewPostgresLedger(db, nil), nil)
}

func createUser(ctx context.Context, cfg *config.Config, logger *observability.Logger, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Email address")
	admin := fs.Bool("admin", false, "Grant administrator rights")
	verified := fs.Bool("verified", false, "Mark the email verified")
	fs.Parse(args)
	if *name == "" || *email == "" {
		return fmt.Errorf("-name and -email are required")
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	authn := auth.NewPostgresAuthenticator(db)
	user, err := authn.CreateUser(ctx, *name, *email, *admin)
	if err != nil {
		return err
	}
	if *verified {
		if err := authn.MarkEmailVerified(ctx, user.ID); err != nil {
			return err
		}
	}
	fmt.Printf("Created user %d (%s)\n", user.ID, user.Email)
	return nil
}

func verifyEmail(ctx context.Context, cfg *config.Config, logger *observability.Logger, args []string) error {
	fs := flag.NewFlagSet("verify-email", flag.ExitOnError)
	userID := fs.Int64("user", 0, "User ID")
	fs.Parse(args)
	if *userID <= 0 {
		return fmt.Errorf("-user is required")
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := auth.NewPostgresAuthenticator(db).MarkEmailVerified(ctx, *userID); err != nil {
		return err
	}
	fmt.Printf("Verified email of user %d\n", *userID)
	return nil
}

func issueToken(ctx context.Context, cfg *config.Config, logger *observability.Logger, args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	userID := fs.Int64("user", 0, "User ID")
	name := fs.String("name", "cli", "Token name")
	ttl := fs.Duration("ttl", 0, "Token lifetime, zero never expires")
	fs.Parse(args)
	if *userID <= 0 {
		return fmt.Errorf("-user is required")
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	token, stored, err := auth.NewPostgresAuthenticator(db).IssueToken(ctx, *userID, *name, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Issued token %d (%s...), it is shown only once:\n", stored.ID, stored.TokenPrefix)
	fmt.Println(token)
	return nil
}
