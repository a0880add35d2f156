// Package app assembles the billing components from configuration. Both
// the API server and the batch runner build on it so the two processes
// share one wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/audit"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/locks"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/retry"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/storage/memory"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/storage/postgres"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

// Store is everything the components need from persistence. Both the
// Postgres and in-memory stores implement it.
type Store interface {
	billing.Store
	billing.UsageSource
	payments.Store
	webhooks.Store
	dunning.Store
}

// App holds the assembled components
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Alerter  observability.Alerter
	Runtime  *config.Runtime

	DB    *sql.DB
	Redis *redis.Client
	Store Store

	SecurityLog audit.Log
	Verifier    *audit.Verifier
	Archiver    *audit.Archiver

	Aggregator *billing.Aggregator
	Generator  *billing.Generator
	Payments   *payments.Service
	Dunning    *dunning.Engine

	Providers  *webhooks.Registry
	Pipeline   *webhooks.Pipeline
	Relay      *webhooks.Relay
	Deliveries *webhooks.DeliveryLogStore
	Retries    *webhooks.RetryWorker

	closers []func() error
}

// New builds every component. Dev mode runs on the in-memory store, an
// in-process locker and the sandbox processor unless a processor URL is
// configured.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	var alerter observability.Alerter = observability.NewLogAlerter(a.Logger, a.Metrics)
	if cfg.Observability.AlertSlackWebhookURL != "" {
		alerter = webhooks.NewSlackAlerter(alerter, cfg.Observability.AlertSlackWebhookURL, a.Logger)
	}
	a.Alerter = alerter

	rt, err := config.LoadRuntime(cfg.Billing.RuntimeFile)
	if err != nil {
		return fmt.Errorf("failed to load runtime config: %w", err)
	}
	a.Runtime = rt

	if err := a.openStore(ctx); err != nil {
		return err
	}

	var locker locks.Locker = locks.NewKeyedMutex()
	if cfg.Redis.URL != "" {
		client, err := postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		locker = locks.NewRedisLocker(client, cfg.Redis.LockTTL)
	}

	processor, err := a.processor()
	if err != nil {
		return err
	}

	if a.DB != nil {
		dbLog, err := audit.NewDBLog(a.DB, int64(cfg.Archive.CheckpointEvery))
		if err != nil {
			return fmt.Errorf("failed to open security log: %w", err)
		}
		a.SecurityLog = dbLog
	} else {
		a.SecurityLog = audit.NewMemoryLog(int64(cfg.Archive.CheckpointEvery))
	}
	a.Verifier = audit.NewVerifier(a.SecurityLog, a.Alerter, a.Logger)

	if cfg.Archive.Enabled {
		objects, err := audit.NewS3Store(ctx, audit.S3Config{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to create archive store: %w", err)
		}
		a.Archiver = audit.NewArchiver(a.SecurityLog, objects, cfg.Archive.Prefix, a.Logger)
	}

	a.Aggregator = billing.NewAggregator(a.Store, a.Store, a.rates, a.Logger, a.Metrics)
	a.Generator = billing.NewGenerator(a.Store, billing.FlatTax(cfg.Billing.TaxBasisPoints), billing.GeneratorConfig{
		NumberPrefix: cfg.Billing.InvoicePrefix,
		NetTermsDays: cfg.Billing.NetTermsDays,
	}, a.Logger, a.Metrics, a.Alerter)

	a.Payments = payments.NewService(a.Store, processor, locker, payments.Config{
		Retry: retry.Config{
			MaxAttempts:       cfg.Payments.MaxRetries,
			InitialDelay:      cfg.Payments.BaseDelay,
			MaxDelay:          cfg.Payments.MaxDelay,
			BackoffMultiplier: cfg.Payments.Multiplier,
			Jitter:            cfg.Payments.Jitter,
		},
		ClaimBatchSize:  cfg.Payments.ClaimBatchSize,
		Workers:         cfg.Payments.Workers,
		ProcessingLease: cfg.Payments.ProcessingLease,
	}, a.Logger, a.Metrics, a.Alerter)

	var notifier dunning.Notifier = dunning.NewLogNotifier(a.Logger)
	if cfg.Dunning.NotifierURL != "" {
		notifier = dunning.NewHTTPNotifier(cfg.Dunning.NotifierURL, cfg.Dunning.NotifierSecret, cfg.Dunning.MaxLevel, cfg.Webhooks.RelayTimeout)
	}
	a.Dunning = dunning.NewEngine(a.Store, notifier, dunning.NewLogCollections(a.Logger), locker, dunning.Policy{
		MaxLevel:            cfg.Dunning.MaxLevel,
		Cooldown:            cfg.Dunning.Cooldown,
		MaxDeliveryAttempts: cfg.Dunning.MaxDeliveryAttempts,
	}, a.Logger, a.Metrics)

	registry, err := webhooks.NewRegistry(a.Runtime, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to build webhook registry: %w", err)
	}
	a.Providers = registry
	a.Pipeline = webhooks.NewPipeline(a.Store, registry, a.Payments, a.SecurityLog, webhooks.PipelineConfig{
		InFlightLease: cfg.Webhooks.InFlightLease,
		DedupTTL:      cfg.Webhooks.DedupTTL,
	}, a.Logger, a.Metrics, a.Alerter)

	a.Deliveries = webhooks.NewDeliveryLogStore(1000)
	limiter := webhooks.NewRateLimiter(cfg.Webhooks.RelayRateLimit, cfg.Webhooks.RelayRatePeriod)
	a.Relay = webhooks.NewRelay(nil, cfg.Webhooks.RelayTimeout, limiter, a.Deliveries, a.Metrics)
	a.Retries = webhooks.NewRetryWorker(a.Store, a.Pipeline, a.Relay, webhooks.RetryWorkerConfig{
		Interval:  cfg.Webhooks.RetryPollInterval,
		Lease:     cfg.Webhooks.InFlightLease,
		BatchSize: cfg.Webhooks.ClaimBatchSize,
		Workers:   cfg.Payments.Workers,
	}, a.Logger)

	return nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.DevMode {
		a.Logger.Warn("Dev mode: using the in-memory store")
		a.Store = memory.New()
		return nil
	}

	cm, err := postgres.NewConnectionManager(cfg.Database, a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.closers = append(a.closers, cm.Close)
	a.DB = cm.Primary()
	cm.StartHealthCheckRoutine(ctx, 30*time.Second)

	store := postgres.NewStore(cm.Primary(), postgres.WithReader(cm.Replica))
	if cfg.Database.AutoMigrate {
		applied, err := store.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		if len(applied) > 0 {
			a.Logger.WithField("migrations", applied).Info("Applied database migrations")
		}
	}
	a.Store = store
	return nil
}

func (a *App) processor() (payments.Processor, error) {
	cfg := a.Config.Payments
	switch {
	case cfg.ProcessorURL != "":
		return payments.NewHTTPProcessor(payments.HTTPProcessorConfig{
			Name:    cfg.ProcessorName,
			BaseURL: cfg.ProcessorURL,
			APIKey:  cfg.ProcessorAPIKey,
			Timeout: cfg.ProcessorTimeout,
		}), nil
	case a.Config.DevMode:
		a.Logger.Warn("Dev mode: charges go to the sandbox processor")
		return payments.NewSandboxProcessor(), nil
	default:
		return nil, errors.New("payment processor URL is required outside dev mode")
	}
}

// rates reads the current cost rates so a runtime reload applies to the
// next close without a restart
func (a *App) rates() billing.CostRates {
	r := a.Runtime.Current().Rates
	return billing.CostRates{
		Currency:       r.Currency,
		BaseFareCents:  r.BaseFareCents,
		PerKmCents:     r.PerKmCents,
		PerMinuteCents: r.PerMinuteCents,
	}
}

// maxWatermarkLag is how far the usage watermark may trail the clock before
// readiness reports degraded
const maxWatermarkLag = 48 * time.Hour

// HealthChecker reports on the database and redis connections, the usage
// feed and the security log
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	h := observability.NewHealthChecker(a.DB, a.Redis, version)
	h.AddCheck("usage_watermark", false, func(ctx context.Context) error {
		wm, err := a.Store.Watermark(ctx)
		if err != nil {
			return err
		}
		if lag := time.Since(wm); lag > maxWatermarkLag {
			return fmt.Errorf("usage watermark %s is %s behind", wm.UTC().Format(time.RFC3339), lag.Truncate(time.Minute))
		}
		return nil
	})
	h.AddCheck("security_log", false, func(ctx context.Context) error {
		_, _, err := a.SecurityLog.Head(ctx)
		return err
	})
	return h
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
