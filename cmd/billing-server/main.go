package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/api"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/app"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/audit"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

var version = "dev"

var (
	enableCron = flag.Bool("cron", true, "Run dunning and archive schedules in this process")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "billing-server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize billing components")
		os.Exit(1)
	}

	apiCfg := api.Config{
		Store:        a.Store,
		Aggregator:   a.Aggregator,
		Generator:    a.Generator,
		Payments:     a.Payments,
		Dunning:      a.Dunning,
		Logger:       logger,
		Metrics:      a.Metrics,
		Health:       a.HealthChecker(version),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.Observability.MetricsEnabled {
		apiCfg.Registry = a.Registry
	}
	server := api.NewServer(apiCfg)
	server.RegisterRoutes(
		webhooks.NewHandlers(a.Pipeline, a.Store, a.Deliveries),
		audit.NewHandlers(a.SecurityLog, a.Verifier),
	)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("billing components", func(ctx context.Context) error {
		return a.Close()
	})
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	poller := payments.NewPoller(a.Payments, cfg.Payments.PollInterval, logger)
	poller.Start(ctx)
	shutdown.RegisterShutdownFunc("payment poller", func(ctx context.Context) error {
		poller.Stop()
		return nil
	})

	a.Retries.Start(ctx)
	shutdown.RegisterShutdownFunc("webhook retry worker", func(ctx context.Context) error {
		a.Retries.Stop()
		return nil
	})

	if cfg.Billing.WatchRuntime {
		if err := config.Watch(ctx, a.Runtime, logger); err != nil {
			logger.WithError(err).Warn("Runtime config watch disabled")
		}
	}

	if *enableCron {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Dunning.Schedule, func() {
			if _, err := a.RunDunning(ctx); err != nil {
				logger.WithError(err).Error("Scheduled dunning run failed")
			}
		}); err != nil {
			logger.WithError(err).Error("Failed to schedule dunning")
			os.Exit(1)
		}
		if a.Archiver != nil {
			if _, err := c.AddFunc(cfg.Archive.Schedule, func() {
				if n, err := a.RunArchive(ctx); err != nil {
					logger.WithError(err).Error("Scheduled archive run failed")
				} else if n > 0 {
					logger.WithField("segments", n).Info("Archived security log segments")
				}
			}); err != nil {
				logger.WithError(err).Error("Failed to schedule archive")
				os.Exit(1)
			}
		}
		c.Start()
		shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
			stopped := c.Stop()
			select {
			case <-stopped.Done():
			case <-ctx.Done():
			}
			return nil
		})
	}

	go func() {
		logger.Infof("Starting billing server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Billing server stopped")
}
