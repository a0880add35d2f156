package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/app"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

var (
	runOnce     = flag.Bool("run-once", false, "Run the month-end close once and exit")
	monthFlag   = flag.String("month", "", "Billing month to close (YYYY-MM). If empty, closes the previous month. Only used with --run-once")
	skipDunning = flag.Bool("skip-dunning", false, "Do not run dunning after the month-end close")
	skipArchive = flag.Bool("skip-archive", false, "Do not archive the security log after the month-end close")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "billing-batch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize billing components")
		os.Exit(1)
	}
	defer a.Close()

	// Run once mode (for backfills and manual closes)
	if *runOnce {
		month := billing.MonthOf(time.Now().UTC()).Previous()
		if *monthFlag != "" {
			month, err = billing.ParseBillingMonth(*monthFlag)
			if err != nil {
				logger.WithError(err).Error("Invalid month")
				os.Exit(1)
			}
		}
		if err := runMonthEnd(ctx, a, month, logger); err != nil {
			logger.WithError(err).Error("Month-end run failed")
			a.Close()
			os.Exit(1)
		}
		return
	}

	// Scheduled mode
	c := cron.New()

	_, err = c.AddFunc(cfg.Billing.CloseSchedule, func() {
		month := billing.MonthOf(time.Now().UTC()).Previous()
		if err := runMonthEnd(ctx, a, month, logger); err != nil {
			logger.WithError(err).Error("Scheduled month-end run failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to schedule month-end close")
		os.Exit(1)
	}

	c.Start()
	logger.WithField("schedule", cfg.Billing.CloseSchedule).Info("Billing batch runner started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")
	cancel()

	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Billing batch runner stopped")
}

func runMonthEnd(ctx context.Context, a *app.App, month billing.BillingMonth, logger *observability.Logger) error {
	logger = logger.WithField("month", month.String())
	logger.Info("Running month-end close")

	report, err := a.RunMonthEnd(ctx, month)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"closed":            report.Closed,
		"close_failures":    report.CloseFailures,
		"invoiced":          report.Invoiced,
		"generate_failures": report.GenerateFailures,
		"paid":              report.Paid,
	}).Info("Month-end close finished")

	if !*skipDunning {
		summary, err := a.RunDunning(ctx)
		if err != nil {
			return err
		}
		logger.WithField("sent", summary.Sent).Info("Dunning run finished")
	}

	if !*skipArchive {
		n, err := a.RunArchive(ctx)
		switch {
		case errors.Is(err, app.ErrArchiveDisabled):
		case err != nil:
			return err
		default:
			logger.WithField("segments", n).Info("Security log archived")
		}
	}
	return nil
}
