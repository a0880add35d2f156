package payments

import (
	"context"
	"sync"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// Poller drives due retries and reconciliation on a ticker. Several pollers
// may run against one database; claims keep them from executing the same
// attempt twice.
type Poller struct {
	service  *Service
	interval time.Duration
	logger   *observability.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewPoller creates a new retry poller
func NewPoller(service *Service, interval time.Duration, logger *observability.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		service:  service,
		interval: interval,
		logger:   logger.WithField("component", "payment_poller"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the poller
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)

	go func() {
		defer close(p.doneCh)
		defer ticker.Stop()
		defer observability.RecoverPanic(p.logger, "payment poller")

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single poll cycle
func (p *Poller) RunOnce(ctx context.Context) {
	if created, err := p.service.InitiateCharges(ctx, p.service.config.ClaimBatchSize); err != nil {
		p.logger.WithError(err).Error("Failed to open payment attempts for uncharged invoices")
	} else if len(created) > 0 {
		p.logger.WithField("created", len(created)).Info("Opened payment attempts for uncharged invoices")
	}

	if n, err := p.service.ProcessDueRetries(ctx); err != nil {
		p.logger.WithError(err).Error("Failed to process due payment attempts")
	} else if n > 0 {
		p.logger.WithField("claimed", n).Debug("Processed due payment attempts")
	}

	if n, err := p.service.Reconcile(ctx); err != nil {
		p.logger.WithError(err).Error("Failed to reconcile payment attempts")
	} else if n > 0 {
		p.logger.WithField("settled", n).Info("Reconciled stale payment attempts")
	}
}

// Stop stops the poller and waits for the current cycle to finish
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}
