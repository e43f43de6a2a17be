package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweeperConfig tunes the background pass.
type SweeperConfig struct {
	Interval           time.Duration
	Concurrency        int
	FulfillmentTimeout time.Duration
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Expired        int `json:"expired"`
	Failed         int `json:"failed"`
	Quarantined    int `json:"quarantined"`
	Wallets        int `json:"wallets"`
	Linked         int `json:"linked"`
	WalletFailures int `json:"wallet_failures"`
}

// Sweeper expires stale intents, audits linkage and reconciles every wallet
// with outstanding payments.
type Sweeper struct {
	ledger  Ledger
	matcher *Matcher
	cfg     SweeperConfig
	log     *zap.Logger
	now     Clock
}

func NewSweeper(ledger Ledger, matcher *Matcher, cfg SweeperConfig, log *zap.Logger, now Clock) *Sweeper {
	if now == nil {
		now = systemClock
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{ledger: ledger, matcher: matcher, cfg: cfg, log: log, now: now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass. Per-wallet reconcile failures are counted in
// the report and do not fail the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var report SweepReport
	now := s.now()

	// 1. Expire unpaid intents
	expired, err := s.ledger.ExpireStale(ctx, now)
	if err != nil {
		return report, fmt.Errorf("expire stale: %w", err)
	}
	report.Expired = len(expired)
	sweepActionsTotal.WithLabelValues("expired").Add(float64(report.Expired))

	// 2. Give up on payments that never produced an asset
	if s.cfg.FulfillmentTimeout > 0 {
		failed, err := s.ledger.FailStalePaid(ctx, now.Add(-s.cfg.FulfillmentTimeout), now)
		if err != nil {
			return report, fmt.Errorf("fail stale paid: %w", err)
		}
		report.Failed = len(failed)
		sweepActionsTotal.WithLabelValues("failed").Add(float64(report.Failed))
		for _, id := range failed {
			s.log.Warn("paid intent failed without fulfillment",
				zap.String("intent_id", id.String()),
				zap.Duration("timeout", s.cfg.FulfillmentTimeout))
		}
	}

	// 3. Audit
	violations, err := s.ledger.FindInvariantViolations(ctx)
	if err != nil {
		return report, fmt.Errorf("invariant audit: %w", err)
	}
	for _, v := range violations {
		s.log.Error("invariant violation, quarantining intent",
			zap.String("intent_id", v.IntentID.String()),
			zap.String("reason", v.Reason))
		if err := s.ledger.Quarantine(ctx, v.IntentID, v.Reason, now); err != nil {
			return report, fmt.Errorf("quarantine %s: %w", v.IntentID, err)
		}
		report.Quarantined++
	}
	sweepActionsTotal.WithLabelValues("quarantined").Add(float64(report.Quarantined))

	// 4. Reconcile
	wallets, err := s.ledger.WalletsWithPaidIntents(ctx)
	if err != nil {
		return report, fmt.Errorf("list wallets: %w", err)
	}
	report.Wallets = len(wallets)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, wallet := range wallets {
		g.Go(func() error {
			results, err := s.matcher.Reconcile(gctx, wallet)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.WalletFailures++
				s.log.Warn("wallet reconcile failed", zap.String("wallet", wallet), zap.Error(err))
				return nil
			}
			for _, r := range results {
				report.Linked += len(r.LinkedAssetIDs)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if report != (SweepReport{Wallets: report.Wallets}) {
		s.log.Info("sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("failed", report.Failed),
			zap.Int("quarantined", report.Quarantined),
			zap.Int("wallets", report.Wallets),
			zap.Int("linked", report.Linked),
			zap.Int("wallet_failures", report.WalletFailures))
	}
	return report, ctx.Err()
}
