package payout

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"build-earn/domain"
	"build-earn/ledger"
	"build-earn/metrics"
)

// Reconciler resolves pending payouts against the ledger: included deposits
// are confirmed, failed or expired ones are marked failed so they can be
// retried.
type Reconciler struct {
	c        *Coordinator
	interval time.Duration
	batch    int
}

// Summary counts what a reconcile pass did.
type Summary struct {
	Checked   int
	Confirmed int
	Failed    int
	Expired   int
	Skipped   int
}

// NewReconciler creates a Reconciler checking up to batch payouts every
// interval. Non-positive values fall back to 15s and 100.
func NewReconciler(c *Coordinator, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{c: c, interval: interval, batch: batch}
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.c.logger.WithError(err).Error("payout.reconcile.pass_failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce checks one batch of pending payouts.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := r.c.tasks.PendingPayouts(ctx, r.batch)
	if err != nil {
		return sum, err
	}
	r.c.metrics.PendingPayouts(len(pending))

	for _, task := range pending {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if task.Payout == nil {
			continue
		}
		sum.Checked++
		hash := task.Payout.Hash
		fields := log.Fields{"task": task.ID, "hash": hash}

		res, err := r.c.escrow.TransactionStatus(ctx, hash)
		if err != nil {
			sum.Skipped++
			r.c.logger.WithFields(fields).WithError(err).Warn("payout.reconcile.status_failed")
			continue
		}

		switch {
		case res.Status == ledger.TxSuccess:
			if _, err := r.c.tasks.ConfirmPayout(ctx, task.ID, hash); err != nil {
				sum.Skipped++
				r.logTransitionErr(fields, err)
				continue
			}
			sum.Confirmed++
			r.c.metrics.PayoutReconciled(metrics.OutcomeConfirmed)
			r.c.logger.WithFields(fields).WithField("ledger", res.Ledger).Info("payout.reconcile.confirmed")

		case res.Status == ledger.TxFailed:
			reason := res.ResultReason
			if reason == "" {
				reason = "transaction failed"
			}
			if _, err := r.c.tasks.FailPayout(ctx, task.ID, hash, reason); err != nil {
				sum.Skipped++
				r.logTransitionErr(fields, err)
				continue
			}
			sum.Failed++
			r.c.metrics.PayoutReconciled(metrics.OutcomeFailed)
			r.c.logger.WithFields(fields).WithField("reason", reason).Error("payout.reconcile.failed")

		case res.Status == ledger.TxNotFound && r.c.now().After(task.Payout.ExpiresAt.Add(expiryGrace)):
			if _, err := r.c.tasks.FailPayout(ctx, task.ID, hash, "transaction expired without inclusion"); err != nil {
				sum.Skipped++
				r.logTransitionErr(fields, err)
				continue
			}
			sum.Expired++
			r.c.metrics.PayoutReconciled(metrics.OutcomeExpired)
			r.c.logger.WithFields(fields).Error("payout.reconcile.expired")
		}
	}
	return sum, nil
}

func (r *Reconciler) logTransitionErr(fields log.Fields, err error) {
	entry := r.c.logger.WithFields(fields).WithError(err)
	if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrInvalidTransition) {
		entry.Info("payout.reconcile.raced")
		return
	}
	entry.Warn("payout.reconcile.update_failed")
}
