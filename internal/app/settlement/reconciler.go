package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// Reconciler re-dispatches PENDING payments that nobody is working on:
// deferred settlements waiting for a fresh rate, payments reset by an
// operator, and claims abandoned by a crashed process. FAILED payments are
// never touched.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewReconciler creates a reconciler running every interval.
func NewReconciler(svc *Service, interval time.Duration, batch int) *Reconciler {
	if batch <= 0 {
		batch = 50
	}
	return &Reconciler{
		svc:      svc,
		interval: interval,
		batch:    batch,
		log:      svc.log.With("loop", "reconcile"),
	}
}

// Run reconciles on every tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// RunOnce makes one pass and returns how many payments settled. A settled
// payment clears its task's SETTLEMENT_FAILED status back to the status
// verification decided.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.svc.now().Add(-r.svc.cfg.ClaimLease)
	pending, err := r.svc.store.StalePending(ctx, cutoff, r.batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		rec, err := r.svc.Redispatch(ctx, p.IdempotencyKey)
		switch {
		case err == nil && rec.Status == domain.PaymentSettled:
			settled++
			if ok, err := r.svc.store.ResolveSettlement(ctx, rec.TaskID); err != nil {
				r.log.Error("resolve task status", "task_id", rec.TaskID, "error", err)
			} else if ok {
				r.log.Info("task settled on reconcile", "task_id", rec.TaskID, "idempotency_key", rec.IdempotencyKey)
			}
		case errors.Is(err, domain.ErrSettlementDeferred), errors.Is(err, domain.ErrSettlementInFlight):
			// Try again next pass.
		case err != nil:
			r.log.Warn("reconcile dispatch failed", "idempotency_key", p.IdempotencyKey, "error", err)
		}
	}
	return settled, nil
}
