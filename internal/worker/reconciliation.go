package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/infrastructure/payment"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/repo"
	"the-digital-vault/internal/service"
)

const jobName = "reconciliation"

type Params struct {
	Orders     repo.OrderRepo
	Gateway    payment.PaymentGateway
	Reconciler service.ReconcileService
	Lock       Lock
	Logger     *logger.Logger
	Metrics    *metrics.Vault
	Interval   time.Duration
	StuckAfter time.Duration
	BatchSize  int
	Now        func() time.Time
}

// ReconciliationWorker asks the gateway about orders that have stayed PENDING
// too long and feeds the answers through the reconciliation engine. It also
// completes access grants that failed after a payment settled.
type ReconciliationWorker struct {
	orders     repo.OrderRepo
	gateway    payment.PaymentGateway
	reconciler service.ReconcileService
	lock       Lock
	logg       *logger.Logger
	metrics    *metrics.Vault
	interval   time.Duration
	stuckAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewReconciliationWorker(params Params) (*ReconciliationWorker, error) {
	if params.Orders == nil || params.Gateway == nil || params.Reconciler == nil {
		return nil, errors.New("orders, gateway and reconciler are required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	lock := params.Lock
	if lock == nil {
		lock = LocalLock{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	stuckAfter := params.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 50
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &ReconciliationWorker{
		orders:     params.Orders,
		gateway:    params.Gateway,
		reconciler: params.Reconciler,
		lock:       lock,
		logg:       params.Logger,
		metrics:    params.Metrics,
		interval:   interval,
		stuckAfter: stuckAfter,
		batchSize:  batch,
		now:        now,
	}, nil
}

func (rw *ReconciliationWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logg.Info(ctx, "reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			rw.logg.Info(ctx, "reconciliation worker stopped")
			return nil
		case <-ticker.C:
			if err := rw.RunOnce(ctx); err != nil {
				rw.logg.Error(ctx, "reconciliation failed", err)
			}
		}
	}
}

// RunOnce performs a single reconciliation pass if this replica holds the lock.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) error {
	ok, err := rw.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		rw.logg.Debug(ctx, "reconciliation lock held elsewhere")
		return nil
	}
	defer func() {
		if err := rw.lock.Release(context.WithoutCancel(ctx)); err != nil {
			rw.logg.Error(ctx, "release reconciliation lock", err)
		}
	}()

	started := time.Now()
	err = rw.process(ctx)
	rw.metrics.ObserveJob(jobName, time.Since(started), err)
	return err
}

func (rw *ReconciliationWorker) process(ctx context.Context) error {
	cutoff := rw.now().Add(-rw.stuckAfter)
	if err := rw.checkStuck(ctx, cutoff); err != nil {
		return err
	}
	return rw.completeGrants(ctx, cutoff)
}

// checkStuck asks the gateway about PENDING orders. Every order asked about
// is stamped so the next pass moves on to orders not yet checked.
func (rw *ReconciliationWorker) checkStuck(ctx context.Context, cutoff time.Time) error {
	stuckOrders, err := rw.orders.FindStuckOrders(ctx, cutoff, rw.batchSize)
	if err != nil {
		return fmt.Errorf("find stuck orders: %w", err)
	}
	if len(stuckOrders) == 0 {
		return nil
	}

	rw.logg.Info(rw.logg.WithField(ctx, "count", len(stuckOrders)), "found stuck orders")

	for _, order := range stuckOrders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		octx := rw.logg.WithOrderID(ctx, order.ID)

		status, err := rw.gateway.CheckStatus(octx, order.ID)
		if markErr := rw.orders.MarkChecked(octx, order.ID, rw.now()); markErr != nil {
			rw.logg.Error(octx, "mark order checked", markErr)
		}
		if errors.Is(err, payment.ErrTransactionNotFound) {
			// the customer never started paying; the order stays PENDING
			rw.metrics.OrderReconciled("no_transaction")
			continue
		}
		if err != nil {
			rw.metrics.OrderReconciled("gateway_error")
			rw.logg.Error(octx, "check gateway status", err)
			continue
		}

		res, err := rw.reconciler.ApplyTrusted(octx, status.Notification(rw.now()))
		if err != nil {
			rw.metrics.OrderReconciled("error")
			rw.logg.Error(octx, "apply gateway status", err)
			continue
		}
		rw.metrics.OrderReconciled(string(res.Outcome))
		if res.Outcome == domain.OutcomeApplied {
			rw.logg.Info(rw.logg.WithField(octx, "payment_status", string(res.Status)), "stuck order reconciled")
		}
	}
	return nil
}

// completeGrants finishes SUCCESS orders whose tokens or purchase
// notification were left behind by a failed issuance.
func (rw *ReconciliationWorker) completeGrants(ctx context.Context, cutoff time.Time) error {
	orders, err := rw.orders.FindUngrantedOrders(ctx, cutoff, rw.batchSize)
	if err != nil {
		return fmt.Errorf("find ungranted orders: %w", err)
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		octx := rw.logg.WithOrderID(ctx, order.ID)
		res, err := rw.reconciler.CompleteGrant(octx, order.ID)
		if err != nil {
			rw.metrics.OrderReconciled("grant_error")
			rw.logg.Error(octx, "complete access grant", err)
			continue
		}
		rw.metrics.OrderReconciled(string(res.Outcome))
		if res.Outcome == domain.OutcomeGranted {
			rw.logg.Info(rw.logg.WithField(octx, "tokens", len(res.Tokens)), "access grant completed")
		}
	}
	return nil
}
