package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/infrastructure/payment"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/repo/memory"
	"the-digital-vault/internal/service"
	"the-digital-vault/internal/signature"
)

type workerFixture struct {
	now     time.Time
	orders  *memory.OrderStore
	ledger  *memory.Ledger
	tokens  *memory.TokenStore
	gateway *payment.FakeGateway
	worker  *ReconciliationWorker
	reg     *prometheus.Registry
}

func newWorkerFixture(t *testing.T, lock Lock, opts ...func(*Params)) *workerFixture {
	t.Helper()
	f := &workerFixture{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		orders:  memory.NewOrderStore(),
		ledger:  memory.NewLedger(),
		tokens:  memory.NewTokenStore(),
		gateway: payment.NewFakeGateway("secret"),
		reg:     prometheus.NewRegistry(),
	}
	clock := func() time.Time { return f.now }
	m := metrics.New(f.reg)
	access := service.NewAccessService(service.AccessParams{Tokens: f.tokens, Now: clock})
	engine := service.NewReconcileService(service.ReconcileParams{
		Orders:   f.orders,
		Ledger:   f.ledger,
		Access:   access,
		Verifier: signature.NewVerifier("secret", false),
		Metrics:  m,
		Now:      clock,
	})
	params := Params{
		Orders:     f.orders,
		Gateway:    f.gateway,
		Reconciler: engine,
		Lock:       lock,
		Logger:     logger.Nop(),
		Metrics:    m,
		StuckAfter: 15 * time.Minute,
		Now:        clock,
	}
	for _, opt := range opts {
		opt(&params)
	}
	w, err := NewReconciliationWorker(params)
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *workerFixture) seed(t *testing.T, id string, age time.Duration) {
	t.Helper()
	at := f.now.Add(-age)
	require.NoError(t, f.orders.CreateOrder(context.Background(), &domain.Order{
		ID:            id,
		CustomerEmail: "buyer@example.com",
		PaymentStatus: domain.PaymentPending,
		Items: []domain.OrderItem{
			{ProductID: "game-1", ProductType: domain.TimeLimitedAsset, Quantity: 1, UnitPrice: 10000, AssetReference: "https://games.example.com/1"},
		},
		Total:     10000,
		CreatedAt: at,
		UpdatedAt: at,
	}))
}

func TestRunOnceSettlesStuckOrders(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "PAID", time.Hour)
	f.seed(t, "EXPIRED", time.Hour)
	f.seed(t, "ABANDONED", time.Hour)
	f.seed(t, "FRESH", time.Minute)

	// webhooks for these were lost
	f.gateway.Settle("PAID", "tx-1", "settlement", 10000)
	f.gateway.Settle("EXPIRED", "tx-2", "expire", 10000)
	f.gateway.Settle("FRESH", "tx-3", "settlement", 10000)

	require.NoError(t, f.worker.RunOnce(ctx))

	paid, _ := f.orders.FindById(ctx, "PAID")
	assert.Equal(t, domain.PaymentSuccess, paid.PaymentStatus)
	tokens, _ := f.tokens.ListByOrder(ctx, "PAID")
	assert.Len(t, tokens, 1)

	expired, _ := f.orders.FindById(ctx, "EXPIRED")
	assert.Equal(t, domain.PaymentFailed, expired.PaymentStatus)

	abandoned, _ := f.orders.FindById(ctx, "ABANDONED")
	assert.Equal(t, domain.PaymentPending, abandoned.PaymentStatus)

	fresh, _ := f.orders.FindById(ctx, "FRESH")
	assert.Equal(t, domain.PaymentPending, fresh.PaymentStatus)

	records, _ := f.ledger.ListByOrder(ctx, "PAID")
	require.Len(t, records, 1)
	assert.Equal(t, domain.SourceStatusQuery, records[0].Source)

	n, err := testutil.GatherAndCount(f.reg, "vault_job_success")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnceHealsOrderWhoseWebhookWasOnlyLedgered(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "O1", time.Hour)
	f.gateway.Settle("O1", "tx-1", "settlement", 10000)

	_, err := f.ledger.Append(ctx, &domain.PaymentRecord{OrderID: "O1", GatewayTransactionID: "tx-1", RawStatus: "settlement"})
	require.NoError(t, err)

	require.NoError(t, f.worker.RunOnce(ctx))

	order, _ := f.orders.FindById(ctx, "O1")
	assert.Equal(t, domain.PaymentSuccess, order.PaymentStatus)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestRunOnceMovesPastOrdersAlreadyChecked(t *testing.T) {
	f := newWorkerFixture(t, nil, func(p *Params) { p.BatchSize = 3 })
	ctx := context.Background()
	abandoned := []string{"A1", "A2", "A3", "A4", "A5"}
	for _, id := range abandoned {
		f.seed(t, id, 2*time.Hour)
	}
	f.seed(t, "PAID", time.Hour)
	f.gateway.Settle("PAID", "tx-1", "settlement", 10000)

	require.NoError(t, f.worker.RunOnce(ctx))
	paid, _ := f.orders.FindById(ctx, "PAID")
	assert.Equal(t, domain.PaymentPending, paid.PaymentStatus)

	require.NoError(t, f.worker.RunOnce(ctx))
	paid, _ = f.orders.FindById(ctx, "PAID")
	assert.Equal(t, domain.PaymentSuccess, paid.PaymentStatus)

	for _, id := range abandoned {
		o, _ := f.orders.FindById(ctx, id)
		assert.Equal(t, domain.PaymentPending, o.PaymentStatus, id)
		require.NotNil(t, o.LastCheckedAt, id)
		assert.Equal(t, f.now, *o.LastCheckedAt, id)
	}

	// nothing is due again until the checks themselves go stale
	require.NoError(t, f.worker.RunOnce(ctx))
	stuck, err := f.orders.FindStuckOrders(ctx, f.now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	f.now = f.now.Add(20 * time.Minute)
	stuck, err = f.orders.FindStuckOrders(ctx, f.now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stuck, len(abandoned))
}

func TestRunOnceCompletesGrantLeftByFailedIssuance(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "PAID", time.Hour)
	f.gateway.Settle("PAID", "tx-1", "settlement", 10000)
	f.tokens.Fail = errors.New("token store down")

	require.NoError(t, f.worker.RunOnce(ctx))
	order, _ := f.orders.FindById(ctx, "PAID")
	assert.Equal(t, domain.PaymentSuccess, order.PaymentStatus)
	assert.Nil(t, order.AccessGrantedAt)

	f.tokens.Fail = nil
	f.now = f.now.Add(20 * time.Minute)
	require.NoError(t, f.worker.RunOnce(ctx))

	tokens, err := f.tokens.ListByOrder(ctx, "PAID")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].ItemPosition)
	assert.Equal(t, 0, *tokens[0].ItemPosition)
	order, _ = f.orders.FindById(ctx, "PAID")
	assert.NotNil(t, order.AccessGrantedAt)

	require.NoError(t, f.worker.RunOnce(ctx))
	tokens, _ = f.tokens.ListByOrder(ctx, "PAID")
	assert.Len(t, tokens, 1)
}

func TestRunOnceToleratesGatewayErrors(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.seed(t, "O1", time.Hour)
	f.gateway.Err = errors.New("gateway unavailable")

	require.NoError(t, f.worker.RunOnce(context.Background()))
	order, _ := f.orders.FindById(context.Background(), "O1")
	assert.Equal(t, domain.PaymentPending, order.PaymentStatus)
}

func TestRunOnceReportsStoreFailure(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.orders.Fail = errors.New("db down")
	assert.Error(t, f.worker.RunOnce(context.Background()))
	n, err := testutil.GatherAndCount(f.reg, "vault_job_failure")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type stubLock struct {
	acquire  bool
	err      error
	released int
}

func (l *stubLock) Acquire(context.Context) (bool, error) { return l.acquire, l.err }
func (l *stubLock) Release(context.Context) error         { l.released++; return nil }

func TestRunOnceSkipsWithoutLock(t *testing.T) {
	lock := &stubLock{acquire: false}
	f := newWorkerFixture(t, lock)
	f.seed(t, "O1", time.Hour)
	f.gateway.Settle("O1", "tx-1", "settlement", 10000)

	require.NoError(t, f.worker.RunOnce(context.Background()))
	order, _ := f.orders.FindById(context.Background(), "O1")
	assert.Equal(t, domain.PaymentPending, order.PaymentStatus)
	assert.Zero(t, lock.released)

	lock.acquire = true
	require.NoError(t, f.worker.RunOnce(context.Background()))
	assert.Equal(t, 1, lock.released)

	lock.err = errors.New("redis down")
	assert.Error(t, f.worker.RunOnce(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
