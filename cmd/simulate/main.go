package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/infrastructure/payment"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/notify"
	"the-digital-vault/internal/repo/memory"
	"the-digital-vault/internal/service"
	"the-digital-vault/internal/signature"
	"the-digital-vault/internal/worker"
)

const (
	serverKey  = "SB-Mid-server-simulation"
	orderCount = 20
	// every lostEvery-th order never receives a webhook and is left for the worker
	lostEvery = 5
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "simulate", Level: logger.ParseLevel("warn"), Format: "console"})

	orders := memory.NewOrderStore()
	ledger := memory.NewLedger()
	tokens := memory.NewTokenStore()
	gateway := payment.NewFakeGateway(serverKey)
	vaultMetrics := metrics.New(prometheus.NewRegistry())

	dispatcher, err := notify.NewDispatcher(notify.DispatcherParams{
		Notifier:  notify.NewLogNotifier(logg, "http://localhost:8080"),
		Logger:    logg,
		Metrics:   vaultMetrics,
		Workers:   2,
		QueueSize: orderCount,
	})
	if err != nil {
		logg.Error(ctx, "create dispatcher", err)
		os.Exit(1)
	}
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = dispatcher.Run(dispatchCtx)
	}()

	access := service.NewAccessService(service.AccessParams{Tokens: tokens, Logger: logg, Metrics: vaultMetrics, Retries: 2})
	reconciler := service.NewReconcileService(service.ReconcileParams{
		Orders:   orders,
		Ledger:   ledger,
		Access:   access,
		Verifier: signature.NewVerifier(serverKey, false),
		Notifier: dispatcher,
		Logger:   logg,
		Metrics:  vaultMetrics,
		Retries:  2,
	})
	intake := service.NewOrderService(service.OrderParams{Orders: orders, Ledger: ledger, Logger: logg, Retries: 2})

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", orderCount)

	var placed []*domain.Order
	for i := 0; i < orderCount; i++ {
		order, err := intake.CreateOrder(ctx, sampleOrder(i))
		if err != nil {
			fmt.Printf("[%d] create failed: %v\n", i+1, err)
			continue
		}
		placed = append(placed, order)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, order := range placed {
		txID := fmt.Sprintf("tx-%03d", i+1)
		final := finalStatus(i)
		// the gateway knows the outcome even when its webhooks never arrive
		settled := gateway.Settle(order.ID, txID, final, order.Total)
		if (i+1)%lostEvery == 0 {
			fmt.Printf("[%d] %s: webhooks lost, gateway says %q\n", i+1, order.ID, final)
			continue
		}

		for _, n := range burst(order, settled) {
			g.Go(func() error {
				res, err := reconciler.HandleNotification(gctx, n)
				if err != nil {
					fmt.Printf("    %s %-10s rejected: %v\n", n.OrderID, n.TransactionStatus, err)
					return nil
				}
				fmt.Printf("    %s %-10s -> %s (%s)\n", n.OrderID, n.TransactionStatus, res.Outcome, res.Status)
				return nil
			})
		}
	}
	_ = g.Wait()

	fmt.Println("--- RECONCILIATION WORKER ---")
	reconWorker, err := worker.NewReconciliationWorker(worker.Params{
		Orders:     orders,
		Gateway:    gateway,
		Reconciler: reconciler,
		Lock:       worker.LocalLock{},
		Logger:     logg,
		Metrics:    vaultMetrics,
		StuckAfter: time.Nanosecond,
		BatchSize:  orderCount,
	})
	if err != nil {
		logg.Error(ctx, "create worker", err)
		os.Exit(1)
	}
	if err := reconWorker.RunOnce(ctx); err != nil {
		fmt.Printf("worker pass failed: %v\n", err)
	}

	stopDispatch()
	<-dispatchDone

	fmt.Println("--- FINAL STATE ---")
	for _, o := range placed {
		fresh, _ := orders.FindById(ctx, o.ID)
		issued, _ := tokens.ListByOrder(ctx, o.ID)
		fmt.Printf("%s  %-8s  tokens=%d\n", fresh.ID, fresh.PaymentStatus, len(issued))
	}
	fmt.Printf("ledger records: %d\n", ledger.Len())
}

func sampleOrder(i int) service.CreateOrderInput {
	return service.CreateOrderInput{
		OrderID:       fmt.Sprintf("ORDER-SIM%03d", i+1),
		CustomerEmail: fmt.Sprintf("buyer%d@example.com", i+1),
		CustomerName:  fmt.Sprintf("Buyer %d", i+1),
		Items: []service.CreateOrderItem{
			{
				ProductID:      "game-" + fmt.Sprint(i%3),
				ProductType:    domain.TimeLimitedAsset,
				Title:          "Rental Game",
				Quantity:       1,
				UnitPrice:      25000,
				AssetReference: "https://games.example.com/" + fmt.Sprint(i%3),
			},
			{
				ProductID:      "guide-" + fmt.Sprint(i%2),
				ProductType:    domain.PermanentAsset,
				Title:          "Strategy Guide",
				Quantity:       1,
				UnitPrice:      15000,
				AssetReference: "https://docs.example.com/" + fmt.Sprint(i%2),
			},
		},
	}
}

func finalStatus(i int) string {
	switch i % 4 {
	case 1:
		return "expire"
	case 3:
		return "capture"
	default:
		return "settlement"
	}
}

// burst returns the notifications a flaky gateway might deliver for one
// transaction: retries of the final status, a stale pending, and a forged
// status, in random order.
func burst(order *domain.Order, final domain.Notification) []domain.Notification {
	pending := final
	pending.TransactionStatus = "pending"
	pending.StatusCode = "201"
	pending.SignatureKey = signature.Digest(order.ID, "201", final.GrossAmount, serverKey)

	forged := final
	forged.TransactionStatus = "deny"
	forged.StatusCode = "202"
	forged.SignatureKey = strings.Repeat("f", 128)

	out := []domain.Notification{final, final, final, pending, forged}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
