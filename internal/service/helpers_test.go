package service

import (
	"context"
	"sync"
	"time"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/notify"
	"the-digital-vault/internal/repo"
	"the-digital-vault/internal/repo/memory"
	"the-digital-vault/internal/signature"
)

const testSecret = "SB-Mid-server-test"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type purchaseSink struct {
	mu        sync.Mutex
	purchases []notify.Purchase
}

func (s *purchaseSink) Enqueue(ctx context.Context, p notify.Purchase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases = append(s.purchases, p)
	return true
}

func (s *purchaseSink) last() notify.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purchases[len(s.purchases)-1]
}

func (s *purchaseSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.purchases)
}

type fixture struct {
	verifier *signature.Verifier

	clock  *clock
	orders *memory.OrderStore
	ledger *memory.Ledger
	tokens *memory.TokenStore
	sink   *purchaseSink
	access AccessService
	engine ReconcileService
	intake OrderService
}

func newFixture(verifier *signature.Verifier) *fixture {
	f := &fixture{
		verifier: verifier,
		clock:    newClock(),
		orders:   memory.NewOrderStore(),
		ledger:   memory.NewLedger(),
		tokens:   memory.NewTokenStore(),
		sink:     &purchaseSink{},
	}
	f.wire(f.orders, f.tokens)
	f.intake = NewOrderService(OrderParams{
		Orders:  f.orders,
		Ledger:  f.ledger,
		Logger:  logger.Nop(),
		Retries: 2,
		Now:     f.clock.Now,
	})
	return f
}

// wire builds the access service and the engine on top of orders and tokens,
// which may wrap the fixture's stores.
func (f *fixture) wire(orders repo.OrderRepo, tokens repo.TokenRepo) {
	f.access = NewAccessService(AccessParams{
		Tokens:   tokens,
		Logger:   logger.Nop(),
		Validity: domain.DefaultTokenValidity,
		Retries:  2,
		Now:      f.clock.Now,
	})
	f.engine = NewReconcileService(ReconcileParams{
		Orders:   orders,
		Ledger:   f.ledger,
		Access:   f.access,
		Verifier: f.verifier,
		Notifier: f.sink,
		Logger:   logger.Nop(),
		Retries:  2,
		Now:      f.clock.Now,
	})
}

func newSignedFixture() *fixture {
	return newFixture(signature.NewVerifier(testSecret, false))
}

// seedOrder stores a PENDING order with the given number of time-limited and permanent items.
func (f *fixture) seedOrder(id string, timeLimited, permanent int) *domain.Order {
	now := f.clock.Now()
	o := &domain.Order{
		ID:            id,
		CustomerEmail: "buyer@example.com",
		CustomerName:  "Buyer",
		PaymentStatus: domain.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := 0; i < timeLimited; i++ {
		o.Items = append(o.Items, domain.OrderItem{
			ProductID:      "game-" + string(rune('a'+i)),
			ProductType:    domain.TimeLimitedAsset,
			Title:          "Game",
			Quantity:       1,
			UnitPrice:      10000,
			AssetReference: "https://games.example.com/" + string(rune('a'+i)),
		})
	}
	for i := 0; i < permanent; i++ {
		o.Items = append(o.Items, domain.OrderItem{
			ProductID:      "doc-" + string(rune('a'+i)),
			ProductType:    domain.PermanentAsset,
			Title:          "Document",
			Quantity:       1,
			UnitPrice:      5000,
			AssetReference: "https://docs.example.com/" + string(rune('a'+i)),
		})
	}
	for _, it := range o.Items {
		o.Subtotal += it.UnitPrice * int64(it.Quantity)
	}
	o.Total = o.Subtotal
	if err := f.orders.CreateOrder(context.Background(), o); err != nil {
		panic(err)
	}
	return o
}

func signedNotification(orderID, status, transactionID, grossAmount string) domain.Notification {
	code := "200"
	switch status {
	case "pending":
		code = "201"
	case "deny", "cancel", "expire":
		code = "202"
	}
	return domain.Notification{
		OrderID:           orderID,
		TransactionStatus: status,
		StatusCode:        code,
		GrossAmount:       grossAmount,
		TransactionID:     transactionID,
		SignatureKey:      signature.Digest(orderID, code, grossAmount, testSecret),
		Source:            domain.SourceWebhook,
	}
}
