package payment

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/signature"
)

// FakeGateway is an in-memory gateway. It records the latest status per
// order and can mint signed notifications for it.
type FakeGateway struct {
	mu        sync.RWMutex
	serverKey string
	statuses  map[string]TransactionStatus
	// Err, when set, is returned by CheckStatus.
	Err error
}

func NewFakeGateway(serverKey string) *FakeGateway {
	return &FakeGateway{serverKey: serverKey, statuses: make(map[string]TransactionStatus)}
}

var _ PaymentGateway = (*FakeGateway)(nil)

// Settle records a transaction state for the order and returns the matching signed notification.
func (g *FakeGateway) Settle(orderID, transactionID, transactionStatus string, grossAmount int64) domain.Notification {
	status := TransactionStatus{
		OrderID:           orderID,
		TransactionID:     transactionID,
		TransactionStatus: transactionStatus,
		StatusCode:        statusCodeFor(transactionStatus),
		GrossAmount:       strconv.FormatInt(grossAmount, 10) + ".00",
		PaymentType:       "bank_transfer",
	}
	if transactionStatus == "capture" {
		status.FraudStatus = "accept"
	}

	g.mu.Lock()
	g.statuses[orderID] = status
	g.mu.Unlock()

	return g.notify(status)
}

func (g *FakeGateway) notify(s TransactionStatus) domain.Notification {
	raw, _ := json.Marshal(s)
	n := s.Notification(time.Now())
	n.Source = domain.SourceWebhook
	n.Raw = raw
	if g.serverKey != "" {
		n.SignatureKey = signature.Digest(s.OrderID, s.StatusCode, s.GrossAmount, g.serverKey)
	}
	return n
}

func (g *FakeGateway) CheckStatus(ctx context.Context, orderID string) (*TransactionStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.Err != nil {
		return nil, g.Err
	}
	status, ok := g.statuses[orderID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	raw, _ := json.Marshal(status)
	status.Raw = raw
	return &status, nil
}

func statusCodeFor(transactionStatus string) string {
	switch transactionStatus {
	case "settlement", "capture":
		return "200"
	case "pending":
		return "201"
	default:
		return "202"
	}
}
