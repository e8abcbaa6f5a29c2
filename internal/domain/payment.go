package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type RecordSource string

const (
	SourceWebhook     RecordSource = "webhook"
	SourceStatusQuery RecordSource = "status_query"
)

// PaymentRecord is one append-only ledger entry. OrderID, GatewayTransactionID
// and RawStatus together form the idempotency key.
type PaymentRecord struct {
	ID                   int64           `json:"id"`
	OrderID              string          `json:"orderId"`
	GatewayTransactionID string          `json:"gatewayTransactionId"`
	RawStatus            string          `json:"rawStatus"`
	StatusCode           string          `json:"statusCode,omitempty"`
	FraudStatus          string          `json:"fraudStatus,omitempty"`
	Amount               int64           `json:"amount"`
	Source               RecordSource    `json:"source"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	ReceivedAt           time.Time       `json:"receivedAt"`
}

// IdempotencyKey identifies one notification instance.
type IdempotencyKey struct {
	OrderID              string
	GatewayTransactionID string
	RawStatus            string
}

func (r PaymentRecord) Key() IdempotencyKey {
	return IdempotencyKey{
		OrderID:              r.OrderID,
		GatewayTransactionID: r.GatewayTransactionID,
		RawStatus:            strings.ToLower(r.RawStatus),
	}
}

// Transition is the outcome of mapping a gateway status onto the order state machine.
type Transition struct {
	Target       PaymentStatus
	Recognized   bool
	GatewayState string
}

// MapGatewayStatus translates the gateway vocabulary (case-insensitive) into a target status.
// A capture only settles the order when the fraud check accepted it.
func MapGatewayStatus(transactionStatus, fraudStatus string) Transition {
	status := strings.ToLower(strings.TrimSpace(transactionStatus))
	fraud := strings.ToLower(strings.TrimSpace(fraudStatus))

	t := Transition{Target: PaymentPending, Recognized: true, GatewayState: status}
	switch status {
	case "settlement":
		t.Target = PaymentSuccess
	case "capture":
		switch fraud {
		case "", "accept":
			t.Target = PaymentSuccess
		case "deny":
			t.Target = PaymentFailed
		default:
			// challenge: wait for the follow-up notification
			t.Target = PaymentPending
		}
	case "cancel", "deny", "expire":
		t.Target = PaymentFailed
	case "pending":
	default:
		t.Recognized = false
	}
	return t
}

// NextStatus applies the state machine: terminal states never move, and
// PENDING only moves to the mapped target.
func NextStatus(current, target PaymentStatus) (PaymentStatus, bool) {
	if current.IsTerminal() {
		return current, false
	}
	if target == current || !target.IsValid() {
		return current, false
	}
	return target, true
}
