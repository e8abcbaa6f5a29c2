package domain

import (
	"encoding/json"
	"time"
)

// Notification is a gateway payment notification as received.
// GrossAmount and StatusCode keep their raw textual form because the
// signature is computed over them.
type Notification struct {
	OrderID           string
	TransactionStatus string
	StatusCode        string
	GrossAmount       string
	TransactionID     string
	FraudStatus       string
	SignatureKey      string
	PaymentType       string
	Raw               json.RawMessage
	Source            RecordSource
	ReceivedAt        time.Time
}

func (n Notification) Signed() bool {
	return n.SignatureKey != ""
}

// Outcome summarizes what reconciliation did with a notification.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeNoop      Outcome = "noop"
	OutcomeConflict  Outcome = "conflict"
	// OutcomeGranted completes the access grant of an order settled earlier.
	OutcomeGranted   Outcome = "granted"
)

type ReconcileResult struct {
	OrderID string
	Outcome Outcome
	Status  PaymentStatus
	Tokens  []AccessToken
}
