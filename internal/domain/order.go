package domain

import (
	"time"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentPending, PaymentSuccess, PaymentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

type ProductType string

const (
	PermanentAsset   ProductType = "permanent_asset"
	TimeLimitedAsset ProductType = "time_limited_asset"
)

func (p ProductType) IsValid() bool {
	return p == PermanentAsset || p == TimeLimitedAsset
}

type OrderItem struct {
	ProductID      string      `json:"productId"`
	ProductType    ProductType `json:"productType"`
	Title          string      `json:"title"`
	Quantity       int         `json:"quantity"`
	UnitPrice      int64       `json:"unitPrice"`
	AssetReference string      `json:"assetReference"`
}

type Order struct {
	ID                   string        `json:"orderId"`
	CustomerEmail        string        `json:"customerEmail"`
	CustomerName         string        `json:"customerName"`
	CustomerPhone        string        `json:"customerPhone,omitempty"`
	Items                []OrderItem   `json:"items"`
	Subtotal             int64         `json:"subtotal"`
	Discount             int64         `json:"discount"`
	Total                int64         `json:"total"`
	PaymentStatus        PaymentStatus `json:"paymentStatus"`
	GatewayOrderID       *string       `json:"gatewayOrderId,omitempty"`
	GatewayTransactionID *string       `json:"gatewayTransactionId,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	PaidAt               *time.Time    `json:"paidAt,omitempty"`
	// AccessGrantedAt is set once every time-limited item holds a token and
	// the purchase was handed to the notifier.
	AccessGrantedAt      *time.Time    `json:"accessGrantedAt,omitempty"`
	// LastCheckedAt is when the reconciliation worker last asked the gateway about the order.
	LastCheckedAt        *time.Time    `json:"-"`
}

// TimeLimitedItems returns the items whose access is gated by an expiring token.
func (o *Order) TimeLimitedItems() []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if it.ProductType == TimeLimitedAsset {
			out = append(out, it)
		}
	}
	return out
}

// PermanentItems returns the items delivered as permanent links.
func (o *Order) PermanentItems() []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if it.ProductType == PermanentAsset {
			out = append(out, it)
		}
	}
	return out
}

// StatusUpdate is the single conditional write applied to a PENDING order.
type StatusUpdate struct {
	OrderID              string
	Status               PaymentStatus
	GatewayOrderID       string
	GatewayTransactionID string
	At                   time.Time
}

// PaidAt is non-nil only for a SUCCESS update.
func (u StatusUpdate) PaidAt() *time.Time {
	if u.Status != PaymentSuccess {
		return nil
	}
	at := u.At
	return &at
}
