package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"the-digital-vault/internal/config"
	"the-digital-vault/internal/domain"
)

// ErrTransactionNotFound is returned when the gateway has no transaction for the order.
var ErrTransactionNotFound = errors.New("gateway transaction not found")

// PaymentGateway answers status queries for an order.
type PaymentGateway interface {
	CheckStatus(ctx context.Context, orderID string) (*TransactionStatus, error)
}

// TransactionStatus is the gateway's view of one transaction.
type TransactionStatus struct {
	OrderID           string          `json:"order_id"`
	TransactionID     string          `json:"transaction_id"`
	TransactionStatus string          `json:"transaction_status"`
	StatusCode        string          `json:"status_code"`
	StatusMessage     string          `json:"status_message"`
	GrossAmount       string          `json:"gross_amount"`
	FraudStatus       string          `json:"fraud_status"`
	PaymentType       string          `json:"payment_type"`
	Raw               json.RawMessage `json:"-"`
}

// Notification converts a status answer into a trusted notification.
func (s *TransactionStatus) Notification(receivedAt time.Time) domain.Notification {
	return domain.Notification{
		OrderID:           s.OrderID,
		TransactionStatus: s.TransactionStatus,
		StatusCode:        s.StatusCode,
		GrossAmount:       s.GrossAmount,
		TransactionID:     s.TransactionID,
		FraudStatus:       s.FraudStatus,
		PaymentType:       s.PaymentType,
		Raw:               s.Raw,
		Source:            domain.SourceStatusQuery,
		ReceivedAt:        receivedAt,
	}
}

type httpGateway struct {
	client *resty.Client
}

// NewHTTPGateway builds a status-query client authenticated with the server key.
func NewHTTPGateway(cfg config.GatewayConfig) PaymentGateway {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.ServerKey, "").
		SetHeader("Accept", "application/json")
	return &httpGateway{client: client}
}

func (g *httpGateway) CheckStatus(ctx context.Context, orderID string) (*TransactionStatus, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/v2/%s/status", url.PathEscape(orderID)))
	if err != nil {
		return nil, fmt.Errorf("query gateway status: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("gateway status non-2xx: %d", resp.StatusCode())
	}

	var status TransactionStatus
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return nil, fmt.Errorf("decode gateway status: %w", err)
	}
	// the gateway reports a missing transaction in the body with HTTP 200
	if status.StatusCode == "404" {
		return nil, ErrTransactionNotFound
	}
	if status.OrderID == "" {
		status.OrderID = orderID
	}
	status.Raw = append(json.RawMessage(nil), resp.Body()...)
	return &status, nil
}
