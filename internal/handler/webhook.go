package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/domain"
)

// webhookPayload is the gateway notification body. Numeric fields are kept
// as json.Number so their text survives for signature verification.
type webhookPayload struct {
	OrderID           string      `json:"order_id" binding:"required"`
	TransactionStatus string      `json:"transaction_status" binding:"required"`
	StatusCode        json.Number `json:"status_code"`
	GrossAmount       json.Number `json:"gross_amount" binding:"required"`
	TransactionID     string      `json:"transaction_id"`
	FraudStatus       string      `json:"fraud_status"`
	SignatureKey      string      `json:"signature_key"`
	PaymentType       string      `json:"payment_type"`
}

type webhookResponse struct {
	Status        string               `json:"status"`
	OrderID       string               `json:"orderId,omitempty"`
	Outcome       domain.Outcome       `json:"outcome,omitempty"`
	PaymentStatus domain.PaymentStatus `json:"paymentStatus,omitempty"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	receivedAt := time.Now()
	ctx := c.Request.Context()

	raw, err := c.GetRawData()
	if err != nil {
		s.writeError(c, apperr.Wrap(apperr.CodeValidation, err, "unreadable request body"))
		return
	}
	n, err := decodeNotification(raw, receivedAt)
	if err != nil {
		s.metrics.WebhookOutcome("invalid")
		s.writeError(c, err)
		return
	}
	ctx = s.logg.WithOrderID(ctx, n.OrderID)

	if s.cfg.Webhook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Webhook.Timeout)
		defer cancel()
	}

	res, err := s.reconciler.HandleNotification(ctx, n)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) && !s.cfg.Webhook.SurfaceNotFound {
			// acknowledged so the gateway stops retrying an order we never had
			c.JSON(http.StatusOK, webhookResponse{Status: "ignored", OrderID: n.OrderID})
			return
		}
		if apperr.IsCode(err, apperr.CodeUnauthorized) {
			s.logg.Warn(ctx, "webhook rejected: signature mismatch")
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Status:        "ok",
		OrderID:       res.OrderID,
		Outcome:       res.Outcome,
		PaymentStatus: res.Status,
	})
}

func decodeNotification(raw []byte, receivedAt time.Time) (domain.Notification, error) {
	var p webhookPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return domain.Notification{}, apperr.Wrap(apperr.CodeValidation, err, "malformed notification body")
	}
	if err := binding.Validator.ValidateStruct(&p); err != nil {
		return domain.Notification{}, apperr.Wrap(apperr.CodeValidation, err, "notification is missing required fields").
			WithDetails(map[string]string{"body": err.Error()})
	}
	return domain.Notification{
		OrderID:           strings.TrimSpace(p.OrderID),
		TransactionStatus: p.TransactionStatus,
		StatusCode:        p.StatusCode.String(),
		GrossAmount:       p.GrossAmount.String(),
		TransactionID:     p.TransactionID,
		FraudStatus:       p.FraudStatus,
		SignatureKey:      p.SignatureKey,
		PaymentType:       p.PaymentType,
		Raw:               json.RawMessage(raw),
		Source:            domain.SourceWebhook,
		ReceivedAt:        receivedAt,
	}, nil
}
