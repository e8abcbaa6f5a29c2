package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
)

// Purchase is what the notifier receives after an order settles.
type Purchase struct {
	Order  domain.Order
	Tokens []domain.AccessToken
}

// Notifier delivers a purchase confirmation to the customer.
type Notifier interface {
	Notify(ctx context.Context, p Purchase) error
}

// Link is a customer-facing reference to one purchased item.
type Link struct {
	ProductID string     `json:"productId"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Message is the rendered purchase summary.
type Message struct {
	Event         string     `json:"event"`
	OrderID       string     `json:"orderId"`
	CustomerEmail string     `json:"customerEmail"`
	CustomerName  string     `json:"customerName"`
	Total         int64      `json:"total"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	Downloads     []Link     `json:"downloads"`
	Access        []Link     `json:"access"`
}

const eventPurchaseCompleted = "purchase.completed"

// BuildMessage renders permanent items as direct links and time-limited
// items as access links through the token gateway.
func BuildMessage(p Purchase, publicBaseURL string) Message {
	msg := Message{
		Event:         eventPurchaseCompleted,
		OrderID:       p.Order.ID,
		CustomerEmail: p.Order.CustomerEmail,
		CustomerName:  p.Order.CustomerName,
		Total:         p.Order.Total,
		PaidAt:        p.Order.PaidAt,
		Downloads:     []Link{},
		Access:        []Link{},
	}
	for _, it := range p.Order.PermanentItems() {
		msg.Downloads = append(msg.Downloads, Link{ProductID: it.ProductID, Title: it.Title, URL: it.AssetReference})
	}

	titles := make(map[string]string, len(p.Order.Items))
	for _, it := range p.Order.Items {
		titles[it.ProductID] = it.Title
	}
	base := strings.TrimRight(publicBaseURL, "/")
	for _, tok := range p.Tokens {
		expires := tok.ExpiresAt
		msg.Access = append(msg.Access, Link{
			ProductID: tok.ProductID,
			Title:     titles[tok.ProductID],
			URL:       fmt.Sprintf("%s/access/%s", base, tok.ID),
			ExpiresAt: &expires,
		})
	}
	return msg
}

// LogNotifier writes the purchase summary to the log.
type LogNotifier struct {
	logg          *logger.Logger
	publicBaseURL string
}

func NewLogNotifier(logg *logger.Logger, publicBaseURL string) *LogNotifier {
	return &LogNotifier{logg: logg, publicBaseURL: publicBaseURL}
}

func (n *LogNotifier) Notify(ctx context.Context, p Purchase) error {
	msg := BuildMessage(p, n.publicBaseURL)
	ctx = n.logg.WithFields(ctx, map[string]any{
		"order_id":       msg.OrderID,
		"customer_email": msg.CustomerEmail,
		"downloads":      len(msg.Downloads),
		"access_links":   len(msg.Access),
	})
	n.logg.Info(ctx, "purchase notification")
	return nil
}
