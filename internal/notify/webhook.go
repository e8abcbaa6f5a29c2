package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POSTs the purchase summary to an external endpoint.
type WebhookNotifier struct {
	client        *resty.Client
	url           string
	publicBaseURL string
	maxAttempts   uint64
	initial       time.Duration
}

type WebhookOption func(*WebhookNotifier)

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) WebhookOption {
	return func(n *WebhookNotifier) { n.initial = d }
}

func NewWebhookNotifier(url, publicBaseURL string, timeout time.Duration, maxAttempts uint64, opts ...WebhookOption) *WebhookNotifier {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	n := &WebhookNotifier{
		client:        resty.New().SetTimeout(timeout),
		url:           url,
		publicBaseURL: publicBaseURL,
		maxAttempts:   maxAttempts,
		initial:       200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) Notify(ctx context.Context, p Purchase) error {
	msg := BuildMessage(p, n.publicBaseURL)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.maxAttempts-1), ctx)

	return backoff.Retry(func() error {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("Idempotency-Key", msg.OrderID).
			SetBody(msg).
			Post(n.url)
		if err != nil {
			return fmt.Errorf("post notification: %w", err)
		}
		switch code := resp.StatusCode(); {
		case code >= 200 && code < 300:
			return nil
		case code >= 500 || code == http.StatusTooManyRequests:
			return fmt.Errorf("notification endpoint returned %d", code)
		default:
			return backoff.Permanent(fmt.Errorf("notification endpoint rejected request: %d", code))
		}
	}, policy)
}
