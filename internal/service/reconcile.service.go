package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/notify"
	"the-digital-vault/internal/repo"
	"the-digital-vault/internal/signature"
)

// Enqueuer hands a settled purchase to the notifier without waiting for it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p notify.Purchase) bool
}

type ReconcileService interface {
	// HandleNotification processes a gateway notification end to end.
	HandleNotification(ctx context.Context, n domain.Notification) (*domain.ReconcileResult, error)
	// ApplyTrusted processes a status obtained directly from the gateway. The
	// signature is not checked and a ledger duplicate does not short-circuit,
	// so an order left PENDING by an interrupted run can still settle.
	ApplyTrusted(ctx context.Context, n domain.Notification) (*domain.ReconcileResult, error)
	// CompleteGrant issues the tokens a SUCCESS order is still missing and
	// schedules its purchase notification if that never happened.
	CompleteGrant(ctx context.Context, orderID string) (*domain.ReconcileResult, error)
}

// DefaultGrantTimeout bounds token issuance after a payment commits.
const DefaultGrantTimeout = 10 * time.Second

type ReconcileParams struct {
	Orders   repo.OrderRepo
	Ledger   repo.PaymentRepo
	Access   AccessService
	Verifier *signature.Verifier
	Notifier Enqueuer
	Logger   *logger.Logger
	Metrics  *metrics.Vault
	Retries  uint64

	// GrantTimeout is the budget for issuing tokens once the status update
	// has committed. It does not inherit the caller's deadline.
	GrantTimeout time.Duration
	Now          func() time.Time
}

type reconcileService struct {
	orders   repo.OrderRepo
	ledger   repo.PaymentRepo
	access   AccessService
	verifier *signature.Verifier
	notifier Enqueuer
	logg     *logger.Logger
	metrics  *metrics.Vault
	retries  uint64
	grantTTL time.Duration
	now      func() time.Time
}

func NewReconcileService(params ReconcileParams) ReconcileService {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	grantTTL := params.GrantTimeout
	if grantTTL <= 0 {
		grantTTL = DefaultGrantTimeout
	}
	return &reconcileService{
		orders:   params.Orders,
		ledger:   params.Ledger,
		access:   params.Access,
		verifier: params.Verifier,
		notifier: params.Notifier,
		logg:     logg,
		metrics:  params.Metrics,
		retries:  params.Retries,
		grantTTL: grantTTL,
		now:      now,
	}
}

func (s *reconcileService) HandleNotification(ctx context.Context, n domain.Notification) (*domain.ReconcileResult, error) {
	if n.Source == "" {
		n.Source = domain.SourceWebhook
	}
	return s.process(ctx, n, false)
}

func (s *reconcileService) ApplyTrusted(ctx context.Context, n domain.Notification) (*domain.ReconcileResult, error) {
	n.Source = domain.SourceStatusQuery
	return s.process(ctx, n, true)
}

func (s *reconcileService) process(ctx context.Context, n domain.Notification, trusted bool) (*domain.ReconcileResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveWebhook(time.Since(started)) }()

	ctx = s.logg.WithFields(s.logg.WithOrderID(ctx, n.OrderID), map[string]any{
		"transaction_status": n.TransactionStatus,
		"transaction_id":     n.TransactionID,
		"source":             string(n.Source),
	})

	amount, err := validateNotification(n)
	if err != nil {
		s.metrics.WebhookOutcome("invalid")
		return nil, err
	}

	if !trusted && s.verifier.Enabled() && !s.verifier.Verify(n) {
		s.metrics.WebhookOutcome("rejected_signature")
		s.logg.Warn(ctx, "notification signature rejected")
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid notification signature")
	}

	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = s.now()
	}
	record := &domain.PaymentRecord{
		OrderID:              n.OrderID,
		GatewayTransactionID: n.TransactionID,
		RawStatus:            n.TransactionStatus,
		StatusCode:           n.StatusCode,
		FraudStatus:          n.FraudStatus,
		Amount:               amount,
		Source:               n.Source,
		Payload:              n.Raw,
		ReceivedAt:           n.ReceivedAt,
	}
	var inserted bool
	err = withRetry(ctx, s.retries, func() error {
		var appendErr error
		inserted, appendErr = s.ledger.Append(ctx, record)
		return appendErr
	})
	if err != nil {
		s.metrics.WebhookOutcome("error")
		s.logg.Error(ctx, "append payment record", err)
		return nil, dependencyError(err, "record payment notification")
	}
	if !inserted && !trusted {
		return s.duplicate(ctx, n.OrderID)
	}

	order, err := s.loadOrder(ctx, n.OrderID)
	if err != nil {
		s.metrics.WebhookOutcome("error")
		return nil, err
	}
	if order == nil {
		s.metrics.WebhookOutcome("unknown_order")
		s.metrics.UnknownOrder()
		s.logg.Warn(ctx, "notification for unknown order")
		return nil, apperr.New(apperr.CodeNotFound, "order not found")
	}

	transition := domain.MapGatewayStatus(n.TransactionStatus, n.FraudStatus)
	if !transition.Recognized {
		s.metrics.UnrecognizedStatus(transition.GatewayState)
		s.logg.Warn(ctx, "unrecognized gateway status")
	}

	if order.PaymentStatus.IsTerminal() {
		var tokens []domain.AccessToken
		if grantPending(order) {
			if tokens, err = s.settleAccess(ctx, order); err != nil {
				s.metrics.WebhookOutcome("error")
				return nil, dependencyError(err, "grant access")
			}
		}
		return s.finish(ctx, order, domain.OutcomeTerminal, tokens), nil
	}
	next, changed := domain.NextStatus(order.PaymentStatus, transition.Target)
	if !changed {
		return s.finish(ctx, order, domain.OutcomeNoop, nil), nil
	}

	update := domain.StatusUpdate{
		OrderID:              order.ID,
		Status:               next,
		GatewayOrderID:       n.OrderID,
		GatewayTransactionID: n.TransactionID,
		At:                   s.now().UTC(),
	}
	err = withRetry(ctx, s.retries, func() error {
		return s.orders.UpdateStatusIfPending(ctx, update)
	})
	if errors.Is(err, repo.ErrConflict) {
		// a concurrent notification settled the order first
		return s.finish(ctx, order, domain.OutcomeConflict, nil), nil
	}
	if err != nil {
		s.metrics.WebhookOutcome("error")
		s.logg.Error(ctx, "update order status", err)
		return nil, dependencyError(err, "update order status")
	}

	order.PaymentStatus = next
	order.PaidAt = update.PaidAt()
	order.UpdatedAt = update.At
	order.GatewayOrderID = optional(update.GatewayOrderID, order.GatewayOrderID)
	order.GatewayTransactionID = optional(update.GatewayTransactionID, order.GatewayTransactionID)

	var tokens []domain.AccessToken
	if next == domain.PaymentSuccess {
		if amount != order.Total {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"gross_amount": amount, "order_total": order.Total}),
				"settled amount differs from order total")
		}
		if tokens, err = s.settleAccess(ctx, order); err != nil {
			// the payment stays committed; a redelivery or the worker finishes the grant
			s.metrics.WebhookOutcome("error")
			return nil, dependencyError(err, "grant access")
		}
	}
	return s.finish(ctx, order, domain.OutcomeApplied, tokens), nil
}

func (s *reconcileService) CompleteGrant(ctx context.Context, orderID string) (*domain.ReconcileResult, error) {
	ctx = s.logg.WithOrderID(ctx, orderID)
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.New(apperr.CodeNotFound, "order not found")
	}
	if !grantPending(order) {
		return &domain.ReconcileResult{OrderID: order.ID, Outcome: domain.OutcomeNoop, Status: order.PaymentStatus}, nil
	}
	tokens, err := s.settleAccess(ctx, order)
	if err != nil {
		return nil, dependencyError(err, "grant access")
	}
	return s.finish(ctx, order, domain.OutcomeGranted, tokens), nil
}

// duplicate answers a notification already in the ledger. A SUCCESS order
// whose grant never completed is finished here.
func (s *reconcileService) duplicate(ctx context.Context, orderID string) (*domain.ReconcileResult, error) {
	result := &domain.ReconcileResult{OrderID: orderID, Outcome: domain.OutcomeDuplicate}
	order, err := s.loadOrder(ctx, orderID)
	if err == nil && order != nil {
		result.Status = order.PaymentStatus
		if grantPending(order) {
			if result.Tokens, err = s.settleAccess(ctx, order); err != nil {
				s.metrics.WebhookOutcome("error")
				return nil, dependencyError(err, "grant access")
			}
		}
	}
	s.metrics.WebhookOutcome(string(domain.OutcomeDuplicate))
	s.logg.Info(ctx, "duplicate notification ignored")
	return result, nil
}

// settleAccess issues the missing tokens of a SUCCESS order and flags the
// order granted. Only the caller that sets the flag enqueues the purchase
// notification. It runs on its own deadline so a request timeout that fires
// after the status commit cannot cut issuance short.
func (s *reconcileService) settleAccess(ctx context.Context, order *domain.Order) ([]domain.AccessToken, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grantTTL)
	defer cancel()

	tokens, err := s.access.IssueForOrder(ctx, order)
	if err != nil {
		s.logg.Error(ctx, "access token issuance incomplete", err)
		return tokens, err
	}

	at := s.now().UTC()
	err = withRetry(ctx, s.retries, func() error {
		return s.orders.MarkAccessGranted(ctx, order.ID, at)
	})
	if errors.Is(err, repo.ErrConflict) {
		// granted by a concurrent caller, which also notified
		return tokens, nil
	}
	if err != nil {
		s.logg.Error(ctx, "mark access granted", err)
		return tokens, err
	}
	order.AccessGrantedAt = &at
	if s.notifier != nil {
		s.notifier.Enqueue(ctx, notify.Purchase{Order: *order, Tokens: tokens})
	}
	return tokens, nil
}

func grantPending(order *domain.Order) bool {
	return order.PaymentStatus == domain.PaymentSuccess && order.AccessGrantedAt == nil
}

func (s *reconcileService) finish(ctx context.Context, order *domain.Order, outcome domain.Outcome, tokens []domain.AccessToken) *domain.ReconcileResult {
	s.metrics.WebhookOutcome(string(outcome))
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"outcome":        string(outcome),
		"payment_status": string(order.PaymentStatus),
		"tokens_issued":  len(tokens),
	}), "notification reconciled")
	return &domain.ReconcileResult{
		OrderID: order.ID,
		Outcome: outcome,
		Status:  order.PaymentStatus,
		Tokens:  tokens,
	}
}

func (s *reconcileService) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := withRetry(ctx, s.retries, func() error {
		var err error
		order, err = s.orders.FindById(ctx, orderID)
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "load order", err)
		return nil, dependencyError(err, "load order")
	}
	return order, nil
}

// validateNotification checks the structural fields and returns gross_amount
// in the smallest currency unit.
func validateNotification(n domain.Notification) (int64, error) {
	details := map[string]string{}
	if strings.TrimSpace(n.OrderID) == "" {
		details["order_id"] = "is required"
	}
	if strings.TrimSpace(n.TransactionStatus) == "" {
		details["transaction_status"] = "is required"
	}

	var amount int64
	if raw := strings.TrimSpace(n.GrossAmount); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			details["gross_amount"] = "must be a non-negative number"
		} else {
			amount = d.Round(0).IntPart()
		}
	}

	if len(details) > 0 {
		return 0, apperr.New(apperr.CodeValidation, "invalid notification payload").WithDetails(details)
	}
	return amount, nil
}

func optional(v string, fallback *string) *string {
	if v == "" {
		return fallback
	}
	return &v
}
