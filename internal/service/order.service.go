package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/repo"
)

type CreateOrderItem struct {
	ProductID      string             `json:"productId" validate:"required,max=128"`
	ProductType    domain.ProductType `json:"productType" validate:"required,oneof=permanent_asset time_limited_asset"`
	Title          string             `json:"title" validate:"required,max=256"`
	Quantity       int                `json:"quantity" validate:"required,min=1"`
	UnitPrice      int64              `json:"unitPrice" validate:"gte=0"`
	AssetReference string             `json:"assetReference" validate:"required,url"`
}

// CreateOrderInput is an order priced and resolved against the catalog by the caller.
type CreateOrderInput struct {
	OrderID       string            `json:"orderId" validate:"omitempty,max=64"`
	CustomerEmail string            `json:"customerEmail" validate:"required,email"`
	CustomerName  string            `json:"customerName" validate:"required,max=256"`
	CustomerPhone string            `json:"customerPhone" validate:"omitempty,max=32"`
	Discount      int64             `json:"discount" validate:"gte=0"`
	Items         []CreateOrderItem `json:"items" validate:"required,min=1,dive"`
}

// normalized trims caller input and lowercases the email so validation sees
// the values that will be stored.
func (in CreateOrderInput) normalized() CreateOrderInput {
	out := in
	out.OrderID = strings.TrimSpace(in.OrderID)
	out.CustomerEmail = strings.ToLower(strings.TrimSpace(in.CustomerEmail))
	out.CustomerName = strings.TrimSpace(in.CustomerName)
	out.CustomerPhone = strings.TrimSpace(in.CustomerPhone)
	if in.Items != nil {
		out.Items = make([]CreateOrderItem, len(in.Items))
		for i, it := range in.Items {
			it.ProductID = strings.TrimSpace(it.ProductID)
			it.Title = strings.TrimSpace(it.Title)
			it.AssetReference = strings.TrimSpace(it.AssetReference)
			out.Items[i] = it
		}
	}
	return out
}

type OrderService interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListPayments(ctx context.Context, orderID string) ([]domain.PaymentRecord, error)
}

type OrderParams struct {
	Orders  repo.OrderRepo
	Ledger  repo.PaymentRepo
	Logger  *logger.Logger
	Retries uint64
	Now     func() time.Time
}

type orderService struct {
	orderRepo   repo.OrderRepo
	paymentRepo repo.PaymentRepo
	logg        *logger.Logger
	retries     uint64
	now         func() time.Time
}

func NewOrderService(params OrderParams) OrderService {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &orderService{
		orderRepo:   params.Orders,
		paymentRepo: params.Ledger,
		logg:        logg,
		retries:     params.Retries,
		now:         now,
	}
}

// NewOrderID returns an identifier of the form ORDER-<10 upper-case hex digits>.
func NewOrderID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORDER-" + strings.ToUpper(hex[:10])
}

func (s *orderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	in = in.normalized()
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:            in.OrderID,
		CustomerEmail: in.CustomerEmail,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		Discount:      in.Discount,
		PaymentStatus: domain.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if order.ID == "" {
		order.ID = NewOrderID()
	}
	for _, it := range in.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:      it.ProductID,
			ProductType:    it.ProductType,
			Title:          it.Title,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			AssetReference: it.AssetReference,
		})
		order.Subtotal += int64(it.Quantity) * it.UnitPrice
	}
	if order.Discount > order.Subtotal {
		return nil, apperr.New(apperr.CodeValidation, "validation failed").
			WithDetails(map[string]string{"discount": "must not exceed the subtotal"})
	}
	order.Total = order.Subtotal - order.Discount

	err := withRetry(ctx, s.retries, func() error {
		return s.orderRepo.CreateOrder(ctx, order)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, apperr.New(apperr.CodeConflict, "order already exists")
	}
	if err != nil {
		return nil, dependencyError(err, "create order")
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID), map[string]any{
		"total": order.Total,
		"items": len(order.Items),
	}), "order registered")
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := withRetry(ctx, s.retries, func() error {
		var err error
		order, err = s.orderRepo.FindById(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, dependencyError(err, "load order")
	}
	if order == nil {
		return nil, apperr.New(apperr.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *orderService) ListPayments(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	var records []domain.PaymentRecord
	err := withRetry(ctx, s.retries, func() error {
		var err error
		records, err = s.paymentRepo.ListByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, dependencyError(err, "list payment records")
	}
	return records, nil
}
