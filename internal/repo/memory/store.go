// Package memory holds mutex-guarded implementations of the repo interfaces.
// They honor the same conditional-write contracts as the Postgres repos and
// back unit tests and the simulation command.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/repo"
)

type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	// Fail, when set, is returned by every call. Used to simulate an outage.
	Fail error
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

var _ repo.OrderRepo = (*OrderStore)(nil)

func (s *OrderStore) FindById(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return cloneOrder(o), nil
}

func (s *OrderStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.orders[order.ID]; ok {
		return repo.ErrDuplicate
	}
	s.orders[order.ID] = *cloneOrder(*order)
	return nil
}

func (s *OrderStore) UpdateStatusIfPending(ctx context.Context, update domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	o, ok := s.orders[update.OrderID]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return repo.ErrConflict
	}
	o.PaymentStatus = update.Status
	if update.GatewayOrderID != "" {
		v := update.GatewayOrderID
		o.GatewayOrderID = &v
	}
	if update.GatewayTransactionID != "" {
		v := update.GatewayTransactionID
		o.GatewayTransactionID = &v
	}
	o.PaidAt = update.PaidAt()
	o.UpdatedAt = update.At
	s.orders[update.OrderID] = o
	return nil
}

func (s *OrderStore) FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return s.list(limit, func(o domain.Order) bool {
		return o.PaymentStatus == domain.PaymentPending && o.UpdatedAt.Before(before) &&
			(o.LastCheckedAt == nil || o.LastCheckedAt.Before(before))
	}, lastTouched)
}

func (s *OrderStore) MarkChecked(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return nil
	}
	o.LastCheckedAt = &at
	s.orders[id] = o
	return nil
}

func (s *OrderStore) MarkAccessGranted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentSuccess || o.AccessGrantedAt != nil {
		return repo.ErrConflict
	}
	o.AccessGrantedAt = &at
	s.orders[id] = o
	return nil
}

func (s *OrderStore) FindUngrantedOrders(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Order, error) {
	return s.list(limit, func(o domain.Order) bool {
		return o.PaymentStatus == domain.PaymentSuccess && o.AccessGrantedAt == nil &&
			o.PaidAt != nil && o.PaidAt.Before(paidBefore)
	}, func(o domain.Order) time.Time { return *o.PaidAt })
}

// list returns matching orders without items, ascending by sortKey then ID.
func (s *OrderStore) list(limit int, keep func(domain.Order) bool, sortKey func(domain.Order) time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []domain.Order
	for _, o := range s.orders {
		if keep(o) {
			c := cloneOrder(o)
			c.Items = nil
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := sortKey(out[i]), sortKey(out[j])
		if ki.Equal(kj) {
			return out[i].ID < out[j].ID
		}
		return ki.Before(kj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastTouched(o domain.Order) time.Time {
	if o.LastCheckedAt != nil {
		return *o.LastCheckedAt
	}
	return o.UpdatedAt
}

func cloneOrder(o domain.Order) *domain.Order {
	c := o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.GatewayOrderID != nil {
		v := *o.GatewayOrderID
		c.GatewayOrderID = &v
	}
	if o.GatewayTransactionID != nil {
		v := *o.GatewayTransactionID
		c.GatewayTransactionID = &v
	}
	c.PaidAt = cloneTime(o.PaidAt)
	c.AccessGrantedAt = cloneTime(o.AccessGrantedAt)
	c.LastCheckedAt = cloneTime(o.LastCheckedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Ledger struct {
	mu      sync.Mutex
	seq     int64
	keys    map[domain.IdempotencyKey]struct{}
	records []domain.PaymentRecord
	Fail    error
}

func NewLedger() *Ledger {
	return &Ledger{keys: make(map[domain.IdempotencyKey]struct{})}
}

var _ repo.PaymentRepo = (*Ledger)(nil)

func (l *Ledger) Append(ctx context.Context, rec *domain.PaymentRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return false, l.Fail
	}
	key := rec.Key()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.seq++
	rec.ID = l.seq
	rec.RawStatus = key.RawStatus
	l.keys[key] = struct{}{}
	l.records = append(l.records, *rec)
	return true, nil
}

func (l *Ledger) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	var out []domain.PaymentRecord
	for _, r := range l.records {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len is the number of stored records across all orders.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*domain.AccessToken
	Fail   error
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*domain.AccessToken)}
}

var _ repo.TokenRepo = (*TokenStore)(nil)

func (s *TokenStore) Create(ctx context.Context, token *domain.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.tokens[token.ID]; ok {
		return repo.ErrDuplicate
	}
	if token.ItemPosition != nil {
		for _, t := range s.tokens {
			if t.OrderID == token.OrderID && t.ItemPosition != nil && *t.ItemPosition == *token.ItemPosition {
				return repo.ErrAlreadyGranted
			}
		}
	}
	s.tokens[token.ID] = cloneToken(token)
	return nil
}

func cloneToken(t *domain.AccessToken) *domain.AccessToken {
	c := *t
	if t.ItemPosition != nil {
		v := *t.ItemPosition
		c.ItemPosition = &v
	}
	c.RevokedAt = cloneTime(t.RevokedAt)
	return &c
}

func (s *TokenStore) FindById(ctx context.Context, id string) (*domain.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	return cloneToken(t), nil
}

func (s *TokenStore) IncrementAccess(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	t, ok := s.tokens[id]
	if !ok || !t.IsActive {
		return 0, repo.ErrConflict
	}
	t.AccessCount++
	return t.AccessCount, nil
}

func (s *TokenStore) Deactivate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	t, ok := s.tokens[id]
	if !ok || !t.IsActive {
		return false, nil
	}
	t.IsActive = false
	return true, nil
}

func (s *TokenStore) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	t, ok := s.tokens[id]
	if !ok || !t.IsActive {
		return false, nil
	}
	t.IsActive = false
	t.RevokedAt = &at
	return true, nil
}

// ListByOrder returns positioned tokens in item order, then the rest by creation.
func (s *TokenStore) ListByOrder(ctx context.Context, orderID string) ([]domain.AccessToken, error) {
	out, err := s.filter(func(t *domain.AccessToken) bool { return t.OrderID == orderID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].ItemPosition, out[j].ItemPosition
		if pi == nil || pj == nil {
			return pi != nil && pj == nil
		}
		return *pi < *pj
	})
	return out, nil
}

func (s *TokenStore) ListActiveByCustomer(ctx context.Context, customer string, now time.Time) ([]domain.AccessToken, error) {
	return s.filter(func(t *domain.AccessToken) bool {
		return strings.EqualFold(t.CustomerIdentity, customer) && t.IsActive && !t.ExpiredAt(now)
	})
}

func (s *TokenStore) filter(keep func(*domain.AccessToken) bool) ([]domain.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []domain.AccessToken
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, *cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
