package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/repo"
)

var errTokenCollision = errors.New("access token id collision")

type IssueRequest struct {
	OrderID          string
	ProductID        string
	CustomerIdentity string
	ResourceRef      string
	Validity         time.Duration
	// ItemPosition ties the token to one order item. At most one token exists per position.
	ItemPosition     *int
}

// Resolution is a granted access: the caller should be redirected to Target.
type Resolution struct {
	Token  domain.AccessToken
	Target string
}

// TokenStatus is a read-only view of a token's access window.
type TokenStatus struct {
	Token            domain.AccessToken `json:"token"`
	Valid            bool               `json:"valid"`
	RemainingHours   int                `json:"remainingHours"`
	RemainingMinutes int                `json:"remainingMinutes"`
	ExpiresAt        time.Time          `json:"expiresAt"`
}

type AccessService interface {
	IssueToken(ctx context.Context, req IssueRequest) (*domain.AccessToken, error)
	// IssueForOrder issues one token per time-limited item of a settled order
	// and returns the order's item tokens. Items that already hold a token are
	// skipped, so a call after a partial failure completes the grant.
	IssueForOrder(ctx context.Context, order *domain.Order) ([]domain.AccessToken, error)
	Resolve(ctx context.Context, tokenID string) (*Resolution, error)
	Status(ctx context.Context, tokenID string) (*TokenStatus, error)
	Revoke(ctx context.Context, tokenID string) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.AccessToken, error)
	ListActiveByCustomer(ctx context.Context, customer string) ([]domain.AccessToken, error)
}

type AccessParams struct {
	Tokens   repo.TokenRepo
	Logger   *logger.Logger
	Metrics  *metrics.Vault
	Validity time.Duration
	Retries  uint64
	Now      func() time.Time
}

type accessService struct {
	tokens   repo.TokenRepo
	logg     *logger.Logger
	metrics  *metrics.Vault
	validity time.Duration
	retries  uint64
	now      func() time.Time
}

func NewAccessService(params AccessParams) AccessService {
	validity := params.Validity
	if validity <= 0 {
		validity = domain.DefaultTokenValidity
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &accessService{
		tokens:   params.Tokens,
		logg:     logg,
		metrics:  params.Metrics,
		validity: validity,
		retries:  params.Retries,
		now:      now,
	}
}

func (s *accessService) IssueToken(ctx context.Context, req IssueRequest) (*domain.AccessToken, error) {
	validity := req.Validity
	if validity <= 0 {
		validity = s.validity
	}

	var token *domain.AccessToken
	err := withRetry(ctx, s.retries, func() error {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		token = &domain.AccessToken{
			ID:               id.String(),
			OrderID:          req.OrderID,
			ProductID:        req.ProductID,
			CustomerIdentity: strings.ToLower(strings.TrimSpace(req.CustomerIdentity)),
			ResourceRef:      req.ResourceRef,
			CreatedAt:        now,
			ExpiresAt:        now.Add(validity),
			IsActive:         true,
			ItemPosition:     req.ItemPosition,
		}
		err = s.tokens.Create(ctx, token)
		if errors.Is(err, repo.ErrDuplicate) {
			// a fresh id is drawn on the next attempt
			return errTokenCollision
		}
		return err
	})
	if errors.Is(err, repo.ErrAlreadyGranted) {
		return nil, err
	}
	if err != nil {
		return nil, dependencyError(err, "issue access token")
	}
	s.metrics.TokensIssued(1)
	return token, nil
}

func (s *accessService) IssueForOrder(ctx context.Context, order *domain.Order) ([]domain.AccessToken, error) {
	existing, err := s.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	granted := itemTokens(existing)

	var (
		errs  []error
		raced bool
	)
	for i, it := range order.Items {
		if it.ProductType != domain.TimeLimitedAsset {
			continue
		}
		if _, ok := granted[i]; ok {
			continue
		}
		position := i
		tok, err := s.IssueToken(ctx, IssueRequest{
			OrderID:          order.ID,
			ProductID:        it.ProductID,
			CustomerIdentity: order.CustomerEmail,
			ResourceRef:      it.AssetReference,
			Validity:         s.validity,
			ItemPosition:     &position,
		})
		switch {
		case errors.Is(err, repo.ErrAlreadyGranted):
			raced = true
		case err != nil:
			errs = append(errs, fmt.Errorf("product %s: %w", it.ProductID, err))
		default:
			granted[i] = *tok
		}
	}
	if raced {
		// a concurrent settlement issued some of the items
		existing, err := s.ListByOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		for pos, tok := range itemTokens(existing) {
			granted[pos] = tok
		}
	}

	var out []domain.AccessToken
	for i := range order.Items {
		if tok, ok := granted[i]; ok {
			out = append(out, tok)
		}
	}
	return out, errors.Join(errs...)
}

func itemTokens(tokens []domain.AccessToken) map[int]domain.AccessToken {
	out := make(map[int]domain.AccessToken, len(tokens))
	for _, t := range tokens {
		if t.ItemPosition != nil {
			out[*t.ItemPosition] = t
		}
	}
	return out
}

func (s *accessService) Resolve(ctx context.Context, tokenID string) (*Resolution, error) {
	ctx = s.logg.WithTokenID(ctx, tokenID)

	tok, err := s.find(ctx, tokenID)
	if err != nil {
		s.metrics.AccessResult(resultLabel(err))
		return nil, err
	}

	if tok.RevokedEarly() {
		s.metrics.AccessResult("forbidden")
		return nil, apperr.New(apperr.CodeForbidden, "access token has been revoked")
	}
	now := s.now()
	if tok.ExpiredAt(now) {
		if tok.IsActive {
			if _, err := s.tokens.Deactivate(ctx, tok.ID); err != nil {
				// expiry is re-detected on the next access
				s.logg.Error(ctx, "deactivate expired token", err)
			}
		}
		s.metrics.AccessResult("expired")
		return nil, apperr.New(apperr.CodeExpired, "access token has expired")
	}
	if !tok.IsActive {
		s.metrics.AccessResult("forbidden")
		return nil, apperr.New(apperr.CodeForbidden, "access token is no longer active")
	}

	var count int64
	err = withRetry(ctx, s.retries, func() error {
		var incErr error
		count, incErr = s.tokens.IncrementAccess(ctx, tok.ID)
		return incErr
	})
	if errors.Is(err, repo.ErrConflict) {
		// deactivated between the read and the increment
		s.metrics.AccessResult("forbidden")
		return nil, apperr.New(apperr.CodeForbidden, "access token is no longer active")
	}
	if err != nil {
		s.metrics.AccessResult("error")
		return nil, dependencyError(err, "record token access")
	}

	tok.AccessCount = count
	s.metrics.AccessResult("granted")
	s.logg.Info(s.logg.WithField(ctx, "access_count", count), "access granted")
	return &Resolution{Token: *tok, Target: tok.ResourceRef}, nil
}

func (s *accessService) Status(ctx context.Context, tokenID string) (*TokenStatus, error) {
	tok, err := s.find(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok.RevokedEarly() {
		return nil, apperr.New(apperr.CodeForbidden, "access token has been revoked")
	}
	now := s.now()
	if tok.ExpiredAt(now) {
		return nil, apperr.New(apperr.CodeExpired, "access token has expired").
			WithDetails(map[string]any{"expiresAt": tok.ExpiresAt})
	}
	if !tok.IsActive {
		return nil, apperr.New(apperr.CodeForbidden, "access token is no longer active")
	}

	remaining := tok.Remaining(now)
	return &TokenStatus{
		Token:            *tok,
		Valid:            true,
		RemainingHours:   int(remaining / time.Hour),
		RemainingMinutes: int((remaining % time.Hour) / time.Minute),
		ExpiresAt:        tok.ExpiresAt,
	}, nil
}

// Revoke deactivates the token and records when. A revocation inside the
// access window keeps answering Forbidden after the window closes. Revoking an
// inactive token succeeds with changed=false.
func (s *accessService) Revoke(ctx context.Context, tokenID string) (bool, error) {
	ctx = s.logg.WithTokenID(ctx, tokenID)
	if _, err := s.find(ctx, tokenID); err != nil {
		return false, err
	}

	var changed bool
	err := withRetry(ctx, s.retries, func() error {
		var err error
		changed, err = s.tokens.Revoke(ctx, tokenID, s.now().UTC())
		return err
	})
	if err != nil {
		return false, dependencyError(err, "revoke access token")
	}
	if changed {
		s.logg.Info(ctx, "access token revoked")
	}
	return changed, nil
}

func (s *accessService) ListByOrder(ctx context.Context, orderID string) ([]domain.AccessToken, error) {
	var tokens []domain.AccessToken
	err := withRetry(ctx, s.retries, func() error {
		var err error
		tokens, err = s.tokens.ListByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, dependencyError(err, "list order tokens")
	}
	return tokens, nil
}

func (s *accessService) ListActiveByCustomer(ctx context.Context, customer string) ([]domain.AccessToken, error) {
	customer = strings.ToLower(strings.TrimSpace(customer))
	if customer == "" {
		return nil, apperr.New(apperr.CodeValidation, "customer identity is required")
	}
	var tokens []domain.AccessToken
	err := withRetry(ctx, s.retries, func() error {
		var err error
		tokens, err = s.tokens.ListActiveByCustomer(ctx, customer, s.now())
		return err
	})
	if err != nil {
		return nil, dependencyError(err, "list customer tokens")
	}
	return tokens, nil
}

func (s *accessService) find(ctx context.Context, tokenID string) (*domain.AccessToken, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, apperr.New(apperr.CodeNotFound, "access token not found")
	}
	var tok *domain.AccessToken
	err := withRetry(ctx, s.retries, func() error {
		var err error
		tok, err = s.tokens.FindById(ctx, tokenID)
		return err
	})
	if err != nil {
		return nil, dependencyError(err, "load access token")
	}
	if tok == nil {
		return nil, apperr.New(apperr.CodeNotFound, "access token not found")
	}
	return tok, nil
}

func resultLabel(err error) string {
	if ae := apperr.As(err); ae != nil && ae.Code() == apperr.CodeNotFound {
		return "not_found"
	}
	return "error"
}
