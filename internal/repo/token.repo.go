package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"the-digital-vault/internal/domain"
)

type TokenRepo interface {
	// Create stores a new token. It returns ErrDuplicate on an ID collision and
	// ErrAlreadyGranted when the token's order item already holds one.
	Create(ctx context.Context, token *domain.AccessToken) error
	FindById(ctx context.Context, id string) (*domain.AccessToken, error)
	// IncrementAccess atomically bumps the counter of an active token and
	// returns the new value. It returns ErrConflict when the token is inactive or absent.
	IncrementAccess(ctx context.Context, id string) (int64, error)
	// Deactivate flips isActive to false. changed is false when it already was.
	Deactivate(ctx context.Context, id string) (changed bool, err error)
	// Revoke deactivates the token and stamps revokedAt. changed is false when
	// the token was already inactive.
	Revoke(ctx context.Context, id string, at time.Time) (changed bool, err error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.AccessToken, error)
	ListActiveByCustomer(ctx context.Context, customer string, now time.Time) ([]domain.AccessToken, error)
}

type tokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) TokenRepo {
	return &tokenRepo{db: db}
}

const tokenColumns = `token_id, order_id, product_id, customer_identity, resource_ref,
	created_at, expires_at, is_active, access_count, item_position, revoked_at`

func scanToken(row rowScanner, t *domain.AccessToken) error {
	return row.Scan(
		&t.ID,
		&t.OrderID,
		&t.ProductID,
		&t.CustomerIdentity,
		&t.ResourceRef,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.IsActive,
		&t.AccessCount,
		&t.ItemPosition,
		&t.RevokedAt,
	)
}

func (r *tokenRepo) Create(ctx context.Context, token *domain.AccessToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.OrderID, token.ProductID, token.CustomerIdentity, token.ResourceRef,
		token.CreatedAt, token.ExpiresAt, token.IsActive, token.AccessCount,
		token.ItemPosition, token.RevokedAt,
	)
	switch violatedConstraint(err) {
	case "":
		return err
	case "ux_access_tokens_order_item":
		return ErrAlreadyGranted
	default:
		return ErrDuplicate
	}
}

func (r *tokenRepo) FindById(ctx context.Context, id string) (*domain.AccessToken, error) {
	var t domain.AccessToken
	err := scanToken(r.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM access_tokens WHERE token_id = $1", id), &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepo) IncrementAccess(ctx context.Context, id string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE access_tokens
		SET access_count = access_count + 1
		WHERE token_id = $1 AND is_active
		RETURNING access_count`, id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *tokenRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE access_tokens SET is_active = FALSE WHERE token_id = $1 AND is_active", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *tokenRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_tokens SET is_active = FALSE, revoked_at = $2
		WHERE token_id = $1 AND is_active`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *tokenRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.AccessToken, error) {
	return r.list(ctx, "SELECT "+tokenColumns+" FROM access_tokens WHERE order_id = $1 ORDER BY item_position NULLS LAST, created_at, token_id", orderID)
}

func (r *tokenRepo) ListActiveByCustomer(ctx context.Context, customer string, now time.Time) ([]domain.AccessToken, error) {
	return r.list(ctx, `
		SELECT `+tokenColumns+`
		FROM access_tokens
		WHERE lower(customer_identity) = lower($1) AND is_active AND expires_at >= $2
		ORDER BY expires_at`, customer, now)
}

func (r *tokenRepo) list(ctx context.Context, query string, args ...any) ([]domain.AccessToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.AccessToken
	for rows.Next() {
		var t domain.AccessToken
		if err := scanToken(rows, &t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
