package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"the-digital-vault/internal/database"
	"the-digital-vault/internal/domain"
)

type OrderRepo interface {
	FindById(ctx context.Context, id string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order *domain.Order) error
	// UpdateStatusIfPending writes the update only while the order is still PENDING.
	// It returns ErrConflict when the precondition no longer holds.
	UpdateStatusIfPending(ctx context.Context, update domain.StatusUpdate) error
	FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	// MarkChecked records that the gateway was asked about a PENDING order at at.
	MarkChecked(ctx context.Context, id string, at time.Time) error
	// MarkAccessGranted flags a SUCCESS order whose tokens are all issued.
	// It returns ErrConflict when another caller flagged it first.
	MarkAccessGranted(ctx context.Context, id string, at time.Time) error
	FindUngrantedOrders(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `order_id, customer_email, customer_name, customer_phone,
	subtotal, discount, total, payment_status, gateway_order_id,
	gateway_transaction_id, created_at, updated_at, paid_at,
	access_granted_at, last_checked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, order *domain.Order) error {
	return row.Scan(
		&order.ID,
		&order.CustomerEmail,
		&order.CustomerName,
		&order.CustomerPhone,
		&order.Subtotal,
		&order.Discount,
		&order.Total,
		&order.PaymentStatus,
		&order.GatewayOrderID,
		&order.GatewayTransactionID,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.PaidAt,
		&order.AccessGrantedAt,
		&order.LastCheckedAt,
	)
}

func (r *orderRepo) FindById(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := scanOrder(r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1", id), &order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, product_type, title, quantity, unit_price, asset_reference
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ProductID, &it.ProductType, &it.Title, &it.Quantity, &it.UnitPrice, &it.AssetReference); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, customer_email, customer_name, customer_phone,
				subtotal, discount, total, payment_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			order.ID, order.CustomerEmail, order.CustomerName, order.CustomerPhone,
			order.Subtotal, order.Discount, order.Total, order.PaymentStatus,
			order.CreatedAt, order.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}

		for i, it := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_id, product_type, title,
					quantity, unit_price, asset_reference)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				order.ID, i, it.ProductID, it.ProductType, it.Title, it.Quantity, it.UnitPrice, it.AssetReference,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *orderRepo) UpdateStatusIfPending(ctx context.Context, update domain.StatusUpdate) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2,
		    gateway_order_id = COALESCE(NULLIF($3, ''), gateway_order_id),
		    gateway_transaction_id = COALESCE(NULLIF($4, ''), gateway_transaction_id),
		    paid_at = $5,
		    updated_at = $6
		WHERE order_id = $1 AND payment_status = 'PENDING'`,
		update.OrderID,
		update.Status,
		update.GatewayOrderID,
		update.GatewayTransactionID,
		update.PaidAt(),
		update.At,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// FindStuckOrders lists PENDING orders untouched since before whose last
// gateway check is also older than before, least recently checked first.
// Items are not loaded.
func (r *orderRepo) FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status = 'PENDING' AND updated_at < $1
		  AND (last_checked_at IS NULL OR last_checked_at < $1)
		ORDER BY COALESCE(last_checked_at, updated_at), order_id
		LIMIT $2`,
		before, limit,
	)
}

func (r *orderRepo) MarkChecked(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET last_checked_at = $2
		WHERE order_id = $1 AND payment_status = 'PENDING'`, id, at)
	return err
}

func (r *orderRepo) MarkAccessGranted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET access_granted_at = $2
		WHERE order_id = $1 AND payment_status = 'SUCCESS' AND access_granted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// FindUngrantedOrders lists SUCCESS orders paid before paidBefore that still
// wait for their tokens or their purchase notification. Items are not loaded.
func (r *orderRepo) FindUngrantedOrders(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status = 'SUCCESS' AND access_granted_at IS NULL AND paid_at < $1
		ORDER BY paid_at, order_id
		LIMIT $2`,
		paidBefore, limit,
	)
}

func (r *orderRepo) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var order domain.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
