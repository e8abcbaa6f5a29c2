package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"the-digital-vault/internal/domain"
)

// PaymentRepo is the append-only payment ledger.
type PaymentRepo interface {
	// Append stores rec unless its idempotency key is already present.
	// inserted is false for a duplicate.
	Append(ctx context.Context, rec *domain.PaymentRecord) (inserted bool, err error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Append(ctx context.Context, rec *domain.PaymentRecord) (bool, error) {
	query := `
		INSERT INTO payment_records (order_id, gateway_transaction_id, raw_status, status_code,
			fraud_status, amount, source, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT ux_payment_records_idempotency DO NOTHING
		RETURNING id`

	key := rec.Key()
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	err := r.db.QueryRowContext(ctx, query,
		key.OrderID, key.GatewayTransactionID, key.RawStatus, rec.StatusCode,
		rec.FraudStatus, rec.Amount, rec.Source, payload, rec.ReceivedAt,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // duplicate
	}
	if err != nil {
		return false, err
	}
	rec.RawStatus = strings.ToLower(rec.RawStatus)
	return true, nil
}

func (r *paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	query := `
		SELECT id, order_id, gateway_transaction_id, raw_status, status_code, fraud_status,
			amount, source, payload, received_at
		FROM payment_records
		WHERE order_id = $1
		ORDER BY received_at, id`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PaymentRecord
	for rows.Next() {
		var (
			p       domain.PaymentRecord
			payload []byte
		)
		err := rows.Scan(
			&p.ID,
			&p.OrderID,
			&p.GatewayTransactionID,
			&p.RawStatus,
			&p.StatusCode,
			&p.FraudStatus,
			&p.Amount,
			&p.Source,
			&payload,
			&p.ReceivedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			p.Payload = payload
		}
		records = append(records, p)
	}
	return records, rows.Err()
}
