package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, user_id, booking_id, amount, phone, status, merchant_request_id, checkout_request_id,
       mpesa_receipt, result_code, result_desc, raw_response, transaction_date, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var raw []byte
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.BookingID,
		&p.Amount,
		&p.Phone,
		&p.Status,
		&p.MerchantRequestID,
		&p.CheckoutRequestID,
		&p.MpesaReceipt,
		&p.ResultCode,
		&p.ResultDesc,
		&raw,
		&p.TransactionDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		p.RawResponse = json.RawMessage(raw)
	}
	return &p, nil
}

// InsertPayment stores a new pending payment attempt.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	const q = `
INSERT INTO payments (user_id, booking_id, amount, phone, status)
VALUES ($1, $2, $3, $4, 'pending')
RETURNING ` + paymentColumns + `;
`
	inserted, err := scanPayment(r.pool.QueryRow(ctx, q, p.UserID, p.BookingID, p.Amount, p.Phone))
	if err != nil {
		return nil, pgErr("insert payment", err)
	}
	return inserted, nil
}

// GetPayment retrieves a payment by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 LIMIT 1;`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, pgErr("get payment", err)
	}
	return p, nil
}

// GetPaymentByCheckoutID retrieves the payment correlated with a gateway checkout request.
func (r *PostgresRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_request_id = $1 LIMIT 1;`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, checkoutRequestID))
	if err != nil {
		return nil, pgErr("get payment by checkout id", err)
	}
	return p, nil
}

// ListPaymentsByUser returns the user's payments, newest first.
func (r *PostgresRepository) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + paymentColumns + `
FROM payments
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, pgErr("list payments", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// AttachGatewayCorrelation records the identifiers returned by an accepted push request.
// It only applies while the payment is pending and not yet correlated.
func (r *PostgresRepository) AttachGatewayCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string, raw json.RawMessage) error {
	const q = `
UPDATE payments
SET merchant_request_id = $2,
    checkout_request_id = $3,
    raw_response = COALESCE($4::jsonb, raw_response),
    updated_at = NOW()
WHERE id = $1 AND status = 'pending' AND checkout_request_id IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, id, merchantRequestID, checkoutRequestID, rawParam(raw))
	if err != nil {
		return pgErr("attach gateway correlation", err)
	}
	if ct.RowsAffected() == 0 {
		return r.explainMiss(ctx, id, "attach gateway correlation")
	}
	return nil
}

// MarkPaymentFailed fails a payment that never reached the gateway or was refused synchronously.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, id, resultDesc string, raw json.RawMessage) error {
	const q = `
UPDATE payments
SET status = 'failed',
    result_desc = $2,
    raw_response = COALESCE($3::jsonb, raw_response),
    updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	ct, err := r.pool.Exec(ctx, q, id, resultDesc, rawParam(raw))
	if err != nil {
		return pgErr("mark payment failed", err)
	}
	if ct.RowsAffected() == 0 {
		return r.explainMiss(ctx, id, "mark payment failed")
	}
	return nil
}

// ApplyTerminalUpdate writes a gateway result onto the payment keyed by checkout request id.
// A pending row transitions (reported by the bool); a row already holding the same terminal
// status is rewritten with identical values; any other terminal status is refused.
func (r *PostgresRepository) ApplyTerminalUpdate(ctx context.Context, upd TerminalUpdate) (*Payment, bool, error) {
	if upd.Status != PaymentCompleted && upd.Status != PaymentFailed {
		return nil, false, fmt.Errorf("apply terminal update: %q is not terminal", upd.Status)
	}

	var (
		updated      *Payment
		transitioned bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE checkout_request_id = $1 FOR UPDATE;`, upd.CheckoutRequestID).Scan(&current)
		if err != nil {
			return pgErr("lock payment", err)
		}
		switch current {
		case PaymentPending:
			transitioned = true
		case upd.Status:
		default:
			return fmt.Errorf("payment %s is %s, refusing %s: %w", upd.CheckoutRequestID, current, upd.Status, ErrStatusConflict)
		}

		const q = `
UPDATE payments
SET status = $2,
    result_code = $3,
    result_desc = $4,
    mpesa_receipt = COALESCE($5, mpesa_receipt),
    transaction_date = COALESCE($6, transaction_date),
    phone = COALESCE($7, phone),
    raw_response = COALESCE($8::jsonb, raw_response),
    updated_at = NOW()
WHERE checkout_request_id = $1
RETURNING ` + paymentColumns + `;
`
		p, err := scanPayment(tx.QueryRow(ctx, q,
			upd.CheckoutRequestID,
			upd.Status,
			upd.ResultCode,
			upd.ResultDesc,
			upd.MpesaReceipt,
			upd.TransactionDate,
			upd.Phone,
			rawParam(upd.RawResponse),
		))
		if err != nil {
			return pgErr("apply terminal update", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, transitioned, nil
}

// explainMiss turns a zero-row conditional update into ErrNotFound or ErrStatusConflict.
func (r *PostgresRepository) explainMiss(ctx context.Context, id, op string) error {
	var status string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1;`, id).Scan(&status); err != nil {
		return pgErr(op, err)
	}
	return fmt.Errorf("%s: payment %s is %s: %w", op, id, status, ErrStatusConflict)
}
