package repo

import (
	"context"
	"fmt"
)

// InsertCallback appends a raw callback delivery to the audit log.
func (r *PostgresRepository) InsertCallback(ctx context.Context, rec CallbackRecord) error {
	const q = `
INSERT INTO payment_callbacks (checkout_request_id, result_code, payload)
VALUES ($1, $2, $3);
`
	if _, err := r.pool.Exec(ctx, q, rec.CheckoutRequestID, rec.ResultCode, rec.Payload); err != nil {
		return fmt.Errorf("insert payment callback: %w", err)
	}
	return nil
}
