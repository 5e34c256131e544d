package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// -- Therapists --

func (r *SQLiteRepository) UpsertTherapist(ctx context.Context, t Therapist) (*Therapist, error) {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := nowUTC()
	const q = `
INSERT INTO therapists (id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    user_id = COALESCE(excluded.user_id, therapists.user_id),
    full_name = excluded.full_name,
    phone = COALESCE(excluded.phone, therapists.phone),
    hourly_rate = excluded.hourly_rate,
    is_verified = excluded.is_verified,
    updated_at = excluded.updated_at;
`
	if _, err := r.db.ExecContext(ctx, q, id, t.UserID, t.FullName, t.Phone, t.HourlyRate, t.Verified, now, now); err != nil {
		return nil, sqlErr("upsert therapist", err)
	}
	return r.GetTherapist(ctx, id)
}

func (r *SQLiteRepository) GetTherapist(ctx context.Context, id string) (*Therapist, error) {
	const q = `
SELECT id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at
FROM therapists
WHERE id = ?
LIMIT 1;
`
	var t Therapist
	err := r.db.QueryRowContext(ctx, q, id).
		Scan(&t.ID, &t.UserID, &t.FullName, &t.Phone, &t.HourlyRate, &t.Verified, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, sqlErr("get therapist", err)
	}
	return &t, nil
}

func (r *SQLiteRepository) GetTherapistByUserID(ctx context.Context, userID string) (*Therapist, error) {
	const q = `
SELECT id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at
FROM therapists
WHERE user_id = ?
LIMIT 1;
`
	var t Therapist
	err := r.db.QueryRowContext(ctx, q, userID).
		Scan(&t.ID, &t.UserID, &t.FullName, &t.Phone, &t.HourlyRate, &t.Verified, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, sqlErr("get therapist by user", err)
	}
	return &t, nil
}

// -- Appointments --

const sqliteAppointmentSelect = `
SELECT a.id, a.patient_id, a.therapist_id, t.user_id, a.scheduled_at, a.duration, a.status, a.session_type,
       a.notes, a.amount, a.created_at, a.updated_at
FROM appointments a
LEFT JOIN therapists t ON t.id = a.therapist_id
`

func scanSQLiteAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.TherapistID,
		&a.TherapistUserID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.SessionType,
		&a.Notes,
		&a.Amount,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *SQLiteRepository) InsertAppointment(ctx context.Context, appt Appointment) (*Appointment, error) {
	id := uuid.NewString()
	now := nowUTC()
	const q = `
INSERT INTO appointments (id, patient_id, therapist_id, scheduled_at, duration, status, session_type, notes, amount, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		id,
		appt.PatientID,
		appt.TherapistID,
		appt.ScheduledAt.UTC(),
		appt.DurationMinutes,
		appt.SessionType,
		appt.Notes,
		appt.Amount,
		now,
		now,
	)
	if err != nil {
		return nil, sqlErr("insert appointment", err)
	}
	return r.GetAppointment(ctx, id)
}

func (r *SQLiteRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	a, err := scanSQLiteAppointment(r.db.QueryRowContext(ctx, sqliteAppointmentSelect+`WHERE a.id = ? LIMIT 1;`, id))
	if err != nil {
		return nil, sqlErr("get appointment", err)
	}
	return a, nil
}

func (r *SQLiteRepository) TransitionAppointment(ctx context.Context, id string, from []string, to string, notes *string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition appointment: no source statuses")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	q := `
UPDATE appointments
SET status = ?, notes = COALESCE(?, notes), updated_at = ?
WHERE id = ? AND status IN (` + placeholders + `);
`
	args := []any{to, notes, nowUTC(), id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return sqlErr("transition appointment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		status, err := r.appointmentStatus(ctx, id)
		if err != nil {
			return sqlErr("transition appointment", err)
		}
		return fmt.Errorf("appointment %s is %s, cannot become %s: %w", id, status, to, ErrStatusConflict)
	}
	return nil
}

func (r *SQLiteRepository) ConfirmAppointment(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE appointments SET status = 'confirmed', updated_at = ? WHERE id = ? AND status = 'pending';`, nowUTC(), id)
	if err != nil {
		return false, sqlErr("confirm appointment", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	status, err := r.appointmentStatus(ctx, id)
	if err != nil {
		return false, sqlErr("confirm appointment", err)
	}
	if status == AppointmentPending || status == AppointmentConfirmed {
		return false, nil
	}
	return false, fmt.Errorf("appointment %s is %s: %w", id, status, ErrStatusConflict)
}

func (r *SQLiteRepository) appointmentStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM appointments WHERE id = ?;`, id).Scan(&status)
	return status, err
}

// -- Payments --

const sqlitePaymentColumns = `id, user_id, booking_id, amount, phone, status, merchant_request_id, checkout_request_id,
       mpesa_receipt, result_code, result_desc, raw_response, transaction_date, created_at, updated_at`

func scanSQLitePayment(row rowScanner) (*Payment, error) {
	var p Payment
	var raw sql.NullString
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
	if raw.Valid && raw.String != "" {
		p.RawResponse = json.RawMessage(raw.String)
	}
	return &p, nil
}

func (r *SQLiteRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	id := uuid.NewString()
	now := nowUTC()
	const q = `
INSERT INTO payments (id, user_id, booking_id, amount, phone, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, id, p.UserID, p.BookingID, p.Amount, p.Phone, now, now); err != nil {
		return nil, sqlErr("insert payment", err)
	}
	return r.GetPayment(ctx, id)
}

func (r *SQLiteRepository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, err := scanSQLitePayment(r.db.QueryRowContext(ctx, `SELECT `+sqlitePaymentColumns+` FROM payments WHERE id = ? LIMIT 1;`, id))
	if err != nil {
		return nil, sqlErr("get payment", err)
	}
	return p, nil
}

func (r *SQLiteRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	p, err := scanSQLitePayment(r.db.QueryRowContext(ctx, `SELECT `+sqlitePaymentColumns+` FROM payments WHERE checkout_request_id = ? LIMIT 1;`, checkoutRequestID))
	if err != nil {
		return nil, sqlErr("get payment by checkout id", err)
	}
	return p, nil
}

func (r *SQLiteRepository) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + sqlitePaymentColumns + `
FROM payments
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, sqlErr("list payments", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanSQLitePayment(rows)
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

func (r *SQLiteRepository) AttachGatewayCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string, raw json.RawMessage) error {
	const q = `
UPDATE payments
SET merchant_request_id = ?, checkout_request_id = ?, raw_response = COALESCE(?, raw_response), updated_at = ?
WHERE id = ? AND status = 'pending' AND checkout_request_id IS NULL;
`
	res, err := r.db.ExecContext(ctx, q, merchantRequestID, checkoutRequestID, rawParam(raw), nowUTC(), id)
	if err != nil {
		return sqlErr("attach gateway correlation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainMiss(ctx, id, "attach gateway correlation")
	}
	return nil
}

func (r *SQLiteRepository) MarkPaymentFailed(ctx context.Context, id, resultDesc string, raw json.RawMessage) error {
	const q = `
UPDATE payments
SET status = 'failed', result_desc = ?, raw_response = COALESCE(?, raw_response), updated_at = ?
WHERE id = ? AND status = 'pending';
`
	res, err := r.db.ExecContext(ctx, q, resultDesc, rawParam(raw), nowUTC(), id)
	if err != nil {
		return sqlErr("mark payment failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainMiss(ctx, id, "mark payment failed")
	}
	return nil
}

// ApplyTerminalUpdate first tries the pending → terminal transition, then an idempotent
// rewrite of the same terminal status. Each step is a single conditional statement, so
// concurrent deliveries never interleave inside a read-modify-write.
func (r *SQLiteRepository) ApplyTerminalUpdate(ctx context.Context, upd TerminalUpdate) (*Payment, bool, error) {
	if upd.Status != PaymentCompleted && upd.Status != PaymentFailed {
		return nil, false, fmt.Errorf("apply terminal update: %q is not terminal", upd.Status)
	}
	var txDate any
	if upd.TransactionDate != nil {
		txDate = upd.TransactionDate.UTC()
	}

	const q = `
UPDATE payments
SET status = ?,
    result_code = ?,
    result_desc = ?,
    mpesa_receipt = COALESCE(?, mpesa_receipt),
    transaction_date = COALESCE(?, transaction_date),
    phone = COALESCE(?, phone),
    raw_response = COALESCE(?, raw_response),
    updated_at = ?
WHERE checkout_request_id = ? AND status = ?;
`
	apply := func(requiredStatus string) (bool, error) {
		res, err := r.db.ExecContext(ctx, q,
			upd.Status,
			upd.ResultCode,
			upd.ResultDesc,
			upd.MpesaReceipt,
			txDate,
			upd.Phone,
			rawParam(upd.RawResponse),
			nowUTC(),
			upd.CheckoutRequestID,
			requiredStatus,
		)
		if err != nil {
			return false, sqlErr("apply terminal update", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	transitioned, err := apply(PaymentPending)
	if err != nil {
		return nil, false, err
	}
	if !transitioned {
		rewritten, err := apply(upd.Status)
		if err != nil {
			return nil, false, err
		}
		if !rewritten {
			var current string
			if err := r.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE checkout_request_id = ?;`, upd.CheckoutRequestID).Scan(&current); err != nil {
				return nil, false, sqlErr("apply terminal update", err)
			}
			return nil, false, fmt.Errorf("payment %s is %s, refusing %s: %w", upd.CheckoutRequestID, current, upd.Status, ErrStatusConflict)
		}
	}

	// Terminal status never changes again, so the read-back matches what was written.
	p, err := r.GetPaymentByCheckoutID(ctx, upd.CheckoutRequestID)
	if err != nil {
		return nil, false, err
	}
	return p, transitioned, nil
}

func (r *SQLiteRepository) explainMiss(ctx context.Context, id, op string) error {
	var status string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = ?;`, id).Scan(&status); err != nil {
		return sqlErr(op, err)
	}
	return fmt.Errorf("%s: payment %s is %s: %w", op, id, status, ErrStatusConflict)
}

// -- Callbacks --

func (r *SQLiteRepository) InsertCallback(ctx context.Context, rec CallbackRecord) error {
	const q = `
INSERT INTO payment_callbacks (checkout_request_id, result_code, payload, received_at)
VALUES (?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, rec.CheckoutRequestID, rec.ResultCode, rec.Payload, nowUTC()); err != nil {
		return fmt.Errorf("insert payment callback: %w", err)
	}
	return nil
}
