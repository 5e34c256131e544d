package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"teletherapy/internal/metrics"
	"teletherapy/internal/mpesa"
	"teletherapy/internal/repo"
)

// ReconcilerConfig tunes callback processing.
type ReconcilerConfig struct {
	NotifyTimeout time.Duration
	WriteAttempts int
	RetryBackoff  time.Duration
}

// Reconciler applies gateway callbacks to payments. It is the only writer of terminal
// payment statuses after initiation and is safe for concurrent and repeated deliveries.
type Reconciler struct {
	repo     repo.Repository
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      ReconcilerConfig
}

var _ mpesa.CallbackProcessor = (*Reconciler)(nil)

// NewReconciler wires the callback reconciler. notifier may be nil.
func NewReconciler(store repo.Repository, notifier Notifier, logger *slog.Logger, m *metrics.Metrics, cfg ReconcilerConfig) *Reconciler {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 15 * time.Second
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Reconciler{
		repo:     store,
		notifier: notifier,
		logger:   logger.With("component", "payment_reconciler"),
		metrics:  m,
		cfg:      cfg,
	}
}

// ProcessCallback handles one callback delivery. It returns an error wrapping
// mpesa.ErrMalformedCallback for unusable input, mpesa.ErrUnknownCheckout when no payment
// carries the checkout id, and ErrPersistence when the payment write failed. Everything
// else, including a delivery that contradicts an already recorded outcome, is acknowledged.
func (r *Reconciler) ProcessCallback(ctx context.Context, body []byte) error {
	cb, parseErr := mpesa.ParseCallback(body)
	r.audit(ctx, cb, body)
	if parseErr != nil {
		r.logger.Warn("rejecting malformed callback", "error", parseErr)
		return parseErr
	}
	if cb.Succeeded() && cb.Metadata.MpesaReceiptNumber == "" {
		r.logger.Warn("rejecting successful callback without receipt", "checkout_request_id", cb.CheckoutRequestID)
		return fmt.Errorf("%w: successful result without MpesaReceiptNumber", mpesa.ErrMalformedCallback)
	}

	logger := r.logger.With("checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)

	if _, err := r.repo.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			logger.Warn("callback for unknown checkout")
			return fmt.Errorf("%w: %w", ErrNotFound, mpesa.ErrUnknownCheckout)
		}
		return fmt.Errorf("%w: lookup payment: %w", ErrPersistence, err)
	}

	var (
		updated      *repo.Payment
		transitioned bool
	)
	upd := terminalUpdate(cb)
	err := withRetry(ctx, r.cfg.WriteAttempts, r.cfg.RetryBackoff, func() error {
		var err error
		updated, transitioned, err = r.repo.ApplyTerminalUpdate(ctx, upd)
		return err
	})
	switch {
	case errors.Is(err, repo.ErrStatusConflict):
		r.metrics.IncError("callback_conflict")
		logger.Warn("callback contradicts recorded outcome, keeping existing status", "wanted", upd.Status)
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, mpesa.ErrUnknownCheckout)
	case err != nil:
		logger.Error("apply callback failed", "error", err)
		return fmt.Errorf("%w: update payment: %w", ErrPersistence, err)
	}

	if transitioned {
		if r.metrics != nil {
			r.metrics.PaymentTransitions.WithLabelValues(updated.Status).Inc()
		}
		logger.Info("payment resolved", "payment_id", updated.ID, "status", updated.Status)
	} else {
		logger.Info("duplicate callback, payment already resolved", "payment_id", updated.ID, "status", updated.Status)
	}

	// Redeliveries re-run the cascade. ConfirmAppointment only moves pending bookings, so
	// a booking left pending by an earlier delivery is repaired here.
	if updated.Status == repo.PaymentCompleted {
		r.confirmBooking(ctx, logger, updated)
	}
	if transitioned {
		r.notify(ctx, logger, updated)
	}
	return nil
}

func terminalUpdate(cb *mpesa.Callback) repo.TerminalUpdate {
	upd := repo.TerminalUpdate{
		CheckoutRequestID: cb.CheckoutRequestID,
		Status:            repo.PaymentFailed,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		RawResponse:       cb.Raw,
	}
	if cb.Succeeded() {
		upd.Status = repo.PaymentCompleted
	}
	if v := cb.Metadata.MpesaReceiptNumber; v != "" {
		upd.MpesaReceipt = &v
	}
	if v := cb.Metadata.PhoneNumber; v != "" {
		upd.Phone = &v
	}
	if ts, ok := cb.Metadata.TransactionTime(); ok {
		ts = ts.UTC()
		upd.TransactionDate = &ts
	}
	return upd
}

func (r *Reconciler) confirmBooking(ctx context.Context, logger *slog.Logger, p *repo.Payment) {
	confirmed, err := r.repo.ConfirmAppointment(ctx, p.BookingID)
	if err != nil {
		r.metrics.IncError("booking_cascade")
		logger.Error("confirm booking failed", "payment_id", p.ID, "booking_id", p.BookingID, "error", err)
		return
	}
	if confirmed {
		logger.Info("booking confirmed", "booking_id", p.BookingID)
	}
}

func (r *Reconciler) notify(ctx context.Context, logger *slog.Logger, p *repo.Payment) {
	if r.notifier == nil {
		return
	}
	n := Notice{
		PaymentID: p.ID,
		BookingID: p.BookingID,
		UserID:    p.UserID,
		Phone:     p.Phone,
		Amount:    p.Amount,
		Status:    p.Status,
	}
	if p.MpesaReceipt != nil {
		n.Receipt = *p.MpesaReceipt
	}
	if p.ResultDesc != nil {
		n.ResultDesc = *p.ResultDesc
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.notifier.NotifyPayment(ctx, n); err != nil {
		r.metrics.IncError("notify")
		logger.Warn("payment notice not delivered", "payment_id", p.ID, "error", err)
	}
}

func (r *Reconciler) audit(ctx context.Context, cb *mpesa.Callback, body []byte) {
	rec := repo.CallbackRecord{Payload: string(body)}
	if cb != nil {
		id, code := cb.CheckoutRequestID, cb.ResultCode
		rec.CheckoutRequestID, rec.ResultCode = &id, &code
	}
	if err := r.repo.InsertCallback(ctx, rec); err != nil {
		r.metrics.IncError("callback_audit")
		r.logger.Warn("callback audit insert failed", "error", err)
	}
}
