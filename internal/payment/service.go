package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"teletherapy/internal/metrics"
	"teletherapy/internal/mpesa"
	"teletherapy/internal/repo"
)

// Gateway is the subset of the Daraja client the initiation flow needs.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error)
}

// ServiceConfig tunes the initiation flow.
type ServiceConfig struct {
	Description   string
	WriteAttempts int
	RetryBackoff  time.Duration
}

// Service runs the payment initiation flow: pending row, push request, correlation.
type Service struct {
	repo    repo.Repository
	gateway Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     ServiceConfig
}

// NewService wires the initiation flow.
func NewService(store repo.Repository, gateway Gateway, logger *slog.Logger, m *metrics.Metrics, cfg ServiceConfig) *Service {
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Service{
		repo:    store,
		gateway: gateway,
		logger:  logger.With("component", "payment_service"),
		metrics: m,
		cfg:     cfg,
	}
}

// InitiateRequest is what a patient submits from the checkout view.
type InitiateRequest struct {
	UserID    string
	BookingID string
	Phone     string
	// Amount defaults to the appointment's price when zero.
	Amount int64
}

// Initiate creates a pending payment for a booking and asks the gateway to prompt the patient.
// The returned payment is pending with correlation ids on success. On a synchronous gateway
// refusal it is returned failed alongside the error; when the gateway could not be reached it
// stays pending and the error wraps ErrGatewayUnavailable.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*repo.Payment, error) {
	phone, err := ParsePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.BookingID) == "" {
		return nil, fmt.Errorf("%w: booking_id is required", ErrValidation)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	appt, err := s.repo.GetAppointment(ctx, req.BookingID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: booking %s", ErrNotFound, req.BookingID)
		}
		return nil, fmt.Errorf("%w: load booking: %w", ErrPersistence, err)
	}
	if appt.PatientID != req.UserID {
		return nil, fmt.Errorf("%w: booking %s belongs to another patient", ErrForbidden, appt.ID)
	}
	if appt.Status != repo.AppointmentPending {
		return nil, fmt.Errorf("%w: booking %s is %s", ErrStatusConflict, appt.ID, appt.Status)
	}

	amount := req.Amount
	if amount == 0 {
		amount = appt.Amount
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	p, err := s.repo.InsertPayment(ctx, repo.Payment{
		UserID:    req.UserID,
		BookingID: appt.ID,
		Amount:    amount,
		Phone:     phone,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create payment: %w", ErrPersistence, err)
	}
	s.logger.Info("payment created", "payment_id", p.ID, "booking_id", appt.ID, "amount", amount)

	return s.push(ctx, p, phone, s.cfg.Description)
}

// PushRequest mirrors the raw initiation function body. AccountReference is the payment id.
type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// Push sends a push request for an existing pending payment the user owns. Unlike Initiate,
// the phone must already be canonical.
func (s *Service) Push(ctx context.Context, userID string, req PushRequest) (*repo.Payment, error) {
	if req.Phone == "" || req.Amount == 0 || strings.TrimSpace(req.AccountReference) == "" {
		return nil, fmt.Errorf("%w: Missing required fields", ErrValidation)
	}
	if !ValidPhone(req.Phone) {
		return nil, fmt.Errorf("%w: phone must be in 254XXXXXXXXX form", ErrValidation)
	}

	p, err := s.repo.GetPayment(ctx, req.AccountReference)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, req.AccountReference)
		}
		return nil, fmt.Errorf("%w: load payment: %w", ErrPersistence, err)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: payment %s belongs to another user", ErrForbidden, p.ID)
	}
	if p.Amount != req.Amount {
		return nil, fmt.Errorf("%w: amount %d does not match payment amount %d", ErrValidation, req.Amount, p.Amount)
	}
	if p.Status != repo.PaymentPending || p.CheckoutRequestID != nil {
		return nil, fmt.Errorf("%w: payment %s already submitted", ErrStatusConflict, p.ID)
	}
	return s.push(ctx, p, req.Phone, req.Description)
}

// Get returns a payment the user owns.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (*repo.Payment, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
		}
		return nil, fmt.Errorf("%w: load payment: %w", ErrPersistence, err)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: payment %s belongs to another user", ErrForbidden, paymentID)
	}
	return p, nil
}

// History lists the user's payments, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]repo.Payment, error) {
	payments, err := s.repo.ListPaymentsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list payments: %w", ErrPersistence, err)
	}
	return payments, nil
}

func (s *Service) push(ctx context.Context, p *repo.Payment, phone, description string) (*repo.Payment, error) {
	res, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           p.Amount,
		AccountReference: p.ID,
		Description:      description,
	})
	// The push cannot be recalled once sent, so its outcome is persisted even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return s.handlePushError(ctx, p, err)
	}

	err = withRetry(ctx, s.cfg.WriteAttempts, s.cfg.RetryBackoff, func() error {
		return s.repo.AttachGatewayCorrelation(ctx, p.ID, res.MerchantRequestID, res.CheckoutRequestID, res.Raw)
	})
	if err != nil {
		s.metrics.IncError("payment_correlation")
		s.logger.Error("persist gateway correlation failed",
			"payment_id", p.ID,
			"checkout_request_id", res.CheckoutRequestID,
			"error", err,
		)
		return p, fmt.Errorf("%w: attach correlation: %w", ErrPersistence, err)
	}

	s.logger.Info("payment awaiting pin",
		"payment_id", p.ID,
		"merchant_request_id", res.MerchantRequestID,
		"checkout_request_id", res.CheckoutRequestID,
	)
	return s.reload(ctx, p), nil
}

func (s *Service) handlePushError(ctx context.Context, p *repo.Payment, cause error) (*repo.Payment, error) {
	classified := classifyGatewayError(cause)
	if errors.Is(classified, ErrGatewayUnavailable) {
		s.metrics.IncError("mpesa_unavailable")
		s.logger.Warn("gateway unreachable, payment left pending", "payment_id", p.ID, "error", cause)
		return p, classified
	}

	desc := resultDescription(classified)
	var raw json.RawMessage
	var rejected *mpesa.RejectionError
	if errors.As(classified, &rejected) {
		raw = rejected.Raw
	}

	err := withRetry(ctx, s.cfg.WriteAttempts, s.cfg.RetryBackoff, func() error {
		return s.repo.MarkPaymentFailed(ctx, p.ID, desc, raw)
	})
	if err != nil {
		s.metrics.IncError("payment_mark_failed")
		s.logger.Error("persist failed payment status", "payment_id", p.ID, "error", err)
		return p, errors.Join(classified, fmt.Errorf("%w: mark payment failed: %w", ErrPersistence, err))
	}
	if s.metrics != nil {
		s.metrics.PaymentTransitions.WithLabelValues(repo.PaymentFailed).Inc()
	}
	s.logger.Warn("push request refused, payment failed", "payment_id", p.ID, "result_desc", desc, "error", cause)
	return s.reload(ctx, p), classified
}

// reload re-reads p, falling back to the stale copy if the read fails.
func (s *Service) reload(ctx context.Context, p *repo.Payment) *repo.Payment {
	fresh, err := s.repo.GetPayment(ctx, p.ID)
	if err != nil {
		s.logger.Warn("reload payment failed", "payment_id", p.ID, "error", err)
		return p
	}
	return fresh
}

// withRetry runs fn up to attempts times, backing off linearly. ErrNotFound and
// ErrStatusConflict from the store are final and returned at once.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrStatusConflict) || i == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(i) * backoff):
		}
	}
	return err
}
