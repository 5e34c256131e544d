package payment

import (
	"errors"
	"fmt"

	"teletherapy/internal/mpesa"
)

// Failure taxonomy shared by the initiation flow, the reconcilers and the HTTP layer.
var (
	ErrValidation         = errors.New("validation error")
	ErrConfig             = errors.New("payment gateway not configured")
	ErrAuth               = errors.New("payment gateway rejected credentials")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrPersistence        = errors.New("persistence error")
	ErrStatusConflict     = errors.New("status conflict")
	ErrTimeout            = errors.New("payment confirmation timed out")
	ErrPaymentFailed      = errors.New("payment failed")
)

// classifyGatewayError maps a Gateway Client failure onto the taxonomy. The original error
// stays in the chain so callers can still reach *mpesa.RejectionError.
func classifyGatewayError(err error) error {
	var rejected *mpesa.RejectionError
	switch {
	case errors.Is(err, mpesa.ErrMissingCredentials):
		return fmt.Errorf("%w: %w", ErrConfig, err)
	case errors.Is(err, mpesa.ErrInvalidCredential):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.As(err, &rejected):
		return fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	default:
		// Transport failures, timeouts and unreadable acknowledgements all leave the outcome unknown.
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
}

// resultDescription extracts the text stored on a payment failed by the gateway.
func resultDescription(err error) string {
	var rejected *mpesa.RejectionError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	switch {
	case errors.Is(err, ErrConfig):
		return "M-Pesa configuration missing"
	case errors.Is(err, ErrAuth):
		return "M-Pesa authentication failed"
	}
	return "STK Push failed"
}
