package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"teletherapy/internal/payment"
)

// State is what the checkout view shows.
type State string

const (
	StateIdle        State = "idle"
	StateSubmitting  State = "submitting"
	StateAwaitingPIN State = "awaiting_pin"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

var (
	ErrBusy     = errors.New("a payment attempt is already running")
	ErrNotReset = errors.New("checkout finished, retry to start a new attempt")
)

// View is a snapshot of the checkout screen.
type View struct {
	State     State
	PaymentID string
	Receipt   string
	Reason    string
	// Retriable marks failures where the outcome is unknown rather than refused.
	Retriable bool
	Attempt   int
}

// Initiator starts payment attempts. *Client satisfies it.
type Initiator interface {
	CreatePayment(ctx context.Context, bookingID, phone string, amount int64) (*Attempt, error)
}

// Checkout drives one booking's payment screen.
type Checkout struct {
	api       Initiator
	reader    payment.StatusReader
	pollCfg   payment.PollerConfig
	logger    *slog.Logger
	bookingID string
	amount    int64
	onChange  func(View)

	mu    sync.Mutex
	view  View
	watch *payment.Watch
}

// CheckoutConfig configures a Checkout.
type CheckoutConfig struct {
	BookingID string
	Amount    int64
	Poll      payment.PollerConfig
	// OnChange, when set, is called after every state change.
	OnChange func(View)
}

// NewCheckout returns a checkout in the idle state.
func NewCheckout(api Initiator, reader payment.StatusReader, cfg CheckoutConfig, logger *slog.Logger) *Checkout {
	return &Checkout{
		api:       api,
		reader:    reader,
		pollCfg:   cfg.Poll,
		logger:    logger.With("component", "checkout", "booking_id", cfg.BookingID),
		bookingID: cfg.BookingID,
		amount:    cfg.Amount,
		onChange:  cfg.OnChange,
		view:      View{State: StateIdle},
	}
}

// View returns the current screen state.
func (c *Checkout) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Submit validates phone locally, creates a payment attempt and waits for its outcome.
// An invalid phone leaves the checkout idle and sends nothing. Cancelling ctx or calling
// Close stops waiting without affecting the payment; the view then fails as retriable.
func (c *Checkout) Submit(ctx context.Context, phone string) (View, error) {
	normalized, err := payment.ParsePhone(phone)
	if err != nil {
		return c.View(), err
	}

	c.mu.Lock()
	switch c.view.State {
	case StateSubmitting, StateAwaitingPIN:
		c.mu.Unlock()
		return c.View(), ErrBusy
	case StateSucceeded, StateFailed:
		c.mu.Unlock()
		return c.View(), ErrNotReset
	}
	attempt := c.view.Attempt + 1
	c.view = View{State: StateSubmitting, Attempt: attempt}
	c.mu.Unlock()
	c.changed(View{State: StateSubmitting, Attempt: attempt})

	res, err := c.api.CreatePayment(ctx, c.bookingID, normalized, c.amount)
	if err != nil {
		v := View{State: StateFailed, Attempt: attempt, Reason: submitFailure(err)}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			v.PaymentID = apiErr.PaymentID
			v.Retriable = apiErr.StatusCode == http.StatusServiceUnavailable || apiErr.StatusCode >= http.StatusInternalServerError
		} else {
			v.Retriable = true
		}
		c.set(v)
		return v, err
	}

	c.set(View{State: StateAwaitingPIN, Attempt: attempt, PaymentID: res.PaymentID})
	c.logger.Info("waiting for M-Pesa PIN", "payment_id", res.PaymentID)

	watch := payment.NewPoller(c.reader, c.pollCfg, c.logger, nil).Arm(ctx, res.PaymentID, nil)
	c.mu.Lock()
	c.watch = watch
	c.mu.Unlock()
	out := watch.Wait()
	c.mu.Lock()
	c.watch = nil
	c.mu.Unlock()

	v := View{State: StateFailed, Attempt: attempt, PaymentID: res.PaymentID, Retriable: out.Retriable()}
	switch {
	case errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded):
		v.Reason = "Stopped waiting for M-Pesa. Check the payment status before paying again."
		c.set(v)
		return v, out.Err
	case out.State == payment.StateSuccess:
		v.State, v.Receipt = StateSucceeded, out.Snapshot.Receipt
	case errors.Is(out.Err, payment.ErrTimeout):
		v.Reason = "Payment not confirmed yet. If you entered your PIN it will show up shortly; otherwise try again."
	default:
		v.Reason = out.Snapshot.ResultDesc
		if v.Reason == "" {
			v.Reason = "Payment failed"
		}
	}
	c.set(v)
	return v, nil
}

// Retry returns a failed checkout to idle so the next Submit creates a new attempt.
func (c *Checkout) Retry() error {
	c.mu.Lock()
	if c.view.State != StateFailed {
		state := c.view.State
		c.mu.Unlock()
		return fmt.Errorf("cannot retry from %s", state)
	}
	v := View{State: StateIdle, Attempt: c.view.Attempt}
	c.mu.Unlock()
	c.set(v)
	return nil
}

// Close stops a running status check. Submit returns once the loop has exited.
func (c *Checkout) Close() {
	c.mu.Lock()
	w := c.watch
	c.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (c *Checkout) set(v View) {
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
	c.changed(v)
}

func (c *Checkout) changed(v View) {
	if c.onChange != nil {
		c.onChange(v)
	}
}

func submitFailure(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "Could not reach the payment service"
}
