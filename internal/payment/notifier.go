package payment

import (
	"context"
	"fmt"
)

// Notice describes a payment that has just reached a terminal status.
type Notice struct {
	PaymentID  string
	BookingID  string
	UserID     string
	Phone      string
	Amount     int64
	Status     string
	Receipt    string
	ResultDesc string
}

// Notifier delivers payment outcomes to the patient.
type Notifier interface {
	NotifyPayment(ctx context.Context, n Notice) error
}

// Message renders the notice as a short chat message.
func (n Notice) Message() string {
	if n.Receipt != "" {
		return fmt.Sprintf("Payment received: KES %d for your therapy session.\nM-Pesa receipt: %s\nYour booking is confirmed.", n.Amount, n.Receipt)
	}
	reason := n.ResultDesc
	if reason == "" {
		reason = "the payment was not completed"
	}
	return fmt.Sprintf("Your M-Pesa payment of KES %d did not go through: %s.\nYou can try again from the booking page.", n.Amount, reason)
}
