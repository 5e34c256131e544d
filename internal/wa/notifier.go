package wa

import (
	"context"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow/types"

	"teletherapy/internal/metrics"
	"teletherapy/internal/payment"
)

// TextSender sends a plain text message. *Client satisfies it.
type TextSender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// Notifier delivers payment notices over WhatsApp.
type Notifier struct {
	sender  TextSender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ payment.Notifier = (*Notifier)(nil)

// NewNotifier wraps sender as a payment.Notifier.
func NewNotifier(sender TextSender, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{sender: sender, logger: logger.With("component", "wa_notifier"), metrics: m}
}

// PhoneJID turns a phone number into a WhatsApp user JID.
func PhoneJID(phone string) (types.JID, error) {
	canonical, err := payment.ParsePhone(phone)
	if err != nil {
		return types.JID{}, err
	}
	return types.NewJID(canonical, types.DefaultUserServer), nil
}

// NotifyPayment messages the patient about a resolved payment.
func (n *Notifier) NotifyPayment(ctx context.Context, notice payment.Notice) error {
	jid, err := PhoneJID(notice.Phone)
	if err != nil {
		n.count("skipped")
		return fmt.Errorf("notify payment %s: %w", notice.PaymentID, err)
	}
	if err := n.sender.SendText(ctx, jid, notice.Message()); err != nil {
		n.count("error")
		return fmt.Errorf("notify payment %s: %w", notice.PaymentID, err)
	}
	n.count("sent")
	n.logger.Info("payment notice sent", "payment_id", notice.PaymentID, "status", notice.Status)
	return nil
}

func (n *Notifier) count(result string) {
	if n.metrics != nil {
		n.metrics.NotificationsSent.WithLabelValues("whatsapp", result).Inc()
	}
}
