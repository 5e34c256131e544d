package wa

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"teletherapy/internal/logging"
	"teletherapy/internal/payment"
)

type capturedText struct {
	to   types.JID
	text string
}

type fakeSender struct {
	sent []capturedText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to types.JID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, capturedText{to: to, text: text})
	return nil
}

func TestPhoneJID(t *testing.T) {
	tests := []struct {
		phone string
		want  string
		ok    bool
	}{
		{phone: "254712345678", want: "254712345678@s.whatsapp.net", ok: true},
		{phone: "0712345678", want: "254712345678@s.whatsapp.net", ok: true},
		{phone: "12345", ok: false},
	}
	for _, tt := range tests {
		jid, err := PhoneJID(tt.phone)
		if tt.ok != (err == nil) {
			t.Fatalf("PhoneJID(%q) err = %v", tt.phone, err)
		}
		if tt.ok && jid.String() != tt.want {
			t.Fatalf("PhoneJID(%q) = %s, want %s", tt.phone, jid, tt.want)
		}
	}
}

func TestNotifyPayment(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, logging.Discard(), nil)

	err := n.NotifyPayment(context.Background(), payment.Notice{
		PaymentID: "pay-1",
		Phone:     "254712345678",
		Amount:    1500,
		Status:    "completed",
		Receipt:   "ABC123",
	})
	if err != nil {
		t.Fatalf("NotifyPayment: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	if sender.sent[0].to.User != "254712345678" || !strings.Contains(sender.sent[0].text, "ABC123") {
		t.Fatalf("unexpected message %+v", sender.sent[0])
	}

	if err := n.NotifyPayment(context.Background(), payment.Notice{PaymentID: "pay-2", Phone: "123"}); !errors.Is(err, payment.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad phone, got %v", err)
	}

	sender.err = ErrNotConnected
	if err := n.NotifyPayment(context.Background(), payment.Notice{PaymentID: "pay-3", Phone: "254712345678"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientLinkState(t *testing.T) {
	c := &Client{logger: logging.Discard(), state: LinkUnpaired}

	steps := []struct {
		event any
		want  LinkState
		ready bool
	}{
		{event: &events.Connected{}, want: LinkConnected, ready: true},
		{event: &events.Disconnected{}, want: LinkDisconnected},
		{event: &events.Connected{}, want: LinkConnected, ready: true},
		{event: &events.LoggedOut{}, want: LinkLoggedOut},
	}
	if state, ok := c.Ready(); state != string(LinkUnpaired) || ok {
		t.Fatalf("initial Ready() = %s, %v", state, ok)
	}
	for _, step := range steps {
		c.handleEvent(step.event)
		state, ok := c.Ready()
		if state != string(step.want) || ok != step.ready {
			t.Fatalf("after %T: Ready() = %s, %v, want %s, %v", step.event, state, ok, step.want, step.ready)
		}
	}
}

func TestSendTextRefusedWhileUnlinked(t *testing.T) {
	c := &Client{logger: logging.Discard(), state: LinkPairing}
	jid, err := PhoneJID("254712345678")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendText(context.Background(), jid, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
