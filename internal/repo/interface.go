package repo

import (
	"context"
	"encoding/json"
	"io/fs"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Therapists
	UpsertTherapist(ctx context.Context, t Therapist) (*Therapist, error)
	GetTherapist(ctx context.Context, id string) (*Therapist, error)
	GetTherapistByUserID(ctx context.Context, userID string) (*Therapist, error)

	// Appointments
	InsertAppointment(ctx context.Context, appt Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	TransitionAppointment(ctx context.Context, id string, from []string, to string, notes *string) error
	ConfirmAppointment(ctx context.Context, id string) (bool, error)

	// Payments
	InsertPayment(ctx context.Context, p Payment) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error)
	ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error)
	AttachGatewayCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string, raw json.RawMessage) error
	MarkPaymentFailed(ctx context.Context, id, resultDesc string, raw json.RawMessage) error
	ApplyTerminalUpdate(ctx context.Context, upd TerminalUpdate) (*Payment, bool, error)

	// Callbacks
	InsertCallback(ctx context.Context, rec CallbackRecord) error
}
