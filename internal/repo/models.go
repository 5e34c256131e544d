package repo

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a write would move a row out of a state it can no longer leave.
	ErrStatusConflict = errors.New("status transition refused")
)

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// Appointment statuses.
const (
	AppointmentPending    = "pending"
	AppointmentConfirmed  = "confirmed"
	AppointmentInProgress = "in_progress"
	AppointmentCompleted  = "completed"
	AppointmentCancelled  = "cancelled"
)

// Payment represents a row in the payments table: one mobile-money attempt.
type Payment struct {
	ID                string
	UserID            string
	BookingID         string
	Amount            int64
	Phone             string
	Status            string
	MerchantRequestID *string
	CheckoutRequestID *string
	MpesaReceipt      *string
	ResultCode        *int
	ResultDesc        *string
	RawResponse       json.RawMessage
	TransactionDate   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the payment has reached completed or failed.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentFailed
}

// TerminalUpdate carries the fields a gateway result writes onto a payment.
type TerminalUpdate struct {
	CheckoutRequestID string
	Status            string
	ResultCode        int
	ResultDesc        string
	MpesaReceipt      *string
	TransactionDate   *time.Time
	Phone             *string
	RawResponse       json.RawMessage
}

// Appointment represents a row in the appointments table.
type Appointment struct {
	ID              string
	PatientID       string
	TherapistID     string
	TherapistUserID *string
	ScheduledAt     time.Time
	DurationMinutes int
	Status          string
	SessionType     string
	Notes           *string
	Amount          int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Therapist represents a row in the therapists table.
type Therapist struct {
	ID         string
	UserID     *string
	FullName   string
	Phone      *string
	HourlyRate int64
	Verified   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CallbackRecord is one raw gateway callback delivery kept for audit.
type CallbackRecord struct {
	ID                int64
	CheckoutRequestID *string
	ResultCode        *int
	Payload           string
	ReceivedAt        time.Time
}
