package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"teletherapy/internal/payment"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode    int
	Message       string
	PaymentID     string
	PaymentStatus string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the teletherapy HTTP API as a signed-in user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL authenticating with token. httpClient may be nil.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Appointment is the API view of a booking.
type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	TherapistID     string    `json:"therapist_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration"`
	Status          string    `json:"status"`
	SessionType     string    `json:"session_type"`
	Notes           *string   `json:"notes,omitempty"`
	Amount          int64     `json:"amount"`
}

// AppointmentRequest books a session.
type AppointmentRequest struct {
	TherapistID     string    `json:"therapist_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration,omitempty"`
	SessionType     string    `json:"session_type,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// Payment is the API view of a payment attempt.
type Payment struct {
	ID                string     `json:"id"`
	BookingID         string     `json:"booking_id"`
	Amount            int64      `json:"amount"`
	Phone             string     `json:"phone"`
	Status            string     `json:"status"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	MpesaReceipt      *string    `json:"mpesa_receipt,omitempty"`
	ResultCode        *int       `json:"result_code,omitempty"`
	ResultDesc        *string    `json:"result_desc,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Attempt is the answer to a payment initiation.
type Attempt struct {
	PaymentID         string  `json:"payment_id"`
	Status            string  `json:"status"`
	CheckoutRequestID *string `json:"checkout_request_id,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// Therapist is the API view of a therapist listing.
type Therapist struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	HourlyRate int64  `json:"hourly_rate"`
	Verified   bool   `json:"is_verified"`
}

// TherapistListing is what a therapist publishes to become bookable.
type TherapistListing struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone,omitempty"`
	HourlyRate int64  `json:"hourly_rate"`
}

// RegisterTherapist creates or updates the caller's own listing.
func (c *Client) RegisterTherapist(ctx context.Context, l TherapistListing) (*Therapist, error) {
	var out Therapist
	if err := c.do(ctx, http.MethodPut, "/api/therapists/me", l, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAppointment books a session.
func (c *Client) CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	var out Appointment
	if err := c.do(ctx, http.MethodPost, "/api/appointments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAppointment reads a booking.
func (c *Client) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	var out Appointment
	if err := c.do(ctx, http.MethodGet, "/api/appointments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayment starts a payment attempt for a booking. amount 0 means the booking price.
func (c *Client) CreatePayment(ctx context.Context, bookingID, phone string, amount int64) (*Attempt, error) {
	body := map[string]any{"booking_id": bookingID, "phone": phone}
	if amount > 0 {
		body["amount"] = amount
	}
	var out Attempt
	if err := c.do(ctx, http.MethodPost, "/api/payments", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment reads one payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var out Payment
	if err := c.do(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPayments returns the caller's payments, newest first.
func (c *Client) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	var out struct {
		Payments []Payment `json:"payments"`
	}
	path := "/api/payments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Payments, nil
}

// ReadPayment implements payment.StatusReader over the API.
func (c *Client) ReadPayment(ctx context.Context, id string) (payment.Snapshot, error) {
	p, err := c.GetPayment(ctx, id)
	if err != nil {
		return payment.Snapshot{}, err
	}
	snap := payment.Snapshot{PaymentID: p.ID, Status: p.Status, ResultCode: p.ResultCode}
	if p.MpesaReceipt != nil {
		snap.Receipt = *p.MpesaReceipt
	}
	if p.ResultDesc != nil {
		snap.ResultDesc = *p.ResultDesc
	}
	return snap, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error     string `json:"error"`
			PaymentID string `json:"payment_id"`
			Status    string `json:"status"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message, apiErr.PaymentID, apiErr.PaymentStatus = payload.Error, payload.PaymentID, payload.Status
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusCode extracts the HTTP status from an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
