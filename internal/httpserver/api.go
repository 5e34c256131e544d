package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"teletherapy/internal/auth"
	"teletherapy/internal/booking"
	"teletherapy/internal/payment"
	"teletherapy/internal/repo"
)

const maxBodyBytes = 1 << 20

type paymentResponse struct {
	ID                string     `json:"id"`
	BookingID         string     `json:"booking_id"`
	Amount            int64      `json:"amount"`
	Phone             string     `json:"phone"`
	Status            string     `json:"status"`
	MerchantRequestID *string    `json:"merchant_request_id,omitempty"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	MpesaReceipt      *string    `json:"mpesa_receipt,omitempty"`
	ResultCode        *int       `json:"result_code,omitempty"`
	ResultDesc        *string    `json:"result_desc,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toPaymentResponse(p *repo.Payment) paymentResponse {
	return paymentResponse{
		ID:                p.ID,
		BookingID:         p.BookingID,
		Amount:            p.Amount,
		Phone:             p.Phone,
		Status:            p.Status,
		MerchantRequestID: p.MerchantRequestID,
		CheckoutRequestID: p.CheckoutRequestID,
		MpesaReceipt:      p.MpesaReceipt,
		ResultCode:        p.ResultCode,
		ResultDesc:        p.ResultDesc,
		TransactionDate:   p.TransactionDate,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type appointmentResponse struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	TherapistID     string    `json:"therapist_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration"`
	Status          string    `json:"status"`
	SessionType     string    `json:"session_type"`
	Notes           *string   `json:"notes,omitempty"`
	Amount          int64     `json:"amount"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *repo.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		TherapistID:     a.TherapistID,
		ScheduledAt:     a.ScheduledAt,
		DurationMinutes: a.DurationMinutes,
		Status:          a.Status,
		SessionType:     a.SessionType,
		Notes:           a.Notes,
		Amount:          a.Amount,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// -- Therapists --

type therapistListingRequest struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	HourlyRate int64  `json:"hourly_rate"`
}

type therapistResponse struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	HourlyRate int64  `json:"hourly_rate"`
	Verified   bool   `json:"is_verified"`
}

func toTherapistResponse(t *repo.Therapist) therapistResponse {
	return therapistResponse{ID: t.ID, FullName: t.FullName, HourlyRate: t.HourlyRate, Verified: t.Verified}
}

func (s *Server) handleRegisterTherapist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "bookings unavailable")
		return
	}
	var req therapistListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.deps.Bookings.RegisterTherapist(r.Context(), identity(r).UserID, booking.Listing{
		FullName:   req.FullName,
		Phone:      req.Phone,
		HourlyRate: req.HourlyRate,
	})
	if err != nil {
		s.fail(w, err, "register therapist")
		return
	}
	writeJSON(w, toTherapistResponse(t))
}

func (s *Server) handleGetTherapist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "bookings unavailable")
		return
	}
	t, err := s.deps.Bookings.Therapist(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, "get therapist")
		return
	}
	writeJSON(w, toTherapistResponse(t))
}

// -- Payments --

type createPaymentRequest struct {
	BookingID string `json:"booking_id"`
	Phone     string `json:"phone"`
	Amount    int64  `json:"amount"`
}

type createPaymentResponse struct {
	PaymentID         string  `json:"payment_id"`
	Status            string  `json:"status"`
	CheckoutRequestID *string `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string `json:"merchant_request_id,omitempty"`
	Error             string  `json:"error,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments unavailable")
		return
	}
	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := identity(r)

	p, err := s.deps.Payments.Initiate(r.Context(), payment.InitiateRequest{
		UserID:    id.UserID,
		BookingID: req.BookingID,
		Phone:     req.Phone,
		Amount:    req.Amount,
	})
	if err != nil {
		status, msg := s.classify(err, "create payment")
		if p == nil {
			writeError(w, status, msg)
			return
		}
		if p.Status == repo.PaymentFailed && p.ResultDesc != nil {
			msg = *p.ResultDesc
		}
		writeJSONStatus(w, status, createPaymentResponse{
			PaymentID:         p.ID,
			Status:            p.Status,
			CheckoutRequestID: p.CheckoutRequestID,
			Error:             msg,
		})
		return
	}

	writeJSONStatus(w, http.StatusCreated, createPaymentResponse{
		PaymentID:         p.ID,
		Status:            p.Status,
		CheckoutRequestID: p.CheckoutRequestID,
		MerchantRequestID: p.MerchantRequestID,
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments unavailable")
		return
	}
	p, err := s.deps.Payments.Get(r.Context(), identity(r).UserID, r.PathValue("id"))
	if err != nil {
		s.fail(w, err, "get payment")
		return
	}
	writeJSON(w, toPaymentResponse(p))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments unavailable")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	payments, err := s.deps.Payments.History(r.Context(), identity(r).UserID, limit)
	if err != nil {
		s.fail(w, err, "list payments")
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		out = append(out, toPaymentResponse(&payments[i]))
	}
	writeJSON(w, map[string]any{"payments": out})
}

type stkPushRequest struct {
	Phone            string `json:"phone"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"account_reference"`
	TransactionDesc  string `json:"transaction_desc"`
}

type stkPushResponse struct {
	Success           bool   `json:"success"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
}

// handleSTKPush is the initiation function: push an existing pending payment to the gateway.
func (s *Server) handleSTKPush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments unavailable")
		return
	}
	var req stkPushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, stkPushResponse{Error: err.Error()})
		return
	}

	p, err := s.deps.Payments.Push(r.Context(), identity(r).UserID, payment.PushRequest{
		Phone:            req.Phone,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.TransactionDesc,
	})
	if err != nil {
		status, msg := s.classify(err, "stk push")
		if p != nil && p.Status == repo.PaymentFailed && p.ResultDesc != nil {
			msg = *p.ResultDesc
		}
		writeJSONStatus(w, status, stkPushResponse{Error: msg})
		return
	}

	resp := stkPushResponse{Success: true, Message: "STK Push sent successfully"}
	if p.MerchantRequestID != nil {
		resp.MerchantRequestID = *p.MerchantRequestID
	}
	if p.CheckoutRequestID != nil {
		resp.CheckoutRequestID = *p.CheckoutRequestID
	}
	writeJSON(w, resp)
}

// -- Appointments --

type createAppointmentRequest struct {
	TherapistID     string    `json:"therapist_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration"`
	SessionType     string    `json:"session_type"`
	Notes           string    `json:"notes"`
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "bookings unavailable")
		return
	}
	var req createAppointmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appt, err := s.deps.Bookings.Create(r.Context(), identity(r).UserID, booking.Request{
		TherapistID:     req.TherapistID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		SessionType:     req.SessionType,
		Notes:           req.Notes,
	})
	if err != nil {
		s.fail(w, err, "create appointment")
		return
	}
	writeJSONStatus(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "bookings unavailable")
		return
	}
	appt, err := s.deps.Bookings.Get(r.Context(), r.PathValue("id"), identity(r).UserID)
	if err != nil {
		s.fail(w, err, "get appointment")
		return
	}
	writeJSON(w, toAppointmentResponse(appt))
}

func (s *Server) handleAppointmentAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "bookings unavailable")
		return
	}
	id, userID := r.PathValue("id"), identity(r).UserID

	var (
		appt *repo.Appointment
		err  error
	)
	switch action := r.PathValue("action"); action {
	case "start":
		appt, err = s.deps.Bookings.Start(r.Context(), id, userID)
	case "complete":
		var body struct {
			Notes string `json:"notes"`
		}
		if r.ContentLength != 0 {
			if derr := decodeJSON(w, r, &body); derr != nil {
				writeError(w, http.StatusBadRequest, derr.Error())
				return
			}
		}
		appt, err = s.deps.Bookings.Complete(r.Context(), id, userID, body.Notes)
	case "cancel":
		appt, err = s.deps.Bookings.Cancel(r.Context(), id, userID)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.fail(w, err, "update appointment")
		return
	}
	writeJSON(w, toAppointmentResponse(appt))
}

// -- Errors --

func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	status, msg := s.classify(err, op)
	writeError(w, status, msg)
}

// classify maps service errors onto an HTTP status and a client-safe message.
func (s *Server) classify(err error, op string) (int, string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.metrics.IncError("http")
		s.logger.Error(op+" failed", "status", status, "error", err)
	} else {
		s.logger.Info(op+" refused", "status", status, "error", err)
	}

	switch status {
	case http.StatusInternalServerError:
		return status, "internal error"
	case http.StatusBadGateway:
		return status, "M-Pesa authentication failed"
	case http.StatusServiceUnavailable:
		return status, "M-Pesa is not responding, the payment is still pending"
	}
	return status, err.Error()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payment.ErrValidation), errors.Is(err, booking.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrForbidden), errors.Is(err, booking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, booking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrStatusConflict), errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, payment.ErrGatewayRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func identity(r *http.Request) *auth.Identity {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return &auth.Identity{}
	}
	return id
}
