package payment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"teletherapy/internal/logging"
	"teletherapy/internal/mpesa"
	"teletherapy/internal/repo"
	"teletherapy/migrations"
)

const testPatient = "patient-1"

func newStore(t *testing.T) *repo.SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "payments.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedBooking(t *testing.T, store repo.Repository) *repo.Appointment {
	t.Helper()
	ctx := context.Background()
	userID := "therapist-" + uuid.NewString()
	th, err := store.UpsertTherapist(ctx, repo.Therapist{UserID: &userID, FullName: "Dr. Otieno", HourlyRate: 3000})
	if err != nil {
		t.Fatalf("upsert therapist: %v", err)
	}
	appt, err := store.InsertAppointment(ctx, repo.Appointment{
		PatientID:       testPatient,
		TherapistID:     th.ID,
		ScheduledAt:     time.Now().Add(48 * time.Hour),
		DurationMinutes: 30,
		SessionType:     "video",
		Amount:          1500,
	})
	if err != nil {
		t.Fatalf("insert appointment: %v", err)
	}
	return appt
}

type fakeGateway struct {
	mu     sync.Mutex
	result *mpesa.PushResult
	err    error
	calls  []mpesa.PushRequest
}

func acceptingGateway(checkoutID string) *fakeGateway {
	return &fakeGateway{result: &mpesa.PushResult{
		MerchantRequestID:   "merchant-" + checkoutID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		Raw:                 []byte(`{"ResponseCode":"0"}`),
	}}
}

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.result, g.err
}

func (g *fakeGateway) Calls() []mpesa.PushRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]mpesa.PushRequest(nil), g.calls...)
}

func newService(store repo.Repository, gw Gateway) *Service {
	return NewService(store, gw, logging.Discard(), nil, ServiceConfig{
		Description:  "Therapy Session Payment",
		RetryBackoff: time.Millisecond,
	})
}

func TestInitiateAcceptedLeavesPaymentPending(t *testing.T) {
	store := newStore(t)
	appt := seedBooking(t, store)
	gw := acceptingGateway("ws_CO_100")
	svc := newService(store, gw)

	p, err := svc.Initiate(context.Background(), InitiateRequest{UserID: testPatient, BookingID: appt.ID, Phone: "0712345678"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if p.Status != repo.PaymentPending || p.Amount != 1500 || p.Phone != "254712345678" {
		t.Fatalf("unexpected payment: %+v", p)
	}
	if p.CheckoutRequestID == nil || *p.CheckoutRequestID != "ws_CO_100" {
		t.Fatalf("checkout id not attached: %v", p.CheckoutRequestID)
	}
	if p.MerchantRequestID == nil || *p.MerchantRequestID != "merchant-ws_CO_100" {
		t.Fatalf("merchant id not attached: %v", p.MerchantRequestID)
	}

	calls := gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one push, got %d", len(calls))
	}
	if calls[0].Phone != "254712345678" || calls[0].Amount != 1500 || calls[0].AccountReference != p.ID {
		t.Fatalf("unexpected push request: %+v", calls[0])
	}
}

func TestInitiateGatewayFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       error
		wantStatus string
		wantDesc   string
	}{
		{
			name:       "synchronous rejection",
			err:        &mpesa.RejectionError{Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"},
			want:       ErrGatewayRejected,
			wantStatus: repo.PaymentFailed,
			wantDesc:   "Bad Request - Invalid PhoneNumber",
		},
		{
			name:       "missing credentials",
			err:        fmt.Errorf("%w: consumer key", mpesa.ErrMissingCredentials),
			want:       ErrConfig,
			wantStatus: repo.PaymentFailed,
			wantDesc:   "M-Pesa configuration missing",
		},
		{
			name:       "credentials refused",
			err:        fmt.Errorf("%w: 401", mpesa.ErrInvalidCredential),
			want:       ErrAuth,
			wantStatus: repo.PaymentFailed,
			wantDesc:   "M-Pesa authentication failed",
		},
		{
			name:       "network failure",
			err:        fmt.Errorf("%w: processrequest: %w", mpesa.ErrUnavailable, context.DeadlineExceeded),
			want:       ErrGatewayUnavailable,
			wantStatus: repo.PaymentPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			appt := seedBooking(t, store)
			svc := newService(store, &fakeGateway{err: tt.err})

			p, err := svc.Initiate(context.Background(), InitiateRequest{UserID: testPatient, BookingID: appt.ID, Phone: "254712345678"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if p == nil {
				t.Fatal("expected the payment alongside the error")
			}
			stored, err := store.GetPayment(context.Background(), p.ID)
			if err != nil {
				t.Fatalf("get payment: %v", err)
			}
			if stored.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", stored.Status, tt.wantStatus)
			}
			if stored.CheckoutRequestID != nil {
				t.Fatalf("no correlation expected, got %s", *stored.CheckoutRequestID)
			}
			if tt.wantDesc != "" && (stored.ResultDesc == nil || *stored.ResultDesc != tt.wantDesc) {
				t.Fatalf("result_desc = %v, want %q", stored.ResultDesc, tt.wantDesc)
			}
		})
	}
}

func TestInitiateRejectsBeforeTouchingGateway(t *testing.T) {
	store := newStore(t)
	appt := seedBooking(t, store)

	tests := []struct {
		name string
		req  InitiateRequest
		want error
	}{
		{name: "invalid phone", req: InitiateRequest{UserID: testPatient, BookingID: appt.ID, Phone: "12345"}, want: ErrValidation},
		{name: "negative amount", req: InitiateRequest{UserID: testPatient, BookingID: appt.ID, Phone: "0712345678", Amount: -5}, want: ErrValidation},
		{name: "missing booking id", req: InitiateRequest{UserID: testPatient, Phone: "0712345678"}, want: ErrValidation},
		{name: "unknown booking", req: InitiateRequest{UserID: testPatient, BookingID: uuid.NewString(), Phone: "0712345678"}, want: ErrNotFound},
		{name: "foreign booking", req: InitiateRequest{UserID: "someone-else", BookingID: appt.ID, Phone: "0712345678"}, want: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := acceptingGateway("ws_CO_never")
			_, err := newService(store, gw).Initiate(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if n := len(gw.Calls()); n != 0 {
				t.Fatalf("gateway called %d times", n)
			}
		})
	}

	history, err := newService(store, nil).History(context.Background(), testPatient, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no payment rows, got %d", len(history))
	}
}

func TestInitiateRefusesConfirmedBooking(t *testing.T) {
	store := newStore(t)
	appt := seedBooking(t, store)
	if _, err := store.ConfirmAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	_, err := newService(store, acceptingGateway("ws_CO_1")).Initiate(context.Background(), InitiateRequest{
		UserID: testPatient, BookingID: appt.ID, Phone: "0712345678",
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestPushExistingPayment(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	appt := seedBooking(t, store)
	p, err := store.InsertPayment(ctx, repo.Payment{UserID: testPatient, BookingID: appt.ID, Amount: 1500, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	svc := newService(store, acceptingGateway("ws_CO_200"))

	if _, err := svc.Push(ctx, testPatient, PushRequest{Phone: "254712345678", Amount: 1500}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing account reference: expected ErrValidation, got %v", err)
	}
	if _, err := svc.Push(ctx, testPatient, PushRequest{Phone: "0712345678", Amount: 1500, AccountReference: p.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("local phone form: expected ErrValidation, got %v", err)
	}
	if _, err := svc.Push(ctx, testPatient, PushRequest{Phone: "254712345678", Amount: 999, AccountReference: p.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("amount mismatch: expected ErrValidation, got %v", err)
	}
	if _, err := svc.Push(ctx, "intruder", PushRequest{Phone: "254712345678", Amount: 1500, AccountReference: p.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign payment: expected ErrForbidden, got %v", err)
	}

	got, err := svc.Push(ctx, testPatient, PushRequest{Phone: "254712345678", Amount: 1500, AccountReference: p.ID, Description: "Session"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got.CheckoutRequestID == nil || *got.CheckoutRequestID != "ws_CO_200" {
		t.Fatalf("checkout id not attached: %+v", got)
	}

	if _, err := svc.Push(ctx, testPatient, PushRequest{Phone: "254712345678", Amount: 1500, AccountReference: p.ID}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second push: expected ErrStatusConflict, got %v", err)
	}
}

func TestGetChecksOwnership(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	appt := seedBooking(t, store)
	svc := newService(store, acceptingGateway("ws_CO_300"))
	p, err := svc.Initiate(ctx, InitiateRequest{UserID: testPatient, BookingID: appt.ID, Phone: "0712345678"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if _, err := svc.Get(ctx, testPatient, p.ID); err != nil {
		t.Fatalf("Get own payment: %v", err)
	}
	if _, err := svc.Get(ctx, "intruder", p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, testPatient, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithRetryStopsOnFinalErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("update: %w", repo.ErrStatusConflict)
	})
	if !errors.Is(err, repo.ErrStatusConflict) || calls != 1 {
		t.Fatalf("expected one call ending in conflict, got %d calls, err %v", calls, err)
	}

	calls = 0
	err = withRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls, err %v", calls, err)
	}
}
