package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"teletherapy/internal/auth"
	"teletherapy/internal/booking"
	"teletherapy/internal/logging"
	"teletherapy/internal/mpesa"
	"teletherapy/internal/payment"
	"teletherapy/internal/repo"
	"teletherapy/migrations"
)

const jwtSecret = "test-secret-with-enough-entropy-for-hs256"

type stubGateway struct {
	err  error
	next int
}

func (g *stubGateway) STKPush(_ context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.next++
	id := fmt.Sprintf("ws_CO_%d", g.next)
	return &mpesa.PushResult{MerchantRequestID: "m-" + id, CheckoutRequestID: id, ResponseCode: "0", Raw: []byte(`{"ResponseCode":"0"}`)}, nil
}

type testEnv struct {
	srv       *Server
	handler   http.Handler
	store     *repo.SQLiteRepository
	gateway   *stubGateway
	verifier  *auth.Verifier
	therapist *repo.Therapist
}

func newTestEnv(t *testing.T, basePath string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "http.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	therapistUser := "therapist-user"
	th, err := store.UpsertTherapist(ctx, repo.Therapist{UserID: &therapistUser, FullName: "Dr. Kamau", HourlyRate: 3000})
	if err != nil {
		t.Fatalf("upsert therapist: %v", err)
	}

	gw := &stubGateway{}
	verifier := auth.NewVerifier(jwtSecret)
	reconciler := payment.NewReconciler(store, nil, logger, nil, payment.ReconcilerConfig{})

	srv := New(":0", logger, nil, Handlers{MpesaWebhook: mpesa.NewWebhookHandler(logger, nil, reconciler)}, basePath)
	srv.SetDependencies(Dependencies{
		Repository: store,
		Auth:       verifier,
		Payments:   payment.NewService(store, gw, logger, nil, payment.ServiceConfig{RetryBackoff: time.Millisecond}),
		Bookings:   booking.NewService(store, logger),
	})
	return &testEnv{srv: srv, handler: srv.Handler(), store: store, gateway: gw, verifier: verifier, therapist: th}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		token, err := e.verifier.Sign(user, time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (e *testEnv) book(t *testing.T, patient string) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/api/appointments", patient, map[string]any{
		"therapist_id": e.therapist.ID,
		"scheduled_at": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"duration":     30,
		"session_type": "video",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: status %d: %s", rec.Code, rec.Body.String())
	}
	if body["amount"] != float64(1500) || body["status"] != "pending" {
		t.Fatalf("unexpected appointment %v", body)
	}
	return body["id"].(string)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK || body["database"] != "ok" {
		t.Fatalf("readyz: %d %v", rec.Code, body)
	}
	if _, ok := body["notices"]; ok {
		t.Fatalf("notices reported without a channel: %v", body)
	}
}

type fakeNoticeChannel struct{ state string }

func (f fakeNoticeChannel) Ready() (string, bool) { return f.state, f.state == "connected" }

func TestReadinessReportsNoticeChannel(t *testing.T) {
	for _, state := range []string{"connected", "unpaired", "logged_out"} {
		t.Run(state, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.srv.deps.Notices = fakeNoticeChannel{state: state}
			rec, body := env.do(t, http.MethodGet, "/readyz", "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("an unlinked notice channel must not fail readiness: %d %v", rec.Code, body)
			}
			if body["notices"] != state {
				t.Fatalf("notices = %v, want %s", body["notices"], state)
			}
		})
	}
}

func TestTherapistSelfRegistration(t *testing.T) {
	env := newTestEnv(t, "")

	rec, body := env.do(t, http.MethodPut, "/api/therapists/me", "fresh-therapist", map[string]any{"full_name": "Dr. Wanjiru"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("listing without a rate: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPut, "/api/therapists/me", "fresh-therapist", map[string]any{"full_name": "Dr. Wanjiru", "hourly_rate": 4000})
	if rec.Code != http.StatusOK || body["is_verified"] != false {
		t.Fatalf("register: %d %v", rec.Code, body)
	}
	id := body["id"].(string)

	if rec, body = env.do(t, http.MethodGet, "/api/therapists/"+id, "patient-1", nil); rec.Code != http.StatusOK || body["hourly_rate"] != float64(4000) {
		t.Fatalf("get therapist: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/api/appointments", "patient-1", map[string]any{
		"therapist_id": id,
		"scheduled_at": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"duration":     45,
	})
	if rec.Code != http.StatusCreated || body["amount"] != float64(3000) {
		t.Fatalf("book registered therapist: %d %v", rec.Code, body)
	}
	if rec, _ = env.do(t, http.MethodGet, "/api/therapists/missing", "patient-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing therapist: %d", rec.Code)
	}
}

func TestBasePathMounting(t *testing.T) {
	env := newTestEnv(t, "/teletherapy/")
	if rec, _ := env.do(t, http.MethodGet, "/teletherapy/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("prefixed healthz: %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed healthz: %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/teletherapyx/healthz", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("lookalike prefix: %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/api/payments", "/api/payments/abc", "/api/appointments/abc"} {
		if rec, _ := env.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: %d", path, rec.Code)
		}
	}
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, "")
	bookingID := env.book(t, "patient-1")

	rec, body := env.do(t, http.MethodPost, "/api/payments", "patient-1", map[string]any{"booking_id": bookingID, "phone": "0712345678"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment: %d %s", rec.Code, rec.Body.String())
	}
	paymentID, _ := body["payment_id"].(string)
	if body["status"] != "pending" || body["checkout_request_id"] != "ws_CO_1" || paymentID == "" {
		t.Fatalf("unexpected create response %v", body)
	}

	if rec, _ := env.do(t, http.MethodGet, "/api/payments/"+paymentID, "intruder", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign read: %d", rec.Code)
	}

	callback := `{"Body":{"stkCallback":{"MerchantRequestID":"m-ws_CO_1","CheckoutRequestID":"ws_CO_1","ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`
	rec, body = env.do(t, http.MethodPost, "/webhook/mpesa", "", callback)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("webhook: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/payments/"+paymentID, "patient-1", nil)
	if rec.Code != http.StatusOK || body["status"] != "completed" || body["mpesa_receipt"] != "ABC123" {
		t.Fatalf("payment after callback: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/appointments/"+bookingID, "therapist-user", nil)
	if rec.Code != http.StatusOK || body["status"] != "confirmed" {
		t.Fatalf("appointment after callback: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/payments?limit=5", "patient-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	if list, _ := body["payments"].([]any); len(list) != 1 {
		t.Fatalf("history: %v", body)
	}

	rec, body = env.do(t, http.MethodPost, "/api/appointments/"+bookingID+"/start", "patient-1", nil)
	if rec.Code != http.StatusOK || body["status"] != "in_progress" {
		t.Fatalf("start: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/api/appointments/"+bookingID+"/complete", "therapist-user", map[string]string{"notes": "went well"})
	if rec.Code != http.StatusOK || body["status"] != "completed" || body["notes"] != "went well" {
		t.Fatalf("complete: %d %v", rec.Code, body)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/appointments/"+bookingID+"/cancel", "patient-1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed: %d", rec.Code)
	}
}

func TestCreatePaymentErrors(t *testing.T) {
	tests := []struct {
		name       string
		gatewayErr error
		phone      string
		want       int
		wantStatus string
	}{
		{name: "invalid phone", phone: "12345", want: http.StatusBadRequest},
		{name: "rejected", phone: "0712345678", gatewayErr: &mpesa.RejectionError{Code: "400.002.02", Message: "Invalid PhoneNumber"}, want: http.StatusPaymentRequired, wantStatus: "failed"},
		{name: "unavailable", phone: "0712345678", gatewayErr: fmt.Errorf("%w: timeout", mpesa.ErrUnavailable), want: http.StatusServiceUnavailable, wantStatus: "pending"},
		{name: "bad credentials", phone: "0712345678", gatewayErr: mpesa.ErrInvalidCredential, want: http.StatusBadGateway, wantStatus: "failed"},
		{name: "not configured", phone: "0712345678", gatewayErr: mpesa.ErrMissingCredentials, want: http.StatusInternalServerError, wantStatus: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.gateway.err = tt.gatewayErr
			bookingID := env.book(t, "patient-1")

			rec, body := env.do(t, http.MethodPost, "/api/payments", "patient-1", map[string]any{"booking_id": bookingID, "phone": tt.phone})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.wantStatus != "" && body["status"] != tt.wantStatus {
				t.Fatalf("payment status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["error"] == "" || body["error"] == nil {
				t.Fatalf("missing error message: %v", body)
			}
		})
	}
}

func TestSTKPushFunction(t *testing.T) {
	env := newTestEnv(t, "")
	bookingID := env.book(t, "patient-1")
	p, err := env.store.InsertPayment(context.Background(), repo.Payment{UserID: "patient-1", BookingID: bookingID, Amount: 1500, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	rec, body := env.do(t, http.MethodPost, "/functions/mpesa-stk-push", "patient-1", map[string]any{"phone": "254712345678", "amount": 1500})
	if rec.Code != http.StatusBadRequest || !strings.Contains(fmt.Sprint(body["error"]), "Missing required fields") {
		t.Fatalf("missing fields: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPost, "/functions/mpesa-stk-push", "patient-1", map[string]any{
		"phone":             "254712345678",
		"amount":            1500,
		"account_reference": p.ID,
		"transaction_desc":  "Therapy Session Payment",
	})
	if rec.Code != http.StatusOK || body["success"] != true || body["checkout_request_id"] != "ws_CO_1" {
		t.Fatalf("push: %d %v", rec.Code, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", payment.ErrValidation), http.StatusBadRequest},
		{booking.ErrInvalidRequest, http.StatusBadRequest},
		{payment.ErrForbidden, http.StatusForbidden},
		{booking.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %w", booking.ErrInvalidTransition, repo.ErrStatusConflict), http.StatusConflict},
		{payment.ErrGatewayRejected, http.StatusPaymentRequired},
		{payment.ErrAuth, http.StatusBadGateway},
		{payment.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{payment.ErrConfig, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
