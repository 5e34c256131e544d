package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"teletherapy/internal/logging"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/webhook/mpesa",
		Timeout:        2 * time.Second,
	}
}

type fakeDaraja struct {
	tokenCalls atomic.Int32
	pushCalls  atomic.Int32
	lastPush   pushPayload
	pushStatus int
	pushBody   string
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errorCode":"400.008.01","errorMessage":"Invalid Authentication passed"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		f.pushCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&f.lastPush); err != nil {
			t.Errorf("decode push: %v", err)
		}
		status := f.pushStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.pushBody))
	})
	return mux
}

const acceptedBody = `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`

func TestSTKPushAccepted(t *testing.T) {
	fake := &fakeDaraja{pushBody: acceptedBody}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := New(testConfig(srv.URL), logging.Discard(), nil, nil)
	fixed := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	res, err := client.STKPush(context.Background(), PushRequest{
		Phone:            "254712345678",
		Amount:           1500,
		AccountReference: "pay-1",
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if res.CheckoutRequestID != "ws_CO_191220191020363925" || res.MerchantRequestID != "29115-34620561-1" {
		t.Fatalf("unexpected correlation pair: %+v", res)
	}

	if fake.lastPush.Timestamp != "20240301123000" {
		t.Fatalf("timestamp not in gateway local time: %s", fake.lastPush.Timestamp)
	}
	if fake.lastPush.Password != Password("174379", "passkey", "20240301123000") {
		t.Fatalf("unexpected password %s", fake.lastPush.Password)
	}
	if fake.lastPush.PartyA != "254712345678" || fake.lastPush.PartyB != "174379" || fake.lastPush.Amount != 1500 {
		t.Fatalf("unexpected payload: %+v", fake.lastPush)
	}
	if fake.lastPush.TransactionDesc != defaultDescription {
		t.Fatalf("expected default description, got %q", fake.lastPush.TransactionDesc)
	}

	if _, err := client.STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: 10, AccountReference: "pay-2"}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if n := fake.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected token to be reused, fetched %d times", n)
	}
}

func TestPasswordEncoding(t *testing.T) {
	// base64("174379" + "pk" + "20240301123000")
	if got := Password("174379", "pk", "20240301123000"); got != "MTc0Mzc5cGsyMDI0MDMwMTEyMzAwMA==" {
		t.Fatalf("unexpected password %s", got)
	}
}

func TestSTKPushFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(Config) Config
		status    int
		body      string
		wantIs    error
		wantCode  string
		wantPushs int32
	}{
		{
			name:   "missing credentials",
			cfg:    func(c Config) Config { c.Passkey = ""; return c },
			wantIs: ErrMissingCredentials,
		},
		{
			name:   "token rejected",
			cfg:    func(c Config) Config { c.ConsumerSecret = "wrong"; return c },
			wantIs: ErrInvalidCredential,
		},
		{
			name:      "non-zero acknowledgement",
			body:      `{"MerchantRequestID":"m","CheckoutRequestID":"c","ResponseCode":"1","ResponseDescription":"Rejected"}`,
			wantCode:  "1",
			wantPushs: 1,
		},
		{
			name:      "validation error body",
			status:    http.StatusBadRequest,
			body:      `{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`,
			wantCode:  "400.002.02",
			wantPushs: 1,
		},
		{
			name:      "expired token",
			status:    http.StatusUnauthorized,
			body:      `{"requestId":"r","errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`,
			wantIs:    ErrInvalidCredential,
			wantPushs: 1,
		},
		{
			name:      "gateway down",
			status:    http.StatusServiceUnavailable,
			body:      `upstream unavailable`,
			wantIs:    ErrUnavailable,
			wantPushs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDaraja{pushStatus: tt.status, pushBody: tt.body}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			if tt.cfg != nil {
				cfg = tt.cfg(cfg)
			}
			client := New(cfg, logging.Discard(), nil, nil)
			_, err := client.STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: 100, AccountReference: "ref"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Fatalf("expected %v, got %v", tt.wantIs, err)
			}
			if tt.wantCode != "" {
				var rej *RejectionError
				if !errors.As(err, &rej) {
					t.Fatalf("expected rejection, got %v", err)
				}
				if rej.Code != tt.wantCode {
					t.Fatalf("expected code %s, got %s", tt.wantCode, rej.Code)
				}
			}
			if got := fake.pushCalls.Load(); got != tt.wantPushs {
				t.Fatalf("expected %d push calls, got %d", tt.wantPushs, got)
			}
		})
	}
}

func TestSTKPushNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(testConfig(url), logging.Discard(), nil, nil)
	_, err := client.STKPush(context.Background(), PushRequest{Phone: "254712345678", Amount: 100, AccountReference: "ref"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
