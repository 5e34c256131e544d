package mpesa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"teletherapy/internal/logging"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1500.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	cb, err := ParseCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cb.Succeeded() || cb.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	md := cb.Metadata
	if md.MpesaReceiptNumber != "NLJ7RT61SV" || md.PhoneNumber != "254712345678" || md.TransactionDate != "20191219102115" || md.Amount != "1500.00" {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	ts, ok := md.TransactionTime()
	if !ok || ts.UTC().Hour() != 7 {
		t.Fatalf("unexpected transaction time %v (ok=%v)", ts, ok)
	}
}

func TestParseCallbackFailureWithoutMetadata(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	cb, err := ParseCallback([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.Succeeded() || cb.ResultCode != 1032 || cb.Metadata != (Metadata{}) {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestParseCallbackMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"Body":`,
		"missing body":     `{"foo":1}`,
		"missing callback": `{"Body":{}}`,
		"missing checkout": `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"missing result":   `{"Body":{"stkCallback":{"CheckoutRequestID":"c"}}}`,
		"non-numeric code": `{"Body":{"stkCallback":{"CheckoutRequestID":"c","ResultCode":"ok"}}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCallback([]byte(body)); !errors.Is(err, ErrMalformedCallback) {
				t.Fatalf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}

type processorFunc func(ctx context.Context, body []byte) error

func (f processorFunc) ProcessCallback(ctx context.Context, body []byte) error { return f(ctx, body) }

func TestWebhookHandlerStatuses(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "processed", method: http.MethodPost, wantStatus: http.StatusOK, wantBody: `"success":true`},
		{name: "malformed", method: http.MethodPost, err: fmt.Errorf("%w: bad", ErrMalformedCallback), wantStatus: http.StatusBadRequest},
		{name: "unknown", method: http.MethodPost, err: fmt.Errorf("lookup: %w", ErrUnknownCheckout), wantStatus: http.StatusNotFound},
		{name: "persistence", method: http.MethodPost, err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := NewWebhookHandler(logging.Discard(), nil, processorFunc(func(_ context.Context, body []byte) error {
				got = string(body)
				return tt.err
			}))
			req := httptest.NewRequest(tt.method, "/webhook/mpesa", strings.NewReader(successCallback))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("expected body to contain %s, got %s", tt.wantBody, rec.Body.String())
			}
			if tt.method == http.MethodPost && got != successCallback {
				t.Fatal("processor did not receive the raw body")
			}
		})
	}
}
