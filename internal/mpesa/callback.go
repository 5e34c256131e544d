package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedCallback is returned when a callback body cannot be interpreted.
var ErrMalformedCallback = errors.New("malformed mpesa callback")

// Callback is the normalised content of one STK push result delivery.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          Metadata
	Raw               json.RawMessage
}

// Succeeded reports whether the customer completed the payment.
func (c Callback) Succeeded() bool {
	return c.ResultCode == 0
}

// Metadata holds the named items Daraja sends with a successful result. Absent items stay zero.
type Metadata struct {
	Amount             string
	MpesaReceiptNumber string
	TransactionDate    string
	PhoneNumber        string
}

// TransactionTime parses TransactionDate (yyyyMMddHHmmss, EAT).
func (m Metadata) TransactionTime() (time.Time, bool) {
	if m.TransactionDate == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, m.TransactionDate, darajaZone)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback decodes a callback body. It fails closed: a missing envelope, a missing
// CheckoutRequestID or an unreadable ResultCode yields ErrMalformedCallback.
func ParseCallback(body []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	stk := env.Body.StkCallback
	checkoutID := strings.TrimSpace(stk.CheckoutRequestID)
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := parseResultCode(stk.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}

	cb := &Callback{
		MerchantRequestID: strings.TrimSpace(stk.MerchantRequestID),
		CheckoutRequestID: checkoutID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
		Raw:               json.RawMessage(append([]byte(nil), body...)),
	}
	if stk.CallbackMetadata != nil {
		for _, item := range stk.CallbackMetadata.Item {
			val := scalarString(item.Value)
			switch item.Name {
			case "Amount":
				cb.Metadata.Amount = val
			case "MpesaReceiptNumber":
				cb.Metadata.MpesaReceiptNumber = val
			case "TransactionDate":
				cb.Metadata.TransactionDate = val
			case "PhoneNumber":
				cb.Metadata.PhoneNumber = val
			}
		}
	}
	return cb, nil
}

func parseResultCode(raw json.RawMessage) (int, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, errors.New("missing ResultCode")
	}
	code, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid ResultCode %q", text)
	}
	return code, nil
}

// scalarString renders a metadata value as text. Numbers keep their literal digits so
// 254712345678 and 20240101120000 are not mangled into floats.
func scalarString(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return text
}
