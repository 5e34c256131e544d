package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"teletherapy/internal/cache"
	"teletherapy/internal/metrics"
)

const (
	defaultBaseURL         = "https://sandbox.safaricom.co.ke"
	defaultTransactionType = "CustomerPayBillOnline"
	defaultDescription     = "Therapy Session Payment"

	tokenEndpoint = "/oauth/v1/generate"
	pushEndpoint  = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"
)

var (
	// ErrMissingCredentials is returned before any network call when app credentials are not configured.
	ErrMissingCredentials = errors.New("mpesa credentials missing")
	// ErrInvalidCredential indicates Daraja rejected the consumer key/secret or the bearer token.
	ErrInvalidCredential = errors.New("mpesa invalid credential")
	// ErrUnavailable covers transport failures, timeouts and gateway-side 5xx responses.
	ErrUnavailable = errors.New("mpesa unavailable")
)

// darajaZone is the gateway's local time (EAT, no DST).
var darajaZone = time.FixedZone("EAT", 3*60*60)

// RejectionError is a synchronous refusal of a push request.
type RejectionError struct {
	Code    string
	Message string
	Raw     json.RawMessage
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return "mpesa rejected request: " + e.Message
	}
	return fmt.Sprintf("mpesa rejected request: %s (code=%s)", e.Message, e.Code)
}

// Config holds Daraja client configuration.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// Client provides typed access to the Daraja STK push API.
type Client struct {
	logger  *slog.Logger
	cfg     Config
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics
	cache   *cache.Redis
	now     func() time.Time

	mu    sync.Mutex
	token cachedToken
}

// New creates a new Daraja client. redis may be nil.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = defaultTransactionType
	}
	return &Client{
		logger:  logger.With("component", "mpesa"),
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		cache:   redis,
		now:     time.Now,
	}
}

// PushRequest is the input to STKPush. Phone must already be in 254XXXXXXXXX form.
type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// PushResult is the synchronous acknowledgement of an accepted push request.
type PushResult struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	Raw                 json.RawMessage `json:"-"`
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// errorEnvelope is Daraja's shape for non-2xx replies.
type errorEnvelope struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush asks the gateway to prompt the customer's handset for their PIN.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResult, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("stk push: amount must be positive, got %d", req.Amount)
	}
	if strings.TrimSpace(req.AccountReference) == "" {
		return nil, fmt.Errorf("stk push: account reference required")
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = defaultDescription
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().In(darajaZone).Format(timestampLayout)
	payload := pushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   desc,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode stk push: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	raw, err := c.do(ctx, http.MethodPost, pushEndpoint, bytes.NewReader(body), headers)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			c.forgetToken(ctx)
		}
		return nil, err
	}

	var result PushResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	result.Raw = raw
	if strings.TrimSpace(result.ResponseCode) != "0" {
		msg := result.ResponseDescription
		if msg == "" {
			msg = "STK Push failed"
		}
		return nil, &RejectionError{Code: result.ResponseCode, Message: msg, Raw: raw}
	}
	if result.CheckoutRequestID == "" {
		return nil, &RejectionError{Code: result.ResponseCode, Message: "acknowledgement missing CheckoutRequestID", Raw: raw}
	}

	c.logger.Info("stk push accepted",
		"account_reference", req.AccountReference,
		"merchant_request_id", result.MerchantRequestID,
		"checkout_request_id", result.CheckoutRequestID,
	)
	return &result, nil
}

// Password derives the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func (c *Client) checkConfig() error {
	var missing []string
	if c.cfg.ConsumerKey == "" {
		missing = append(missing, "consumer key")
	}
	if c.cfg.ConsumerSecret == "" {
		missing = append(missing, "consumer secret")
	}
	if c.cfg.ShortCode == "" {
		missing = append(missing, "short code")
	}
	if c.cfg.Passkey == "" {
		missing = append(missing, "passkey")
	}
	if c.cfg.CallbackURL == "" {
		missing = append(missing, "callback url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for key, vals := range headers {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "teletherapy/mpesa-client")

	label, _, _ := strings.Cut(endpoint, "?")
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GatewayRequests.WithLabelValues(label, "error").Inc()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, label, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.GatewayRequests.WithLabelValues(label, statusLabel).Inc()
		c.metrics.GatewayLatency.WithLabelValues(label, statusLabel).Observe(time.Since(start).Seconds())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, raw)
	}
	return raw, nil
}

func classifyHTTPError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	lower := strings.ToLower(env.ErrorMessage)

	switch {
	case status == http.StatusUnauthorized,
		strings.Contains(lower, "invalid access token"),
		strings.Contains(lower, "invalid credentials"):
		if env.ErrorMessage != "" {
			snippet = env.ErrorMessage
		}
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	case status >= 500 && env.ErrorCode == "":
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, status, snippet)
	}

	msg := env.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("status=%d body=%s", status, snippet)
	}
	return &RejectionError{Code: env.ErrorCode, Message: msg, Raw: json.RawMessage(body)}
}
