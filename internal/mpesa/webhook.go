package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"teletherapy/internal/metrics"
)

const maxCallbackBytes = 1 << 20

// ErrUnknownCheckout marks a callback whose CheckoutRequestID matches no payment.
var ErrUnknownCheckout = errors.New("unknown checkout request")

// CallbackProcessor applies one callback delivery. Returned errors wrapping
// ErrMalformedCallback or ErrUnknownCheckout are answered as client errors; anything else
// is treated as a server-side failure so the gateway retries.
type CallbackProcessor interface {
	ProcessCallback(ctx context.Context, body []byte) error
}

// WebhookHandler receives STK push results and forwards them to a processor.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor CallbackProcessor
}

// NewWebhookHandler creates a new callback handler.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, processor CallbackProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "mpesa_webhook"),
		metrics:   metrics,
		processor: processor,
	}
}

type ackResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.count("malformed")
		h.reply(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	h.logger.Debug("callback received", "payload", string(body))

	if h.processor != nil {
		if err := h.processor.ProcessCallback(r.Context(), body); err != nil {
			switch {
			case errors.Is(err, ErrMalformedCallback):
				h.logger.Warn("rejected malformed callback", "error", err)
				h.count("malformed")
				h.reply(w, http.StatusBadRequest, "Invalid callback format")
			case errors.Is(err, ErrUnknownCheckout):
				h.logger.Warn("callback for unknown payment", "error", err)
				h.count("not_found")
				h.reply(w, http.StatusNotFound, "Payment record not found")
			default:
				h.logger.Error("failed processing callback", "error", err)
				h.count("error")
				h.metrics.IncError("mpesa_webhook_process")
				h.reply(w, http.StatusInternalServerError, "Failed to update payment")
			}
			return
		}
	}

	h.count("processed")
	writeJSON(w, http.StatusOK, ackResponse{
		Success:    true,
		Message:    "Callback processed successfully",
		ResultCode: 0,
		ResultDesc: "Accepted",
	})
}

func (h *WebhookHandler) reply(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ackResponse{Success: false, Error: msg, ResultCode: 1, ResultDesc: msg})
}

func (h *WebhookHandler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.Callbacks.WithLabelValues(outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
