package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"teletherapy/internal/metrics"
	"teletherapy/internal/repo"
)

// PollState is the client-side view of one payment attempt.
type PollState string

const (
	StateIdle      PollState = "idle"
	StateInitiated PollState = "initiated"
	StateChecking  PollState = "checking"
	StateSuccess   PollState = "success"
	StateFailed    PollState = "failed"
)

// Snapshot is what a status read returns about a payment.
type Snapshot struct {
	PaymentID  string
	Status     string
	Receipt    string
	ResultDesc string
	ResultCode *int
}

// SnapshotOf projects a stored payment onto a Snapshot.
func SnapshotOf(p *repo.Payment) Snapshot {
	s := Snapshot{PaymentID: p.ID, Status: p.Status, ResultCode: p.ResultCode}
	if p.MpesaReceipt != nil {
		s.Receipt = *p.MpesaReceipt
	}
	if p.ResultDesc != nil {
		s.ResultDesc = *p.ResultDesc
	}
	return s
}

// StatusReader reads the current state of a payment. The poller never writes.
type StatusReader interface {
	ReadPayment(ctx context.Context, paymentID string) (Snapshot, error)
}

// StatusReaderFunc adapts a function to StatusReader.
type StatusReaderFunc func(ctx context.Context, paymentID string) (Snapshot, error)

// ReadPayment calls f.
func (f StatusReaderFunc) ReadPayment(ctx context.Context, paymentID string) (Snapshot, error) {
	return f(ctx, paymentID)
}

// StoreReader reads snapshots straight from a repository.
func StoreReader(store repo.Repository) StatusReader {
	return StatusReaderFunc(func(ctx context.Context, paymentID string) (Snapshot, error) {
		p, err := store.GetPayment(ctx, paymentID)
		if err != nil {
			return Snapshot{}, err
		}
		return SnapshotOf(p), nil
	})
}

// PollerConfig controls the polling cadence.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

const (
	defaultPollInterval    = 10 * time.Second
	defaultPollMaxAttempts = 30
)

// PollResult is the final state of one polling loop.
type PollResult struct {
	State    PollState
	Snapshot Snapshot
	Attempts int
	Err      error
}

// Retriable reports whether the user may simply try again: the loop gave up or was
// cancelled without learning the outcome.
func (r PollResult) Retriable() bool {
	return r.State != StateSuccess && r.Snapshot.Status != repo.PaymentFailed
}

// Poller re-reads a payment until it is terminal or the attempt ceiling is reached.
type Poller struct {
	reader  StatusReader
	cfg     PollerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPoller constructs a Poller. Zero config values fall back to 10s and 30 attempts.
func NewPoller(reader StatusReader, cfg PollerConfig, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultPollMaxAttempts
	}
	return &Poller{
		reader:  reader,
		cfg:     cfg,
		logger:  logger.With("component", "payment_poller"),
		metrics: m,
	}
}

// Run polls paymentID every interval and blocks until a terminal state, the attempt
// ceiling, or ctx cancellation. Running out of attempts reports StateFailed with
// ErrTimeout; the payment row itself is left untouched. A cancelled loop reports
// StateChecking with ctx.Err().
func (p *Poller) Run(ctx context.Context, paymentID string) PollResult {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	res := PollResult{State: StateChecking, Snapshot: Snapshot{PaymentID: paymentID, Status: repo.PaymentPending}}
	for {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			p.record("cancelled")
			return res
		case <-ticker.C:
		}

		res.Attempts++
		snap, err := p.reader.ReadPayment(ctx, paymentID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				res.Err = ctx.Err()
				p.record("cancelled")
				return res
			}
			p.logger.Warn("payment status read failed", "payment_id", paymentID, "attempt", res.Attempts, "error", err)
		case snap.Status == repo.PaymentCompleted:
			res.State, res.Snapshot = StateSuccess, snap
			p.record(string(StateSuccess))
			return res
		case snap.Status == repo.PaymentFailed:
			res.State, res.Snapshot = StateFailed, snap
			res.Err = fmt.Errorf("%w: %s", ErrPaymentFailed, failureReason(snap))
			p.record(string(StateFailed))
			return res
		default:
			res.Snapshot = snap
		}

		if res.Attempts >= p.cfg.MaxAttempts {
			res.State = StateFailed
			res.Err = fmt.Errorf("%w after %d checks", ErrTimeout, res.Attempts)
			p.logger.Info("payment still pending, giving up", "payment_id", paymentID, "attempts", res.Attempts)
			p.record("timeout")
			return res
		}
	}
}

// Watch is a polling loop running in the background.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result PollResult
}

// Arm starts polling paymentID in the background. onDone, when set, receives the final
// result unless the watch was stopped first.
func (p *Poller) Arm(ctx context.Context, paymentID string, onDone func(PollResult)) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.result = p.Run(ctx, paymentID)
		if onDone != nil && ctx.Err() == nil {
			onDone(w.result)
		}
	}()
	return w
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (w *Watch) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

// Wait blocks until the loop finishes and returns its result.
func (w *Watch) Wait() PollResult {
	<-w.done
	return w.result
}

func (p *Poller) record(state string) {
	if p.metrics == nil {
		return
	}
	p.metrics.PollOutcomes.WithLabelValues(state).Inc()
}

func failureReason(s Snapshot) string {
	if s.ResultDesc != "" {
		return s.ResultDesc
	}
	return "payment was not completed"
}
