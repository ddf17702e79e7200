package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker's current state.
type BreakerState int

// Circuit breaker states.
const (
	// BreakerClosed lets operations proceed normally; failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all operations immediately.
	BreakerOpen
	// BreakerHalfOpen allows exactly one operation through as a probe.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a stateful guard that stops attempting an operation after
// repeated failures. Once open, it rejects operations until a cooldown window
// elapses, then allows a single probe through; the probe's outcome decides
// whether the breaker closes again or re-opens.
//
// The breaker belongs to a single resilience controller instance and its
// methods are safe for concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	state       BreakerState
	probing     bool
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and probes again after the cooldown elapses.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an operation may proceed. When the breaker is open and
// the cooldown has elapsed since the last failure, the breaker transitions to
// half-open and admits exactly one probe; further calls are rejected until the
// probe's outcome is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the breaker to closed and clears the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure increments the failure counter. Reaching the threshold while
// closed, or any failure while half-open, opens the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
	b.probing = false
}

// State returns the breaker's current state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RawSender is the primitive send operation the resilience and batching layers
// wrap. Implementations transmit one already-framed message.
type RawSender interface {
	SendRaw(ctx context.Context, payload []byte) error
}

// Connector is the primitive connect operation the reconnection loop wraps.
type Connector interface {
	Connect(ctx context.Context) error
}

// ResilienceControllerOption represents the options for the ResilienceController.
type ResilienceControllerOption func(*ResilienceController)

// ResilienceController wraps a transport's primitive send and connect
// operations with failure policy: bounded retries with exponential backoff, a
// circuit breaker, and a bounded reconnection loop. It holds no transport
// state of its own; one controller serves one transport instance.
type ResilienceController struct {
	sender    RawSender
	connector Connector
	breaker   *CircuitBreaker
	logger    *slog.Logger

	maxAttempts          int
	baseDelay            time.Duration
	maxDelay             time.Duration
	maxReconnectAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResilienceController creates a controller around the given transport
// primitives using the retry and breaker settings from cfg.
func NewResilienceController(
	sender RawSender,
	connector Connector,
	cfg ResilienceConfig,
	options ...ResilienceControllerOption,
) *ResilienceController {
	cfg.applyDefaults()
	r := &ResilienceController{
		sender:               sender,
		connector:            connector,
		breaker:              NewCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown),
		logger:               slog.Default(),
		maxAttempts:          cfg.MaxAttempts,
		baseDelay:            cfg.BaseDelay,
		maxDelay:             cfg.MaxDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		sleep:                sleepContext,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithResilienceLogger sets the logger used to report retry and breaker events.
func WithResilienceLogger(logger *slog.Logger) ResilienceControllerOption {
	return func(r *ResilienceController) {
		r.logger = logger.With(slog.String("component", "resilience"))
	}
}

// Breaker exposes the controller's circuit breaker for state inspection.
func (r *ResilienceController) Breaker() *CircuitBreaker {
	return r.breaker
}

// SendWithRetry attempts the primitive send up to the configured attempt count,
// waiting an exponentially increasing delay between attempts. An open circuit
// fails immediately with ErrCircuitOpen without touching the transport.
// Exhausting all attempts reports the failure to the circuit breaker and
// returns the last error; a success reports success, closing a half-open
// breaker.
func (r *ResilienceController) SendWithRetry(ctx context.Context, payload []byte) error {
	return r.sendWithRetry(ctx, func(ctx context.Context) error {
		return r.sender.SendRaw(ctx, payload)
	})
}

// SendRaw implements RawSender by sending through the retry and breaker
// policy, so a batching layer can stack on top of the controller.
func (r *ResilienceController) SendRaw(ctx context.Context, payload []byte) error {
	return r.SendWithRetry(ctx, payload)
}

// SendRawBulk implements BulkSender. When the wrapped sender supports bulk
// transmission the whole batch goes through one guarded send; otherwise the
// payloads are sent one by one, stopping at the first failure.
func (r *ResilienceController) SendRawBulk(ctx context.Context, payloads [][]byte) error {
	if bulk, ok := r.sender.(BulkSender); ok {
		return r.sendWithRetry(ctx, func(ctx context.Context) error {
			return bulk.SendRawBulk(ctx, payloads)
		})
	}
	for _, payload := range payloads {
		if err := r.SendWithRetry(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResilienceController) sendWithRetry(ctx context.Context, send func(ctx context.Context) error) error {
	if !r.breaker.Allow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = send(ctx)
		if lastErr == nil {
			r.breaker.RecordSuccess()
			return nil
		}

		r.logger.Warn("send attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", r.maxAttempts),
			slog.String("err", lastErr.Error()))

		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoffDelay(attempt)); err != nil {
			r.breaker.RecordFailure()
			return err
		}
	}

	r.breaker.RecordFailure()
	return fmt.Errorf("send failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// ReconnectWithBackoff runs a bounded, exponentially backed-off loop around the
// primitive reconnect operation. It gives up permanently after the configured
// attempt count, logging and returning false rather than an error, so the
// caller can decide whether to abandon the connection.
func (r *ResilienceController) ReconnectWithBackoff(ctx context.Context) bool {
	for attempt := 1; attempt <= r.maxReconnectAttempts; attempt++ {
		err := r.connector.Connect(ctx)
		if err == nil {
			r.breaker.RecordSuccess()
			r.logger.Info("reconnected", slog.Int("attempt", attempt))
			return true
		}
		r.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", r.maxReconnectAttempts),
			slog.String("err", err.Error()))

		if attempt == r.maxReconnectAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoffDelay(attempt)); err != nil {
			return false
		}
	}

	r.logger.Error("giving up reconnecting",
		slog.Int("attempts", r.maxReconnectAttempts))
	return false
}

// backoffDelay computes base delay x 2^(attempt-1), capped at the maximum delay.
func (r *ResilienceController) backoffDelay(attempt int) time.Duration {
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
