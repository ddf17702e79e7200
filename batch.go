package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BulkSender extends the primitive send operation with a bulk variant that
// transmits several already-framed messages in one call.
type BulkSender interface {
	RawSender
	SendRawBulk(ctx context.Context, payloads [][]byte) error
}

// BatchControllerOption represents the options for the BatchController.
type BatchControllerOption func(*BatchController)

// BatchController accumulates outgoing raw messages and flushes them either
// when the batch reaches a configured size or when its age exceeds a configured
// timeout. The timeout is evaluated by CheckTimeout, which the owner is
// expected to drive from a periodic tick; the controller runs no timer of its
// own.
//
// All methods are safe for concurrent use.
type BatchController struct {
	mu         sync.Mutex
	enabled    bool
	size       int
	timeout    time.Duration
	pending    [][]byte
	firstAdded time.Time

	sender BulkSender
	logger *slog.Logger
	now    func() time.Time
}

// NewBatchController creates a controller flushing through the given sender
// using the batching settings from cfg. A disabled configuration makes Add
// send immediately.
func NewBatchController(sender BulkSender, cfg BatchConfig, options ...BatchControllerOption) *BatchController {
	cfg.applyDefaults()
	b := &BatchController{
		enabled: cfg.Enabled,
		size:    cfg.Size,
		timeout: cfg.Timeout,
		sender:  sender,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// WithBatchLogger sets the logger used to report flush fallbacks.
func WithBatchLogger(logger *slog.Logger) BatchControllerOption {
	return func(b *BatchController) {
		b.logger = logger.With(slog.String("component", "batch"))
	}
}

// Add queues a framed message for batched sending. When batching is disabled
// the message is sent immediately; when the queued count reaches the size
// limit the batch is flushed in the same call.
func (b *BatchController) Add(ctx context.Context, payload []byte) error {
	if !b.enabled {
		return b.sender.SendRaw(ctx, payload)
	}

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.firstAdded = b.now()
	}
	b.pending = append(b.pending, payload)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// CheckTimeout flushes the batch if its age exceeds the configured timeout,
// even when under the size limit. Intended to be polled periodically.
func (b *BatchController) CheckTimeout(ctx context.Context) error {
	b.mu.Lock()
	due := len(b.pending) > 0 && b.now().Sub(b.firstAdded) > b.timeout
	b.mu.Unlock()

	if !due {
		return nil
	}
	return b.Flush(ctx)
}

// Flush sends all pending messages through the bulk-send primitive. If the bulk
// send fails, each message is retried individually so a single bad message does
// not lose the whole batch; the number of individual failures is logged. The
// batch is cleared before sending, so no message is ever flushed twice.
func (b *BatchController) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	bulkErr := b.sender.SendRawBulk(ctx, pending)
	if bulkErr == nil {
		return nil
	}

	b.logger.Warn("bulk send failed, falling back to individual sends",
		slog.Int("messages", len(pending)),
		slog.String("err", bulkErr.Error()))

	failed := 0
	for _, payload := range pending {
		if err := b.sender.SendRaw(ctx, payload); err != nil {
			failed++
		}
	}
	if failed > 0 {
		b.logger.Error("individual send fallback lost messages",
			slog.Int("failed", failed),
			slog.Int("messages", len(pending)))
		return fmt.Errorf("batch flush: %d of %d messages failed: %w", failed, len(pending), bulkErr)
	}
	return nil
}

// FlushTimeout returns the configured maximum batch age. Owners use it to size
// the interval of the tick driving CheckTimeout.
func (b *BatchController) FlushTimeout() time.Duration {
	return b.timeout
}

// Pending returns the number of messages currently queued.
func (b *BatchController) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
