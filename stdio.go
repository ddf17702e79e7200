package mcpbridge

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
)

// StdIO implements a standard input/output transport for bridge communication
// over stdin/stdout or similar io.Reader/io.Writer pairs. Wire framing is
// delegated to a Framer, so both line-delimited and header-delimited peers are
// supported over the same transport. It provides a single persistent session
// and handles bidirectional message passing through internal channels,
// processing writes sequentially.
//
// StdIO also implements the primitive send and connect surfaces, so a
// ResilienceController or BatchController can wrap it directly.
//
// Proper initialization requires using the NewStdIO constructor function.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}

	resilienceCfg *ResilienceConfig
	batchCfg      *BatchConfig
	resilience    *ResilienceController
	batch         *BatchController
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	sessionID string
	reader    io.Reader
	writer    io.Writer
	framer    *Framer
	logger    *slog.Logger

	resilience *ResilienceController
	batch      *BatchController

	writeMessages chan stdIOMessage
	done          chan struct{}
	stopOnce      *sync.Once
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO transport reading from reader and writing to
// writer, framed according to cfg.
func NewStdIO(reader io.Reader, writer io.Writer, cfg FramingConfig, options ...StdIOOption) *StdIO {
	s := &StdIO{
		sess: stdIOSession{
			sessionID:     "stdio",
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			stopOnce:      new(sync.Once),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.sess.framer = NewFramer(cfg, WithFramerLogger(s.sess.logger))

	// The send chain layers batching over resilience over the raw writer, so
	// outgoing messages flow batch -> retry/breaker -> write queue.
	if s.resilienceCfg != nil {
		s.resilience = NewResilienceController(s, s, *s.resilienceCfg,
			WithResilienceLogger(s.sess.logger))
	}
	if s.batchCfg != nil {
		var sender BulkSender = s
		if s.resilience != nil {
			sender = s.resilience
		}
		s.batch = NewBatchController(sender, *s.batchCfg, WithBatchLogger(s.sess.logger))
	}
	s.sess.resilience = s.resilience
	s.sess.batch = s.batch
	return s
}

// WithStdIOLogger sets the logger used to report transport events.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// WithStdIOResilience routes session sends through a retry and circuit-breaker
// policy configured by cfg.
func WithStdIOResilience(cfg ResilienceConfig) StdIOOption {
	return func(s *StdIO) {
		s.resilienceCfg = &cfg
	}
}

// WithStdIOBatching coalesces session sends into batches configured by cfg.
// When combined with WithStdIOResilience, flushed batches go through the
// retry policy.
func WithStdIOBatching(cfg BatchConfig) StdIOOption {
	return func(s *StdIO) {
		s.batchCfg = &cfg
	}
}

// Batch returns the transport's batch controller, or nil when batching is not
// configured. Owners use it to drive flush timeouts.
func (s *StdIO) Batch() *BatchController {
	return s.batch
}

// Resilience returns the transport's resilience controller, or nil when no
// resilience policy is configured.
func (s *StdIO) Resilience() *ResilienceController {
	return s.resilience
}

// Sessions implements the ServerTransport interface by providing an iterator
// that yields a single persistent session. This session remains active
// throughout the lifetime of the StdIO instance.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until
		// it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the session
// loop to finish.
func (s *StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// SendRaw queues one already-framed payload for writing. It implements the
// RawSender interface so resilience and batching layers can wrap the transport.
func (s *StdIO) SendRaw(ctx context.Context, payload []byte) error {
	return s.sess.sendRaw(ctx, payload)
}

// SendRawBulk writes several already-framed payloads as a single write,
// implementing the BulkSender interface.
func (s *StdIO) SendRawBulk(ctx context.Context, payloads [][]byte) error {
	var joined []byte
	for _, payload := range payloads {
		joined = append(joined, payload...)
	}
	return s.sess.sendRaw(ctx, joined)
}

// Connect implements the Connector interface. The underlying reader and writer
// are assumed permanently attached, so connecting only fails once the session
// has been stopped.
func (s *StdIO) Connect(_ context.Context) error {
	select {
	case <-s.sess.done:
		return ErrTransportClosed
	default:
		return nil
	}
}

// Connected reports whether the session is still accepting messages. Together
// with Connect and Close this lets a ConnectionManager pool the transport.
func (s *StdIO) Connected() bool {
	select {
	case <-s.sess.done:
		return false
	default:
		return true
	}
}

// Close stops the session without waiting for the read and write loops, which
// belong to whoever consumes Sessions.
func (s *StdIO) Close() error {
	s.sess.stopOnce.Do(func() {
		close(s.sess.done)
	})
	return nil
}

func (s stdIOSession) ID() string {
	return s.sessionID
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	payload, err := s.framer.Frame(msg)
	if err != nil {
		return err
	}
	switch {
	case s.batch != nil:
		return s.batch.Add(ctx, payload)
	case s.resilience != nil:
		return s.resilience.SendWithRetry(ctx, payload)
	default:
		return s.sendRaw(ctx, payload)
	}
}

func (s stdIOSession) sendRaw(ctx context.Context, payload []byte) error {
	ioMsg := stdIOMessage{
		msg:  payload,
		errs: make(chan error, 1),
	}

	// Queue the message for writing so concurrent senders never interleave
	// partial frames on the writer.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeMessages channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel")
		return ErrTransportClosed
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result")
		return ErrTransportClosed
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		type chunkWithErr struct {
			chunk []byte
			err   error
		}

		for {
			chunks := make(chan chunkWithErr, 1)

			// Read in a goroutine so a slow reader never blocks shutdown.
			go func() {
				buf := make([]byte, 4096)
				n, err := s.reader.Read(buf)
				chunks <- chunkWithErr{chunk: buf[:n], err: err}
			}()

			var cwe chunkWithErr
			select {
			case <-s.done:
				return
			case cwe = <-chunks:
			}

			if len(cwe.chunk) > 0 {
				msgs, err := s.framer.Parse(cwe.chunk)
				if err != nil {
					// The framer already discarded its buffer; resume with the
					// next chunk.
					s.logger.Error("failed to parse incoming data", slog.String("err", err.Error()))
				}
				for _, fail := range s.framer.TakeFrameFailures() {
					s.answerFrameFailure(fail)
				}
				for _, msg := range msgs {
					if !yield(msg) {
						return
					}
				}
			}

			if cwe.err != nil {
				if !errors.Is(cwe.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", cwe.err.Error()))
				}
				return
			}
		}
	}
}

// answerFrameFailure reports a dropped incoming frame back to the peer as an
// error response. The reply bypasses batching so it is never delayed behind
// regular traffic.
func (s stdIOSession) answerFrameFailure(fail FrameFailure) {
	resp := NewErrorResponse(fail.ID, fail.Code, fail.Err.Error(), nil)
	payload, err := s.framer.Frame(resp)
	if err != nil {
		s.logger.Error("failed to frame error response for invalid frame",
			slog.String("err", err.Error()))
		return
	}
	if err := s.sendRaw(context.Background(), payload); err != nil {
		s.logger.Error("failed to answer invalid frame",
			slog.String("id", fail.ID.String()),
			slog.String("err", err.Error()))
	}
}

func (s stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process the write queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
