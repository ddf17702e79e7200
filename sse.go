package mcpbridge

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport
// for managing bidirectional peer communication. Server-to-peer traffic flows
// over the SSE stream; peer-to-server traffic arrives on an HTTP POST
// endpoint. Outgoing message bodies are encoded through a Framer, so they
// carry the same validation and capability canonicalization as framed
// transport traffic, and incoming POST bodies are checked against the same
// frame rules before they reach a session.
//
// The HandleSSE and HandleMessage http.Handlers can be mounted on any HTTP
// framework. Instances should be created using NewSSEServer and shut down
// using Shutdown when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger
	framer     *Framer
	framingCfg FramingConfig

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done         chan struct{}
	shutdownOnce sync.Once
	closed       chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	framer       *Framer
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates an SSE transport whose peers post their messages to
// messageURL. The transport is immediately operational; the returned SSEServer
// must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.framer = NewFramer(s.framingCfg, WithFramerLogger(s.logger))
	return s
}

// WithSSEServerLogger sets the logger used to report transport events.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// WithSSEServerFraming sets the framing configuration used to encode outgoing
// message bodies. Only the encoding rules apply; SSE events carry their own
// envelope, so the framing mode's delimiters and headers are not used.
func WithSSEServerFraming(cfg FramingConfig) SSEServerOption {
	return func(s *SSEServer) {
		s.framingCfg = cfg
	}
}

// Sessions returns an iterator over active peer sessions. The iterator yields
// new Session instances as peers connect.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Active sessions are tracked here, keyed by session ID, so posted
		// messages can be routed to the right session's stream.
		active := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()
				active[sess.id] = sess
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(active, sessID)
			case msg := <-s.receivedMessages:
				sess, ok := active[msg.sessID]
				if !ok {
					// The session may already be closed; drop the message.
					continue
				}
				select {
				case <-s.done:
					return
				case sess.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE transport by terminating all active
// peer connections and cleaning up internal resources. This method blocks
// until shutdown is complete. Subsequent calls only wait.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Connect implements the Connector interface. The HTTP listener is owned by
// the caller, so connecting only fails once the transport has been shut down.
func (s *SSEServer) Connect(_ context.Context) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
		return nil
	}
}

// Connected reports whether the transport is still accepting sessions.
// Together with Connect and Close this lets a ConnectionManager pool the
// transport.
func (s *SSEServer) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close signals shutdown without waiting for the session loop to finish.
func (s *SSEServer) Close() error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET
// requests. The handler upgrades HTTP connections to SSE, assigns unique
// session IDs, and provides peers with their message endpoints. The connection
// remains active until either the peer disconnects or the server closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		if err := s.sendEndpoint(sess, sessID); err != nil {
			s.logger.Error("failed to announce message endpoint", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			framer:         s.framer,
			logger:         s.logger,
			sendMsgs:       make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		// Hand the session to the Sessions loop, then keep the HTTP connection
		// open until the session winds down.
		s.sessions <- srvSession
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// sendEndpoint tells a freshly upgraded peer where to post its messages.
func (s *SSEServer) sendEndpoint(sess *sse.Session, sessID string) error {
	msg := sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
	if err := sess.Send(&msg); err != nil {
		return fmt.Errorf("failed to write SSE URL: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE: %w", err)
	}
	return nil
}

// HandleMessage returns an http.Handler for processing peer messages sent via
// POST requests. The handler expects a sessionID query parameter and a
// JSON-encoded message body, which is validated against the same frame rules
// the framed transports apply. Valid messages are routed to their
// corresponding Session's message stream, accessible through the Sessions
// iterator; anything else is rejected with a 400.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read message body: %w", err)
			s.logger.Warn("failed to read message body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		msg, err := decodeFrame(body)
		if err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("dropping invalid message",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
	})
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := s.framer.Encode(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error)

	// Queue the message for sending to avoid a race in the sse library.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	}

	// Wait and return the error if any.
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		var sm sseServerSessionSendMsg
		select {
		case <-s.done:
			return
		case sm = <-s.sendMsgs:
		}

		err := s.sess.Send(sm.msg)
		if err == nil {
			err = s.sess.Flush()
		}
		if err != nil {
			s.logger.Warn("failed to send message", slog.String("err", err.Error()))
		}

		select {
		case sm.errs <- err:
		default:
		}
	}
}
