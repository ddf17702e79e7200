package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// Server ties the bridge's pieces together: it accepts peer sessions from a
// ServerTransport, runs an initialize handshake and capability negotiation per
// session, dispatches protocol messages to the registered components, and
// fans component change events out as notifications through the broker.
type Server struct {
	info         Info
	instructions string
	configured   ServerCapabilities
	transport    ServerTransport
	registry     *Registry
	broker       *NotificationBroker
	batch        *BatchController
	manager      *ConnectionManager
	rootsLister  RootsLister

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done chan struct{}
}

type serverSession struct {
	session    Session
	dispatcher *Dispatcher
	logger     *slog.Logger

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	// quit asks the ping loop to stop the session, used for peer-requested
	// shutdown. The ping loop is the only caller of session.Stop.
	quit     chan struct{}
	quitOnce sync.Once
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
)

// NewServer creates a bridge server exposing the registry's components over
// the given transport.
//
// By default every capability is configured as available with all sub-features
// enabled; negotiation prunes the set down to what the registry actually backs
// and what each peer declares. Use WithServerCapabilities to restrict the
// configured set up front.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) *Server {
	s := &Server{
		info:      info,
		transport: transport,
		registry:  registry,
		configured: ServerCapabilities{
			Prompts:   &PromptsCapability{ListChanged: true},
			Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
			Tools:     &ToolsCapability{ListChanged: true},
			Logging:   &LoggingCapability{},
		},
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.broker == nil {
		s.broker = NewNotificationBroker(StreamConfig{}, WithBrokerLogger(s.logger))
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	return s
}

// WithServerCapabilities replaces the default configured capability set.
func WithServerCapabilities(caps ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.configured = caps
	}
}

// WithServerBroker replaces the server's notification broker. Useful when the
// broker's streaming handler is mounted on an HTTP mux alongside the transport.
func WithServerBroker(broker *NotificationBroker) ServerOption {
	return func(s *Server) {
		s.broker = broker
	}
}

// WithServerBatchController attaches a batch controller whose timeout flushes
// the server drives while serving.
func WithServerBatchController(batch *BatchController) ServerOption {
	return func(s *Server) {
		s.batch = batch
	}
}

// WithServerConnectionManager attaches a connection manager whose health-check
// polling the server drives while serving.
func WithServerConnectionManager(manager *ConnectionManager) ServerOption {
	return func(s *Server) {
		s.manager = manager
	}
}

// WithServerRootsLister enables the roots/list operation for all sessions.
func WithServerRootsLister(lister RootsLister) ServerOption {
	return func(s *Server) {
		s.rootsLister = lister
	}
}

// WithServerInstructions sets the instructions string returned from the
// initialize handshake.
func WithServerInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the
// server. If the number of consecutive ping timeouts exceeds the threshold,
// the server closes the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a peer connects. The
// callback's parameters are the session ID and the server Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a peer
// disconnects. The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Broker exposes the server's notification broker, e.g. to mount its
// HandleStream handler or to broadcast application-level notifications.
func (s *Server) Broker() *NotificationBroker {
	return s.broker
}

// Serve starts the server and manages its lifecycle. Component registrations
// and removals are fanned out to connected peers as list-changed
// notifications.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	s.registry.OnChange(func(typ ComponentType) {
		method := ""
		switch typ {
		case ComponentTool:
			method = MethodNotificationsToolsListChanged
		case ComponentResource:
			method = MethodNotificationsResourcesListChanged
		case ComponentPrompt:
			method = MethodNotificationsPromptsListChanged
		default:
			return
		}

		// Broadcast off the registrant's goroutine; delivery failures are
		// tracked per peer by the broker.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			defer cancel()
			if _, err := s.broker.Broadcast(ctx, method, nil); err != nil {
				s.logger.Error("failed to broadcast list change",
					slog.String("method", method),
					slog.String("err", err.Error()))
			}
		}()
	})

	if s.batch != nil {
		go s.driveBatchFlushes()
	}
	if s.manager != nil {
		go s.driveHealthChecks()
	}

	s.start()
}

// Shutdown gracefully shuts down the server by terminating all active sessions
// and cleaning up resources. It returns an error if the shutdown process fails
// or the context is cancelled before it completes.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal the server to shut down and terminate all sessions.
	close(s.done)

	// Wait for all sessions to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in start breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s *Server) start() {
	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		peerID := sess.ID()

		// Each session negotiates its own capability set against the shared
		// registry, and receives broadcasts by direct push.
		negotiator := NewCapabilityNegotiator(s.configured, s.registry,
			WithNegotiatorLogger(s.logger))
		s.broker.Subscribe(peerID, nil, sess)

		dispatcherOpts := []DispatcherOption{
			WithDispatcherLogger(s.logger),
			WithDispatcherInstructions(s.instructions),
			WithDispatcherBroker(s.broker),
			WithDispatcherNotifier(sess),
		}
		if s.rootsLister != nil {
			dispatcherOpts = append(dispatcherOpts, WithDispatcherRootsLister(s.rootsLister))
		}

		ss := &serverSession{
			session:              sess,
			dispatcher:           NewDispatcher(s.info, peerID, s.registry, negotiator, dispatcherOpts...),
			logger:               s.logger.With(slog.String("sessionID", peerID)),
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			quit:                 make(chan struct{}),
		}

		s.sessionsWaitGroup.Add(1)

		// The session closes itself when the peer requests shutdown or when
		// consecutive pings fail beyond the threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(peerID, s.info)
			}

			ss.start(s.done)

			s.broker.Unsubscribe(peerID)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(peerID)
			}
		}()
	}
}

func (s *Server) driveBatchFlushes() {
	ticker := time.NewTicker(s.batch.FlushTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			if err := s.batch.CheckTimeout(ctx); err != nil {
				s.logger.Error("failed to flush batch", slog.String("err", err.Error()))
			}
			cancel()
		}
	}
}

func (s *Server) driveHealthChecks() {
	ticker := time.NewTicker(s.manager.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.manager.IsHealthCheckDue() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			healthy, results := s.manager.PerformHealthCheck(ctx)
			cancel()
			if healthy {
				continue
			}
			for _, result := range results {
				if result.Passed {
					continue
				}
				s.logger.Warn("connection health check failed",
					slog.String("connectionID", s.manager.ConnectionID()),
					slog.String("check", result.Name),
					slog.String("detail", result.Detail))
			}
		}
	}
}

func (s *serverSession) start(done <-chan struct{}) {
	// This channel feeds the ping goroutine the message IDs of responses we
	// receive from the peer.
	pingMessageIDs := make(chan RequestID, 10)
	go s.ping(pingMessageIDs, done)

	// This base context makes sure all in-flight dispatches are cancelled when
	// the loop below breaks.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	// This loop breaks when the session is closed. Requests and notifications
	// are dispatched inline, one at a time, so responses leave the session in
	// the order their requests arrived.
	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("dropping message with invalid version", slog.Any("message", msg))
			continue
		}

		if msg.Kind() == KindResponse {
			// Responses from the peer are pong replies; feed the ping loop.
			select {
			case <-done:
			case pingMessageIDs <- msg.ID:
			}
			continue
		}

		s.handleMessage(baseCtx, msg)
	}

	baseCancel()
	close(pingMessageIDs)
}

func (s *serverSession) handleMessage(ctx context.Context, msg JSONRPCMessage) {
	resp, respond := s.dispatcher.Dispatch(ctx, msg)
	if respond {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		if err := s.session.Send(sendCtx, resp); err != nil {
			s.logger.Error("failed to send response",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		cancel()
	}

	if s.dispatcher.ShuttingDown() {
		s.logger.Info("peer requested shutdown, closing session")
		s.quitOnce.Do(func() { close(s.quit) })
	}
}

func (s *serverSession) ping(messageIDs <-chan RequestID, done <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID RequestID

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-s.quit:
			return
		case id := <-messageIDs:
			// Received an id from a peer response, check whether it matches
			// the ping we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = StringID(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  MethodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to peer",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}
