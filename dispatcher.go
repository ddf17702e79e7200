package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DispatcherOption represents the options for the Dispatcher.
type DispatcherOption func(*Dispatcher)

// Dispatcher routes one session's incoming requests and notifications to the
// registered components and produces the response messages to send back. Each
// session owns its own Dispatcher instance; the registry and broker behind it
// are shared across sessions.
//
// The dispatcher enforces the session lifecycle: before the initialize
// handshake completes, only initialize and ping are served. A shutdown request
// is acknowledged and marks the session for termination, which the owner
// observes through ShuttingDown.
type Dispatcher struct {
	peerID     string
	serverInfo Info

	instructions string
	registry     *Registry
	negotiator   *CapabilityNegotiator
	broker       *NotificationBroker
	notifier     NotificationTransport
	rootsLister  RootsLister
	logger       *slog.Logger

	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	logLevel     LogLevel
	subscribed   map[string]struct{}
}

// NewDispatcher creates a dispatcher for one session identified by peerID.
func NewDispatcher(
	serverInfo Info,
	peerID string,
	registry *Registry,
	negotiator *CapabilityNegotiator,
	options ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		peerID:     peerID,
		serverInfo: serverInfo,
		registry:   registry,
		negotiator: negotiator,
		logger:     slog.Default(),
		logLevel:   LogLevelInfo,
		subscribed: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// WithDispatcherLogger sets the logger used to report dispatch failures.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(slog.String("component", "dispatcher"))
	}
}

// WithDispatcherInstructions sets the instructions string returned from the
// initialize handshake.
func WithDispatcherInstructions(instructions string) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// WithDispatcherBroker connects the dispatcher to the notification broker so
// resource subscriptions scope which update notifications reach this peer.
func WithDispatcherBroker(broker *NotificationBroker) DispatcherOption {
	return func(d *Dispatcher) {
		d.broker = broker
	}
}

// WithDispatcherNotifier sets the transport used to push progress notifications
// emitted by tool handlers while a call runs.
func WithDispatcherNotifier(notifier NotificationTransport) DispatcherOption {
	return func(d *Dispatcher) {
		d.notifier = notifier
	}
}

// WithDispatcherRootsLister enables the roots/list operation.
func WithDispatcherRootsLister(lister RootsLister) DispatcherOption {
	return func(d *Dispatcher) {
		d.rootsLister = lister
	}
}

// Initialized reports whether the session completed the initialize handshake
// and the client confirmed it with notifications/initialized.
func (d *Dispatcher) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// ShuttingDown reports whether the peer requested a graceful shutdown.
func (d *Dispatcher) ShuttingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shuttingDown
}

// LogLevel returns the minimum severity the peer asked for via logging/setLevel,
// falling back to the level declared during capability negotiation.
func (d *Dispatcher) LogLevel() LogLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logLevel
}

// Dispatch processes one incoming message and returns the response to send
// back. The bool is false when no response is due: for notifications, for
// responses arriving from the peer, and for messages dropped before the
// handshake completed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, bool) {
	switch msg.Kind() {
	case KindRequest, KindNotification:
	default:
		return JSONRPCMessage{}, false
	}

	switch msg.Method {
	case MethodPing:
		// Pong is a bare acknowledgment carrying only the request id.
		return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID}, true
	case MethodInitialize:
		return d.handleInitialize(msg), true
	case MethodNotificationsInitialized:
		d.mu.Lock()
		d.initialized = true
		d.mu.Unlock()
		return JSONRPCMessage{}, false
	case MethodShutdown:
		d.mu.Lock()
		d.shuttingDown = true
		d.mu.Unlock()
		return mustResponse(msg.ID, struct{}{}), true
	}

	if !d.Initialized() {
		if msg.Kind() == KindNotification {
			return JSONRPCMessage{}, false
		}
		d.logger.Info("dropping request received before initialization",
			slog.String("method", msg.Method))
		return NewErrorResponse(msg.ID, ErrorCodeInvalidRequest, "session is not initialized", nil), true
	}

	var (
		result any
		err    error
	)
	switch msg.Method {
	case MethodToolsList:
		result, err = d.callListTools(msg)
	case MethodToolsCall:
		result, err = d.callCallTool(ctx, msg)
	case MethodResourcesList:
		result, err = d.callListResources(msg)
	case MethodResourcesRead:
		result, err = d.callReadResource(ctx, msg)
	case MethodResourcesSubscribe:
		err = d.callSubscribeResource(msg)
	case MethodResourcesUnsubscribe:
		err = d.callUnsubscribeResource(msg)
	case MethodPromptsList:
		result, err = d.callListPrompts(msg)
	case MethodPromptsGet:
		result, err = d.callGetPrompt(ctx, msg)
	case MethodLoggingSetLevel:
		err = d.callSetLogLevel(msg)
	case MethodRootsList:
		result, err = d.callListRoots(ctx)
	default:
		if msg.Kind() == KindNotification {
			d.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
			return JSONRPCMessage{}, false
		}
		return NewErrorResponse(msg.ID, ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q is not supported", msg.Method), nil), true
	}

	if err != nil {
		d.logger.Error("failed to handle request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))

		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Error: &jsonErr}, true
		}
		return NewErrorResponse(msg.ID, errorResponseCode(err), err.Error(), nil), true
	}
	if msg.Kind() == KindNotification {
		return JSONRPCMessage{}, false
	}
	if result == nil {
		result = struct{}{}
	}
	return mustResponse(msg.ID, result), true
}

func (d *Dispatcher) handleInitialize(msg JSONRPCMessage) JSONRPCMessage {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return NewErrorResponse(msg.ID, ErrorCodeInvalidParams,
			fmt.Sprintf("failed to unmarshal params: %s", err), nil)
	}

	if params.ProtocolVersion != protocolVersion {
		return NewErrorResponse(msg.ID, ErrorCodeInvalidParams,
			fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion), nil)
	}

	caps, cached := d.negotiator.Negotiate(params.Capabilities)
	if !cached {
		d.mu.Lock()
		d.logLevel = d.negotiator.LogLevel()
		d.mu.Unlock()
	}

	d.logger.Info("session initialized",
		slog.String("peerID", d.peerID),
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	return mustResponse(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      d.serverInfo,
		Instructions:    d.instructions,
	})
}

func (d *Dispatcher) callListTools(msg JSONRPCMessage) (ListToolsResult, error) {
	if _, err := d.requireCapability(capabilityTools); err != nil {
		return ListToolsResult{}, err
	}
	var params ListToolsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListToolsResult{}, err
	}
	return ListToolsResult{Tools: d.registry.Tools()}, nil
}

func (d *Dispatcher) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if _, err := d.requireCapability(capabilityTools); err != nil {
		return CallToolResult{}, err
	}
	var params CallToolParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return CallToolResult{}, err
	}

	_, handler, ok := d.registry.Tool(params.Name)
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("tool %q is not registered", params.Name),
		}
	}

	result, err := handler(ctx, params, d.progressReporter(ctx, params.Meta.ProgressToken))
	if err != nil {
		// Handler failures are reported in-band so the peer can surface them.
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (d *Dispatcher) callListResources(msg JSONRPCMessage) (ListResourcesResult, error) {
	if _, err := d.requireCapability(capabilityResources); err != nil {
		return ListResourcesResult{}, err
	}
	var params ListResourcesParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListResourcesResult{}, err
	}
	return ListResourcesResult{Resources: d.registry.Resources()}, nil
}

func (d *Dispatcher) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if _, err := d.requireCapability(capabilityResources); err != nil {
		return ReadResourceResult{}, err
	}
	var params ReadResourceParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ReadResourceResult{}, err
	}

	_, reader, ok := d.registry.Resource(params.URI)
	if !ok {
		return ReadResourceResult{}, JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("resource %q is not registered", params.URI),
		}
	}

	result, err := reader(ctx, params)
	if err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    ErrorCodeInternal,
			Message: fmt.Errorf("failed to read resource: %w", err).Error(),
		}
	}
	return result, nil
}

func (d *Dispatcher) callSubscribeResource(msg JSONRPCMessage) error {
	caps, err := d.requireCapability(capabilityResources)
	if err != nil {
		return err
	}
	if caps.Resources == nil || !caps.Resources.Subscribe {
		return JSONRPCError{
			Code:    ErrorCodeMethodNotFound,
			Message: "resource subscriptions were not negotiated for this session",
		}
	}

	var params SubscribeResourceParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return err
	}
	if _, _, ok := d.registry.Resource(params.URI); !ok {
		return JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("resource %q is not registered", params.URI),
		}
	}

	d.mu.Lock()
	d.subscribed[params.URI] = struct{}{}
	d.mu.Unlock()

	d.refreshUpdateFilter()
	return nil
}

func (d *Dispatcher) callUnsubscribeResource(msg JSONRPCMessage) error {
	if _, err := d.requireCapability(capabilityResources); err != nil {
		return err
	}

	var params UnsubscribeResourceParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.subscribed, params.URI)
	d.mu.Unlock()

	d.refreshUpdateFilter()
	return nil
}

// refreshUpdateFilter installs a broker filter scoping resource update
// notifications to the URIs this peer subscribed to. Notifications without a
// uri field are unaffected.
func (d *Dispatcher) refreshUpdateFilter() {
	if d.broker == nil {
		return
	}

	err := d.broker.UpdateFilter(d.peerID, func(payload map[string]any) bool {
		uri, isString := payload["uri"].(string)
		if !isString {
			return true
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		_, subscribed := d.subscribed[uri]
		return subscribed
	})
	if err != nil {
		d.logger.Warn("failed to update notification filter",
			slog.String("peerID", d.peerID),
			slog.String("err", err.Error()))
	}
}

func (d *Dispatcher) callListPrompts(msg JSONRPCMessage) (ListPromptsResult, error) {
	if _, err := d.requireCapability(capabilityPrompts); err != nil {
		return ListPromptsResult{}, err
	}
	var params ListPromptsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListPromptsResult{}, err
	}
	return ListPromptsResult{Prompts: d.registry.Prompts()}, nil
}

func (d *Dispatcher) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if _, err := d.requireCapability(capabilityPrompts); err != nil {
		return GetPromptResult{}, err
	}
	var params GetPromptParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return GetPromptResult{}, err
	}

	_, getter, ok := d.registry.Prompt(params.Name)
	if !ok {
		return GetPromptResult{}, JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("prompt %q is not registered", params.Name),
		}
	}

	result, err := getter(ctx, params)
	if err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    ErrorCodeInternal,
			Message: fmt.Errorf("failed to get prompt: %w", err).Error(),
		}
	}
	return result, nil
}

func (d *Dispatcher) callSetLogLevel(msg JSONRPCMessage) error {
	if _, err := d.requireCapability(capabilityLogging); err != nil {
		return err
	}
	var params SetLogLevelParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return err
	}

	level, valid := ParseLogLevel(params.Level)
	if !valid {
		return JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown log level %q", params.Level),
		}
	}

	d.mu.Lock()
	d.logLevel = level
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) callListRoots(ctx context.Context) (RootList, error) {
	if d.rootsLister == nil {
		return RootList{}, JSONRPCError{
			Code:    ErrorCodeMethodNotFound,
			Message: "roots not supported",
		}
	}

	roots, err := d.rootsLister(ctx)
	if err != nil {
		return RootList{}, JSONRPCError{
			Code:    ErrorCodeInternal,
			Message: fmt.Errorf("failed to list roots: %w", err).Error(),
		}
	}
	return roots, nil
}

// requireCapability verifies the named capability survived negotiation and is
// advertised for this session.
func (d *Dispatcher) requireCapability(name string) (ServerCapabilities, error) {
	caps, negotiated := d.negotiator.Result()
	if !negotiated {
		return ServerCapabilities{}, JSONRPCError{
			Code:    ErrorCodeInvalidRequest,
			Message: "session is not initialized",
		}
	}

	supported := false
	switch name {
	case capabilityTools:
		supported = caps.Tools != nil
	case capabilityResources:
		supported = caps.Resources != nil
	case capabilityPrompts:
		supported = caps.Prompts != nil
	case capabilityLogging:
		supported = caps.Logging != nil
	}
	if !supported {
		return ServerCapabilities{}, JSONRPCError{
			Code:    ErrorCodeMethodNotFound,
			Message: fmt.Sprintf("%s not supported by this session", name),
		}
	}
	return caps, nil
}

func (d *Dispatcher) progressReporter(ctx context.Context, token MustString) ProgressReporter {
	return func(params ProgressParams) {
		if d.notifier == nil || token == "" {
			return
		}
		params.ProgressToken = token

		msg, err := NewNotification(MethodNotificationsProgress, params)
		if err != nil {
			d.logger.Error("failed to build progress notification", slog.String("err", err.Error()))
			return
		}
		if err := d.notifier.Send(ctx, msg); err != nil {
			d.logger.Error("failed to send progress notification", slog.String("err", err.Error()))
		}
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return JSONRPCError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return nil
}

func mustResponse(id RequestID, result any) JSONRPCMessage {
	msg, err := NewResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, ErrorCodeEncoding, err.Error(), nil)
	}
	return msg
}
