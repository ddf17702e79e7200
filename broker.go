package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationTransport is the direct-push delivery surface a peer registers
// with its subscription. Transport sessions satisfy it.
type NotificationTransport interface {
	Send(ctx context.Context, msg JSONRPCMessage) error
}

// NotificationFilter is a predicate evaluated against a notification's payload
// after the subscription's type allow-list has passed. Returning false
// suppresses delivery to that peer.
type NotificationFilter func(payload map[string]any) bool

// DeliveryState tracks a notification's delivery progress for one peer.
type DeliveryState string

// Delivery states. A notification transitions pending -> (queued | sent) ->
// delivered | failed.
const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryQueued    DeliveryState = "queued"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

type queuedNotification struct {
	notificationID string
	msg            JSONRPCMessage
}

type subscription struct {
	peerID    string
	allowed   map[string]struct{}
	transport NotificationTransport
	filter    NotificationFilter
	streaming bool

	// events buffers notifications for stream-connected (or not-yet-connected)
	// peers until the stream handler drains them.
	events chan queuedNotification
}

// NotificationBrokerOption represents the options for the NotificationBroker.
type NotificationBrokerOption func(*NotificationBroker)

// NotificationBroker maintains per-peer subscriptions and filters, converts
// internal events into protocol notifications, and delivers them either by
// direct push through the peer's registered transport or via a pull-style
// streaming channel drained by HandleStream.
//
// All methods are safe for concurrent use. A failed delivery to one peer never
// prevents delivery attempts to other peers in the same broadcast.
type NotificationBroker struct {
	mu   sync.Mutex
	subs map[string]*subscription

	// statuses keeps delivery records for the most recent broadcasts, bounded
	// by the configured history size; statusOrder tracks insertion order so
	// the oldest record is evicted first.
	statuses    map[string]map[string]DeliveryState
	statusOrder []string

	sendTimeout time.Duration
	heartbeat   time.Duration
	queueSize   int
	history     int
	framer      *Framer
	logger      *slog.Logger
}

// NewNotificationBroker creates a broker using the streaming settings from cfg.
func NewNotificationBroker(cfg StreamConfig, options ...NotificationBrokerOption) *NotificationBroker {
	cfg.applyDefaults()
	b := &NotificationBroker{
		subs:        make(map[string]*subscription),
		statuses:    make(map[string]map[string]DeliveryState),
		sendTimeout: cfg.SendTimeout,
		heartbeat:   cfg.HeartbeatInterval,
		queueSize:   cfg.QueueSize,
		history:     cfg.DeliveryHistory,
		framer:      NewFramer(FramingConfig{}),
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// WithBrokerLogger sets the logger used to report delivery failures.
func WithBrokerLogger(logger *slog.Logger) NotificationBrokerOption {
	return func(b *NotificationBroker) {
		b.logger = logger.With(slog.String("component", "notification-broker"))
	}
}

// WithBrokerFramer sets the framer used to encode notifications streamed over
// HandleStream, so streamed bodies match the transport's wire encoding.
func WithBrokerFramer(framer *Framer) NotificationBrokerOption {
	return func(b *NotificationBroker) {
		b.framer = framer
	}
}

// Subscribe registers a peer's interest set. An empty allowedTypes list
// subscribes the peer to all notification types. The transport, when non-nil,
// receives notifications by direct push; a nil transport queues notifications
// for pull-style streaming delivery. Subscribing an already-subscribed peer
// replaces its subscription but keeps undelivered queued notifications.
func (b *NotificationBroker) Subscribe(peerID string, allowedTypes []string, transport NotificationTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		peerID:    peerID,
		transport: transport,
		events:    make(chan queuedNotification, b.queueSize),
	}
	if prev, ok := b.subs[peerID]; ok {
		sub.events = prev.events
		sub.streaming = prev.streaming
		sub.filter = prev.filter
	}
	if len(allowedTypes) > 0 {
		sub.allowed = make(map[string]struct{}, len(allowedTypes))
		for _, typ := range allowedTypes {
			sub.allowed[typ] = struct{}{}
		}
	}
	b.subs[peerID] = sub
}

// Unsubscribe removes a peer's subscription. Unknown peers are ignored.
func (b *NotificationBroker) Unsubscribe(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, peerID)
}

// UpdateFilter replaces a peer's filter predicate; subsequent broadcasts are
// evaluated against it. A nil filter removes filtering for the peer.
func (b *NotificationBroker) UpdateFilter(peerID string, filter NotificationFilter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[peerID]
	if !ok {
		return fmt.Errorf("peer %q is not subscribed", peerID)
	}
	sub.filter = filter
	return nil
}

// Subscribed reports whether the peer currently holds a subscription.
func (b *NotificationBroker) Subscribed(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[peerID]
	return ok
}

// Broadcast constructs a notification message for the given type and payload
// and delivers it to every subscribed peer whose allow-list and filter both
// pass. It returns a notification identifier usable with DeliveryStatus.
func (b *NotificationBroker) Broadcast(ctx context.Context, notificationType string, payload any) (string, error) {
	msg, err := NewNotification(notificationType, payload)
	if err != nil {
		return "", err
	}

	// Filters operate on the decoded payload object. Non-object payloads are
	// matched against an empty map, so a filter can still reject them.
	payloadMap, _ := payload.(map[string]any)
	if payloadMap == nil && len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &payloadMap)
	}
	if payloadMap == nil {
		payloadMap = map[string]any{}
	}

	notificationID := uuid.New().String()

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.allowed != nil {
			if _, ok := sub.allowed[notificationType]; !ok {
				continue
			}
		}
		if sub.filter != nil && !sub.filter(payloadMap) {
			continue
		}
		targets = append(targets, sub)
	}
	states := make(map[string]DeliveryState, len(targets))
	for _, sub := range targets {
		states[sub.peerID] = DeliveryPending
	}
	b.statuses[notificationID] = states
	b.statusOrder = append(b.statusOrder, notificationID)
	for len(b.statusOrder) > b.history {
		evicted := b.statusOrder[0]
		b.statusOrder = b.statusOrder[1:]
		delete(b.statuses, evicted)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(ctx, notificationID, sub, msg)
	}
	return notificationID, nil
}

func (b *NotificationBroker) deliver(ctx context.Context, notificationID string, sub *subscription, msg JSONRPCMessage) {
	if sub.transport == nil {
		// Pull-style delivery: queue for the stream handler to drain.
		select {
		case sub.events <- queuedNotification{notificationID: notificationID, msg: msg}:
			b.setState(notificationID, sub.peerID, DeliveryQueued)
		default:
			b.logger.Warn("notification queue full, dropping",
				slog.String("peerID", sub.peerID),
				slog.String("method", msg.Method))
			b.setState(notificationID, sub.peerID, DeliveryFailed)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	b.setState(notificationID, sub.peerID, DeliverySent)
	if err := sub.transport.Send(sendCtx, msg); err != nil {
		b.logger.Error("failed to push notification",
			slog.String("peerID", sub.peerID),
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		b.setState(notificationID, sub.peerID, DeliveryFailed)
		return
	}
	b.setState(notificationID, sub.peerID, DeliveryDelivered)
}

// DeliveryStatus returns the per-peer delivery states for a broadcast. The
// bool is false for unknown notification identifiers.
func (b *NotificationBroker) DeliveryStatus(notificationID string) (map[string]DeliveryState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	states, ok := b.statuses[notificationID]
	if !ok {
		return nil, false
	}
	out := make(map[string]DeliveryState, len(states))
	for peer, state := range states {
		out[peer] = state
	}
	return out, true
}

func (b *NotificationBroker) setState(notificationID, peerID string, state DeliveryState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if states, ok := b.statuses[notificationID]; ok {
		states[peerID] = state
	}
}

func (b *NotificationBroker) subscriptionFor(peerID string) (*subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[peerID]
	return sub, ok
}

func (b *NotificationBroker) setStreaming(peerID string, streaming bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[peerID]; ok {
		sub.streaming = streaming
	}
}
