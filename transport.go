package mcpbridge

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer of the bridge.
type ServerTransport interface {
	// Sessions returns an iterator that yields new peer sessions as they are
	// initiated. Each yielded Session represents a unique peer connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is
	// called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources.
	// The implementation should not close the Sessions it produced, the caller
	// already does that before calling this method. The caller is guaranteed to
	// call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between the bridge
// and one peer.
type Session interface {
	// ID returns the unique identifier for this session. The implementation
	// must guarantee that session IDs are unique across all active sessions.
	ID() string

	// Send transmits a message to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the peer.
	// The implementation should exit the iteration when the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The implementation should not call this itself,
	// the caller is guaranteed to call this method once.
	Stop()
}

// RootsLister supplies the list of root entry points advertised through the
// roots/list operation.
type RootsLister func(ctx context.Context) (RootList, error)
