package mcpbridge

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned by the resilience controller when the circuit
	// breaker rejects an operation without attempting it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCapabilitiesLocked is returned when server-side capability definitions
	// are mutated after negotiation has locked the session's capability set.
	ErrCapabilitiesLocked = errors.New("capabilities are locked for this session")

	// ErrTransportClosed is returned when an operation is attempted on a
	// transport that has been shut down.
	ErrTransportClosed = errors.New("transport is closed")
)

// FrameError describes a message that failed JSON-RPC structural validation.
// Field names the offending field and Reason describes the violation, carrying
// enough context to build a protocol-level error response.
type FrameError struct {
	Field  string
	Reason string
}

func (e FrameError) Error() string {
	return fmt.Sprintf("invalid message: field %q %s", e.Field, e.Reason)
}

// BufferOverflowError is returned when a frame or the parse buffer exceeds the
// configured maximum size. The framer clears its buffer after raising it, so
// subsequent parses start clean.
type BufferOverflowError struct {
	Size  int
	Limit int
}

func (e BufferOverflowError) Error() string {
	return fmt.Sprintf("buffer overflow: %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// EncodingError wraps a failure to serialize a message for the wire.
type EncodingError struct {
	Err error
}

func (e EncodingError) Error() string {
	return fmt.Sprintf("failed to encode message: %v", e.Err)
}

func (e EncodingError) Unwrap() error { return e.Err }

// TransportError tags an operation failure with the transport type it occurred
// on. Op is the primitive operation that failed (send, connect, disconnect).
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s failed: %v", e.Transport, e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// errorResponseCode maps a dispatch or transport failure onto the JSON-RPC
// error code the client should see.
func errorResponseCode(err error) int {
	var (
		frameErr    FrameError
		overflowErr BufferOverflowError
		encodingErr EncodingError
		rpcErr      JSONRPCError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.As(err, &frameErr):
		return ErrorCodeInvalidRequest
	case errors.As(err, &overflowErr):
		return ErrorCodeBufferOverflow
	case errors.As(err, &encodingErr):
		return ErrorCodeEncoding
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCodeCircuitOpen
	case errors.Is(err, ErrTransportClosed):
		return ErrorCodeTransportClosed
	default:
		return ErrorCodeInternal
	}
}
