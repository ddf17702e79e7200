package mcpbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// FramingMode selects how discrete messages are delimited within a byte stream.
type FramingMode string

// Supported framing modes.
const (
	// FramingLine terminates each JSON message with a delimiter byte sequence,
	// newline by default.
	FramingLine FramingMode = "line"
	// FramingHeader prefixes each JSON body with an HTTP-like Content-Length
	// header block terminated by a blank line.
	FramingHeader FramingMode = "header"
)

const (
	defaultDelimiter      = "\n"
	defaultMaxMessageSize = 1 << 20 // 1 MiB

	headerTerminator = "\r\n\r\n"
	contentLengthKey = "content-length"
)

// FramerOption represents the options for the Framer.
type FramerOption func(*Framer)

// Framer converts between in-memory JSON-RPC messages and their wire-level byte
// representation, and incrementally reconstructs complete messages from a
// growing byte buffer. It owns no I/O.
//
// A Framer instance belongs to a single connection's read loop and is not safe
// for concurrent use.
type Framer struct {
	mode      FramingMode
	delimiter []byte
	maxSize   int
	logger    *slog.Logger

	buf       []byte
	parseErrs int
	failures  []FrameFailure
}

// FrameFailure records a dropped frame whose request id could still be
// recovered. The session owner answers these with JSON-RPC error responses, as
// a request tied to an id must never fail silently.
type FrameFailure struct {
	ID   RequestID
	Code int
	Err  error
}

// NewFramer creates a Framer for the given framing configuration. Zero values
// in the configuration fall back to line framing with a newline delimiter and a
// 1 MiB message size limit.
func NewFramer(cfg FramingConfig, options ...FramerOption) *Framer {
	f := &Framer{
		mode:      cfg.Mode,
		delimiter: []byte(cfg.Delimiter),
		maxSize:   cfg.MaxMessageSize,
		logger:    slog.Default(),
	}
	if f.mode == "" {
		f.mode = FramingLine
	}
	if len(f.delimiter) == 0 {
		f.delimiter = []byte(defaultDelimiter)
	}
	if f.maxSize == 0 {
		f.maxSize = defaultMaxMessageSize
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// WithFramerLogger sets the logger used to report dropped frames.
func WithFramerLogger(logger *slog.Logger) FramerOption {
	return func(f *Framer) {
		f.logger = logger.With(slog.String("component", "framer"))
	}
}

// Encode serializes a message to its JSON body without a framing envelope.
// The jsonrpc field is injected when absent, structural invariants are
// validated, and capability fields that an upstream representation serialized
// as empty arrays are canonicalized back to empty objects. Transports that
// delimit messages themselves (SSE event streams, HTTP bodies) encode through
// it so the same validation applies on every path to the wire.
//
// A message that cannot be serialized fails with EncodingError; a body
// exceeding the configured maximum size fails with BufferOverflowError.
func (f *Framer) Encode(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	if err := validateOutgoing(msg); err != nil {
		return nil, err
	}

	msg.Params = canonicalizeCapabilities(msg.Params)
	msg.Result = canonicalizeCapabilities(msg.Result)

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, EncodingError{Err: err}
	}
	if len(body) > f.maxSize {
		return nil, BufferOverflowError{Size: len(body), Limit: f.maxSize}
	}
	return body, nil
}

// Frame encodes a message for the wire, including the framing envelope.
func (f *Framer) Frame(msg JSONRPCMessage) ([]byte, error) {
	body, err := f.Encode(msg)
	if err != nil {
		return nil, err
	}

	switch f.mode {
	case FramingHeader:
		header := fmt.Sprintf("Content-Length: %d\r\nContent-Type: application/json\r\n\r\n", len(body))
		return append([]byte(header), body...), nil
	default:
		return append(body, f.delimiter...), nil
	}
}

// Parse appends data to the internal buffer and extracts as many complete
// frames as the buffer currently contains. A trailing partial frame stays
// buffered for the next call. Frames that fail JSON decoding or structural
// validation are dropped and counted; they do not abort processing of
// subsequent frames in the same call. When a dropped frame carries a
// recoverable request id, a FrameFailure is recorded for TakeFrameFailures so
// the owner can answer the peer with a protocol error.
//
// Buffer growth beyond the configured maximum returns BufferOverflowError and
// clears the buffer so subsequent calls start clean.
func (f *Framer) Parse(data []byte) ([]JSONRPCMessage, error) {
	f.buf = append(f.buf, data...)
	if len(f.buf) > f.maxSize {
		size := len(f.buf)
		f.buf = nil
		return nil, BufferOverflowError{Size: size, Limit: f.maxSize}
	}

	var msgs []JSONRPCMessage
	for {
		frame, rest, ok, err := f.nextFrame()
		if err != nil {
			f.buf = nil
			return msgs, err
		}
		if !ok {
			break
		}
		f.buf = rest

		if len(frame) == 0 {
			continue
		}
		msg, decodeErr := decodeFrame(frame)
		if decodeErr != nil {
			f.parseErrs++
			f.logger.Warn("dropping invalid frame",
				slog.String("err", decodeErr.Error()),
				slog.Int("parseErrors", f.parseErrs))
			if fail, answerable := salvageFailure(frame, decodeErr); answerable {
				f.failures = append(f.failures, fail)
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ParseErrorCount returns the number of frames dropped due to decoding or
// validation failures since the framer was created or last reset.
func (f *Framer) ParseErrorCount() int {
	return f.parseErrs
}

// TakeFrameFailures returns and clears the dropped frames whose request ids
// could be recovered since the previous call.
func (f *Framer) TakeFrameFailures() []FrameFailure {
	failures := f.failures
	f.failures = nil
	return failures
}

// Reset clears the internal buffer, the parse-error counter, and any pending
// frame failures.
func (f *Framer) Reset() {
	f.buf = nil
	f.parseErrs = 0
	f.failures = nil
}

// Buffered returns the number of bytes of the trailing partial frame currently
// held in the internal buffer.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// nextFrame extracts one raw frame from the buffer. ok is false when the buffer
// holds no complete frame yet.
func (f *Framer) nextFrame() (frame, rest []byte, ok bool, err error) {
	if f.mode == FramingHeader {
		return f.nextHeaderFrame()
	}

	idx := bytes.Index(f.buf, f.delimiter)
	if idx < 0 {
		return nil, f.buf, false, nil
	}
	frame = bytes.TrimSpace(f.buf[:idx])
	rest = f.buf[idx+len(f.delimiter):]
	return frame, rest, true, nil
}

func (f *Framer) nextHeaderFrame() (frame, rest []byte, ok bool, err error) {
	term := bytes.Index(f.buf, []byte(headerTerminator))
	termLen := len(headerTerminator)
	if term < 0 {
		// Tolerate peers that terminate the header block with bare newlines.
		term = bytes.Index(f.buf, []byte("\n\n"))
		termLen = 2
		if term < 0 {
			return nil, f.buf, false, nil
		}
	}

	length, perr := parseContentLength(string(f.buf[:term]))
	if perr != nil {
		// Drop the malformed header block and keep going with whatever follows.
		f.parseErrs++
		f.logger.Warn("dropping malformed header block", slog.String("err", perr.Error()))
		return nil, f.buf[term+termLen:], true, nil
	}
	if length > f.maxSize {
		return nil, nil, false, BufferOverflowError{Size: length, Limit: f.maxSize}
	}

	bodyStart := term + termLen
	if len(f.buf) < bodyStart+length {
		// Body not fully buffered yet.
		return nil, f.buf, false, nil
	}
	frame = f.buf[bodyStart : bodyStart+length]
	rest = f.buf[bodyStart+length:]
	return frame, rest, true, nil
}

func parseContentLength(header string) (int, error) {
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSuffix(line, "\r")
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.ToLower(strings.TrimSpace(key)) != contentLengthKey {
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || length < 0 {
			return 0, fmt.Errorf("invalid Content-Length value %q", strings.TrimSpace(value))
		}
		return length, nil
	}
	return 0, fmt.Errorf("missing Content-Length header")
}

// decodeFrame decodes and validates one raw frame. Validation happens against
// the raw JSON shape first, so type violations the typed envelope would mask
// (a numeric method, an object id) are still rejected.
func decodeFrame(frame []byte) (JSONRPCMessage, error) {
	var probe struct {
		JSONRPC json.RawMessage `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  json.RawMessage `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return JSONRPCMessage{}, FrameError{Field: "body", Reason: "is not valid JSON"}
	}

	var version string
	if err := json.Unmarshal(probe.JSONRPC, &version); err != nil || version != JSONRPCVersion {
		return JSONRPCMessage{}, FrameError{Field: "jsonrpc", Reason: `must equal "2.0"`}
	}

	if len(probe.Method) > 0 {
		var method string
		if err := json.Unmarshal(probe.Method, &method); err != nil {
			return JSONRPCMessage{}, FrameError{Field: "method", Reason: "must be a string"}
		}
	}
	if len(probe.Params) > 0 {
		if c := firstJSONByte(probe.Params); c != '{' && c != '[' {
			return JSONRPCMessage{}, FrameError{Field: "params", Reason: "must be an object or array"}
		}
	}
	if len(probe.ID) > 0 {
		if err := validateIDShape(probe.ID); err != nil {
			return JSONRPCMessage{}, err
		}
	}
	if len(probe.Error) > 0 {
		if err := validateErrorShape(probe.Error); err != nil {
			return JSONRPCMessage{}, err
		}
	}

	isRequest := len(probe.Method) > 0
	// A bare acknowledgment carrying only an id counts as a response.
	isResponse := len(probe.Result) > 0 || len(probe.Error) > 0 ||
		(!isRequest && len(probe.ID) > 0)
	if isRequest == isResponse {
		return JSONRPCMessage{}, FrameError{Field: "method", Reason: "message must be exactly one of request or response"}
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return JSONRPCMessage{}, FrameError{Field: "body", Reason: err.Error()}
	}
	return msg, nil
}

// salvageFailure probes a dropped frame for a usable request id. Only frames
// that are valid JSON objects with a well-formed, non-null id can be answered;
// everything else stays drop-and-count. Structural violations map to invalid
// request, a body that defeated the typed decoder maps to a parse error.
func salvageFailure(frame []byte, cause error) (FrameFailure, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return FrameFailure{}, false
	}
	if len(probe.ID) == 0 || validateIDShape(probe.ID) != nil {
		return FrameFailure{}, false
	}

	var id RequestID
	if err := id.UnmarshalJSON(probe.ID); err != nil || id == "" {
		return FrameFailure{}, false
	}

	code := ErrorCodeInvalidRequest
	var frameErr FrameError
	if errors.As(cause, &frameErr) && frameErr.Field == "body" {
		code = ErrorCodeParse
	}
	return FrameFailure{ID: id, Code: code, Err: cause}, true
}

func validateIDShape(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return FrameError{Field: "id", Reason: "is not valid JSON"}
	}
	switch id := v.(type) {
	case string, nil:
		return nil
	case float64:
		if id != float64(int64(id)) {
			return FrameError{Field: "id", Reason: "must be a string, integer, or null"}
		}
		return nil
	default:
		return FrameError{Field: "id", Reason: "must be a string, integer, or null"}
	}
}

func validateErrorShape(raw json.RawMessage) error {
	var probe struct {
		Code    json.RawMessage `json:"code"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return FrameError{Field: "error", Reason: "must be an object"}
	}

	var code float64
	if err := json.Unmarshal(probe.Code, &code); err != nil || code != float64(int64(code)) {
		return FrameError{Field: "error.code", Reason: "must be an integer"}
	}
	var message string
	if err := json.Unmarshal(probe.Message, &message); err != nil {
		return FrameError{Field: "error.message", Reason: "must be a string"}
	}
	return nil
}

// validateOutgoing enforces the structural invariants on a message built by the
// application before it is serialized.
func validateOutgoing(msg JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		return FrameError{Field: "jsonrpc", Reason: `must equal "2.0"`}
	}
	if msg.Kind() == KindInvalid {
		return FrameError{Field: "method", Reason: "message must be exactly one of request, notification, or response"}
	}
	if len(msg.Result) > 0 && msg.Error != nil {
		return FrameError{Field: "result", Reason: "response cannot carry both result and error"}
	}
	if len(msg.Params) > 0 {
		if c := firstJSONByte(msg.Params); c != '{' && c != '[' {
			return FrameError{Field: "params", Reason: "must be an object or array"}
		}
	}
	return nil
}

func firstJSONByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// canonicalizeCapabilities forces any capability field that an upstream
// representation serialized as an empty array back to an empty JSON object. An
// empty capability set is semantically an object under the wire contract, and
// clients are permitted to reject the array form.
func canonicalizeCapabilities(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !bytes.Contains(raw, []byte(`"capabilities"`)) {
		return raw
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}

	changed := false
	switch caps := payload["capabilities"].(type) {
	case []any:
		if len(caps) == 0 {
			payload["capabilities"] = map[string]any{}
			changed = true
		}
	case map[string]any:
		for name, features := range caps {
			if arr, isArr := features.([]any); isArr && len(arr) == 0 {
				caps[name] = map[string]any{}
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return canonical
}

// NewRequest builds a JSON-RPC request message. The params value is serialized
// immediately; pass nil for methods without parameters.
func NewRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, EncodingError{Err: err}
		}
		msg.Params = bs
	}
	return msg, nil
}

// NewNotification builds a JSON-RPC notification, a request with no id.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	return NewRequest("", method, params)
}

// NewResponse builds a successful JSON-RPC response for the given request id.
func NewResponse(id RequestID, result any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if result != nil {
		bs, err := json.Marshal(result)
		if err != nil {
			return JSONRPCMessage{}, EncodingError{Err: err}
		}
		msg.Result = bs
	}
	return msg, nil
}

// NewErrorResponse builds a JSON-RPC error response for the given request id.
func NewErrorResponse(id RequestID, code int, message string, data map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
