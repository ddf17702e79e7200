package mcpbridge

import (
	"log/slog"
	"sync"
)

// CapabilityNegotiatorOption represents the options for the CapabilityNegotiator.
type CapabilityNegotiatorOption func(*CapabilityNegotiator)

// CapabilityNegotiator produces the single capability set advertised and
// honored for a session. It starts from the server's statically configured
// capabilities, removes anything with no backing registered components,
// reconciles sub-features against the client's declared capabilities, and
// locks the result for the remainder of the session.
//
// Invalid client-declared sub-feature types are corrected to safe defaults
// rather than failing the negotiation; each correction is logged at Warn.
type CapabilityNegotiator struct {
	mu         sync.Mutex
	configured ServerCapabilities
	registry   *Registry
	logger     *slog.Logger

	locked   bool
	result   ServerCapabilities
	logLevel LogLevel
}

// NewCapabilityNegotiator creates a negotiator for one session. The configured
// capabilities are the server's static declaration; the registry supplies the
// component counts that decide which capabilities are actually advertisable.
func NewCapabilityNegotiator(
	configured ServerCapabilities,
	registry *Registry,
	options ...CapabilityNegotiatorOption,
) *CapabilityNegotiator {
	n := &CapabilityNegotiator{
		configured: configured,
		registry:   registry,
		logger:     slog.Default(),
		logLevel:   LogLevelInfo,
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// WithNegotiatorLogger sets the logger used to report capability corrections.
func WithNegotiatorLogger(logger *slog.Logger) CapabilityNegotiatorOption {
	return func(n *CapabilityNegotiator) {
		n.logger = logger.With(slog.String("component", "capability-negotiator"))
	}
}

// Negotiate reconciles the client-declared capabilities with the server's
// configuration and the registered component set, then locks the result. The
// returned bool reports whether a previously negotiated result was returned
// unchanged; negotiating twice without a Reset is a warned no-op.
//
// The client argument is the raw decoded "capabilities" object from the
// initialize request.
func (n *CapabilityNegotiator) Negotiate(client map[string]any) (ServerCapabilities, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.locked {
		n.logger.Warn("capabilities already negotiated for this session, returning cached result")
		return n.result, true
	}

	toolCount := n.registry.Count(ComponentTool)
	resourceCount := n.registry.Count(ComponentResource)
	promptCount := n.registry.Count(ComponentPrompt)

	var result ServerCapabilities

	// Server-configured capabilities, dropped entirely when no component backs
	// them, with each sub-feature reconciled against the client declaration.
	if n.configured.Tools != nil && toolCount > 0 {
		result.Tools = &ToolsCapability{
			ListChanged: n.configured.Tools.ListChanged && n.clientFlag(client, capabilityTools, "listChanged"),
		}
	}
	if n.configured.Resources != nil && resourceCount > 0 {
		result.Resources = &ResourcesCapability{
			Subscribe:   n.configured.Resources.Subscribe && n.clientFlag(client, capabilityResources, "subscribe"),
			ListChanged: n.configured.Resources.ListChanged && n.clientFlag(client, capabilityResources, "listChanged"),
		}
	}
	if n.configured.Prompts != nil && promptCount > 0 {
		result.Prompts = &PromptsCapability{
			ListChanged: n.configured.Prompts.ListChanged && n.clientFlag(client, capabilityPrompts, "listChanged"),
		}
	}
	if n.configured.Logging != nil {
		result.Logging = &LoggingCapability{}
	}

	// Capabilities the client declared that the server did not list, included
	// when the backing component type exists, using defaults merged with the
	// client's declared feature values.
	if result.Tools == nil && toolCount > 0 {
		if features, declared := n.clientCapability(client, capabilityTools); declared {
			result.Tools = &ToolsCapability{
				ListChanged: n.boolFeature(capabilityTools, features, "listChanged"),
			}
		}
	}
	if result.Resources == nil && resourceCount > 0 {
		if features, declared := n.clientCapability(client, capabilityResources); declared {
			result.Resources = &ResourcesCapability{
				Subscribe:   n.boolFeature(capabilityResources, features, "subscribe"),
				ListChanged: n.boolFeature(capabilityResources, features, "listChanged"),
			}
		}
	}
	if result.Prompts == nil && promptCount > 0 {
		if features, declared := n.clientCapability(client, capabilityPrompts); declared {
			result.Prompts = &PromptsCapability{
				ListChanged: n.boolFeature(capabilityPrompts, features, "listChanged"),
			}
		}
	}
	if result.Logging == nil {
		if _, declared := n.clientCapability(client, capabilityLogging); declared {
			result.Logging = &LoggingCapability{}
		}
	}

	// The logging level is the one enumerated sub-feature; an invalid value is
	// corrected to the default rather than rejected.
	if features, declared := n.clientCapability(client, capabilityLogging); declared {
		if raw, present := features["level"]; present {
			levelStr, isString := raw.(string)
			if !isString {
				n.logger.Warn("client declared non-string logging.level, using default",
					slog.Any("value", raw))
			} else if level, valid := ParseLogLevel(levelStr); valid {
				n.logLevel = level
			} else {
				n.logger.Warn("client declared unknown logging.level, using default",
					slog.String("value", levelStr))
			}
		}
	}

	// Never advertise nothing while components are registered: fall back to a
	// minimal capability set covering the registered component types.
	if result.Tools == nil && result.Resources == nil && result.Prompts == nil && result.Logging == nil {
		if toolCount > 0 {
			result.Tools = &ToolsCapability{}
		}
		if resourceCount > 0 {
			result.Resources = &ResourcesCapability{}
		}
		if promptCount > 0 {
			result.Prompts = &PromptsCapability{}
		}
	}

	n.result = result
	n.locked = true
	return result, false
}

// SetConfigured replaces the server-side capability configuration. It fails
// with ErrCapabilitiesLocked once a negotiation result has been locked.
func (n *CapabilityNegotiator) SetConfigured(caps ServerCapabilities) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked {
		return ErrCapabilitiesLocked
	}
	n.configured = caps
	return nil
}

// Locked reports whether a negotiation result has been locked.
func (n *CapabilityNegotiator) Locked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.locked
}

// Result returns the locked negotiation result. The bool is false before the
// first Negotiate call.
func (n *CapabilityNegotiator) Result() (ServerCapabilities, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.result, n.locked
}

// LogLevel returns the minimum log level the client declared during
// negotiation, defaulting to info.
func (n *CapabilityNegotiator) LogLevel() LogLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.logLevel
}

// Reset unlocks the negotiator for re-negotiation. Intended for tests and
// explicit re-negotiation scenarios only.
func (n *CapabilityNegotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.locked = false
	n.result = ServerCapabilities{}
	n.logLevel = LogLevelInfo
}

// clientCapability extracts the client's declared feature map for a capability.
// An empty array, which some client representations serialize for an empty
// feature set, counts as a declared capability with no features. Any other
// non-object declaration is corrected to an empty feature set.
func (n *CapabilityNegotiator) clientCapability(client map[string]any, name string) (map[string]any, bool) {
	raw, declared := client[name]
	if !declared {
		return nil, false
	}
	switch features := raw.(type) {
	case map[string]any:
		return features, true
	case []any:
		if len(features) == 0 {
			return map[string]any{}, true
		}
	case nil:
		return map[string]any{}, true
	}
	n.logger.Warn("client declared capability with invalid shape, treating as empty",
		slog.String("capability", name))
	return map[string]any{}, true
}

// clientFlag reports whether the client declared the given boolean sub-feature
// as supported. Absent features are unsupported; non-boolean declarations are
// corrected to the safe default false.
func (n *CapabilityNegotiator) clientFlag(client map[string]any, name, feature string) bool {
	features, declared := n.clientCapability(client, name)
	if !declared {
		return false
	}
	return n.boolFeature(name, features, feature)
}

func (n *CapabilityNegotiator) boolFeature(name string, features map[string]any, feature string) bool {
	raw, present := features[feature]
	if !present {
		return false
	}
	value, isBool := raw.(bool)
	if !isBool {
		n.logger.Warn("client declared non-boolean capability flag, using default",
			slog.String("capability", name),
			slog.String("feature", feature),
			slog.Any("value", raw))
		return false
	}
	return value
}
