package mcpbridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ComponentType identifies which kind of registered component a capability or
// change notification refers to.
type ComponentType string

// Component types backing the negotiable capabilities.
const (
	ComponentTool     ComponentType = "tool"
	ComponentResource ComponentType = "resource"
	ComponentPrompt   ComponentType = "prompt"
)

// ToolHandler executes a registered tool. The ProgressReporter can be used to
// report operation progress while the call runs.
type ToolHandler func(ctx context.Context, params CallToolParams, report ProgressReporter) (CallToolResult, error)

// ResourceReader reads the contents of a registered resource.
type ResourceReader func(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)

// PromptGetter renders a registered prompt template with the given arguments.
type PromptGetter func(ctx context.Context, params GetPromptParams) (GetPromptResult, error)

// ChangeListener is invoked after the set of registered components of the given
// type changes. Listeners are called synchronously under no lock; they must not
// re-enter the registry's mutation methods.
type ChangeListener func(ComponentType)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

type registeredResource struct {
	resource Resource
	reader   ResourceReader
}

type registeredPrompt struct {
	prompt Prompt
	getter PromptGetter
}

// Registry tracks the tools, resources, and prompts a host application exposes
// through the bridge. It provides the component counts and lookups the
// capability negotiator and dispatcher operate on, and notifies registered
// listeners when the component set changes.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]registeredTool
	resources map[string]registeredResource
	prompts   map[string]registeredPrompt
	listeners []ChangeListener
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]registeredTool),
		resources: make(map[string]registeredResource),
		prompts:   make(map[string]registeredPrompt),
	}
}

// OnChange registers a listener invoked whenever the component set changes.
func (r *Registry) OnChange(listener ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()
}

// RegisterTool adds a callable tool. Registering a tool under an already-used
// name fails rather than silently replacing the existing registration.
func (r *Registry) RegisterTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", tool.Name)
	}

	r.mu.Lock()
	if _, exists := r.tools[tool.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q is already registered", tool.Name)
	}
	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	r.mu.Unlock()

	r.notify(ComponentTool)
	return nil
}

// UnregisterTool removes a tool by name. Unknown names are ignored.
func (r *Registry) UnregisterTool(name string) {
	r.mu.Lock()
	_, exists := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()

	if exists {
		r.notify(ComponentTool)
	}
}

// Tool looks up a registered tool and its handler by name.
func (r *Registry) Tool(name string) (Tool, ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, reg.handler, ok
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, reg := range r.tools {
		tools = append(tools, reg.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// RegisterResource adds a readable resource keyed by its URI.
func (r *Registry) RegisterResource(resource Resource, reader ResourceReader) error {
	if resource.URI == "" {
		return fmt.Errorf("resource URI must not be empty")
	}
	if reader == nil {
		return fmt.Errorf("resource %q: reader must not be nil", resource.URI)
	}

	r.mu.Lock()
	if _, exists := r.resources[resource.URI]; exists {
		r.mu.Unlock()
		return fmt.Errorf("resource %q is already registered", resource.URI)
	}
	r.resources[resource.URI] = registeredResource{resource: resource, reader: reader}
	r.mu.Unlock()

	r.notify(ComponentResource)
	return nil
}

// UnregisterResource removes a resource by URI. Unknown URIs are ignored.
func (r *Registry) UnregisterResource(uri string) {
	r.mu.Lock()
	_, exists := r.resources[uri]
	delete(r.resources, uri)
	r.mu.Unlock()

	if exists {
		r.notify(ComponentResource)
	}
}

// Resource looks up a registered resource and its reader by URI.
func (r *Registry) Resource(uri string) (Resource, ResourceReader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.resources[uri]
	return reg.resource, reg.reader, ok
}

// Resources returns the registered resources sorted by URI.
func (r *Registry) Resources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := make([]Resource, 0, len(r.resources))
	for _, reg := range r.resources {
		resources = append(resources, reg.resource)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// RegisterPrompt adds a prompt template.
func (r *Registry) RegisterPrompt(prompt Prompt, getter PromptGetter) error {
	if prompt.Name == "" {
		return fmt.Errorf("prompt name must not be empty")
	}
	if getter == nil {
		return fmt.Errorf("prompt %q: getter must not be nil", prompt.Name)
	}

	r.mu.Lock()
	if _, exists := r.prompts[prompt.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q is already registered", prompt.Name)
	}
	r.prompts[prompt.Name] = registeredPrompt{prompt: prompt, getter: getter}
	r.mu.Unlock()

	r.notify(ComponentPrompt)
	return nil
}

// UnregisterPrompt removes a prompt by name. Unknown names are ignored.
func (r *Registry) UnregisterPrompt(name string) {
	r.mu.Lock()
	_, exists := r.prompts[name]
	delete(r.prompts, name)
	r.mu.Unlock()

	if exists {
		r.notify(ComponentPrompt)
	}
}

// Prompt looks up a registered prompt and its getter by name.
func (r *Registry) Prompt(name string) (Prompt, PromptGetter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.prompts[name]
	return reg.prompt, reg.getter, ok
}

// Prompts returns the registered prompts sorted by name.
func (r *Registry) Prompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prompts := make([]Prompt, 0, len(r.prompts))
	for _, reg := range r.prompts {
		prompts = append(prompts, reg.prompt)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// Count returns the number of registered components of the given type.
func (r *Registry) Count(typ ComponentType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch typ {
	case ComponentTool:
		return len(r.tools)
	case ComponentResource:
		return len(r.resources)
	case ComponentPrompt:
		return len(r.prompts)
	default:
		return 0
	}
}

func (r *Registry) notify(typ ComponentType) {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		listener(typ)
	}
}
