package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry keeps the mapping between tool names and implementations. It is
// safe for concurrent use; MCP refreshes write to it while schedulers read.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator Validator
}

// NewRegistry creates a registry backed by the default schema validator.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: SchemaValidator{},
	}
}

// Register inserts a tool, replacing any prior entry with the same name.
// Replacement keeps re-registration after an MCP client restart from
// duplicating entries.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Unregister removes a tool by name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// List produces a name-sorted snapshot of all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// FunctionDeclarations returns the schema list handed to the LLM layer.
func (r *Registry) FunctionDeclarations() []FunctionDeclaration {
	tools := r.List()
	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return decls
}

// SetValidator swaps the validator instance used before execution.
func (r *Registry) SetValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = v
}

// Snapshot returns an immutable view of the current registrations. A batch
// resolved against a snapshot is unaffected by concurrent Register and
// Unregister calls.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make(map[string]Tool, len(r.tools))
	for name, tool := range r.tools {
		tools[name] = tool
	}
	validator := r.validator
	if validator == nil {
		validator = SchemaValidator{}
	}
	return &Snapshot{tools: tools, validator: validator}
}

// Snapshot is a point-in-time, read-only view of a Registry.
type Snapshot struct {
	tools     map[string]Tool
	validator Validator
}

// Get fetches a tool by name from the snapshot.
func (s *Snapshot) Get(name string) (Tool, bool) {
	tool, ok := s.tools[name]
	return tool, ok
}

// Validate checks params against the tool's schema using the validator the
// snapshot was taken with.
func (s *Snapshot) Validate(t Tool, params map[string]any) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	schema := t.Schema()
	if schema == nil {
		return nil
	}
	return s.validator.Validate(params, schema)
}

// Len reports the number of tools in the snapshot.
func (s *Snapshot) Len() int { return len(s.tools) }
