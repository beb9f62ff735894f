package tool

import "context"

// Tool is an executable capability the runtime can invoke on behalf of the
// model.
type Tool interface {
	// Name returns the unique identifier of the tool.
	Name() string

	// Description gives a short human readable summary.
	Description() string

	// Schema describes the tool parameters. Nil means the tool takes no input.
	Schema() *JSONSchema

	// Execute runs the tool with validated parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Mutator is implemented by tools whose execution modifies external state.
// ResourceKey returns a stable identifier for the resource a given call
// touches (a file path, a database name). Calls sharing a non-empty key are
// serialized by the scheduler; pure reads should not implement Mutator.
type Mutator interface {
	ResourceKey(params map[string]any) string
}

// Confirmer lets a tool describe the approval prompt shown before a gated
// execution. Tools without it get a generic info prompt built from their
// name and description.
type Confirmer interface {
	ConfirmationDetails(params map[string]any) ConfirmationDetails
}

// ConfirmationKind selects the UI variant used to render an approval prompt.
type ConfirmationKind string

const (
	ConfirmEdit ConfirmationKind = "edit"
	ConfirmExec ConfirmationKind = "exec"
	ConfirmMCP  ConfirmationKind = "mcp"
	ConfirmInfo ConfirmationKind = "info"
)

// ConfirmationDetails carries the UI-safe fields of an approval prompt.
// Only the fields relevant to Kind are populated; raw tool internals never
// cross this boundary.
type ConfirmationDetails struct {
	Kind    ConfirmationKind `json:"kind"`
	Title   string           `json:"title"`
	Command string           `json:"command,omitempty"`
	Path    string           `json:"path,omitempty"`
	Diff    string           `json:"diff,omitempty"`
	Server  string           `json:"server,omitempty"`
	Tool    string           `json:"tool,omitempty"`
	Prompt  string           `json:"prompt,omitempty"`
}

// Result captures the outcome of a tool invocation.
type Result struct {
	Content string
	Data    any
}
