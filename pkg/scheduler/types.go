package scheduler

import (
	"time"

	"github.com/stellarlinkco/toolgate/pkg/tool"
)

// Status is the lifecycle state of one tool call. Transitions move forward
// monotonically except for an abort, which can take any non-terminal state
// to StatusCancelled.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// ErrorKind is the structured error taxonomy surfaced to the model layer.
type ErrorKind string

const (
	ErrUnknownTool       ErrorKind = "UNKNOWN_TOOL"
	ErrInvalidToolParams ErrorKind = "INVALID_TOOL_PARAMS"
	ErrPolicyDenied      ErrorKind = "POLICY_DENIED"
	ErrExecutionFailed   ErrorKind = "EXECUTION_FAILED"
	ErrStopExecution     ErrorKind = "STOP_EXECUTION"
	ErrMCPTool           ErrorKind = "MCP_TOOL_ERROR"
	ErrAborted           ErrorKind = "ABORTED"
)

// ToolError is the per-call structured error payload. It is recorded on the
// call and returned to the model; it never escapes the scheduler as a panic
// or a batch failure.
type ToolError struct {
	Kind    ErrorKind
	Message string
}

func (e *ToolError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func newToolError(kind ErrorKind, msg string) *ToolError {
	return &ToolError{Kind: kind, Message: msg}
}

// Request is one immutable tool-call request from an LLM turn.
type Request struct {
	CallID          string
	Name            string
	Args            map[string]any
	PromptID        string
	ClientInitiated bool
}

// Result is the settled outcome of one call, delivered in original request
// order once the whole batch has settled.
type Result struct {
	CallID  string
	Name    string
	Status  Status
	Content string
	Data    any
	Err     *ToolError
}

// Update is the live-progress notification emitted at each state
// transition. It is a side channel for UIs, not part of the return contract.
type Update struct {
	CallID string
	Name   string
	Status Status
	Err    *ToolError
}

// Notifier receives progress updates. Implementations must not block.
type Notifier func(Update)

// toolCall is the batch-scoped mutable bookkeeping for one request. It is
// discarded once its result is returned.
type toolCall struct {
	req         Request
	status      Status
	tool        tool.Tool
	startedAt   time.Time
	completedAt time.Time
	result      *tool.Result
	err         *ToolError
}

func (c *toolCall) toResult() Result {
	res := Result{
		CallID: c.req.CallID,
		Name:   c.req.Name,
		Status: c.status,
		Err:    c.err,
	}
	if c.result != nil {
		res.Content = c.result.Content
		res.Data = c.result.Data
	}
	return res
}
