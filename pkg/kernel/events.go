package kernel

import (
	"errors"

	"github.com/aretw0/folio/pkg/notebook"
)

// ErrKernelUnavailable is returned for requests that cannot reach a running kernel, and used to
// fail every in-flight call when the kernel dies or the client closes.
var ErrKernelUnavailable = errors.New("kernel unavailable")

// Status values reported through KernelStatus. Busy and idle come from the kernel itself, the
// rest from the Manager.
const (
	StatusBusy       = "busy"
	StatusIdle       = "idle"
	StatusStarting   = "starting"
	StatusRestarting = "restarting"
	StatusDead       = "dead"
)

// RequestContext ties a kernel request back to the session request that caused it.
type RequestContext struct {
	RequestID    string `json:"requestId,omitempty"`
	CellID       string `json:"cellId,omitempty"`
	WorksheetID  string `json:"worksheetId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Event is something the kernel reported. Context is nil for session-wide events.
type Event interface {
	Context() *RequestContext
	event()
}

// KernelStatus reports a change in the kernel's execution or lifecycle state.
type KernelStatus struct {
	State  string          `json:"status"`
	Origin *RequestContext `json:"context,omitempty"`
}

// ExecuteReply is the final answer to one execute request.
type ExecuteReply struct {
	Success          bool            `json:"success"`
	Aborted          bool            `json:"aborted,omitempty"`
	ExecutionCounter *int            `json:"executionCounter,omitempty"`
	ErrorName        string          `json:"errorName,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	Traceback        []string        `json:"traceback,omitempty"`
	Origin           *RequestContext `json:"context,omitempty"`
}

// OutputData is a single output produced while a request executes.
type OutputData struct {
	Type           notebook.OutputType `json:"type"`
	MimetypeBundle map[string]any      `json:"mimetypeBundle"`
	Origin         *RequestContext     `json:"context,omitempty"`
}

func (e *KernelStatus) Context() *RequestContext { return e.Origin }
func (e *ExecuteReply) Context() *RequestContext { return e.Origin }
func (e *OutputData) Context() *RequestContext   { return e.Origin }

func (*KernelStatus) event() {}
func (*ExecuteReply) event() {}
func (*OutputData) event()   {}

// Output converts the event into a document output.
func (e *OutputData) Output() notebook.Output {
	bundle := make(map[string]any, len(e.MimetypeBundle))
	for k, v := range e.MimetypeBundle {
		bundle[k] = v
	}
	return notebook.Output{Type: e.Type, MimetypeBundle: bundle}
}
