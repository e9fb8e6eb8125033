package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
)

// ErrReadOnly rejects a mutation sent over a read-only connection.
var ErrReadOnly = errors.New("read-only")

// Executor is the part of the kernel manager the pipeline needs.
type Executor interface {
	State() kernel.State
	Execute(ctx context.Context, req kernel.ExecuteRequest) (*kernel.Call, error)
}

// Context is the session-scoped state a processor sees. It is only valid for the duration of
// one Process call and is owned by the session worker.
type Context struct {
	Notebook     *notebook.Notebook
	Kernel       Executor
	ConnectionID string
	ReadOnly     bool
}

// Execution is one execute request started while handling an action.
// Call is nil when the request could not be sent, in which case Err says why.
type Execution struct {
	Origin *kernel.RequestContext
	Call   *kernel.Call
	Err    error
}

// Result is what a handled action produced.
type Result struct {
	Update     notebook.Update
	Executions []Execution
}

// Processor handles an action or passes it on by returning handled == false.
type Processor interface {
	Process(ctx context.Context, action notebook.Action, pc *Context) (res Result, handled bool, err error)
}

// Func adapts a function to a Processor.
type Func func(ctx context.Context, action notebook.Action, pc *Context) (Result, bool, error)

func (f Func) Process(ctx context.Context, action notebook.Action, pc *Context) (Result, bool, error) {
	return f(ctx, action, pc)
}

// Pipeline runs processors in a fixed order. The terminal Apply processor is always last.
type Pipeline struct {
	processors []Processor
}

// New builds a pipeline from processors followed by Apply.
func New(processors ...Processor) *Pipeline {
	chain := make([]Processor, 0, len(processors)+1)
	for _, p := range processors {
		if p != nil {
			chain = append(chain, p)
		}
	}
	return &Pipeline{processors: append(chain, Apply())}
}

// Default is the pipeline sessions use unless configured otherwise.
func Default() *Pipeline {
	return New(Validate(), ReadOnly(), Execute())
}

// Len reports the number of processors, including the terminal one.
func (p *Pipeline) Len() int {
	return len(p.processors)
}

// Run passes action down the chain until a processor handles it.
func (p *Pipeline) Run(ctx context.Context, action notebook.Action, pc *Context) (Result, error) {
	if action == nil {
		return Result{}, &notebook.ValidationError{Reason: "action is required"}
	}
	if pc == nil || pc.Notebook == nil {
		return Result{}, errors.New("processor: no notebook in context")
	}
	for _, proc := range p.processors {
		res, handled, err := proc.Process(ctx, action, pc)
		if err != nil {
			return Result{}, err
		}
		if handled {
			return res, nil
		}
	}
	// Apply always handles, so this only happens to a pipeline built without New.
	return Result{}, fmt.Errorf("processor: %s was not handled", action.Name())
}
