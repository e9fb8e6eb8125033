package processor

import (
	"context"
	"fmt"

	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/google/uuid"
)

// Validate checks the action shape before anything else sees it, and assigns an id to new
// cells that arrive without one.
func Validate() Processor {
	return Func(func(_ context.Context, action notebook.Action, _ *Context) (Result, bool, error) {
		if add, ok := action.(*notebook.AddCell); ok && add.CellID == "" {
			add.CellID = uuid.NewString()
		}
		if err := action.Validate(); err != nil {
			return Result{}, false, err
		}
		return Result{}, false, nil
	})
}

// ReadOnly rejects every action from a read-only connection.
func ReadOnly() Processor {
	return Func(func(_ context.Context, action notebook.Action, pc *Context) (Result, bool, error) {
		if pc.ReadOnly {
			return Result{}, false, fmt.Errorf("%w: %s not allowed", ErrReadOnly, action.Name())
		}
		return Result{}, false, nil
	})
}

// Execute handles cell.execute and notebook.executeCells. It refuses before touching the
// document when the kernel is not running, applies the reducer so the cells are cleared and
// marked pending, then sends one execute request per code cell.
func Execute() Processor {
	return Func(func(ctx context.Context, action notebook.Action, pc *Context) (Result, bool, error) {
		switch action.(type) {
		case *notebook.ExecuteCell, *notebook.ExecuteCells:
		default:
			return Result{}, false, nil
		}

		if pc.Kernel == nil || pc.Kernel.State() != kernel.StateRunning {
			return Result{}, false, kernel.ErrKernelUnavailable
		}

		update, err := notebook.Apply(pc.Notebook, action)
		if err != nil {
			return Result{}, false, err
		}

		res := Result{Update: update}
		for _, cu := range executedCells(update) {
			cell, err := pc.Notebook.Cell(cu.WorksheetID, cu.CellID)
			if err != nil {
				return Result{}, false, err
			}
			origin := &kernel.RequestContext{
				RequestID:    action.Base().RequestID,
				CellID:       cell.ID,
				WorksheetID:  cu.WorksheetID,
				ConnectionID: pc.ConnectionID,
			}
			call, err := pc.Kernel.Execute(ctx, kernel.ExecuteRequest{Code: cell.Source, Context: origin})
			res.Executions = append(res.Executions, Execution{Origin: origin, Call: call, Err: err})
		}
		return res, true, nil
	})
}

// Apply is the terminal processor: it hands the action to the reducer.
func Apply() Processor {
	return Func(func(_ context.Context, action notebook.Action, pc *Context) (Result, bool, error) {
		update, err := notebook.Apply(pc.Notebook, action)
		if err != nil {
			return Result{}, false, err
		}
		return Result{Update: update}, true, nil
	})
}

func executedCells(u notebook.Update) []*notebook.CellUpdate {
	switch u := u.(type) {
	case *notebook.CellUpdate:
		return []*notebook.CellUpdate{u}
	case *notebook.CompositeUpdate:
		cells := make([]*notebook.CellUpdate, 0, len(u.SubUpdates))
		for _, sub := range u.SubUpdates {
			if cu, ok := sub.(*notebook.CellUpdate); ok {
				cells = append(cells, cu)
			}
		}
		return cells
	}
	return nil
}
