package notebook

import (
	"fmt"
	"slices"
)

// CellType identifies how a cell's source is interpreted.
type CellType string

const (
	CellCode     CellType = "code"
	CellHeading  CellType = "heading"
	CellMarkdown CellType = "markdown"
)

// Valid reports whether t is one of the known cell types.
func (t CellType) Valid() bool {
	switch t {
	case CellCode, CellHeading, CellMarkdown:
		return true
	}
	return false
}

// OutputType identifies the stream or kind of an output.
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputResult OutputType = "result"
	OutputError  OutputType = "error"
)

// Valid reports whether t is one of the known output types.
func (t OutputType) Valid() bool {
	switch t {
	case OutputStdout, OutputStderr, OutputResult, OutputError:
		return true
	}
	return false
}

// Well-known metadata keys written by the session when it drives execution.
const (
	MetaExecutionStatus  = "executionStatus"
	MetaExecutionCounter = "executionCounter"
)

// Execution status values stored under MetaExecutionStatus.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusAborted   = "aborted"
)

// Output is a single rendered result of executing a cell.
type Output struct {
	Type           OutputType     `json:"type" mapstructure:"type"`
	MimetypeBundle map[string]any `json:"mimetypeBundle" mapstructure:"mimetypeBundle"`
}

// Cell is a single unit of source in a worksheet.
type Cell struct {
	ID       string         `json:"id"`
	Type     CellType       `json:"type"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
	Outputs  []Output       `json:"outputs"`
}

// Worksheet is an ordered list of cells. Order drives rendering on every client.
type Worksheet struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
	Cells    []*Cell        `json:"cells"`
}

// Notebook is the shared document of a session.
type Notebook struct {
	ID         string         `json:"id"`
	Metadata   map[string]any `json:"metadata"`
	Worksheets []*Worksheet   `json:"worksheets"`
}

// New creates an empty notebook with a single, empty worksheet.
func New(id, worksheetID string) *Notebook {
	return &Notebook{
		ID:       id,
		Metadata: map[string]any{},
		Worksheets: []*Worksheet{
			{
				ID:       worksheetID,
				Name:     "Untitled",
				Metadata: map[string]any{},
				Cells:    []*Cell{},
			},
		},
	}
}

// Worksheet returns the worksheet with the given id.
func (nb *Notebook) Worksheet(id string) (*Worksheet, error) {
	for _, ws := range nb.Worksheets {
		if ws.ID == id {
			return ws, nil
		}
	}
	return nil, worksheetNotFound(id)
}

// Cell returns the cell identified by (worksheetID, cellID).
func (nb *Notebook) Cell(worksheetID, cellID string) (*Cell, error) {
	ws, err := nb.Worksheet(worksheetID)
	if err != nil {
		return nil, err
	}
	i := ws.indexOf(cellID)
	if i < 0 {
		return nil, cellNotFound(worksheetID, cellID)
	}
	return ws.Cells[i], nil
}

// FindCell searches every worksheet for a cell id.
func (nb *Notebook) FindCell(cellID string) (*Worksheet, *Cell, bool) {
	for _, ws := range nb.Worksheets {
		if i := ws.indexOf(cellID); i >= 0 {
			return ws, ws.Cells[i], true
		}
	}
	return nil, nil, false
}

// CellIDs returns the ordered cell ids of a worksheet, or nil if it does not exist.
func (nb *Notebook) CellIDs(worksheetID string) []string {
	ws, err := nb.Worksheet(worksheetID)
	if err != nil {
		return nil
	}
	ids := make([]string, len(ws.Cells))
	for i, c := range ws.Cells {
		ids[i] = c.ID
	}
	return ids
}

// Validate checks the invariants a loaded notebook must satisfy before a session accepts it.
func (nb *Notebook) Validate() error {
	if nb.ID == "" {
		return required("id")
	}
	worksheets := make(map[string]struct{}, len(nb.Worksheets))
	cells := make(map[string]struct{})
	for _, ws := range nb.Worksheets {
		if ws.ID == "" {
			return required("worksheets.id")
		}
		if _, dup := worksheets[ws.ID]; dup {
			return &ValidationError{Field: "worksheets.id", Reason: "duplicate worksheet id", Value: ws.ID}
		}
		worksheets[ws.ID] = struct{}{}
		for _, c := range ws.Cells {
			if c.ID == "" {
				return required("cells.id")
			}
			if _, dup := cells[c.ID]; dup {
				return &ValidationError{Field: "cells.id", Reason: "duplicate cell id", Value: c.ID}
			}
			if !c.Type.Valid() {
				return &ValidationError{Field: "cells.type", Reason: fmt.Sprintf("unknown cell type in cell %s", c.ID), Value: c.Type}
			}
			cells[c.ID] = struct{}{}
		}
	}
	return nil
}

// Clone returns a deep copy of the notebook, safe to hand to another goroutine.
func (nb *Notebook) Clone() *Notebook {
	if nb == nil {
		return nil
	}
	out := &Notebook{ID: nb.ID, Metadata: cloneMap(nb.Metadata)}
	if nb.Worksheets != nil {
		out.Worksheets = make([]*Worksheet, len(nb.Worksheets))
		for i, ws := range nb.Worksheets {
			out.Worksheets[i] = ws.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the worksheet.
func (ws *Worksheet) Clone() *Worksheet {
	out := &Worksheet{ID: ws.ID, Name: ws.Name, Metadata: cloneMap(ws.Metadata)}
	if ws.Cells != nil {
		out.Cells = make([]*Cell, len(ws.Cells))
		for i, c := range ws.Cells {
			out.Cells[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the cell.
func (c *Cell) Clone() *Cell {
	return &Cell{
		ID:       c.ID,
		Type:     c.Type,
		Source:   c.Source,
		Metadata: cloneMap(c.Metadata),
		Outputs:  cloneOutputs(c.Outputs),
	}
}

func (ws *Worksheet) indexOf(cellID string) int {
	return slices.IndexFunc(ws.Cells, func(c *Cell) bool { return c.ID == cellID })
}

func (ws *Worksheet) remove(i int) *Cell {
	c := ws.Cells[i]
	ws.Cells = slices.Delete(ws.Cells, i, i+1)
	return c
}

// insertAfter places c right after the cell named by after, or first when after is nil.
// The caller must have checked that after exists.
func (ws *Worksheet) insertAfter(c *Cell, after *string) {
	at := 0
	if after != nil {
		at = ws.indexOf(*after) + 1
	}
	ws.Cells = slices.Insert(ws.Cells, at, c)
}

// cloneOutputs and cloneMap keep nil as nil so a clone compares equal to its source.
func cloneOutputs(outputs []Output) []Output {
	if outputs == nil {
		return nil
	}
	out := make([]Output, len(outputs))
	for i, o := range outputs {
		out[i] = Output{Type: o.Type, MimetypeBundle: cloneMap(o.MimetypeBundle)}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// newOutputs and newMap copy like their clone counterparts but never return nil. They are used
// wherever the reducer writes a list or map into the document.
func newOutputs(outputs []Output) []Output {
	if outputs == nil {
		return []Output{}
	}
	return cloneOutputs(outputs)
}

func newMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return cloneMap(m)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
