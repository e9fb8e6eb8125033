package notebook

// ActionName is the stable wire tag of an Action.
type ActionName string

const (
	ActionClearOutputs   ActionName = "notebook.clearOutputs"
	ActionExecuteCells   ActionName = "notebook.executeCells"
	ActionUpdateMetadata ActionName = "notebook.updateMetadata"
	ActionUpdateCell     ActionName = "cell.update"
	ActionClearOutput    ActionName = "cell.clearOutput"
	ActionExecuteCell    ActionName = "cell.execute"
	ActionAddCell        ActionName = "worksheet.addCell"
	ActionDeleteCell     ActionName = "worksheet.deleteCell"
	ActionMoveCell       ActionName = "worksheet.moveCell"
)

// Action is a client intent. Actions never mutate anything themselves.
//
// The set of implementations is closed: reduce ties every action to the Update it produces, so
// adding an action without its update does not compile.
type Action interface {
	Name() ActionName
	Base() ActionBase
	// Validate checks the action shape without looking at any document.
	Validate() error
	// reduce computes the Update against nb without mutating it.
	reduce(nb *Notebook) (Update, error)
}

// ActionBase carries the correlation fields shared by every action.
type ActionBase struct {
	RequestID string `json:"requestId,omitempty" mapstructure:"requestId"`
}

// Base returns the shared fields.
func (b ActionBase) Base() ActionBase { return b }

func (b ActionBase) update() UpdateBase {
	return UpdateBase{RequestID: b.RequestID}
}

// ClearOutputs clears the outputs of every cell in every worksheet.
type ClearOutputs struct {
	ActionBase `mapstructure:",squash"`
}

func (ClearOutputs) Name() ActionName { return ActionClearOutputs }
func (*ClearOutputs) Validate() error { return nil }

// ExecuteCells queues every code cell of one worksheet, or of the whole notebook when
// WorksheetID is empty.
type ExecuteCells struct {
	ActionBase  `mapstructure:",squash"`
	WorksheetID string `json:"worksheetId,omitempty" mapstructure:"worksheetId"`
}

func (ExecuteCells) Name() ActionName { return ActionExecuteCells }
func (*ExecuteCells) Validate() error { return nil }

// UpdateMetadata changes notebook-level metadata.
type UpdateMetadata struct {
	ActionBase      `mapstructure:",squash"`
	Metadata        map[string]any `json:"metadata" mapstructure:"metadata"`
	ReplaceMetadata bool           `json:"replaceMetadata,omitempty" mapstructure:"replaceMetadata"`
}

func (UpdateMetadata) Name() ActionName { return ActionUpdateMetadata }

func (a *UpdateMetadata) Validate() error {
	if a.Metadata == nil && !a.ReplaceMetadata {
		return required("metadata")
	}
	return nil
}

// UpdateCell merges source, outputs and metadata into one cell.
type UpdateCell struct {
	ActionBase      `mapstructure:",squash"`
	WorksheetID     string         `json:"worksheetId" mapstructure:"worksheetId"`
	CellID          string         `json:"cellId" mapstructure:"cellId"`
	Source          *string        `json:"source,omitempty" mapstructure:"source"`
	Outputs         []Output       `json:"outputs,omitempty" mapstructure:"outputs"`
	ReplaceOutputs  bool           `json:"replaceOutputs,omitempty" mapstructure:"replaceOutputs"`
	Metadata        map[string]any `json:"metadata,omitempty" mapstructure:"metadata"`
	ReplaceMetadata bool           `json:"replaceMetadata,omitempty" mapstructure:"replaceMetadata"`
}

func (UpdateCell) Name() ActionName { return ActionUpdateCell }

func (a *UpdateCell) Validate() error {
	if err := validateCellRef(a.WorksheetID, a.CellID); err != nil {
		return err
	}
	return validateOutputs(a.Outputs)
}

// ClearOutput clears the outputs of one cell.
type ClearOutput struct {
	ActionBase  `mapstructure:",squash"`
	WorksheetID string `json:"worksheetId" mapstructure:"worksheetId"`
	CellID      string `json:"cellId" mapstructure:"cellId"`
}

func (ClearOutput) Name() ActionName { return ActionClearOutput }

func (a *ClearOutput) Validate() error {
	return validateCellRef(a.WorksheetID, a.CellID)
}

// ExecuteCell queues one code cell for execution.
type ExecuteCell struct {
	ActionBase  `mapstructure:",squash"`
	WorksheetID string `json:"worksheetId" mapstructure:"worksheetId"`
	CellID      string `json:"cellId" mapstructure:"cellId"`
}

func (ExecuteCell) Name() ActionName { return ActionExecuteCell }

func (a *ExecuteCell) Validate() error {
	return validateCellRef(a.WorksheetID, a.CellID)
}

// AddCell inserts a new cell. CellID must be assigned before the action reaches the reducer.
type AddCell struct {
	ActionBase  `mapstructure:",squash"`
	WorksheetID string         `json:"worksheetId" mapstructure:"worksheetId"`
	CellID      string         `json:"cellId,omitempty" mapstructure:"cellId"`
	Type        CellType       `json:"type,omitempty" mapstructure:"type"`
	Source      string         `json:"source,omitempty" mapstructure:"source"`
	Metadata    map[string]any `json:"metadata,omitempty" mapstructure:"metadata"`
	Outputs     []Output       `json:"outputs,omitempty" mapstructure:"outputs"`
	InsertAfter *string        `json:"insertAfter" mapstructure:"insertAfter"`
}

func (AddCell) Name() ActionName { return ActionAddCell }

func (a *AddCell) Validate() error {
	if a.WorksheetID == "" {
		return required("worksheetId")
	}
	if a.Type != "" && !a.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown cell type", Value: a.Type}
	}
	return validateOutputs(a.Outputs)
}

// DeleteCell removes one cell.
type DeleteCell struct {
	ActionBase  `mapstructure:",squash"`
	WorksheetID string `json:"worksheetId" mapstructure:"worksheetId"`
	CellID      string `json:"cellId" mapstructure:"cellId"`
}

func (DeleteCell) Name() ActionName { return ActionDeleteCell }

func (a *DeleteCell) Validate() error {
	return validateCellRef(a.WorksheetID, a.CellID)
}

// MoveCell moves a cell within a worksheet or across worksheets.
type MoveCell struct {
	ActionBase             `mapstructure:",squash"`
	SourceWorksheetID      string  `json:"sourceWorksheetId" mapstructure:"sourceWorksheetId"`
	DestinationWorksheetID string  `json:"destinationWorksheetId" mapstructure:"destinationWorksheetId"`
	CellID                 string  `json:"cellId" mapstructure:"cellId"`
	InsertAfter            *string `json:"insertAfter" mapstructure:"insertAfter"`
}

func (MoveCell) Name() ActionName { return ActionMoveCell }

func (a *MoveCell) Validate() error {
	if a.SourceWorksheetID == "" {
		return required("sourceWorksheetId")
	}
	if a.DestinationWorksheetID == "" {
		return required("destinationWorksheetId")
	}
	if a.CellID == "" {
		return required("cellId")
	}
	return nil
}

func validateCellRef(worksheetID, cellID string) error {
	if worksheetID == "" {
		return required("worksheetId")
	}
	if cellID == "" {
		return required("cellId")
	}
	return nil
}

func validateOutputs(outputs []Output) error {
	for _, o := range outputs {
		if !o.Type.Valid() {
			return &ValidationError{Field: "outputs.type", Reason: "unknown output type", Value: o.Type}
		}
	}
	return nil
}
