package notebook

import (
	"encoding/json"
	"fmt"
)

// UpdateName is the stable wire tag of an Update.
type UpdateName string

const (
	UpdateComposite        UpdateName = "composite"
	UpdateCellChanged      UpdateName = "cell.update"
	UpdateNotebookMetadata UpdateName = "notebook.metadata"
	UpdateAddCell          UpdateName = "worksheet.addCell"
	UpdateDeleteCell       UpdateName = "worksheet.deleteCell"
	UpdateMoveCell         UpdateName = "worksheet.moveCell"
)

// Update is the delta produced by applying an Action.
// The set of implementations is closed; apply must be idempotent on a document that already
// reflects the update.
type Update interface {
	Name() UpdateName
	Base() UpdateBase
	apply(nb *Notebook) error
}

// UpdateBase carries the correlation fields shared by every update.
// RequestID is empty for server-initiated updates.
type UpdateBase struct {
	RequestID string `json:"requestId,omitempty"`
}

// Base returns the shared fields.
func (b UpdateBase) Base() UpdateBase { return b }

// ApplyUpdate re-applies an Update to a notebook replica.
func ApplyUpdate(nb *Notebook, u Update) error {
	return u.apply(nb)
}

// CompositeUpdate groups several updates produced by one action.
type CompositeUpdate struct {
	UpdateBase
	SubUpdates []Update `json:"subUpdates"`
}

func (CompositeUpdate) Name() UpdateName { return UpdateComposite }

func (u *CompositeUpdate) apply(nb *Notebook) error {
	for _, sub := range u.SubUpdates {
		if err := sub.apply(nb); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON adds the name tag.
func (u CompositeUpdate) MarshalJSON() ([]byte, error) {
	type alias CompositeUpdate
	subs := u.SubUpdates
	if subs == nil {
		subs = []Update{}
	}
	return json.Marshal(struct {
		Name UpdateName `json:"name"`
		alias
		SubUpdates []Update `json:"subUpdates"`
	}{Name: u.Name(), alias: alias(u), SubUpdates: subs})
}

// CellUpdate carries the changed fields of one cell.
//
// Outputs are appended starting at OutputIndex unless ReplaceOutputs is set. Metadata holds only
// the keys that changed; a nil value deletes the key. With ReplaceMetadata the cell metadata
// becomes exactly Metadata.
type CellUpdate struct {
	UpdateBase
	WorksheetID     string         `json:"worksheetId"`
	CellID          string         `json:"cellId"`
	Source          *string        `json:"source,omitempty"`
	Outputs         []Output       `json:"outputs,omitempty"`
	OutputIndex     int            `json:"outputIndex,omitempty"`
	ReplaceOutputs  bool           `json:"replaceOutputs"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ReplaceMetadata bool           `json:"replaceMetadata"`
}

func (CellUpdate) Name() UpdateName { return UpdateCellChanged }

func (u *CellUpdate) apply(nb *Notebook) error {
	cell, err := nb.Cell(u.WorksheetID, u.CellID)
	if err != nil {
		return err
	}
	if u.Source != nil {
		cell.Source = *u.Source
	}
	switch {
	case u.ReplaceOutputs:
		cell.Outputs = newOutputs(u.Outputs)
	case len(u.Outputs) > 0:
		at := min(u.OutputIndex, len(cell.Outputs))
		merged := make([]Output, 0, at+len(u.Outputs))
		merged = append(merged, cell.Outputs[:at]...)
		cell.Outputs = append(merged, cloneOutputs(u.Outputs)...)
	}
	cell.Metadata = mergeMetadata(cell.Metadata, u.Metadata, u.ReplaceMetadata)
	return nil
}

// MarshalJSON adds the name tag and always emits outputs/metadata when they are being replaced,
// so a replacement with an empty list still reaches the client.
func (u CellUpdate) MarshalJSON() ([]byte, error) {
	type alias CellUpdate
	wire := struct {
		Name UpdateName `json:"name"`
		alias
		Outputs  *[]Output      `json:"outputs,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Name: u.Name(), alias: alias(u), Metadata: u.Metadata}
	if u.ReplaceOutputs || len(u.Outputs) > 0 {
		outputs := u.Outputs
		if outputs == nil {
			outputs = []Output{}
		}
		wire.Outputs = &outputs
	}
	if u.ReplaceMetadata && wire.Metadata == nil {
		wire.Metadata = map[string]any{}
	}
	return json.Marshal(wire)
}

// NotebookMetadataUpdate carries the changed notebook-level metadata keys.
type NotebookMetadataUpdate struct {
	UpdateBase
	Metadata        map[string]any `json:"metadata"`
	ReplaceMetadata bool           `json:"replaceMetadata"`
}

func (NotebookMetadataUpdate) Name() UpdateName { return UpdateNotebookMetadata }

func (u *NotebookMetadataUpdate) apply(nb *Notebook) error {
	nb.Metadata = mergeMetadata(nb.Metadata, u.Metadata, u.ReplaceMetadata)
	return nil
}

// MarshalJSON adds the name tag.
func (u NotebookMetadataUpdate) MarshalJSON() ([]byte, error) {
	type alias NotebookMetadataUpdate
	return json.Marshal(struct {
		Name UpdateName `json:"name"`
		alias
	}{Name: u.Name(), alias: alias(u)})
}

// AddCellUpdate carries the full new cell and its position.
type AddCellUpdate struct {
	UpdateBase
	WorksheetID string  `json:"worksheetId"`
	Cell        *Cell   `json:"cell"`
	InsertAfter *string `json:"insertAfter"`
}

func (AddCellUpdate) Name() UpdateName { return UpdateAddCell }

// apply replaces a cell that already carries the same id, so replays converge.
func (u *AddCellUpdate) apply(nb *Notebook) error {
	ws, err := nb.Worksheet(u.WorksheetID)
	if err != nil {
		return err
	}
	if u.Cell == nil {
		return required("cell")
	}
	if u.InsertAfter != nil && (*u.InsertAfter == u.Cell.ID || ws.indexOf(*u.InsertAfter) < 0) {
		return cellNotFound(u.WorksheetID, *u.InsertAfter)
	}
	if owner, _, ok := nb.FindCell(u.Cell.ID); ok {
		owner.remove(owner.indexOf(u.Cell.ID))
	}
	ws.insertAfter(u.Cell.Clone(), u.InsertAfter)
	return nil
}

// MarshalJSON adds the name tag.
func (u AddCellUpdate) MarshalJSON() ([]byte, error) {
	type alias AddCellUpdate
	return json.Marshal(struct {
		Name UpdateName `json:"name"`
		alias
	}{Name: u.Name(), alias: alias(u)})
}

// DeleteCellUpdate names the removed cell.
type DeleteCellUpdate struct {
	UpdateBase
	WorksheetID string `json:"worksheetId"`
	CellID      string `json:"cellId"`
}

func (DeleteCellUpdate) Name() UpdateName { return UpdateDeleteCell }

// apply is a no-op when the cell is already gone.
func (u *DeleteCellUpdate) apply(nb *Notebook) error {
	ws, err := nb.Worksheet(u.WorksheetID)
	if err != nil {
		return err
	}
	if i := ws.indexOf(u.CellID); i >= 0 {
		ws.remove(i)
	}
	return nil
}

// MarshalJSON adds the name tag.
func (u DeleteCellUpdate) MarshalJSON() ([]byte, error) {
	type alias DeleteCellUpdate
	return json.Marshal(struct {
		Name UpdateName `json:"name"`
		alias
	}{Name: u.Name(), alias: alias(u)})
}

// MoveCellUpdate repeats the move so replicas apply the same position rule.
type MoveCellUpdate struct {
	UpdateBase
	SourceWorksheetID      string  `json:"sourceWorksheetId"`
	DestinationWorksheetID string  `json:"destinationWorksheetId"`
	CellID                 string  `json:"cellId"`
	InsertAfter            *string `json:"insertAfter"`
}

func (MoveCellUpdate) Name() UpdateName { return UpdateMoveCell }

func (u *MoveCellUpdate) apply(nb *Notebook) error {
	return moveCell(nb, u.DestinationWorksheetID, u.CellID, u.InsertAfter)
}

// MarshalJSON adds the name tag.
func (u MoveCellUpdate) MarshalJSON() ([]byte, error) {
	type alias MoveCellUpdate
	return json.Marshal(struct {
		Name UpdateName `json:"name"`
		alias
	}{Name: u.Name(), alias: alias(u)})
}

// DecodeUpdate parses a JSON-encoded Update, including nested composites.
func DecodeUpdate(data []byte) (Update, error) {
	var envelope struct {
		Name       UpdateName        `json:"name"`
		SubUpdates []json.RawMessage `json:"subUpdates"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed update: %v", err)}
	}

	var u Update
	switch envelope.Name {
	case UpdateComposite:
		composite := &CompositeUpdate{SubUpdates: make([]Update, 0, len(envelope.SubUpdates))}
		for _, raw := range envelope.SubUpdates {
			sub, err := DecodeUpdate(raw)
			if err != nil {
				return nil, err
			}
			composite.SubUpdates = append(composite.SubUpdates, sub)
		}
		var base UpdateBase
		if err := json.Unmarshal(data, &base); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("malformed update: %v", err)}
		}
		composite.UpdateBase = base
		return composite, nil
	case UpdateCellChanged:
		u = &CellUpdate{}
	case UpdateNotebookMetadata:
		u = &NotebookMetadataUpdate{}
	case UpdateAddCell:
		u = &AddCellUpdate{}
	case UpdateDeleteCell:
		u = &DeleteCellUpdate{}
	case UpdateMoveCell:
		u = &MoveCellUpdate{}
	default:
		return nil, &ValidationError{Field: "name", Reason: "unknown update", Value: envelope.Name}
	}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed %s update: %v", envelope.Name, err)}
	}
	return u, nil
}

// mergeMetadata applies a delta to current. It never aliases delta.
func mergeMetadata(current, delta map[string]any, replace bool) map[string]any {
	if replace {
		return newMap(delta)
	}
	if current == nil {
		current = map[string]any{}
	}
	for k, v := range delta {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = cloneValue(v)
	}
	return current
}
