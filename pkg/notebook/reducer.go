package notebook

import "fmt"

// Apply validates a against nb, computes its Update and applies it.
// On error nb is left exactly as it was.
func Apply(nb *Notebook, a Action) (Update, error) {
	if a == nil {
		return nil, &ValidationError{Reason: "action is required"}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	u, err := a.reduce(nb)
	if err != nil {
		return nil, err
	}
	if err := u.apply(nb); err != nil {
		// reduce already checked every reference, so this is a reducer bug.
		return nil, fmt.Errorf("apply %s: %w", a.Name(), err)
	}
	return u, nil
}

func (a *ClearOutputs) reduce(nb *Notebook) (Update, error) {
	composite := &CompositeUpdate{UpdateBase: a.update(), SubUpdates: []Update{}}
	for _, ws := range nb.Worksheets {
		for _, c := range ws.Cells {
			composite.SubUpdates = append(composite.SubUpdates, clearedCell(ws.ID, c.ID))
		}
	}
	return composite, nil
}

func (a *ExecuteCells) reduce(nb *Notebook) (Update, error) {
	worksheets := nb.Worksheets
	if a.WorksheetID != "" {
		ws, err := nb.Worksheet(a.WorksheetID)
		if err != nil {
			return nil, err
		}
		worksheets = []*Worksheet{ws}
	}

	composite := &CompositeUpdate{UpdateBase: a.update(), SubUpdates: []Update{}}
	for _, ws := range worksheets {
		for _, c := range ws.Cells {
			if c.Type != CellCode {
				continue
			}
			composite.SubUpdates = append(composite.SubUpdates, pendingCell(ws.ID, c.ID))
		}
	}
	return composite, nil
}

func (a *UpdateMetadata) reduce(nb *Notebook) (Update, error) {
	return &NotebookMetadataUpdate{
		UpdateBase:      a.update(),
		Metadata:        cloneMap(a.Metadata),
		ReplaceMetadata: a.ReplaceMetadata,
	}, nil
}

func (a *UpdateCell) reduce(nb *Notebook) (Update, error) {
	cell, err := nb.Cell(a.WorksheetID, a.CellID)
	if err != nil {
		return nil, err
	}

	u := &CellUpdate{
		UpdateBase:      a.update(),
		WorksheetID:     a.WorksheetID,
		CellID:          a.CellID,
		ReplaceOutputs:  a.ReplaceOutputs,
		ReplaceMetadata: a.ReplaceMetadata,
	}
	if a.Source != nil {
		source := *a.Source
		u.Source = &source
	}
	if a.ReplaceOutputs || len(a.Outputs) > 0 {
		u.Outputs = newOutputs(a.Outputs)
	}
	if !a.ReplaceOutputs {
		u.OutputIndex = len(cell.Outputs)
	}
	// Only the keys the client sent travel back out, never the merged map.
	if a.Metadata != nil || a.ReplaceMetadata {
		u.Metadata = cloneMap(a.Metadata)
	}
	return u, nil
}

func (a *ClearOutput) reduce(nb *Notebook) (Update, error) {
	if _, err := nb.Cell(a.WorksheetID, a.CellID); err != nil {
		return nil, err
	}
	u := clearedCell(a.WorksheetID, a.CellID)
	u.UpdateBase = a.update()
	return u, nil
}

func (a *ExecuteCell) reduce(nb *Notebook) (Update, error) {
	cell, err := nb.Cell(a.WorksheetID, a.CellID)
	if err != nil {
		return nil, err
	}
	if cell.Type != CellCode {
		return nil, &ValidationError{Field: "cellId", Reason: "only code cells can be executed", Value: cell.Type}
	}
	u := pendingCell(a.WorksheetID, a.CellID)
	u.UpdateBase = a.update()
	return u, nil
}

func (a *AddCell) reduce(nb *Notebook) (Update, error) {
	ws, err := nb.Worksheet(a.WorksheetID)
	if err != nil {
		return nil, err
	}
	if a.CellID == "" {
		return nil, required("cellId")
	}
	if _, _, exists := nb.FindCell(a.CellID); exists {
		return nil, &ValidationError{Field: "cellId", Reason: "duplicate cell id", Value: a.CellID}
	}
	if a.InsertAfter != nil && ws.indexOf(*a.InsertAfter) < 0 {
		return nil, cellNotFound(a.WorksheetID, *a.InsertAfter)
	}

	cellType := a.Type
	if cellType == "" {
		cellType = CellCode
	}
	return &AddCellUpdate{
		UpdateBase:  a.update(),
		WorksheetID: a.WorksheetID,
		Cell: &Cell{
			ID:       a.CellID,
			Type:     cellType,
			Source:   a.Source,
			Metadata: newMap(a.Metadata),
			Outputs:  newOutputs(a.Outputs),
		},
		InsertAfter: copyRef(a.InsertAfter),
	}, nil
}

func (a *DeleteCell) reduce(nb *Notebook) (Update, error) {
	if _, err := nb.Cell(a.WorksheetID, a.CellID); err != nil {
		return nil, err
	}
	return &DeleteCellUpdate{
		UpdateBase:  a.update(),
		WorksheetID: a.WorksheetID,
		CellID:      a.CellID,
	}, nil
}

func (a *MoveCell) reduce(nb *Notebook) (Update, error) {
	if err := checkMove(nb, a.SourceWorksheetID, a.DestinationWorksheetID, a.CellID, a.InsertAfter); err != nil {
		return nil, err
	}
	return &MoveCellUpdate{
		UpdateBase:             a.update(),
		SourceWorksheetID:      a.SourceWorksheetID,
		DestinationWorksheetID: a.DestinationWorksheetID,
		CellID:                 a.CellID,
		InsertAfter:            copyRef(a.InsertAfter),
	}, nil
}

func checkMove(nb *Notebook, sourceID, destID, cellID string, after *string) error {
	if _, err := nb.Cell(sourceID, cellID); err != nil {
		return err
	}
	dest, err := nb.Worksheet(destID)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}
	if *after == cellID {
		if destID != sourceID {
			return &ValidationError{Field: "insertAfter", Reason: "a cell cannot follow itself in another worksheet", Value: cellID}
		}
		return nil
	}
	if dest.indexOf(*after) < 0 {
		return cellNotFound(destID, *after)
	}
	return nil
}

// moveCell applies the position rule. Moving a cell after itself leaves it where it is.
// The cell is looked up across all worksheets so a replayed cross-worksheet move converges.
func moveCell(nb *Notebook, destID, cellID string, after *string) error {
	owner, _, ok := nb.FindCell(cellID)
	if !ok {
		return &NotFoundError{Kind: "cell", ID: cellID}
	}
	dest, err := nb.Worksheet(destID)
	if err != nil {
		return err
	}
	if after != nil {
		if *after == cellID {
			return nil
		}
		if dest.indexOf(*after) < 0 {
			return cellNotFound(destID, *after)
		}
	}

	cell := owner.remove(owner.indexOf(cellID))
	dest.insertAfter(cell, after)
	return nil
}

func clearedCell(worksheetID, cellID string) *CellUpdate {
	return &CellUpdate{
		WorksheetID:    worksheetID,
		CellID:         cellID,
		Outputs:        []Output{},
		ReplaceOutputs: true,
	}
}

func pendingCell(worksheetID, cellID string) *CellUpdate {
	u := clearedCell(worksheetID, cellID)
	u.Metadata = map[string]any{MetaExecutionStatus: StatusPending}
	return u
}

func copyRef(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
