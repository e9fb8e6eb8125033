package notebook_test

import (
	"encoding/json"
	"testing"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	t.Run("move cell with null insertAfter", func(t *testing.T) {
		a, err := notebook.DecodeAction([]byte(`{"name":"worksheet.moveCell","requestId":"r7","sourceWorksheetId":"ws1","destinationWorksheetId":"ws2","cellId":"A","insertAfter":null}`))
		require.NoError(t, err)

		move, ok := a.(*notebook.MoveCell)
		require.True(t, ok)
		assert.Equal(t, "r7", move.Base().RequestID)
		assert.Equal(t, "ws1", move.SourceWorksheetID)
		assert.Equal(t, "ws2", move.DestinationWorksheetID)
		assert.Equal(t, "A", move.CellID)
		assert.Nil(t, move.InsertAfter)
	})

	t.Run("update cell with outputs and metadata", func(t *testing.T) {
		a, err := notebook.DecodeAction([]byte(`{
			"name": "cell.update",
			"worksheetId": "ws1",
			"cellId": "A",
			"source": "1 + 1",
			"outputs": [{"type": "result", "mimetypeBundle": {"text/plain": "2"}}],
			"metadata": {"collapsed": true}
		}`))
		require.NoError(t, err)

		update := a.(*notebook.UpdateCell)
		require.NotNil(t, update.Source)
		assert.Equal(t, "1 + 1", *update.Source)
		assert.Equal(t, []notebook.Output{{Type: notebook.OutputResult, MimetypeBundle: map[string]any{"text/plain": "2"}}}, update.Outputs)
		assert.Equal(t, map[string]any{"collapsed": true}, update.Metadata)
		assert.False(t, update.ReplaceOutputs)
	})

	t.Run("add cell", func(t *testing.T) {
		a, err := notebook.DecodeAction([]byte(`{"name":"worksheet.addCell","worksheetId":"ws1","cellId":"D","type":"markdown","insertAfter":"A"}`))
		require.NoError(t, err)

		add := a.(*notebook.AddCell)
		assert.Equal(t, notebook.CellMarkdown, add.Type)
		require.NotNil(t, add.InsertAfter)
		assert.Equal(t, "A", *add.InsertAfter)
	})

	t.Run("every registered name decodes", func(t *testing.T) {
		names := []notebook.ActionName{
			notebook.ActionClearOutputs, notebook.ActionExecuteCells, notebook.ActionUpdateMetadata,
			notebook.ActionUpdateCell, notebook.ActionClearOutput, notebook.ActionExecuteCell,
			notebook.ActionAddCell, notebook.ActionDeleteCell, notebook.ActionMoveCell,
		}
		for _, name := range names {
			a, err := notebook.DecodeAction([]byte(`{"name":"` + string(name) + `"}`))
			require.NoError(t, err, name)
			assert.Equal(t, name, a.Name())
		}
	})
}

func TestDecodeAction_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"name":`,
		"not object":   `[1,2]`,
		"missing name": `{"cellId":"A"}`,
		"unknown name": `{"name":"cell.explode"}`,
		"wrong type":   `{"name":"cell.update","cellId":42}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := notebook.DecodeAction([]byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, notebook.ErrValidation)
		})
	}
}

func TestDecodeUpdate_RoundTrip(t *testing.T) {
	nb := fixture(t)
	_, err := notebook.Apply(nb, &notebook.UpdateCell{WorksheetID: "ws1", CellID: "A", Outputs: []notebook.Output{{Type: notebook.OutputStdout, MimetypeBundle: map[string]any{"text/plain": "x"}}}})
	require.NoError(t, err)

	actions := []notebook.Action{
		&notebook.ClearOutputs{ActionBase: notebook.ActionBase{RequestID: "r1"}},
		&notebook.UpdateCell{WorksheetID: "ws1", CellID: "B", Source: ref("z"), Metadata: map[string]any{"tag": "a"}},
		&notebook.AddCell{WorksheetID: "ws1", CellID: "D", Type: notebook.CellHeading, Source: "Intro"},
		&notebook.MoveCell{SourceWorksheetID: "ws1", DestinationWorksheetID: "ws2", CellID: "C"},
		&notebook.DeleteCell{WorksheetID: "ws1", CellID: "B"},
		&notebook.UpdateMetadata{Metadata: map[string]any{"language": "python"}},
	}

	replica := nb.Clone()
	for _, a := range actions {
		u, err := notebook.Apply(nb, a)
		require.NoError(t, err)

		data, err := json.Marshal(u)
		require.NoError(t, err)

		var tagged struct {
			Name notebook.UpdateName `json:"name"`
		}
		require.NoError(t, json.Unmarshal(data, &tagged))
		assert.Equal(t, u.Name(), tagged.Name)

		decoded, err := notebook.DecodeUpdate(data)
		require.NoError(t, err)
		require.NoError(t, notebook.ApplyUpdate(replica, decoded))
	}
	assert.Empty(t, cmp.Diff(nb, replica))
}

func TestCellUpdate_MarshalKeepsEmptyReplacement(t *testing.T) {
	nb := fixture(t)
	u, err := notebook.Apply(nb, &notebook.ClearOutput{WorksheetID: "ws1", CellID: "A"})
	require.NoError(t, err)
	assert.Equal(t, notebook.UpdateCellChanged, u.Name())

	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"cell.update","worksheetId":"ws1","cellId":"A","outputs":[],"replaceOutputs":true,"replaceMetadata":false}`, string(data))

	decoded, err := notebook.DecodeUpdate(data)
	require.NoError(t, err)
	assert.IsType(t, &notebook.CellUpdate{}, decoded)
}

func TestDecodeUpdate_UnknownName(t *testing.T) {
	_, err := notebook.DecodeUpdate([]byte(`{"name":"worksheet.explode"}`))
	assert.ErrorIs(t, err, notebook.ErrValidation)
}
