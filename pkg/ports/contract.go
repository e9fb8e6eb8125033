package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunNotebookStoreContract runs a suite of tests to verify that a NotebookStore implementation
// adheres to the defined interface contract.
func RunNotebookStoreContract(t *testing.T, store NotebookStore) {
	ctx := context.Background()
	notebookID := "contract-test-notebook-" + time.Now().Format("20060102150405")

	sample := func(id string) *notebook.Notebook {
		nb := notebook.New(id, "ws-"+id)
		nb.Metadata["language"] = "python"
		nb.Worksheets[0].Cells = append(nb.Worksheets[0].Cells, &notebook.Cell{
			ID:       "cell-1",
			Type:     notebook.CellCode,
			Source:   "print('hi')",
			Metadata: map[string]any{notebook.MetaExecutionStatus: notebook.StatusCompleted},
			Outputs: []notebook.Output{
				{Type: notebook.OutputStdout, MimetypeBundle: map[string]any{"text/plain": "hi\n"}},
			},
		})
		return nb
	}

	t.Run("Save and Load", func(t *testing.T) {
		nb := sample(notebookID)

		err := store.Save(ctx, nb)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, notebookID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, notebookID, loaded.ID)
		assert.Equal(t, "python", loaded.Metadata["language"])
		require.Len(t, loaded.Worksheets, 1)
		require.Len(t, loaded.Worksheets[0].Cells, 1)

		cell := loaded.Worksheets[0].Cells[0]
		assert.Equal(t, "print('hi')", cell.Source)
		assert.Equal(t, notebook.CellCode, cell.Type)
		assert.Equal(t, notebook.StatusCompleted, cell.Metadata[notebook.MetaExecutionStatus])
		require.Len(t, cell.Outputs, 1)
		assert.Equal(t, "hi\n", cell.Outputs[0].MimetypeBundle["text/plain"])
	})

	t.Run("Load returns a copy", func(t *testing.T) {
		nb := sample(notebookID)
		require.NoError(t, store.Save(ctx, nb))

		// Mutating the saved value afterwards must not leak into the store.
		nb.Worksheets[0].Cells[0].Source = "mutated"

		loaded, err := store.Load(ctx, notebookID)
		require.NoError(t, err)
		assert.Equal(t, "print('hi')", loaded.Worksheets[0].Cells[0].Source)
	})

	t.Run("Save overwrites", func(t *testing.T) {
		nb := sample(notebookID)
		nb.Worksheets[0].Cells[0].Source = "v2"
		require.NoError(t, store.Save(ctx, nb))

		loaded, err := store.Load(ctx, notebookID)
		require.NoError(t, err)
		assert.Equal(t, "v2", loaded.Worksheets[0].Cells[0].Source)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+notebookID)
		assert.ErrorIs(t, err, ErrNotebookNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, sample(notebookID))
		require.NoError(t, err)

		err = store.Delete(ctx, notebookID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, notebookID)
		assert.ErrorIs(t, err, ErrNotebookNotFound, "Load after Delete should return ErrNotebookNotFound")

		assert.NoError(t, store.Delete(ctx, notebookID), "Delete of a missing notebook is not an error")
	})

	t.Run("List", func(t *testing.T) {
		id1 := notebookID + "-1"
		id2 := notebookID + "-2"
		_ = store.Save(ctx, sample(id1))
		_ = store.Save(ctx, sample(id2))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}
