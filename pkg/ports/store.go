package ports

import (
	"context"
	"errors"

	"github.com/aretw0/folio/pkg/notebook"
)

// ErrNotebookNotFound is returned by NotebookStore.Load when no document is stored under the id.
var ErrNotebookNotFound = errors.New("notebook not found")

// NotebookStore persists notebook documents.
type NotebookStore interface {
	// Save persists the notebook under its id, replacing any previous version.
	Save(ctx context.Context, nb *notebook.Notebook) error

	// Load retrieves a notebook.
	// Returns ErrNotebookNotFound if it does not exist.
	Load(ctx context.Context, id string) (*notebook.Notebook, error)

	// Delete removes a notebook. Deleting a missing notebook is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the ids of every stored notebook.
	List(ctx context.Context) ([]string, error)
}
