package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/ports"
)

const (
	ext = ".json"
	// tmpPrefix marks in-flight writes. Ids may not start with it.
	tmpPrefix = "."
)

// Store implements ports.NotebookStore using the local filesystem.
// It stores notebooks as JSON files in a configured directory.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".folio/notebooks".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".folio", "notebooks")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("notebook id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, tmpPrefix) {
		return "", fmt.Errorf("invalid notebook id %q", id)
	}
	return filepath.Join(s.BasePath, id+ext), nil
}

// Save persists the notebook to a JSON file atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (s *Store) Save(ctx context.Context, nb *notebook.Notebook) error {
	destPath, err := s.path(nb.ID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to ensure notebook directory: %w", err)
	}

	data, err := json.MarshalIndent(nb, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal notebook: %w", err)
	}

	// Same directory, so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(s.BasePath, tmpPrefix+nb.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // no-op after a successful rename
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Cannot rename an open file on Windows.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// On Windows, os.Rename fails if dest exists. Elsewhere the rename replaces it atomically.
	if runtime.GOOS == "windows" {
		if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing notebook file for overwrite: %w", err)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file to notebook file: %w", err)
	}
	return nil
}

// Load retrieves the notebook from its JSON file.
func (s *Store) Load(ctx context.Context, id string) (*notebook.Notebook, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ports.ErrNotebookNotFound
		}
		return nil, fmt.Errorf("failed to read notebook file: %w", err)
	}

	var nb notebook.Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notebook: %w", err)
	}
	return &nb, nil
}

// Delete removes the notebook file.
func (s *Store) Delete(ctx context.Context, id string) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete notebook file: %w", err)
	}
	return nil
}

// List returns the ids of every stored notebook.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ext || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	return ids, nil
}
