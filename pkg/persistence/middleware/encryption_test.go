package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/aretw0/folio/pkg/adapters/memory"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/persistence/middleware"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func secretNotebook() *notebook.Notebook {
	nb := notebook.New("nb1", "ws1")
	nb.Worksheets[0].Cells = append(nb.Worksheets[0].Cells, &notebook.Cell{
		ID: "A", Type: notebook.CellCode, Source: "token = 'my-secret-sauce'",
		Metadata: map[string]any{}, Outputs: []notebook.Output{},
	})
	return nb
}

func wrap(t *testing.T, next ports.NotebookStore, cfg middleware.EncryptionConfig) ports.NotebookStore {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return middleware.Chain(next, mw)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunNotebookStoreContract(t, wrap(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)}))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	secure := wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})

	require.NoError(t, secure.Save(ctx, secretNotebook()))

	stored, err := underlying.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "nb1", stored.ID)
	assert.Empty(t, stored.Worksheets, "document content is hidden")
	assert.Contains(t, stored.Metadata, middleware.EnvelopeKey)

	loaded, err := secure.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "token = 'my-secret-sauce'", loaded.Worksheets[0].Cells[0].Source)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	oldKey, newKey := generateKey(t), generateKey(t)

	require.NoError(t, wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey}).Save(ctx, secretNotebook()))

	rotated := wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	loaded, err := rotated.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "nb1", loaded.ID)

	// Re-saving seals with the new key only.
	require.NoError(t, rotated.Save(ctx, loaded))
	_, err = wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey}).Load(ctx, "nb1")
	assert.NoError(t, err)
	_, err = wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey}).Load(ctx, "nb1")
	assert.Error(t, err)
}

func TestEncryptionMiddleware_FailsClosed(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	require.NoError(t, underlying.Save(ctx, secretNotebook()))

	secure := wrap(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, err := secure.Load(ctx, "nb1")
	assert.ErrorContains(t, err, "missing its encrypted envelope")

	_, err = secure.Load(ctx, "absent")
	assert.ErrorIs(t, err, ports.ErrNotebookNotFound)
}

func TestNewEncryptionMiddleware_KeySize(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short")})
	assert.ErrorIs(t, err, middleware.ErrKeySize)

	_, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	assert.ErrorIs(t, err, middleware.ErrKeySize)
}
