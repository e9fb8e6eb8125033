package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/aretw0/folio/pkg/adapters/postgres"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/stretchr/testify/require"
)

// Set FOLIO_TEST_DATABASE_URL to run against a real PostgreSQL server.
func TestPostgresStore_Contract(t *testing.T) {
	url := os.Getenv("FOLIO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FOLIO_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, url, postgres.WithTable("folio_contract_test"))
	require.NoError(t, err)
	defer store.Close()

	ports.RunNotebookStoreContract(t, store)
}
