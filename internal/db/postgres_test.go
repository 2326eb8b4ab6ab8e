package db_test

import (
	"os"
	"testing"

	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	runStoreContract(t, func(t *testing.T) db.Store {
		store, err := db.New(url)
		require.NoError(t, err)

		_, err = store.Exec("TRUNCATE tts_jobs")
		require.NoError(t, err)

		t.Cleanup(func() { store.Close() })
		return store
	})
}
