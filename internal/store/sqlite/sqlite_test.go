package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/store/storetest"
)

func TestSQLiteRepository(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	storetest.Run(t, db)
}

func TestSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craftvisor.db")
	db, err := New("sqlite://" + path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening an existing database keeps the schema
	db, err = New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSQLiteEmptyPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
