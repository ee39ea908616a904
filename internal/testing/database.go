// Package testing holds fixtures shared by package tests: throwaway SQLite
// databases for the ledger and config files for the loader and CLI.
package testing

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// CreateTestDB opens an in-memory SQLite database closed by t.Cleanup.
// The pool is pinned to one connection since every new connection to
// ":memory:" sees its own empty database.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "open in-memory database")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// WriteConfig writes body as jobconnect.toml in a fresh temp dir and
// returns its path.
func WriteConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "jobconnect.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
