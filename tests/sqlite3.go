package tests

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

// Sqlite3URL returns a URL to a file-backed SQLite database living in a
// per-test temporary directory. A file database survives the migration
// tool closing its own connection, which an in-memory one does not.
func Sqlite3URL(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), uuid.NewString()+".db") + "?_foreign_keys=on&_busy_timeout=5000"
}
