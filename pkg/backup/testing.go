package backup

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

// createControlDatabase builds a small transaction records database with
// enough churned rows that a VACUUM has something to reclaim.
func createControlDatabase(t *testing.T) DB {
	t.Helper()

	f, err := ioutil.TempFile(t.TempDir(), "control_*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db, err := open(f.Name())
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE txn_records (
			id TEXT PRIMARY KEY,
			chain_id INTEGER NOT NULL,
			from_address TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_signed_txn BLOB
		);
	`)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		_, err = db.Exec(
			"INSERT INTO txn_records (id, chain_id, from_address, status, raw_signed_txn) VALUES (?, ?, ?, ?, ?)",
			fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			1337,
			"0x2A891118Cf3a8FdeBb00109ea3ed4E33B82D960f",
			"confirmed",
			make([]byte, 512),
		)
		require.NoError(t, err)
	}
	// Delete most rows so the file keeps free pages around.
	_, err = db.Exec("DELETE FROM txn_records WHERE rowid % 5 != 0")
	require.NoError(t, err)

	return db
}

func backupDir(t *testing.T) string {
	return path.Clean(t.TempDir())
}

func requireFileCount(t *testing.T, dir string, count int) {
	t.Helper()
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, count)
}
