package restorer

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/textileio/go-walletd/pkg/backup"
)

// BackupRestorer is responsible for restoring a database from a backup file.
type BackupRestorer struct {
	url, dbPath string
}

// NewBackupRestorer creates a new BackupRestorer. The url points to a
// zstd-compressed backup file, and dbPath is the destination database file.
func NewBackupRestorer(url string, dbPath string) *BackupRestorer {
	return &BackupRestorer{
		url:    url,
		dbPath: dbPath,
	}
}

// Restore restores a database from a backup file URL.
func (br *BackupRestorer) Restore() error {
	compressedPath := br.dbPath + ".restore.zst"
	if err := br.downloadBackupFile(br.url, compressedPath); err != nil {
		return fmt.Errorf("download backup file: %s", err)
	}

	restoredPath, err := backup.Decompress(compressedPath)
	if err != nil {
		return fmt.Errorf("decompress: %s", err)
	}

	if err := br.load(restoredPath); err != nil {
		return fmt.Errorf("loading the database: %s", err)
	}

	if err := br.cleanUp(compressedPath, restoredPath); err != nil {
		return fmt.Errorf("cleaning up: %s", err)
	}

	return nil
}

func (br *BackupRestorer) downloadBackupFile(url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("os mkdir all: %s", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating backup file: %s", err)
	}
	defer func() {
		_ = out.Close()
	}()

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("downloading: %s", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	_, err = io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("io copy: %s", err)
	}

	return nil
}

func (br *BackupRestorer) load(restoredPath string) error {
	in, err := os.Open(restoredPath)
	if err != nil {
		return fmt.Errorf("opening file: %s", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(br.dbPath)
	if err != nil {
		return fmt.Errorf("creating file: %s", err)
	}
	defer func() {
		_ = out.Close()
	}()

	_, err = io.Copy(out, in)
	if err != nil {
		return fmt.Errorf("copying file: %s", err)
	}
	return nil
}

func (br *BackupRestorer) cleanUp(compressedPath, restoredPath string) error {
	db, err := sql.Open("sqlite3", br.dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %s", err)
	}
	defer func() {
		_ = db.Close()
	}()

	// Queued-but-unapproved requests don't survive a restore. Their approval
	// prompts are gone with the process that created them.
	if _, err := db.Exec("DELETE FROM txn_records WHERE status = 'unapproved';"); err != nil {
		return fmt.Errorf("deleting unapproved rows: %s", err)
	}

	if err := os.Remove(compressedPath); err != nil {
		return fmt.Errorf("removing file: %s", err)
	}

	if err := os.Remove(restoredPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %s", err)
	}

	return nil
}
