package backup

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBackuperDefault(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir)
	require.NoError(t, err)
	require.Equal(t, false, backuper.config.Vacuum)
	require.Equal(t, false, backuper.config.Pruning)
	require.Equal(t, false, backuper.config.Compression)

	// substitutes the file creator with a mocked version
	backuper.fileCreator = func(dir string, _ time.Time) (string, error) {
		timestamp := time.Date(2009, 11, 17, 20, 34, 58, 651387237, time.UTC)
		return createBackupFile(dir, timestamp)
	}
	require.NoError(t, backuper.Init())

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Size, int64(0))
	require.Equal(t, int64(0), result.SizeAfterVacuum)
	require.Equal(t, time.Duration(0), result.VacuumElapsedTime)
	require.Equal(t, fmt.Sprintf("%s/walletd_backup_2009-11-17T20:34:58Z.db", dir), result.Path)
	require.FileExists(t, fmt.Sprintf("%s/walletd_backup_2009-11-17T20:34:58Z.db", dir))

	require.NoError(t, backuper.Close())
}

func TestBackuperWithVacuum(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir, WithVacuum(true))
	require.NoError(t, err)
	require.Equal(t, true, backuper.config.Vacuum)

	require.NoError(t, backuper.Init())

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Size, int64(0))
	require.Greater(t, result.SizeAfterVacuum, int64(0))
	require.Less(t, result.SizeAfterVacuum, result.Size, "vacuum reclaims the deleted rows")
	require.Greater(t, result.VacuumElapsedTime, time.Duration(0))

	require.NoError(t, backuper.Close())
}

func TestBackuperWithCompression(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir, WithVacuum(true), WithCompression(true))
	require.NoError(t, err)
	require.Equal(t, true, backuper.config.Compression)

	require.NoError(t, backuper.Init())

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.SizeAfterCompression, int64(0))
	require.Contains(t, result.Path, ".db.zst")
	require.FileExists(t, result.Path)
	// the uncompressed intermediate file is removed
	requireFileCount(t, dir, 1)

	require.NoError(t, backuper.Close())
}

func TestBackuperWithPruning(t *testing.T) {
	t.Parallel()

	db, dir := createControlDatabase(t), backupDir(t)

	for i := 0; i < 2; i++ {
		backuper, err := NewBackuper(db.Path(), dir, WithVacuum(true), WithPruning(true), WithKeepFiles(1))
		require.NoError(t, err)
		require.Equal(t, true, backuper.config.Pruning)
		require.Equal(t, 1, backuper.config.KeepFiles)

		require.NoError(t, backuper.Init())
		_, err = backuper.Backup(context.Background())
		require.NoError(t, err)
		require.NoError(t, backuper.Close())

		// mod times must differ for pruning to order files
		time.Sleep(time.Millisecond * 100)
	}
	requireFileCount(t, dir, 1)
}

func TestBackuperMultipleBackupCalls(t *testing.T) {
	t.Parallel()

	backuper, err := NewBackuper(createControlDatabase(t).Path(), backupDir(t))
	require.NoError(t, err)
	require.NoError(t, backuper.Init())

	// first call
	_, err = backuper.Backup(context.Background())
	require.NoError(t, err)

	// second call reuses the same backup file
	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Size, int64(0))

	require.NoError(t, backuper.Close())
}

func TestBackuperClose(t *testing.T) {
	t.Parallel()

	backuper, err := NewBackuper(createControlDatabase(t).Path(), backupDir(t))
	require.NoError(t, err)
	require.NoError(t, backuper.Init())

	_, err = backuper.Backup(context.Background())
	require.NoError(t, err)

	require.NoError(t, backuper.Close())

	// a call on a closed backuper throws an error
	_, err = backuper.Backup(context.Background())
	require.ErrorContains(t, err, "database is closed")
}

func TestBackuperBackupError(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir)
	require.NoError(t, err)

	backuper.fileCreator = func(dir string, _ time.Time) (string, error) {
		timestamp := time.Date(2009, 11, 17, 20, 34, 58, 651387237, time.UTC)
		return createBackupFile(dir, timestamp)
	}
	require.NoError(t, backuper.Init())
	require.FileExists(t, fmt.Sprintf("%s/walletd_backup_2009-11-17T20:34:58Z.db", dir))

	// forcing a DB implementation with broken connection to force an error
	backuper.source = &brokenConnDatabase{backuper.source}

	_, err = backuper.Backup(context.Background())
	require.ErrorContains(t, err, "getting db conn: connection is broken")
	require.NoFileExists(t, fmt.Sprintf("%s/walletd_backup_2009-11-17T20:34:58Z.db", dir)) // file was deleted

	require.NoError(t, backuper.Close())
}

type brokenConnDatabase struct {
	DB
}

func (db *brokenConnDatabase) Conn(_ context.Context) (*sql.Conn, error) {
	return nil, errors.New("connection is broken")
}
