package backup

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	t.Parallel()
	backupDir := backupDir(t)
	controlDB := createControlDatabase(t)

	scheduler, err := NewScheduler(time.Second, BackuperOptions{
		SourcePath: controlDB.Path(),
		BackupDir:  backupDir,
		Opts:       []Option{WithVacuum(true)},
	}, true)
	require.NoError(t, err)

	go scheduler.Run()

	var counter int
	for range scheduler.NotificationCh {
		counter++
		if counter == 3 {
			break
		}
	}
	scheduler.Shutdown()

	files, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 1)

	t.Cleanup(func() {
		require.NoError(t, controlDB.Close())
	})
}
