package pypelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWorkerLoggerWritesTaggedLines(t *testing.T) {
	root := t.TempDir()
	logger, closer, err := NewWorkerLogger(root, "worker-1")
	require.NoError(t, err)
	logger.Info().Msg("heartbeat")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(root, "worker.worker-1.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "heartbeat")
	require.Contains(t, string(data), "worker-1")
}

func TestNewActivityLoggerWritesOnlyToItsFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "activity.Foo.2023-01-01T00-00.ABCDE_0_2023-01-01T00-00-00.log")
	logger, closer, err := NewActivityLogger(path, "activity.Foo.2023-01-01T00-00.ABCDE")
	require.NoError(t, err)
	logger.Warn().Msg("retrying")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "retrying"))
}
