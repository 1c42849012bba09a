package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsoares/pypeline/internal/creator"
)

func TestApplyDebouncesFirstCycleByDefault(t *testing.T) {
	root := t.TempDir()
	c := creator.New(root)
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	r, err := New("ExampleWorker", "SendEmailActivity", "@every 24h", `{"sender":"a@b"}`, false, now)
	require.NoError(t, err)

	require.NoError(t, r.Apply(context.Background(), c, root, now, map[string]struct{}{}))
	entries, err := os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Empty(t, entries, "first firing with FireOnFirstCycle=false must produce zero activities")

	require.NoError(t, r.Apply(context.Background(), c, root, now.Add(24*time.Hour), map[string]struct{}{}))
	entries, err = os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "second firing must produce exactly one activity")
}

func TestApplyFiresImmediatelyWhenConfigured(t *testing.T) {
	root := t.TempDir()
	c := creator.New(root)
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	r, err := New("ExampleWorker", "SendEmailActivity", "@every 24h", `{"sender":"a@b"}`, true, now)
	require.NoError(t, err)

	require.NoError(t, r.Apply(context.Background(), c, root, now, map[string]struct{}{}))
	entries, err := os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplySubstitutesPypelineDirMacro(t *testing.T) {
	root := t.TempDir()
	c := creator.New(root)
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	r, err := New("ExampleWorker", "CleanupActivity", "@every 1h", `{"dir":"$PYPELINE_DIR"}`, true, now)
	require.NoError(t, err)
	require.NoError(t, r.Apply(context.Background(), c, root, now, map[string]struct{}{}))

	entries, err := os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(root, "TO_BE_PROCESSED", entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), root)
}

func TestApplyNotYetDueProducesNothing(t *testing.T) {
	root := t.TempDir()
	c := creator.New(root)
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	r, err := New("ExampleWorker", "SendEmailActivity", "@every 24h", `{}`, true, now)
	require.NoError(t, err)
	require.NoError(t, r.Apply(context.Background(), c, root, now, map[string]struct{}{}))

	entries, err := os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, r.Apply(context.Background(), c, root, now.Add(time.Hour), map[string]struct{}{}))
	entries, err = os.ReadDir(filepath.Join(root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "not yet due: no second activity")
}
