package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *fsManager {
	t.Helper()
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "temp"))
	require.NoError(t, err)
	return mgr
}

func setAge(t *testing.T, dir string, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, ts, ts))
}

func TestNewFSManagerRejectsEmptyRoot(t *testing.T) {
	_, err := NewFSManager("   ")
	assert.Error(t, err)
}

func TestCreateAndOpen(t *testing.T) {
	mgr := newTestManager(t)

	ws, err := mgr.Create(context.Background(), "1700000000000_0a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mgr.Root(), "1700000000000_0a1b2c3d"), ws.Dir)

	info, err := os.Stat(ws.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	opened, err := mgr.Open(context.Background(), ws.JobID)
	require.NoError(t, err)
	assert.Equal(t, ws, opened)
}

func TestCreateIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)

	first, err := mgr.Create(context.Background(), "job-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(first.Dir, "keep.mp3"), []byte("x"), 0o644))

	second, err := mgr.Create(context.Background(), "job-a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, filepath.Join(second.Dir, "keep.mp3"))
}

func TestCreateRejectsBadIDs(t *testing.T) {
	mgr := newTestManager(t)
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, " padded"} {
		_, err := mgr.Create(context.Background(), id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestCreateHonorsCancelledContext(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mgr.Create(ctx, "job-a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindOutput(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	t.Run("single match", func(t *testing.T) {
		ws, err := mgr.Create(ctx, "single")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "song.mp3"), []byte("id3"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "song.webm.part"), []byte("x"), 0o644))

		got, err := mgr.FindOutput(ws, ".mp3")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws.Dir, "song.mp3"), got)
	})

	t.Run("no match", func(t *testing.T) {
		ws, err := mgr.Create(ctx, "none")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "song.webm"), []byte("x"), 0o644))

		_, err = mgr.FindOutput(ws, ".mp3")
		assert.ErrorIs(t, err, ErrArtifactMissing)
	})

	t.Run("multiple matches pick lexicographic first", func(t *testing.T) {
		ws, err := mgr.Create(ctx, "many")
		require.NoError(t, err)
		for _, name := range []string{"zeta.mp3", "alpha.MP3", "mid.mp3"} {
			require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, name), []byte("x"), 0o644))
		}

		for range 3 {
			got, err := mgr.FindOutput(ws, "mp3")
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(ws.Dir, "alpha.MP3"), got)
		}
	})

	t.Run("subdirectories are ignored", func(t *testing.T) {
		ws, err := mgr.Create(ctx, "nested")
		require.NoError(t, err)
		require.NoError(t, os.Mkdir(filepath.Join(ws.Dir, "album.mp3"), 0o755))

		_, err = mgr.FindOutput(ws, ".mp3")
		assert.ErrorIs(t, err, ErrArtifactMissing)
	})
}

func TestAgeAndTouch(t *testing.T) {
	mgr := newTestManager(t)
	ws, err := mgr.Create(context.Background(), "aging")
	require.NoError(t, err)

	setAge(t, ws.Dir, 10*time.Minute)
	age, err := mgr.Age(ws)
	require.NoError(t, err)
	assert.InDelta(t, (10 * time.Minute).Seconds(), age.Seconds(), 5)

	require.NoError(t, mgr.Touch(ws))
	age, err = mgr.Age(ws)
	require.NoError(t, err)
	assert.Less(t, age, 5*time.Second)
}

func TestDeleteToleratesMissingDirectory(t *testing.T) {
	mgr := newTestManager(t)
	ws, err := mgr.Create(context.Background(), "gone")
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ws))
	assert.NoDirExists(t, ws.Dir)
	assert.NoError(t, mgr.Delete(ws))
}

func TestListIgnoresFiles(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Create(context.Background(), "dir-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mgr.Root(), "stray.txt"), []byte("x"), 0o644))

	entries, err := mgr.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dir-a", entries[0].JobID)
}

func TestListMissingRoot(t *testing.T) {
	mgr := newTestManager(t)
	entries, err := mgr.List(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanupDeletesOnlyExpired(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	oldWS, err := mgr.Create(ctx, "job-old")
	require.NoError(t, err)
	newWS, err := mgr.Create(ctx, "job-new")
	require.NoError(t, err)

	setAge(t, oldWS.Dir, 400*time.Second)
	setAge(t, newWS.Dir, 60*time.Second)

	report, err := mgr.Cleanup(ctx, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{"job-old"}, report.Deleted)
	assert.Empty(t, report.Failed)

	assert.NoDirExists(t, oldWS.Dir)
	assert.DirExists(t, newWS.Dir)
}

func TestCleanupIsolatesEntryFailures(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	stuck, err := mgr.Create(ctx, "a-stuck")
	require.NoError(t, err)
	old, err := mgr.Create(ctx, "b-old")
	require.NoError(t, err)
	setAge(t, stuck.Dir, time.Hour)
	setAge(t, old.Dir, time.Hour)

	denied := errors.New("permission denied")
	mgr.removeAll = func(path string) error {
		if path == stuck.Dir {
			return denied
		}
		return os.RemoveAll(path)
	}

	report, err := mgr.Cleanup(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-old"}, report.Deleted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, stuck.Dir, report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0], denied)
	assert.DirExists(t, stuck.Dir)
}

func TestCleanupMissingRootIsNoop(t *testing.T) {
	mgr := newTestManager(t)
	report, err := mgr.Cleanup(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestCleanupRejectsNonPositiveTTL(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Cleanup(context.Background(), 0)
	assert.Error(t, err)
}

func TestPurgeLeavesEmptyRoot(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		mgr := newTestManager(t)
		ctx := context.Background()
		require.NoError(t, mgr.EnsureRoot())

		for i := range n {
			ws, err := mgr.Create(ctx, "job-"+string(rune('a'+i)))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "audio.mp3"), []byte("x"), 0o644))
		}

		report, err := mgr.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, report.Removed)

		entries, err := os.ReadDir(mgr.Root())
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestPurgeRecreatesAfterRemovalFailure(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.EnsureRoot())

	mgr.removeAll = func(string) error { return errors.New("device busy") }

	_, err := mgr.Purge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.DirExists(t, mgr.Root())
}

func TestPurgeMissingRootCreatesIt(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Purge(context.Background())
	require.NoError(t, err)
	assert.DirExists(t, mgr.Root())
}
