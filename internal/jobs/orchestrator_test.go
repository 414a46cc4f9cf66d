package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/jobid"
	"github.com/mattjoyce/tubeaudio/internal/jobs/mocks"
	"github.com/mattjoyce/tubeaudio/internal/offload"
	"github.com/mattjoyce/tubeaudio/internal/workspace"
)

const testRef = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type fixture struct {
	root    string
	fetcher *mocks.MockFetcher
	hub     *events.Hub
	pool    *offload.Pool
	orch    *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "temp")
	return newFixtureAt(t, root, opts)
}

func newFixtureAt(t *testing.T, root string, opts Options) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	ws, err := workspace.NewFSManager(root)
	require.NoError(t, err)

	f := &fixture{
		root:    root,
		fetcher: mocks.NewMockFetcher(ctrl),
		hub:     events.NewHub(32),
		pool:    offload.New(4, nil),
	}
	f.orch = NewOrchestrator(ws, f.fetcher, f.pool, f.hub, opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.pool.Close(ctx)
	})
	return f
}

func writeOutput(name string) func(context.Context, string, string) error {
	return func(_ context.Context, _ string, dir string) error {
		return os.WriteFile(filepath.Join(dir, name), []byte("ID3audio"), 0o644)
	}
}

func eventTypes(h *events.Hub) []string {
	var out []string
	for _, ev := range h.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestProduceSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.fetcher.EXPECT().Fetch(gomock.Any(), testRef, gomock.Any()).DoAndReturn(writeOutput("Never Gonna.mp3"))

	art, err := f.orch.Produce(context.Background(), testRef)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.root, art.JobID), art.Dir)
	assert.Equal(t, filepath.Join(art.Dir, "Never Gonna.mp3"), art.Path)
	assert.Equal(t, "Never Gonna.mp3", art.Name)
	assert.Equal(t, int64(len("ID3audio")), art.Size)
	assert.Equal(t, jobid.Fingerprint(testRef), art.Fingerprint)
	assert.FileExists(t, art.Path)

	assert.Equal(t, []string{events.JobStarted, events.JobSucceeded}, eventTypes(f.hub))
}

func TestProducePicksConfiguredExtension(t *testing.T) {
	f := newFixture(t, Options{OutputExt: ".m4a"})
	f.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, dir string) error {
			if err := os.WriteFile(filepath.Join(dir, "a.webm"), nil, 0o644); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dir, "b.m4a"), nil, 0o644)
		})

	art, err := f.orch.Produce(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, "b.m4a", art.Name)
}

func TestProduceFetchFailureLeavesDirectory(t *testing.T) {
	f := newFixture(t, Options{})
	cause := errors.New("yt-dlp exited with status 1: Video unavailable")
	f.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, dir string) error {
			if err := os.WriteFile(filepath.Join(dir, "partial.part"), []byte("x"), 0o644); err != nil {
				return err
			}
			return cause
		})

	_, err := f.orch.Produce(context.Background(), testRef)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalFetchFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Video unavailable")

	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "fetch", jerr.Stage())
	assert.DirExists(t, filepath.Join(f.root, jerr.JobID))
	assert.FileExists(t, filepath.Join(f.root, jerr.JobID, "partial.part"))

	assert.Equal(t, []string{events.JobStarted, events.JobFailed}, eventTypes(f.hub))
}

func TestProduceNoOutputIsArtifactMissing(t *testing.T) {
	f := newFixture(t, Options{})
	f.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	_, err := f.orch.Produce(context.Background(), testRef)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactMissing)
	assert.ErrorIs(t, err, workspace.ErrArtifactMissing)
	assert.NotErrorIs(t, err, ErrExternalFetchFailed)
}

func TestProduceStorageUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// No Fetch expectation: the fetcher must not be called.
	f := newFixtureAt(t, filepath.Join(blocker, "temp"), Options{})

	_, err := f.orch.Produce(context.Background(), testRef)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, []string{events.JobFailed}, eventTypes(f.hub))
}

func TestProduceConcurrentSameRef(t *testing.T) {
	clock := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	f := newFixture(t, Options{IDs: &jobid.Generator{Now: clock}})

	// Both fetches must be in flight at once before either finishes.
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.fetcher.EXPECT().Fetch(gomock.Any(), testRef, gomock.Any()).Times(2).DoAndReturn(
		func(ctx context.Context, ref, dir string) error {
			arrived.Done()
			arrived.Wait()
			return writeOutput("song.mp3")(ctx, ref, dir)
		})

	var wg sync.WaitGroup
	results := make([]Artifact, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.orch.Produce(context.Background(), testRef)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].JobID, results[1].JobID)
	assert.NotEqual(t, results[0].Dir, results[1].Dir)
	assert.FileExists(t, results[0].Path)
	assert.FileExists(t, results[1].Path)
	assert.Equal(t, results[0].Fingerprint, results[1].Fingerprint)

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProduceHeartbeatKeepsDirectoryFresh(t *testing.T) {
	f := newFixture(t, Options{HeartbeatInterval: 10 * time.Millisecond})
	f.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ref, dir string) error {
			old := time.Now().Add(-time.Hour)
			if err := os.Chtimes(dir, old, old); err != nil {
				return err
			}
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				info, err := os.Stat(dir)
				if err != nil {
					return err
				}
				if time.Since(info.ModTime()) < time.Minute {
					return writeOutput("song.mp3")(ctx, ref, dir)
				}
				time.Sleep(5 * time.Millisecond)
			}
			return errors.New("heartbeat never touched the directory")
		})

	_, err := f.orch.Produce(context.Background(), testRef)
	require.NoError(t, err)
}

func TestProduceCallerGoneFetchContinues(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	entered := make(chan string, 1)
	finished := make(chan struct{})

	f.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ref, dir string) error {
			entered <- dir
			<-release
			defer close(finished)
			assert.NoError(t, ctx.Err(), "fetch context must not follow the caller")
			return writeOutput("late.mp3")(ctx, ref, dir)
		})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Produce(ctx, testRef)
		errCh <- err
	}()

	dir := <-entered
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not complete after caller left")
	}
	assert.FileExists(t, filepath.Join(dir, "late.mp3"))
}

func TestProduceAfterPoolClosed(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.pool.Close(context.Background()))

	_, err := f.orch.Produce(context.Background(), testRef)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, offload.ErrClosed)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ErrArtifactMissing, JobID: "1_abcdef01"}
	assert.Equal(t, "job 1_abcdef01: artifact missing", err.Error())

	wrapped := &Error{Kind: ErrExternalFetchFailed, JobID: "1_abcdef01", Err: errors.New("boom")}
	assert.Equal(t, "job 1_abcdef01: external fetch failed: boom", wrapped.Error())
}
