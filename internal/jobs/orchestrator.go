// Package jobs turns a resource reference into an audio artifact on disk.
//
// Each Produce call gets its own id and directory under the namespace root and
// shares nothing else with concurrent calls. Artifacts are never removed here;
// the janitor reclaims them once they outlive the TTL, including the
// directories of failed jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/jobid"
	"github.com/mattjoyce/tubeaudio/internal/offload"
	"github.com/mattjoyce/tubeaudio/internal/workspace"
)

// Runner executes a task off the caller's goroutine and waits for it.
// *offload.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, fn offload.Task) error
}

// Artifact is a produced file handed back to the caller.
type Artifact struct {
	JobID       string
	Dir         string
	Path        string
	Name        string
	Size        int64
	Fingerprint string
}

// Options tune an Orchestrator.
type Options struct {
	// OutputExt is the extension of the primary output file, e.g. ".mp3".
	OutputExt string
	// HeartbeatInterval is how often the job directory is touched while the
	// fetch runs. Zero disables it.
	HeartbeatInterval time.Duration
	// IDs overrides the id allocator.
	IDs IDSource
}

// Orchestrator runs the create, fetch and collect steps for a job.
type Orchestrator struct {
	ws      workspace.Manager
	fetcher Fetcher
	runner  Runner
	hub     events.Publisher
	logger  *slog.Logger

	ext       string
	heartbeat time.Duration
	ids       IDSource
}

// NewOrchestrator wires an orchestrator. hub may be nil.
func NewOrchestrator(ws workspace.Manager, fetcher Fetcher, runner Runner, hub events.Publisher, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ext := opts.OutputExt
	if ext == "" {
		ext = ".mp3"
	}
	ids := opts.IDs
	if ids == nil {
		ids = &jobid.Generator{}
	}
	return &Orchestrator{
		ws:        ws,
		fetcher:   fetcher,
		runner:    runner,
		hub:       hub,
		logger:    logger.With("component", "jobs"),
		ext:       ext,
		heartbeat: opts.HeartbeatInterval,
		ids:       ids,
	}
}

// Produce fetches ref into a fresh job directory and returns the resulting file.
//
// Failures are *Error values of kind ErrStorageUnavailable, ErrExternalFetchFailed
// or ErrArtifactMissing. If ctx ends while the fetch is running, Produce returns
// ctx.Err() and the fetch carries on in the background.
func (o *Orchestrator) Produce(ctx context.Context, ref string) (Artifact, error) {
	id := o.ids.Next(ref)
	logger := o.logger.With("job_id", id)
	started := time.Now()

	ws, err := o.ws.Create(ctx, id)
	if err != nil {
		return Artifact{}, o.fail(logger, &Error{Kind: ErrStorageUnavailable, JobID: id, Err: err})
	}

	logger.Info("job started", "ref", ref, "dir", ws.Dir)
	o.publish(events.JobStarted, map[string]any{"job_id": id, "ref": ref})

	err = o.runner.Run(ctx, "fetch "+id, func(taskCtx context.Context) error {
		stop := o.startHeartbeat(ws, logger)
		defer stop()
		return o.fetcher.Fetch(taskCtx, ref, ws.Dir)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			logger.Info("caller stopped waiting, fetch continues", "error", ctxErr)
			return Artifact{}, fmt.Errorf("job %s: %w", id, ctxErr)
		}
		if errors.Is(err, offload.ErrClosed) {
			return Artifact{}, o.fail(logger, &Error{Kind: ErrStorageUnavailable, JobID: id, Err: err})
		}
		return Artifact{}, o.fail(logger, &Error{Kind: ErrExternalFetchFailed, JobID: id, Err: err})
	}

	path, err := o.ws.FindOutput(ws, o.ext)
	if err != nil {
		return Artifact{}, o.fail(logger, &Error{Kind: ErrArtifactMissing, JobID: id, Err: err})
	}

	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, o.fail(logger, &Error{Kind: ErrArtifactMissing, JobID: id, Err: err})
	}

	art := Artifact{
		JobID:       id,
		Dir:         ws.Dir,
		Path:        path,
		Name:        filepath.Base(path),
		Size:        info.Size(),
		Fingerprint: jobid.Fingerprint(ref),
	}

	logger.Info("job succeeded", "file", art.Name, "size", art.Size, "duration_ms", time.Since(started).Milliseconds())
	o.publish(events.JobSucceeded, map[string]any{
		"job_id":      id,
		"file":        art.Name,
		"size":        art.Size,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return art, nil
}

func (o *Orchestrator) fail(logger *slog.Logger, jerr *Error) error {
	logger.Warn("job failed", "stage", jerr.Stage(), "error", jerr.Err)
	o.publish(events.JobFailed, map[string]any{
		"job_id": jerr.JobID,
		"stage":  jerr.Stage(),
		"error":  jerr.Error(),
	})
	return jerr
}

func (o *Orchestrator) publish(eventType string, data any) {
	if o.hub != nil {
		o.hub.Publish(eventType, data)
	}
}

// startHeartbeat keeps ws fresh for the janitor until the returned func is called.
func (o *Orchestrator) startHeartbeat(ws workspace.Workspace, logger *slog.Logger) func() {
	if o.heartbeat <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := o.ws.Touch(ws); err != nil {
					logger.Warn("heartbeat touch failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}
