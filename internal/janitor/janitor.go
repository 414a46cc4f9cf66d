// Package janitor reclaims expired job directories on a fixed period and
// empties the namespace root on demand.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/jobid"
	"github.com/mattjoyce/tubeaudio/internal/workspace"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("janitor already started")

// Removed is a job directory deleted by a sweep.
type Removed struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Failure is a directory a sweep could not delete.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report summarizes one sweep.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Scanned    int       `json:"scanned"`
	Deleted    []Removed `json:"deleted"`
	Failed     []Failure `json:"failed"`
	// Error is set when the sweep stopped early, e.g. the root could not be listed.
	Error string `json:"error,omitempty"`
}

// PurgeResult summarizes one purge.
type PurgeResult struct {
	RunID   string `json:"run_id"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// Janitor sweeps expired workspaces every interval.
type Janitor struct {
	ws       workspace.Manager
	ttl      time.Duration
	interval time.Duration
	hub      events.Publisher
	logger   *slog.Logger

	// runMu keeps sweeps and purges from overlapping.
	runMu sync.Mutex

	mu       sync.Mutex
	started  bool
	last     Report
	hasLast  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	newRunID func() string
	now      func() time.Time
}

// New creates a Janitor. hub may be nil.
func New(ws workspace.Manager, ttl, interval time.Duration, hub events.Publisher, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		ws:       ws,
		ttl:      ttl,
		interval: interval,
		hub:      hub,
		logger:   logger.With("component", "janitor"),
		stopCh:   make(chan struct{}),
		newRunID: func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// Start runs one sweep immediately, then sweeps every interval until Stop is
// called or ctx ends.
func (j *Janitor) Start(ctx context.Context) error {
	if j.ttl <= 0 {
		return fmt.Errorf("janitor ttl must be positive (got %s)", j.ttl)
	}
	if j.interval <= 0 {
		return fmt.Errorf("janitor interval must be positive (got %s)", j.interval)
	}

	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return ErrAlreadyStarted
	}
	j.started = true
	j.mu.Unlock()

	j.logger.Info("Starting janitor", "ttl", j.ttl.String(), "interval", j.interval.String(), "root", j.ws.Root())
	j.Sweep(ctx)

	j.wg.Add(1)
	go j.loop(ctx)
	return nil
}

// Stop ends the sweep loop and waits for an in-progress sweep. Safe to call
// more than once, and before Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		j.logger.Info("Stopping janitor")
		close(j.stopCh)
	})
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes every workspace older than the TTL. Failures on single
// entries are logged and reported without stopping the sweep.
func (j *Janitor) Sweep(ctx context.Context) Report {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	started := j.now()
	report := Report{
		RunID:     j.newRunID(),
		StartedAt: started.UTC(),
		Deleted:   []Removed{},
		Failed:    []Failure{},
	}
	logger := j.logger.With("run_id", report.RunID)

	res, err := j.ws.Cleanup(ctx, j.ttl)
	report.Scanned = res.Scanned
	for _, id := range res.Deleted {
		r := Removed{JobID: id}
		if parts, perr := jobid.Parse(id); perr == nil {
			r.CreatedAt = parts.Timestamp.UTC()
		}
		report.Deleted = append(report.Deleted, r)
		logger.Debug("workspace expired", "job_id", id)
	}
	for _, fe := range res.Failed {
		report.Failed = append(report.Failed, Failure{Path: fe.Path, Error: fe.Err.Error()})
		logger.Warn("sweep entry failed", "path", fe.Path, "error", fe.Err)
	}
	if err != nil {
		report.Error = err.Error()
		logger.Error("sweep aborted", "error", err)
	}
	report.DurationMS = j.now().Sub(started).Milliseconds()

	if len(report.Deleted) > 0 || len(report.Failed) > 0 {
		logger.Info("sweep complete", "scanned", report.Scanned, "deleted", len(report.Deleted), "failed", len(report.Failed))
	} else {
		logger.Debug("sweep complete", "scanned", report.Scanned)
	}

	j.mu.Lock()
	j.last = report
	j.hasLast = true
	j.mu.Unlock()

	if j.hub != nil {
		j.hub.Publish(events.JanitorSwept, report)
	}
	return report
}

// Last returns the most recent sweep report.
func (j *Janitor) Last() (Report, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.hasLast
}

// Purge removes everything under the namespace root and recreates it empty.
// Recreation is attempted even when removal fails.
func (j *Janitor) Purge(ctx context.Context) (PurgeResult, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	result := PurgeResult{RunID: j.newRunID()}
	logger := j.logger.With("run_id", result.RunID)

	res, err := j.ws.Purge(ctx)
	result.Removed = res.Removed
	if err != nil {
		result.Error = err.Error()
		logger.Error("purge failed", "root", j.ws.Root(), "error", err)
	} else {
		logger.Info("purge complete", "root", j.ws.Root(), "removed", res.Removed)
	}

	if j.hub != nil {
		j.hub.Publish(events.JanitorPurged, result)
	}
	return result, err
}
