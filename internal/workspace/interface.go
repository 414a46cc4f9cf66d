package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrArtifactMissing reports a job directory without any output file of the
// expected extension.
var ErrArtifactMissing = errors.New("artifact missing")

// Workspace describes one job directory under the namespace root.
type Workspace struct {
	JobID string
	Dir   string
}

// Entry is a workspace observed while listing the namespace root.
type Entry struct {
	Workspace
	ModTime time.Time
}

// EntryError pairs a workspace path with the error that prevented its removal.
type EntryError struct {
	Path string
	Err  error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("remove workspace %q: %v", e.Path, e.Err)
}

func (e EntryError) Unwrap() error { return e.Err }

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	Scanned int
	Deleted []string
	Failed  []EntryError
}

// PurgeReport summarizes a full purge of the namespace root.
type PurgeReport struct {
	Removed int
}

// Manager owns the lifecycle of job directories below a single namespace root.
type Manager interface {
	// Root returns the namespace root directory.
	Root() string

	// Create makes the directory for jobID. An existing directory is not an error.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// Open resolves an existing workspace for jobID.
	Open(ctx context.Context, jobID string) (Workspace, error)

	// FindOutput returns the first file in ws (lexicographic order) whose
	// extension matches ext, or ErrArtifactMissing.
	FindOutput(ws Workspace, ext string) (string, error)

	// Age reports how long ago ws was last modified.
	Age(ws Workspace) (time.Duration, error)

	// Touch marks ws as modified now.
	Touch(ws Workspace) error

	// Delete removes ws recursively. A missing directory is not an error.
	Delete(ws Workspace) error

	// List returns the immediate child directories of the root.
	List(ctx context.Context) ([]Entry, error)

	// Cleanup removes workspaces whose age exceeds olderThan, isolating
	// per-entry failures in the report.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)

	// Purge removes the whole root and recreates it empty.
	Purge(ctx context.Context) (PurgeReport, error)
}
