package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager manages per-job directories on local disk.
type fsManager struct {
	root      string
	now       func() time.Time
	removeAll func(string) error
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at root. The root
// itself is created lazily by Create and Purge.
func NewFSManager(root string) (*fsManager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("namespace root is empty")
	}

	return &fsManager{
		root:      filepath.Clean(trimmed),
		now:       time.Now,
		removeAll: os.RemoveAll,
	}, nil
}

func (m *fsManager) Root() string { return m.root }

// EnsureRoot creates the namespace root if it is absent.
func (m *fsManager) EnsureRoot() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create namespace root: %w", err)
	}
	return nil
}

func (m *fsManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

func (m *fsManager) Open(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for job %q: %w", jobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for job %q is not a directory", jobID)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

func (m *fsManager) FindOutput(ws Workspace, ext string) (string, error) {
	ext = normalizeExt(ext)

	// os.ReadDir returns entries sorted by name, which makes the pick deterministic.
	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return "", fmt.Errorf("read workspace %q: %w", ws.JobID, err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			return filepath.Join(ws.Dir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("workspace %q has no %s file: %w", ws.JobID, ext, ErrArtifactMissing)
}

func (m *fsManager) Age(ws Workspace) (time.Duration, error) {
	info, err := os.Stat(ws.Dir)
	if err != nil {
		return 0, fmt.Errorf("stat workspace %q: %w", ws.JobID, err)
	}
	return m.now().Sub(info.ModTime()), nil
}

func (m *fsManager) Touch(ws Workspace) error {
	now := m.now()
	if err := os.Chtimes(ws.Dir, now, now); err != nil {
		return fmt.Errorf("touch workspace %q: %w", ws.JobID, err)
	}
	return nil
}

func (m *fsManager) Delete(ws Workspace) error {
	if err := m.removeAll(ws.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return EntryError{Path: ws.Dir, Err: err}
	}
	return nil
}

func (m *fsManager) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read namespace root: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, os.ErrNotExist) {
			// Removed between ReadDir and Info.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read workspace entry info %q: %w", de.Name(), err)
		}
		entries = append(entries, Entry{
			Workspace: Workspace{JobID: de.Name(), Dir: filepath.Join(m.root, de.Name())},
			ModTime:   info.ModTime(),
		})
	}
	return entries, nil
}

func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := m.List(ctx)
	if err != nil {
		return CleanupReport{}, err
	}

	now := m.now()
	report := CleanupReport{Scanned: len(entries)}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if now.Sub(entry.ModTime) <= olderThan {
			continue
		}

		if err := m.Delete(entry.Workspace); err != nil {
			var entryErr EntryError
			if !errors.As(err, &entryErr) {
				entryErr = EntryError{Path: entry.Dir, Err: err}
			}
			report.Failed = append(report.Failed, entryErr)
			continue
		}
		report.Deleted = append(report.Deleted, entry.JobID)
	}

	return report, nil
}

func (m *fsManager) Purge(ctx context.Context) (PurgeReport, error) {
	if err := ctx.Err(); err != nil {
		return PurgeReport{}, err
	}

	report := PurgeReport{}
	if entries, err := os.ReadDir(m.root); err == nil {
		report.Removed = len(entries)
	}

	var errs []error
	if err := m.removeAll(m.root); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove namespace root: %w", err))
	}
	if err := m.EnsureRoot(); err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

func (m *fsManager) workspacePath(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, jobID), nil
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed != jobID || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	return nil
}
