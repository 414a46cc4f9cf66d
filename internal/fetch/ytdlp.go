// Package fetch wraps the external download/transcode tool.
//
// The YTDLP fetcher spawns yt-dlp once per job, writing a single audio file
// into the job directory. Retries are left to yt-dlp itself.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr kept from a yt-dlp run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the wait between SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrTimeout is returned when yt-dlp exceeds Options.Timeout.
var ErrTimeout = errors.New("fetch timed out")

// Options configures the yt-dlp invocation.
type Options struct {
	Binary          string
	AudioFormat     string
	AudioQuality    string
	SocketTimeout   time.Duration
	Retries         int
	FragmentRetries int
	Timeout         time.Duration
	PlayerClients   []string
}

// YTDLP fetches audio with yt-dlp + ffmpeg.
type YTDLP struct {
	opts   Options
	logger *slog.Logger
}

// NewYTDLP creates a fetcher from opts.
func NewYTDLP(opts Options, logger *slog.Logger) *YTDLP {
	if opts.Binary == "" {
		opts.Binary = "yt-dlp"
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{opts: opts, logger: logger.With("component", "fetch")}
}

// Args returns the yt-dlp arguments used to fetch ref into dir.
func (y *YTDLP) Args(ref, dir string) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--newline",
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", y.opts.AudioFormat,
	}
	if y.opts.AudioQuality != "" {
		args = append(args, "--audio-quality", y.opts.AudioQuality)
	}
	if y.opts.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(y.opts.SocketTimeout.Seconds())))
	}
	if y.opts.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(y.opts.Retries))
	}
	if y.opts.FragmentRetries > 0 {
		args = append(args, "--fragment-retries", strconv.Itoa(y.opts.FragmentRetries))
	}
	if len(y.opts.PlayerClients) > 0 {
		args = append(args, "--extractor-args", "youtube:player_client="+strings.Join(y.opts.PlayerClients, ","))
	}
	args = append(args,
		"-o", filepath.Join(dir, "%(title)s.%(ext)s"),
		"--", ref,
	)
	return args
}

// Fetch runs yt-dlp for ref and blocks until it exits. The caller's ctx is only
// consulted before the process starts; the run is bounded by Options.Timeout.
func (y *YTDLP) Fetch(ctx context.Context, ref, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args := y.Args(ref, dir)
	logger := y.logger.With("dir", dir)
	logger.Info("starting yt-dlp", "url", ref)

	start := time.Now()
	stderr, err := run(y.opts.Binary, args, y.opts.Timeout, logger)
	if err != nil {
		if msg := lastErrorLine(stderr); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		logger.Warn("yt-dlp failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}

	logger.Info("yt-dlp finished", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// run executes binary, enforcing timeout with SIGTERM then SIGKILL after a
// grace period. A zero timeout disables enforcement.
func run(binary string, args []string, timeout time.Duration, logger *slog.Logger) (string, error) {
	// Not CommandContext: termination is managed here so SIGTERM comes first.
	cmd := exec.Command(binary, args...)

	stderr := &tailBuffer{max: maxStderrBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	// Orphaned children (ffmpeg) may hold the pipes open after yt-dlp exits.
	cmd.WaitDelay = time.Second

	logger.Debug("spawning process", "binary", binary, "args", args, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", binary, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-timeoutC:
		logger.Warn("process timed out, sending SIGTERM", "timeout", timeout)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("process exited after SIGTERM")
		case <-grace.C:
			logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return stderr.String(), fmt.Errorf("%w after %v", ErrTimeout, timeout)

	case err := <-waitErr:
		errOut := stderr.String()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return errOut, fmt.Errorf("%s exited with status %d", binary, exitErr.ExitCode())
			}
			return errOut, fmt.Errorf("wait for %s: %w", binary, err)
		}
		return errOut, nil
	}
}

// lastErrorLine returns the message of the last "ERROR:" line yt-dlp printed,
// or the last non-empty line when none is tagged.
func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if msg, ok := strings.CutPrefix(line, "ERROR:"); ok {
			return strings.TrimSpace(msg)
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
