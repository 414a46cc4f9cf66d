// Package doctor checks a tubeaudio installation: config, external tools and
// the namespace root.
package doctor

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattjoyce/tubeaudio/internal/config"
	"github.com/mattjoyce/tubeaudio/internal/storage"
)

// ttlHeadroom is the minimum TTL to fetch timeout ratio considered comfortable.
const ttlHeadroom = 10

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg *config.Config

	lookPath      func(string) (string, error)
	inspectRoot   func(string) (storage.RootInfo, error)
	probeWritable func(string) error
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:           cfg,
		lookPath:      exec.LookPath,
		inspectRoot:   storage.InspectRoot,
		probeWritable: storage.ProbeWritable,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateTools(r)
	d.validateNamespaceRoot(r)
	d.warnTTLHeadroom(r)
	d.warnAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

// validateTools checks yt-dlp and ffmpeg are reachable. yt-dlp shells out to
// ffmpeg for audio extraction.
func (d *Doctor) validateTools(r *Result) {
	if _, err := d.lookPath(d.cfg.Fetch.Binary); err != nil {
		d.addError(r, "tools", "fetch.binary", fmt.Sprintf("%s not found: %v", d.cfg.Fetch.Binary, err))
	}
	if _, err := d.lookPath("ffmpeg"); err != nil {
		d.addError(r, "tools", "", "ffmpeg not found on PATH; audio extraction will fail")
	}
}

func (d *Doctor) validateNamespaceRoot(r *Result) {
	root := d.cfg.Workspace.NamespaceRoot
	if strings.TrimSpace(root) == "" {
		return
	}

	if err := d.probeWritable(root); err != nil {
		d.addError(r, "workspace", "workspace.namespace_root", err.Error())
		return
	}

	info, err := d.inspectRoot(root)
	if err != nil {
		d.addWarning(r, "workspace", "workspace.namespace_root", fmt.Sprintf("could not detect filesystem: %v", err))
		return
	}
	if info.Network {
		d.addWarning(r, "workspace", "workspace.namespace_root",
			fmt.Sprintf("%q is on network filesystem %q; directory mtimes used for expiry may be skewed", root, info.FSType))
	}
}

func (d *Doctor) warnTTLHeadroom(r *Result) {
	ttl := d.cfg.Workspace.TTL()
	timeout := d.cfg.Fetch.Timeout
	if ttl <= 0 || timeout <= 0 || d.cfg.Workspace.HeartbeatInterval > 0 {
		return
	}
	if ttl < ttlHeadroom*timeout {
		d.addWarning(r, "workspace", "workspace.artifact_ttl_seconds",
			fmt.Sprintf("TTL %s is less than %dx fetch.timeout %s with heartbeat disabled; slow downloads may be swept", ttl, ttlHeadroom, timeout))
	}
}

func (d *Doctor) warnAuth(r *Result) {
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key", "no API key configured; /events and /admin routes are disabled")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("All checks passed.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("All checks passed")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
