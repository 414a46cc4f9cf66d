package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tubeaudio/internal/jobs"
	"github.com/mattjoyce/tubeaudio/internal/offload"
	"github.com/mattjoyce/tubeaudio/internal/validate"
)

const maxRequestBody = 64 << 10

var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// handleRoot handles GET /.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, RootResponse{
		App:     "tubeaudio",
		Version: s.config.Version,
		Docs:    `POST /api/download {"url": "<youtube url>"} returns the audio file`,
	})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		NamespaceRoot: s.config.NamespaceRoot,
	}
	if s.workers != nil {
		resp.JobsInFlight = s.workers.InFlight()
		resp.WorkerSlots = s.workers.Size()
	}
	if s.janitor != nil {
		if last, ok := s.janitor.Last(); ok {
			at := last.StartedAt
			resp.LastSweepAt = &at
			resp.LastSweepRun = last.RunID
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleDownload handles POST /api/download. It blocks until the artifact is
// ready and streams it back. The file stays on disk for the janitor.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "url is required")
		return
	}

	ref, err := validate.YouTubeURL(req.URL)
	switch {
	case errors.Is(err, validate.ErrNotYouTube):
		s.writeError(w, http.StatusBadRequest, "url is not a YouTube video")
		return
	case err != nil:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	art, err := s.producer.Produce(r.Context(), ref)
	if err != nil {
		s.writeProduceError(w, r, err)
		return
	}

	f, err := os.Open(art.Path)
	if err != nil {
		s.logger.Error("artifact vanished before streaming", "job_id", art.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "artifact missing")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "artifact missing")
		return
	}

	contentType, ok := audioContentTypes[strings.ToLower(filepath.Ext(art.Name))]
	if !ok {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Name}))
	w.Header().Set("X-Job-ID", art.JobID)
	http.ServeContent(w, r, art.Name, info.ModTime(), f)
}

func (s *Server) writeProduceError(w http.ResponseWriter, r *http.Request, err error) {
	var jerr *jobs.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Info("client went away before artifact was ready",
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, offload.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, jobs.ErrStorageUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.As(err, &jerr) && errors.Is(err, jobs.ErrExternalFetchFailed):
		s.writeError(w, http.StatusBadGateway, "download failed: "+errorDetail(jerr))
	case errors.Is(err, jobs.ErrArtifactMissing):
		s.writeError(w, http.StatusInternalServerError, "download produced no audio file")
	default:
		s.logger.Error("unexpected produce error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorDetail(jerr *jobs.Error) string {
	if jerr.Err == nil {
		return jerr.Kind.Error()
	}
	return jerr.Err.Error()
}

// handleSweep handles POST /admin/sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.janitor.Sweep(r.Context()))
}

// handlePurge handles POST /admin/purge.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	result, err := s.janitor.Purge(r.Context())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
