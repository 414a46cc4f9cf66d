package api

import "time"

// DownloadRequest is the JSON body for POST /api/download
type DownloadRequest struct {
	URL string `json:"url"`
}

// RootResponse is returned by GET /
type RootResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	JobsInFlight  int        `json:"jobs_in_flight"`
	WorkerSlots   int        `json:"worker_slots"`
	NamespaceRoot string     `json:"namespace_root"`
	LastSweepAt   *time.Time `json:"last_sweep_at,omitempty"`
	LastSweepRun  string     `json:"last_sweep_run,omitempty"`
}
