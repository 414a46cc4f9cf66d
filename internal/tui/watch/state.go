package watch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/janitor"
)

const (
	maxJobs   = 50
	maxSweeps = 10
)

// Job statuses shown in the jobs table.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// JobState is the watch view of one job namespace.
type JobState struct {
	ID        string
	Ref       string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	File      string
	Size      int64
	Stage     string
	Error     string
}

// SweepState summarizes one janitor run or purge.
type SweepState struct {
	RunID   string
	At      time.Time
	Purge   bool
	Scanned int
	Deleted int
	Failed  int
	Error   string
}

// State holds everything derived from the event stream.
type State struct {
	jobs   map[string]*JobState
	order  []string // newest first
	sweeps []SweepState
}

func NewState() *State {
	return &State{jobs: make(map[string]*JobState)}
}

// Jobs returns tracked jobs, newest first.
func (s *State) Jobs() []*JobState {
	out := make([]*JobState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	return out
}

// Sweeps returns recent janitor runs, newest first.
func (s *State) Sweeps() []SweepState {
	return s.sweeps
}

// Apply folds one event into the state. Unknown event types are ignored.
func (s *State) Apply(e events.Event) {
	switch e.Type {
	case events.JobStarted:
		var d struct {
			JobID string `json:"job_id"`
			Ref   string `json:"ref"`
		}
		if json.Unmarshal(e.Data, &d) != nil || d.JobID == "" {
			return
		}
		j := s.job(d.JobID)
		j.Ref = d.Ref
		j.Status = StatusRunning
		j.StartedAt = e.At

	case events.JobSucceeded:
		var d struct {
			JobID string `json:"job_id"`
			File  string `json:"file"`
			Size  int64  `json:"size"`
		}
		if json.Unmarshal(e.Data, &d) != nil || d.JobID == "" {
			return
		}
		j := s.job(d.JobID)
		j.Status = StatusSucceeded
		j.File = d.File
		j.Size = d.Size
		j.EndedAt = e.At

	case events.JobFailed:
		var d struct {
			JobID string `json:"job_id"`
			Stage string `json:"stage"`
			Error string `json:"error"`
		}
		if json.Unmarshal(e.Data, &d) != nil || d.JobID == "" {
			return
		}
		j := s.job(d.JobID)
		j.Status = StatusFailed
		j.Stage = d.Stage
		j.Error = d.Error
		j.EndedAt = e.At

	case events.JanitorSwept:
		var r janitor.Report
		if json.Unmarshal(e.Data, &r) != nil {
			return
		}
		for _, rm := range r.Deleted {
			if j, ok := s.jobs[rm.JobID]; ok {
				j.Status = StatusExpired
			}
		}
		s.pushSweep(SweepState{
			RunID:   r.RunID,
			At:      r.StartedAt,
			Scanned: r.Scanned,
			Deleted: len(r.Deleted),
			Failed:  len(r.Failed),
			Error:   r.Error,
		})

	case events.JanitorPurged:
		var r janitor.PurgeResult
		if json.Unmarshal(e.Data, &r) != nil {
			return
		}
		for _, j := range s.jobs {
			j.Status = StatusExpired
		}
		s.pushSweep(SweepState{
			RunID:   r.RunID,
			At:      e.At,
			Purge:   true,
			Deleted: r.Removed,
			Error:   r.Error,
		})
	}
}

func (s *State) job(id string) *JobState {
	if j, ok := s.jobs[id]; ok {
		return j
	}
	j := &JobState{ID: id}
	s.jobs[id] = j
	s.order = append([]string{id}, s.order...)
	if len(s.order) > maxJobs {
		for _, old := range s.order[maxJobs:] {
			delete(s.jobs, old)
		}
		s.order = s.order[:maxJobs]
	}
	return j
}

func (s *State) pushSweep(sw SweepState) {
	s.sweeps = append([]SweepState{sw}, s.sweeps...)
	if len(s.sweeps) > maxSweeps {
		s.sweeps = s.sweeps[:maxSweeps]
	}
}
