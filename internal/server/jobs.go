package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job tracks one asynchronous destructive operation. Callers poll it by
// ID until Status reaches a terminal value.
type Job struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"` // pending, running, completed, failed
	Progress    *int    `json:"progress,omitempty"`
	Message     string  `json:"message,omitempty"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
	Error       *string `json:"error,omitempty"`
}

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobStore is an in-memory job registry. Completed jobs are retained for
// polling; the store trims itself past maxJobs.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

const maxJobs = 128

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

func (s *JobStore) Create(jobType string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    JobStatusPending,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	s.jobs[job.ID] = job
	s.trimLocked()
	return job
}

func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// SetRunning marks the job started.
func (s *JobStore) SetRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusRunning
	}
}

// SetProgress updates the percent and message of a running job.
func (s *JobStore) SetProgress(id string, percent int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		p := percent
		j.Progress = &p
		if message != "" {
			j.Message = message
		}
	}
}

// Finish records the terminal state.
func (s *JobStore) Finish(id string, success bool, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	j.CompletedAt = &now
	j.Message = message
	if success {
		j.Status = JobStatusCompleted
		p := 100
		j.Progress = &p
	} else {
		j.Status = JobStatusFailed
		e := message
		j.Error = &e
	}
}

// Recent returns up to limit jobs, newest first.
func (s *JobStore) Recent(limit int) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt > out[k].StartedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *JobStore) trimLocked() {
	if len(s.jobs) <= maxJobs {
		return
	}
	type entry struct {
		id      string
		started string
		done    bool
	}
	entries := make([]entry, 0, len(s.jobs))
	for id, j := range s.jobs {
		entries = append(entries, entry{id: id, started: j.StartedAt, done: j.CompletedAt != nil})
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].started < entries[k].started })
	for _, e := range entries {
		if len(s.jobs) <= maxJobs {
			break
		}
		if e.done {
			delete(s.jobs, e.id)
		}
	}
}
