package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attendance-mail/attendance/internal/pipeline"
)

// JobStatus represents the status of a triggered run
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error" // the run aborted
)

// Job is one triggered run
type Job struct {
	ID          string
	Mode        pipeline.Mode
	Status      JobStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *pipeline.Result
	Error       string

	mu sync.Mutex
}

// Finish records the outcome of the run
func (j *Job) Finish(res *pipeline.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Result = res
	j.CompletedAt = time.Now()
	j.Status = JobStatusCompleted
	if err != nil {
		j.Status = JobStatusError
		j.Error = err.Error()
	}
}

// ToJSON returns the job data for JSON serialization
func (j *Job) ToJSON() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	return map[string]interface{}{
		"id":           j.ID,
		"mode":         j.Mode,
		"status":       j.Status,
		"started_at":   j.StartedAt,
		"completed_at": j.CompletedAt,
		"result":       j.Result,
		"error":        j.Error,
	}
}

func (j *Job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusRunning
}

// JobManager tracks triggered runs and allows one at a time
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
	}
}

// Start creates a running job unless one is already running
func (jm *JobManager) Start(mode pipeline.Mode) (*Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		if job.running() {
			return job, false
		}
	}

	job := &Job{
		ID:        uuid.New().String(),
		Mode:      mode,
		Status:    JobStatusRunning,
		StartedAt: time.Now(),
	}
	jm.jobs[job.ID] = job
	return job, true
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.jobs[id]
}

// GetActive returns the currently running job, or nil if none
func (jm *JobManager) GetActive() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		if job.running() {
			return job
		}
	}
	return nil
}

// Cleanup removes finished jobs older than maxAge
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		if !job.running() && job.CompletedAt.Before(cutoff) {
			delete(jm.jobs, id)
		}
	}
}

// run executes fn for job and records its outcome
func (jm *JobManager) run(ctx context.Context, job *Job, fn func(context.Context) (*pipeline.Result, error)) {
	res, err := fn(ctx)
	job.Finish(res, err)
}
