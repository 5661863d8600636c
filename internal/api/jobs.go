package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Job is a pinning run started through the API.
type Job struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	RunID      string     `json:"run_id"`
	Apps       []string   `json:"apps,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobRequest asks for a pinning run. ROEConfirm must be true.
type JobRequest struct {
	Type       string   `json:"type"`
	RunID      string   `json:"run_id"`
	Apps       []string `json:"apps"`
	Relay      bool     `json:"relay"`
	WaitTime   string   `json:"wait_time,omitempty"`
	StaticOnly bool     `json:"static_only"`
	ROEConfirm bool     `json:"roe_confirm"`
}

// JobManager keeps jobs in memory and fans updates out to subscribers.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	subscribers map[chan Job]struct{}
	maxJobs     int
	dropped     int
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		subscribers: make(map[chan Job]struct{}),
		maxJobs:     1000,
	}
}

// ErrBusy is returned when an exclusive job is already pending or running.
var ErrBusy = errors.New("a pinning job is already running")

func (m *JobManager) CreateJob(jobType, runID string, apps []string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(jobType, runID, apps)
}

// CreateExclusiveJob creates a job only when no other job is pending or running.
// Pinning runs share one proxy port.
func (m *JobManager) CreateExclusiveJob(jobType, runID string, apps []string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy() {
		return nil, ErrBusy
	}
	return m.create(jobType, runID, apps), nil
}

func (m *JobManager) create(jobType, runID string, apps []string) *Job {
	job := &Job{
		ID:        generateID("job"),
		Type:      jobType,
		Status:    JobPending,
		RunID:     runID,
		Apps:      append([]string(nil), apps...),
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	m.prune()
	m.broadcast(*job)
	out := *job
	return &out
}

func (m *JobManager) UpdateJob(id string, update func(*Job)) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	update(job)
	m.broadcast(*job)
	out := *job
	return &out
}

func (m *JobManager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		out := *job
		return &out
	}
	return nil
}

// ListJobs returns up to limit jobs, newest first.
func (m *JobManager) ListJobs(limit int) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// Busy reports whether a job is pending or running.
func (m *JobManager) Busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy()
}

func (m *JobManager) busy() bool {
	for _, job := range m.jobs {
		if job.Status == JobPending || job.Status == JobRunning {
			return true
		}
	}
	return false
}

func (m *JobManager) Subscribe() (chan Job, func()) {
	ch := make(chan Job, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// Dropped is the number of updates skipped because a subscriber was full.
func (m *JobManager) Dropped() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

func (m *JobManager) broadcast(job Job) {
	for ch := range m.subscribers {
		select {
		case ch <- job:
		default:
			m.dropped++
		}
	}
}

// prune removes the oldest finished jobs once maxJobs is exceeded. Caller holds mu.
func (m *JobManager) prune() {
	if len(m.jobs) <= m.maxJobs {
		return
	}
	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, job := range m.jobs {
		if job.Status != JobDone && job.Status != JobError {
			continue
		}
		at := job.CreatedAt
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		done = append(done, finished{id: id, at: at})
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })

	toRemove := len(m.jobs) - m.maxJobs
	if toRemove > len(done) {
		toRemove = len(done)
	}
	for i := 0; i < toRemove; i++ {
		delete(m.jobs, done[i].id)
	}
}

// SetMaxJobs configures the maximum number of jobs to retain in memory
func (m *JobManager) SetMaxJobs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxJobs = n
	}
}

func generateID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
