package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// ErrJobNotFound reports a job id with no record on disk.
var ErrJobNotFound = errors.New("automation job not found")

// recentExecutionCap bounds the dedup window persisted in scheduler state.
const recentExecutionCap = 2048

// JobState is the per-job scheduling bookkeeping inside SchedulerState.
type JobState struct {
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	// InFlight is the execution id currently running, empty when idle.
	InFlight string `json:"in_flight,omitempty"`
}

// SchedulerState is the persisted scheduler document at
// automation/scheduler_state.json.
type SchedulerState struct {
	Jobs map[string]*JobState `json:"jobs"`
	// RecentExecutions dedups trigger emission across restarts, newest last.
	RecentExecutions []string `json:"recent_executions,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Seen reports whether an execution id was already emitted.
func (s *SchedulerState) Seen(execID string) bool {
	for _, id := range s.RecentExecutions {
		if id == execID {
			return true
		}
	}
	return false
}

// Remember records an execution id, evicting the oldest past the cap.
func (s *SchedulerState) Remember(execID string) {
	s.RecentExecutions = append(s.RecentExecutions, execID)
	if n := len(s.RecentExecutions); n > recentExecutionCap {
		s.RecentExecutions = s.RecentExecutions[n-recentExecutionCap:]
	}
}

// ExecutionRecord is one entry in a job's run history.
type ExecutionRecord struct {
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id"`
	TriggeredAt time.Time `json:"triggered_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
}

// Store persists jobs, scheduler state, and run histories.
type Store struct {
	paths statepaths.StatePaths
	clk   clock.Clock
}

// NewStore builds an automation store over a bootstrapped state tree.
func NewStore(paths statepaths.StatePaths, clk clock.Clock) (*Store, error) {
	if err := paths.Verify(); err != nil {
		return nil, err
	}
	return &Store{paths: paths, clk: clk}, nil
}

// SaveJob validates and persists a job definition. An unset state means
// enabled.
func (s *Store) SaveJob(job *Job) error {
	if job.State == "" {
		job.State = StateEnabled
	}
	if err := job.Validate(); err != nil {
		return err
	}
	now := s.clk.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(s.paths.AutomationJobFile(job.ID), data)
}

// LoadJob reads one job definition.
func (s *Store) LoadJob(jobID string) (*Job, error) {
	data, err := os.ReadFile(s.paths.AutomationJobFile(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", jobID, err)
	}
	return &job, nil
}

// Transition moves a job to a new state. Deleted is terminal, so a deleted
// job rejects every further transition.
func (s *Store) Transition(jobID, to string) error {
	job, err := s.LoadJob(jobID)
	if err != nil {
		return err
	}
	if !CanTransition(job.State, to) {
		return fmt.Errorf("job %s: cannot move from %s to %s", jobID, job.State, to)
	}
	job.State = to
	return s.SaveJob(job)
}

// DeleteJob marks a job deleted. The definition and its run history are kept
// for audit; the scheduler never evaluates it again.
func (s *Store) DeleteJob(jobID string) error {
	return s.Transition(jobID, StateDeleted)
}

// ListJobs returns all jobs sorted by id. Unparsable files are skipped.
func (s *Store) ListJobs() ([]*Job, error) {
	entries, err := os.ReadDir(s.paths.AutomationJobs())
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		job, err := s.LoadJob(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// LoadState reads the scheduler state, returning an empty document when none
// exists yet.
func (s *Store) LoadState() (*SchedulerState, error) {
	data, err := os.ReadFile(s.paths.SchedulerState())
	if err != nil {
		if os.IsNotExist(err) {
			return &SchedulerState{Jobs: map[string]*JobState{}}, nil
		}
		return nil, err
	}
	var st SchedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse scheduler state: %w", err)
	}
	if st.Jobs == nil {
		st.Jobs = map[string]*JobState{}
	}
	return &st, nil
}

// SaveState persists the scheduler state atomically.
func (s *Store) SaveState(st *SchedulerState) error {
	st.UpdatedAt = s.clk.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(s.paths.SchedulerState(), data)
}

// AppendExecution writes one run-history record under
// automation/runs/<job_id>/<ts>-<execution_id>.json.
func (s *Store) AppendExecution(rec *ExecutionRecord) error {
	dir := s.paths.AutomationRuns(rec.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.json",
		rec.TriggeredAt.Unix(), queue.SanitizeFilenameComponent(rec.ExecutionID))
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(filepath.Join(dir, name), data)
}

// ListExecutions returns a job's run history, oldest first.
func (s *Store) ListExecutions(jobID string) ([]*ExecutionRecord, error) {
	dir := s.paths.AutomationRuns(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var recs []*ExecutionRecord
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec ExecutionRecord
		if json.Unmarshal(data, &rec) == nil {
			recs = append(recs, &rec)
		}
	}
	return recs, nil
}
