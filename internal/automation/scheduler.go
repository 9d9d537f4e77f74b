package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/pkg/envelope"
)

// Scheduler evaluates jobs on a fixed cadence and emits trigger messages
// into the incoming queue. It holds no in-memory job cache: every tick reads
// the job files, so CLI mutations take effect on the next tick.
type Scheduler struct {
	store *Store
	queue *queue.Store
	logs  *logging.Set
	clk   clock.Clock

	// recovering is true until the first tick completes; jobs whose due
	// time predates startup follow their fire_once_on_recovery policy then.
	recovering bool
}

// NewScheduler builds a scheduler. The first tick applies recovery policy to
// jobs whose next run was missed while the process was down.
func NewScheduler(store *Store, q *queue.Store, logs *logging.Set, clk clock.Clock) *Scheduler {
	return &Scheduler{store: store, queue: q, logs: logs, clk: clk, recovering: true}
}

// ExecutionID derives the deterministic execution id for a job firing at a
// given due time. Determinism is what makes cross-restart dedup possible.
func ExecutionID(jobID string, dueAt time.Time) string {
	return fmt.Sprintf("exec-%s-%d", queue.SanitizeFilenameComponent(jobID), dueAt.Unix())
}

// Run ticks the scheduler until the context is canceled. beat, when non-nil,
// is called after every tick (the supervisor wires its worker heartbeat here).
func (s *Scheduler) Run(ctx context.Context, tick time.Duration, beat func()) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logs.Runtime.Event("scheduler.tick_error", "error", err.Error())
		}
		if beat != nil {
			beat()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick evaluates every enabled job once. Paused, disabled, and deleted jobs
// keep their state entries but never fire.
func (s *Scheduler) Tick(ctx context.Context) error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	state, err := s.store.LoadState()
	if err != nil {
		return err
	}
	now := s.clk.Now()
	dirty := false
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if job.State != StateEnabled {
			continue
		}
		changed, err := s.evaluate(job, state, now)
		if err != nil {
			s.logs.Runtime.Event("scheduler.job_error", "job", job.ID, "error", err.Error())
			continue
		}
		dirty = dirty || changed
	}
	s.recovering = false
	if dirty {
		return s.store.SaveState(state)
	}
	return nil
}

func (s *Scheduler) evaluate(job *Job, state *SchedulerState, now time.Time) (bool, error) {
	js := state.Jobs[job.ID]
	if js == nil {
		js = &JobState{}
		state.Jobs[job.ID] = js
	}
	if js.NextRunAt.IsZero() {
		if job.RunAt != nil {
			// A once job is due at its run time even when that passed while
			// no scheduler was watching.
			js.NextRunAt = *job.RunAt
			return true, nil
		}
		next, err := job.NextRunAfter(now)
		if err != nil {
			return false, err
		}
		js.NextRunAt = next
		return true, nil
	}
	if now.Before(js.NextRunAt) {
		return false, nil
	}

	due := js.NextRunAt
	missed := false
	if job.SkipMissed {
		// Advance past every missed window, keeping the most recent due
		// time: the job fires at most once per tick regardless of downtime.
		for {
			next, err := job.NextRunAfter(due)
			if err != nil {
				if errors.Is(err, ErrScheduleExhausted) {
					break
				}
				return false, err
			}
			if next.After(now) {
				break
			}
			due = next
			missed = true
		}
	}

	// skip_missed drops late windows on every tick, not just on recovery;
	// fire_once_on_recovery fires the most recent window missed while stopped.
	if missed && !(s.recovering && job.FireOnceOnRecovery) {
		next, err := job.NextRunAfter(now)
		if err != nil {
			return false, err
		}
		js.NextRunAt = next
		s.logs.Runtime.Event("scheduler.misfire.skip_missed", "job", job.ID, "missed_due", due.Format(time.RFC3339))
		return true, nil
	}

	if !job.AllowOverlap && js.InFlight != "" {
		next, err := job.NextRunAfter(now)
		if err != nil {
			if errors.Is(err, ErrScheduleExhausted) {
				return false, nil // retry once the execution completes
			}
			return false, err
		}
		js.NextRunAt = next
		s.logs.Runtime.Event("scheduler.trigger.suppressed_overlap", "job", job.ID, "in_flight", js.InFlight)
		return true, nil
	}

	execID := ExecutionID(job.ID, due)
	next, err := job.NextRunAfter(due)
	exhausted := errors.Is(err, ErrScheduleExhausted)
	if err != nil && !exhausted {
		return false, err
	}
	if !exhausted && !next.After(due) {
		// Interval and cron math both guarantee strict progress; guard
		// against a zero interval slipping through anyway.
		next = due.Add(time.Second)
	}
	if exhausted {
		next = due
	}
	if state.Seen(execID) {
		js.NextRunAt = next
		if exhausted {
			s.disableExhausted(job)
		}
		return true, nil
	}

	if err := s.emit(job, execID, now); err != nil {
		return false, err
	}
	state.Remember(execID)
	js.LastRunAt = due
	js.NextRunAt = next
	js.InFlight = execID

	if exhausted {
		// Once schedules are spent after their single firing.
		s.disableExhausted(job)
	}
	return true, nil
}

func (s *Scheduler) disableExhausted(job *Job) {
	job.State = StateDisabled
	if err := s.store.SaveJob(job); err != nil {
		s.logs.Runtime.Event("scheduler.job_disable_failed", "job", job.ID, "error", err.Error())
	}
}

// emit writes the synthetic trigger message and the run-history record.
func (s *Scheduler) emit(job *Job, execID string, now time.Time) error {
	trigger := &envelope.Trigger{
		JobID:          job.ID,
		ExecutionID:    execID,
		TriggeredAt:    now,
		OrchestratorID: job.OrchestratorID,
		TargetAction:   job.TargetAction,
		TargetRef:      job.TargetRef,
	}
	body, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	_, err = s.queue.WriteIncoming(&queue.IncomingMessage{
		Channel:   "scheduler",
		SenderID:  "scheduler",
		Message:   string(body),
		Timestamp: now.Unix(),
		MessageID: execID,
	})
	if err != nil {
		return err
	}
	s.logs.Runtime.Event("scheduler.trigger.dispatched",
		"job", job.ID, "execution", execID, "action", job.TargetAction)
	return s.store.AppendExecution(&ExecutionRecord{
		ExecutionID: execID,
		JobID:       job.ID,
		TriggeredAt: now,
		Outcome:     "triggered",
	})
}

// CompleteExecution clears a job's in-flight marker and records the outcome
// in the run history. Unknown executions are ignored.
func (s *Scheduler) CompleteExecution(jobID, execID, outcome string) error {
	state, err := s.store.LoadState()
	if err != nil {
		return err
	}
	js := state.Jobs[jobID]
	if js != nil && js.InFlight == execID {
		js.InFlight = ""
		if err := s.store.SaveState(state); err != nil {
			return err
		}
	}
	recs, err := s.store.ListExecutions(jobID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.ExecutionID == execID {
			rec.CompletedAt = s.clk.Now()
			rec.Outcome = outcome
			return s.store.AppendExecution(rec)
		}
	}
	return nil
}
