// Package automation schedules recurring jobs that inject synthetic trigger
// messages into the queue. A job fires once at a fixed time, on a fixed
// interval (optionally anchored to an epoch), or on a cron expression with an
// IANA timezone; the scheduler owns next-run bookkeeping, misfire policy,
// overlap suppression, and execution dedup across restarts.
package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/direclaw/direclaw/pkg/envelope"
)

// Interval bounds for interval-scheduled jobs.
const (
	MinIntervalSeconds = 1
	MaxIntervalSeconds = 31_536_000 // one year
)

// Job states. Transitions form a DAG rooted at enabled; deleted is terminal.
const (
	StateEnabled  = "enabled"
	StatePaused   = "paused"
	StateDisabled = "disabled"
	StateDeleted  = "deleted"
)

// ErrScheduleExhausted reports a once schedule whose run time has passed.
var ErrScheduleExhausted = errors.New("schedule exhausted")

// Job is one persisted automation job.
type Job struct {
	ID             string `json:"id"`
	OrchestratorID string `json:"orchestrator_id"`

	// Exactly one of RunAt, CronExpr, or IntervalSeconds is set.
	RunAt           *time.Time `json:"run_at,omitempty"`
	CronExpr        string     `json:"cron_expr,omitempty"`
	Timezone        string     `json:"timezone,omitempty"` // IANA name; empty means UTC
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	// AnchorAt aligns interval firings to a fixed epoch instead of the time
	// the scheduler first saw the job.
	AnchorAt time.Time `json:"anchor_at,omitempty"`

	TargetAction string          `json:"target_action"` // workflow_start or command_invoke
	TargetRef    json.RawMessage `json:"target_ref"`

	State              string `json:"state"`
	AllowOverlap       bool   `json:"allow_overlap,omitempty"`
	SkipMissed         bool   `json:"skip_missed,omitempty"`
	FireOnceOnRecovery bool   `json:"fire_once_on_recovery,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validState(s string) bool {
	switch s {
	case StateEnabled, StatePaused, StateDisabled, StateDeleted:
		return true
	}
	return false
}

// CanTransition reports whether a job state change is allowed. Deleted is
// terminal; every other pair of distinct states is reachable.
func CanTransition(from, to string) bool {
	if !validState(from) || !validState(to) {
		return false
	}
	return from != StateDeleted && from != to
}

// Validate checks the job definition: schedule shape, cron syntax, timezone
// resolvability, interval bounds, state, and the target reference.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job without id")
	}
	if j.OrchestratorID == "" {
		return fmt.Errorf("job %s: missing orchestrator", j.ID)
	}
	if !validState(j.State) {
		return fmt.Errorf("job %s: invalid state %q", j.ID, j.State)
	}
	schedules := 0
	if j.RunAt != nil {
		schedules++
	}
	if j.CronExpr != "" {
		schedules++
	}
	if j.IntervalSeconds != 0 {
		schedules++
	}
	if schedules != 1 {
		return fmt.Errorf("job %s: exactly one of run_at, cron_expr, or interval_seconds required", j.ID)
	}
	if j.RunAt != nil && j.RunAt.IsZero() {
		return fmt.Errorf("job %s: run_at must be a real time", j.ID)
	}
	if j.CronExpr != "" {
		if !gronx.New().IsValid(j.CronExpr) {
			return fmt.Errorf("job %s: invalid cron expression %q", j.ID, j.CronExpr)
		}
		if j.Timezone != "" {
			if _, err := time.LoadLocation(j.Timezone); err != nil {
				return fmt.Errorf("job %s: unknown timezone %q", j.ID, j.Timezone)
			}
		}
	}
	if j.IntervalSeconds != 0 {
		if j.IntervalSeconds < MinIntervalSeconds || j.IntervalSeconds > MaxIntervalSeconds {
			return fmt.Errorf("job %s: interval_seconds %d outside [%d, %d]",
				j.ID, j.IntervalSeconds, MinIntervalSeconds, MaxIntervalSeconds)
		}
	} else if !j.AnchorAt.IsZero() {
		return fmt.Errorf("job %s: anchor_at only applies to interval schedules", j.ID)
	}
	switch j.TargetAction {
	case envelope.ActionWorkflowStart:
		var ref envelope.WorkflowStartRef
		if err := json.Unmarshal(j.TargetRef, &ref); err != nil || ref.WorkflowID == "" {
			return fmt.Errorf("job %s: workflow_start target requires workflowId", j.ID)
		}
	case envelope.ActionCommandInvoke:
		var ref envelope.CommandInvokeRef
		if err := json.Unmarshal(j.TargetRef, &ref); err != nil || ref.FunctionID == "" {
			return fmt.Errorf("job %s: command_invoke target requires functionId", j.ID)
		}
	default:
		return fmt.Errorf("job %s: invalid target_action %q", j.ID, j.TargetAction)
	}
	return nil
}

// location resolves the job's timezone, defaulting to UTC.
func (j *Job) location() (*time.Location, error) {
	if j.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(j.Timezone)
}

// NextRunAfter computes the first firing time strictly after t. A once
// schedule whose run time is not after t returns ErrScheduleExhausted.
func (j *Job) NextRunAfter(t time.Time) (time.Time, error) {
	if j.RunAt != nil {
		if j.RunAt.After(t) {
			return *j.RunAt, nil
		}
		return time.Time{}, ErrScheduleExhausted
	}
	if j.IntervalSeconds > 0 {
		every := time.Duration(j.IntervalSeconds) * time.Second
		if !j.AnchorAt.IsZero() {
			if t.Before(j.AnchorAt) {
				return j.AnchorAt, nil
			}
			steps := int64(t.Sub(j.AnchorAt)/every) + 1
			return j.AnchorAt.Add(time.Duration(steps) * every), nil
		}
		return t.Add(every), nil
	}
	loc, err := j.location()
	if err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(j.CronExpr, t.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return next, nil
}
