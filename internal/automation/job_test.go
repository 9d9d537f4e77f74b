package automation

import (
	"encoding/json"
	"testing"
	"time"
)

func workflowRef() json.RawMessage {
	return json.RawMessage(`{"workflowId":"triage"}`)
}

func intervalJob(id string, seconds int) *Job {
	return &Job{
		ID:              id,
		OrchestratorID:  "main",
		IntervalSeconds: seconds,
		TargetAction:    "workflow_start",
		TargetRef:       workflowRef(),
		State:           StateEnabled,
	}
}

func onceJob(id string, at time.Time) *Job {
	return &Job{
		ID:             id,
		OrchestratorID: "main",
		RunAt:          &at,
		TargetAction:   "workflow_start",
		TargetRef:      workflowRef(),
		State:          StateEnabled,
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Job)
		wantErr bool
	}{
		{"interval job", func(j *Job) {}, false},
		{"interval at minimum", func(j *Job) { j.IntervalSeconds = MinIntervalSeconds }, false},
		{"interval at maximum", func(j *Job) { j.IntervalSeconds = MaxIntervalSeconds }, false},
		{"cron job", func(j *Job) {
			j.IntervalSeconds = 0
			j.CronExpr = "*/15 * * * *"
		}, false},
		{"cron with timezone", func(j *Job) {
			j.IntervalSeconds = 0
			j.CronExpr = "0 9 * * 1-5"
			j.Timezone = "America/New_York"
		}, false},
		{"command target", func(j *Job) {
			j.TargetAction = "command_invoke"
			j.TargetRef = json.RawMessage(`{"functionId":"queue_stats"}`)
		}, false},
		{"once job", func(j *Job) {
			j.IntervalSeconds = 0
			at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
			j.RunAt = &at
		}, false},
		{"anchored interval", func(j *Job) {
			j.AnchorAt = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		}, false},
		{"paused state", func(j *Job) { j.State = StatePaused }, false},
		{"missing id", func(j *Job) { j.ID = "" }, true},
		{"missing orchestrator", func(j *Job) { j.OrchestratorID = "" }, true},
		{"both schedules", func(j *Job) { j.CronExpr = "* * * * *" }, true},
		{"once plus interval", func(j *Job) {
			at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
			j.RunAt = &at
		}, true},
		{"no schedule", func(j *Job) { j.IntervalSeconds = 0 }, true},
		{"zero run_at", func(j *Job) {
			j.IntervalSeconds = 0
			j.RunAt = &time.Time{}
		}, true},
		{"anchor without interval", func(j *Job) {
			j.IntervalSeconds = 0
			j.CronExpr = "* * * * *"
			j.AnchorAt = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		}, true},
		{"unknown state", func(j *Job) { j.State = "dormant" }, true},
		{"empty state", func(j *Job) { j.State = "" }, true},
		{"invalid cron", func(j *Job) {
			j.IntervalSeconds = 0
			j.CronExpr = "not a cron"
		}, true},
		{"unknown timezone", func(j *Job) {
			j.IntervalSeconds = 0
			j.CronExpr = "* * * * *"
			j.Timezone = "Mars/Olympus"
		}, true},
		{"interval below minimum", func(j *Job) { j.IntervalSeconds = -5 }, true},
		{"interval above maximum", func(j *Job) { j.IntervalSeconds = MaxIntervalSeconds + 1 }, true},
		{"workflow target without id", func(j *Job) { j.TargetRef = json.RawMessage(`{}`) }, true},
		{"command target without function", func(j *Job) {
			j.TargetAction = "command_invoke"
			j.TargetRef = json.RawMessage(`{"args":{}}`)
		}, true},
		{"invalid action", func(j *Job) { j.TargetAction = "reboot" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := intervalJob("nightly", 60)
			tt.mutate(job)
			err := job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextRunAfter_Interval(t *testing.T) {
	job := intervalJob("j", 300)
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	next, err := job.NextRunAfter(base)
	if err != nil {
		t.Fatal(err)
	}
	if want := base.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunAfter_IntervalAnchor(t *testing.T) {
	job := intervalJob("j", 3600)
	job.AnchorAt = time.Date(2024, 4, 1, 0, 30, 0, 0, time.UTC)

	// Before the anchor the first firing is the anchor itself.
	early := time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)
	next, err := job.NextRunAfter(early)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(job.AnchorAt) {
		t.Errorf("next = %v, want the anchor %v", next, job.AnchorAt)
	}

	// Past the anchor, firings stay on the anchor grid regardless of when
	// the question is asked.
	late := time.Date(2024, 4, 1, 12, 47, 13, 0, time.UTC)
	next, err = job.NextRunAfter(late)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 4, 1, 13, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Exactly on a grid point advances to the following one.
	onGrid := time.Date(2024, 4, 1, 13, 30, 0, 0, time.UTC)
	next, err = job.NextRunAfter(onGrid)
	if err != nil {
		t.Fatal(err)
	}
	if want := onGrid.Add(time.Hour); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunAfter_Once(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	job := onceJob("j", at)

	next, err := job.NextRunAfter(at.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}

	if _, err := job.NextRunAfter(at); err != ErrScheduleExhausted {
		t.Errorf("at the run time: err = %v, want ErrScheduleExhausted", err)
	}
	if _, err := job.NextRunAfter(at.Add(time.Hour)); err != ErrScheduleExhausted {
		t.Errorf("past the run time: err = %v, want ErrScheduleExhausted", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateEnabled, StatePaused, true},
		{StateEnabled, StateDisabled, true},
		{StateEnabled, StateDeleted, true},
		{StatePaused, StateEnabled, true},
		{StateDisabled, StateEnabled, true},
		{StatePaused, StateDeleted, true},
		{StateDeleted, StateEnabled, false},
		{StateDeleted, StateDeleted, false},
		{StateEnabled, StateEnabled, false},
		{"dormant", StateEnabled, false},
		{StateEnabled, "dormant", false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNextRunAfter_Cron(t *testing.T) {
	job := intervalJob("j", 0)
	job.CronExpr = "*/15 * * * *"
	base := time.Date(2024, 4, 1, 12, 7, 30, 0, time.UTC)
	next, err := job.NextRunAfter(base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 4, 1, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	// Strict progress: firing exactly on a boundary advances to the next one.
	next2, err := job.NextRunAfter(next)
	if err != nil {
		t.Fatal(err)
	}
	if !next2.After(next) {
		t.Errorf("next run %v not after %v", next2, next)
	}
}

func TestNextRunAfter_CronTimezone(t *testing.T) {
	job := intervalJob("j", 0)
	job.CronExpr = "0 9 * * *"
	job.Timezone = "America/New_York"
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	base := time.Date(2024, 4, 1, 8, 30, 0, 0, loc)
	next, err := job.NextRunAfter(base.UTC())
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 4, 1, 9, 0, 0, 0, loc); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}
